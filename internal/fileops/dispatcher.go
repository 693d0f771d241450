// Package fileops implements the server side of the SFTP v3 file-transfer
// protocol: a stateful request dispatcher with an opaque handle table.
package fileops

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// handle pairs an issued opaque token with its open descriptor. Raw fd
// numbers never appear on the wire.
type handle struct {
	file   *os.File
	dir    bool
	append bool
}

// Dispatcher serves one file-transfer channel. A fresh Dispatcher is
// created per channel; Serve returns when the channel closes and reclaims
// any handles the client leaked.
type Dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Dispatcher{
		log:     logger,
		handles: make(map[string]*handle),
	}
}

// Serve runs the request loop until rw is closed or unrecoverably broken.
// Each request produces exactly one response carrying the request id.
func (d *Dispatcher) Serve(rw io.ReadWriter) error {
	defer d.closeAll()
	for {
		body, err := readPacket(rw)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		resp, err := d.dispatch(body)
		if err != nil {
			return err
		}
		if resp != nil {
			if err := writePacket(rw, resp.b); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) dispatch(body []byte) (*writer, error) {
	pktType := body[0]
	r := &reader{b: body, off: 1}

	if pktType == pktInit {
		return newWriter(pktVersion).uint32(protoVersion), nil
	}

	id, err := r.uint32()
	if err != nil {
		// No id to echo; the only honest reply is a hard error.
		return nil, fmt.Errorf("request without id: %w", err)
	}

	switch pktType {
	case pktOpen:
		return d.open(id, r), nil
	case pktClose:
		return d.close(id, r), nil
	case pktRead:
		return d.read(id, r), nil
	case pktWrite:
		return d.write(id, r), nil
	case pktStat, pktLstat:
		return d.stat(id, r, pktType == pktLstat), nil
	case pktFstat:
		return d.fstat(id, r), nil
	case pktOpendir:
		return d.opendir(id, r), nil
	case pktReaddir:
		return d.readdir(id, r), nil
	case pktRemove:
		return d.remove(id, r), nil
	case pktMkdir:
		return d.mkdir(id, r), nil
	case pktRmdir:
		return d.rmdir(id, r), nil
	case pktRealpath:
		return d.realpath(id, r), nil
	case pktRename:
		return d.rename(id, r), nil
	default:
		return status(id, StatusOpUnsupported, "unsupported request type"), nil
	}
}

func status(id uint32, code Status, msg string) *writer {
	if msg == "" {
		msg = code.String()
	}
	return newWriter(pktStatus).uint32(id).uint32(uint32(code)).string(msg).string("en")
}

func statusErr(id uint32, err error) *writer {
	return status(id, statusFor(err), err.Error())
}

func (d *Dispatcher) newHandle(h *handle) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	d.mu.Lock()
	d.handles[token] = h
	d.mu.Unlock()
	return token
}

func (d *Dispatcher) lookup(token string) (*handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[token]
	return h, ok
}

func (d *Dispatcher) drop(token string) (*handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[token]
	if ok {
		delete(d.handles, token)
	}
	return h, ok
}

func (d *Dispatcher) closeAll() {
	d.mu.Lock()
	leaked := len(d.handles)
	for token, h := range d.handles {
		_ = h.file.Close()
		delete(d.handles, token)
	}
	d.mu.Unlock()
	if leaked > 0 {
		d.log.Debug("reclaimed leaked file handles", "count", leaked)
	}
}

// translateFlags maps protocol open bits onto the minimal equivalent local
// open mode.
func translateFlags(pflags uint32) (int, bool) {
	var mode int
	switch {
	case pflags&flagRead != 0 && pflags&flagWrite != 0:
		mode = os.O_RDWR
	case pflags&flagWrite != 0:
		mode = os.O_WRONLY
	default:
		mode = os.O_RDONLY
	}
	appendMode := pflags&flagAppend != 0
	if pflags&flagCreate != 0 {
		mode |= os.O_CREATE
	}
	if pflags&flagTrunc != 0 {
		mode |= os.O_TRUNC
	}
	if pflags&flagExcl != 0 {
		mode |= os.O_EXCL
	}
	return mode, appendMode
}

func (d *Dispatcher) open(id uint32, r *reader) *writer {
	path, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	pflags, err := r.uint32()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	if err := r.skipAttrs(); err != nil {
		return status(id, StatusBadMessage, "")
	}
	mode, appendMode := translateFlags(pflags)
	f, err := os.OpenFile(path, mode, 0o644)
	if err != nil {
		return statusErr(id, err)
	}
	token := d.newHandle(&handle{file: f, append: appendMode})
	return newWriter(pktHandle).uint32(id).string(token)
}

func (d *Dispatcher) close(id uint32, r *reader) *writer {
	token, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	h, ok := d.drop(token)
	if !ok {
		return status(id, StatusNoSuchFile, "unknown handle")
	}
	if err := h.file.Close(); err != nil {
		return statusErr(id, err)
	}
	return status(id, StatusOK, "")
}

func (d *Dispatcher) read(id uint32, r *reader) *writer {
	token, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	offset, err := r.uint64()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	length, err := r.uint32()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	h, ok := d.lookup(token)
	if !ok || h.dir {
		return status(id, StatusNoSuchFile, "unknown handle")
	}
	if length > maxPacket-64 {
		length = maxPacket - 64
	}
	buf := make([]byte, length)
	n, err := h.file.ReadAt(buf, int64(offset))
	if n > 0 {
		return newWriter(pktData).uint32(id).bytes(buf[:n])
	}
	if err == nil || errors.Is(err, io.EOF) {
		// Zero bytes at offset means end of file, not an error.
		return status(id, StatusEOF, "")
	}
	return statusErr(id, err)
}

func (d *Dispatcher) write(id uint32, r *reader) *writer {
	token, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	offset, err := r.uint64()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	data, err := r.bytes()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	h, ok := d.lookup(token)
	if !ok || h.dir {
		return status(id, StatusNoSuchFile, "unknown handle")
	}
	var n int
	if h.append {
		n, err = h.file.Write(data)
	} else {
		n, err = h.file.WriteAt(data, int64(offset))
	}
	if err != nil {
		return statusErr(id, err)
	}
	if n != len(data) {
		return status(id, StatusFailure, "short write")
	}
	return status(id, StatusOK, "")
}

func (d *Dispatcher) stat(id uint32, r *reader, lstat bool) *writer {
	path, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	var fi os.FileInfo
	if lstat {
		fi, err = os.Lstat(path)
	} else {
		fi, err = os.Stat(path)
	}
	if err != nil {
		return statusErr(id, err)
	}
	return newWriter(pktAttrs).uint32(id).attrs(attrsFromInfo(fi))
}

func (d *Dispatcher) fstat(id uint32, r *reader) *writer {
	token, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	h, ok := d.lookup(token)
	if !ok {
		return status(id, StatusNoSuchFile, "unknown handle")
	}
	fi, err := h.file.Stat()
	if err != nil {
		return statusErr(id, err)
	}
	return newWriter(pktAttrs).uint32(id).attrs(attrsFromInfo(fi))
}

func (d *Dispatcher) opendir(id uint32, r *reader) *writer {
	path, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	f, err := os.Open(path)
	if err != nil {
		return statusErr(id, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return statusErr(id, err)
	}
	if !fi.IsDir() {
		_ = f.Close()
		return status(id, StatusFailure, "not a directory")
	}
	token := d.newHandle(&handle{file: f, dir: true})
	return newWriter(pktHandle).uint32(id).string(token)
}

func (d *Dispatcher) readdir(id uint32, r *reader) *writer {
	token, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	h, ok := d.lookup(token)
	if !ok || !h.dir {
		return status(id, StatusNoSuchFile, "unknown handle")
	}
	infos, err := h.file.Readdir(128)
	if len(infos) == 0 {
		// Exhausted directory reports end-of-file so the client stops
		// iterating; it is not an error.
		if err == nil || errors.Is(err, io.EOF) {
			return status(id, StatusEOF, "")
		}
		return statusErr(id, err)
	}
	w := newWriter(pktName).uint32(id).uint32(uint32(len(infos)))
	for _, fi := range infos {
		w.string(fi.Name())
		w.string(longName(fi.Name(), fi))
		w.attrs(attrsFromInfo(fi))
	}
	return w
}

func (d *Dispatcher) remove(id uint32, r *reader) *writer {
	path, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return statusErr(id, err)
	}
	if fi.IsDir() {
		return status(id, StatusFailure, "is a directory")
	}
	if err := os.Remove(path); err != nil {
		return statusErr(id, err)
	}
	return status(id, StatusOK, "")
}

func (d *Dispatcher) mkdir(id uint32, r *reader) *writer {
	path, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	if err := r.skipAttrs(); err != nil {
		return status(id, StatusBadMessage, "")
	}
	// MKDIR is the one operation that creates missing parents.
	if err := os.MkdirAll(path, 0o755); err != nil {
		return statusErr(id, err)
	}
	return status(id, StatusOK, "")
}

func (d *Dispatcher) rmdir(id uint32, r *reader) *writer {
	path, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return statusErr(id, err)
	}
	if !fi.IsDir() {
		return status(id, StatusFailure, "not a directory")
	}
	if err := os.Remove(path); err != nil {
		return statusErr(id, err)
	}
	return status(id, StatusOK, "")
}

func (d *Dispatcher) realpath(id uint32, r *reader) *writer {
	path, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return statusErr(id, err)
	}
	w := newWriter(pktName).uint32(id).uint32(1)
	w.string(abs)
	w.string(abs)
	w.uint32(0) // empty attrs
	return w
}

func (d *Dispatcher) rename(id uint32, r *reader) *writer {
	oldPath, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	newPath, err := r.string()
	if err != nil {
		return status(id, StatusBadMessage, "")
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return statusErr(id, err)
	}
	return status(id, StatusOK, "")
}

// OpenHandles reports the number of live handles; used by tests and the
// connection teardown audit log.
func (d *Dispatcher) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}
