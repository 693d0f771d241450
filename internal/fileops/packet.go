package fileops

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"
)

// SFTP v3 packet types. Only the server-relevant subset is named; requests
// outside it are answered with StatusOpUnsupported.
const (
	pktInit     = 1
	pktVersion  = 2
	pktOpen     = 3
	pktClose    = 4
	pktRead     = 5
	pktWrite    = 6
	pktLstat    = 7
	pktFstat    = 8
	pktOpendir  = 11
	pktReaddir  = 12
	pktRemove   = 13
	pktMkdir    = 14
	pktRmdir    = 15
	pktRealpath = 16
	pktStat     = 17
	pktRename   = 18

	pktStatus = 101
	pktHandle = 102
	pktData   = 103
	pktName   = 104
	pktAttrs  = 105
)

// Open flag bits of the OPEN request.
const (
	flagRead   = 0x0001
	flagWrite  = 0x0002
	flagAppend = 0x0004
	flagCreate = 0x0008
	flagTrunc  = 0x0010
	flagExcl   = 0x0020
)

// Attribute presence bits.
const (
	attrSize      = 0x0001
	attrUIDGID    = 0x0002
	attrPerms     = 0x0004
	attrACModTime = 0x0008
)

const (
	protoVersion = 3
	maxPacket    = 256 * 1024
)

var errBadMessage = errors.New("malformed packet")

// reader walks one decoded packet payload.
type reader struct {
	b   []byte
	off int
}

func (r *reader) uint32() (uint32, error) {
	if r.off+4 > len(r.b) {
		return 0, errBadMessage
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.off+8 > len(r.b) {
		return 0, errBadMessage
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(r.off)+uint64(n) > uint64(len(r.b)) {
		return nil, errBadMessage
	}
	v := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

// writer builds one outgoing packet body (type byte onward).
type writer struct {
	b []byte
}

func newWriter(pktType byte) *writer {
	return &writer{b: []byte{pktType}}
}

func (w *writer) uint32(v uint32) *writer {
	w.b = binary.BigEndian.AppendUint32(w.b, v)
	return w
}

func (w *writer) uint64(v uint64) *writer {
	w.b = binary.BigEndian.AppendUint64(w.b, v)
	return w
}

func (w *writer) bytes(v []byte) *writer {
	w.uint32(uint32(len(v)))
	w.b = append(w.b, v...)
	return w
}

func (w *writer) string(v string) *writer {
	return w.bytes([]byte(v))
}

func readPacket(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxPacket {
		return nil, fmt.Errorf("%w: packet length %d", errBadMessage, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writePacket(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// attrs is the wire attribute record of STAT-family responses and
// directory entries.
type attrs struct {
	size  uint64
	uid   uint32
	gid   uint32
	perms uint32
	atime uint32
	mtime uint32
}

func attrsFromInfo(fi fs.FileInfo) attrs {
	a := attrs{
		size:  uint64(fi.Size()),
		perms: toWireMode(fi.Mode()),
		mtime: uint32(fi.ModTime().Unix()),
		atime: uint32(fi.ModTime().Unix()),
	}
	a.uid, a.gid = fileOwner(fi)
	return a
}

// fileOwner resolves numeric ownership, falling back to 0 rather than
// failing the listing when the platform info is unavailable.
func fileOwner(fi fs.FileInfo) (uint32, uint32) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint32(st.Uid), uint32(st.Gid)
	}
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 {
		uid = 0
	}
	if gid < 0 {
		gid = 0
	}
	return uint32(uid), uint32(gid)
}

// toWireMode converts a Go file mode to POSIX wire bits.
func toWireMode(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	switch {
	case m.IsDir():
		bits |= 0o040000
	case m&fs.ModeSymlink != 0:
		bits |= 0o120000
	case m&fs.ModeNamedPipe != 0:
		bits |= 0o010000
	case m&fs.ModeSocket != 0:
		bits |= 0o140000
	default:
		bits |= 0o100000
	}
	return bits
}

func (w *writer) attrs(a attrs) *writer {
	w.uint32(attrSize | attrUIDGID | attrPerms | attrACModTime)
	w.uint64(a.size)
	w.uint32(a.uid)
	w.uint32(a.gid)
	w.uint32(a.perms)
	w.uint32(a.atime)
	w.uint32(a.mtime)
	return w
}

// skipAttrs consumes an attribute record from a request (OPEN, MKDIR carry
// one); the dispatcher ignores requested attributes beyond the open flags.
func (r *reader) skipAttrs() error {
	flags, err := r.uint32()
	if err != nil {
		return err
	}
	if flags&attrSize != 0 {
		if _, err := r.uint64(); err != nil {
			return err
		}
	}
	if flags&attrUIDGID != 0 {
		if _, err := r.uint32(); err != nil {
			return err
		}
		if _, err := r.uint32(); err != nil {
			return err
		}
	}
	if flags&attrPerms != 0 {
		if _, err := r.uint32(); err != nil {
			return err
		}
	}
	if flags&attrACModTime != 0 {
		if _, err := r.uint32(); err != nil {
			return err
		}
		if _, err := r.uint32(); err != nil {
			return err
		}
	}
	return nil
}

// longName synthesizes the ls -l style display line clients show in
// directory listings.
func longName(name string, fi fs.FileInfo) string {
	uid, gid := fileOwner(fi)
	return fmt.Sprintf("%s %3d %-8d %-8d %8d %s %s",
		fi.Mode().String(), 1, uid, gid, fi.Size(),
		fi.ModTime().Format(time.Stamp), name)
}
