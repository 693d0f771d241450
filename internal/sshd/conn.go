package sshd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"

	"github.com/holdfast-sh/holdfast/internal/relay"
)

// connection is the per-connection state: who is on the other end and how
// much traffic has flowed. One goroutine owns the channel loop; the byte
// counters are touched from the relay goroutines, hence atomics.
type connection struct {
	srv      *Server
	ssh      *ssh.ServerConn
	log      *slog.Logger
	identity string

	connectedAt  time.Time
	lastActivity atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	openChannels atomic.Int32
}

func newConnection(srv *Server, sshConn *ssh.ServerConn) *connection {
	c := &connection{
		srv:         srv,
		ssh:         sshConn,
		identity:    sshConn.User(),
		connectedAt: time.Now(),
		log: srv.log.With(
			"remote", sshConn.RemoteAddr().String(),
			"identity", sshConn.User(),
		),
	}
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) handleChannels(ctx context.Context, chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			c.log.Debug("rejecting channel", "type", newChannel.ChannelType())
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			c.log.Warn("channel accept failed", "err", err)
			continue
		}
		c.openChannels.Add(1)
		sess := &sessionChannel{conn: c, env: make(map[string]string)}
		go func() {
			defer c.openChannels.Add(-1)
			sess.serve(ctx, channel, requests)
		}()
	}
}

// sessionChannel drives one "session" channel: pty negotiation, then
// either an interactive shell bound to a multiplexer session or the
// file-transfer subsystem. The request loop keeps running for the life of
// the channel so window-change requests reach an active shell; mu guards
// the state the shell goroutine and the loop both touch.
type sessionChannel struct {
	conn *connection

	mu           sync.Mutex
	ptyRequested bool
	winsize      pty.Winsize
	term         string
	env          map[string]string
	ptyFile      *os.File
	started      bool
}

func (s *sessionChannel) serve(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req":
			s.handlePTYReq(req)
		case "window-change":
			s.handleWindowChange(req)
		case "env":
			s.handleEnv(req)
		case "shell":
			if !s.begin() {
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}
			if err := s.startShell(ctx, channel, req); err != nil {
				s.conn.log.Warn("shell channel failed", "err", err)
			}
		case "subsystem":
			s.handleSubsystem(channel, req)
		default:
			s.conn.log.Debug("rejecting request", "type", req.Type)
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// begin claims the channel for a shell or subsystem; only one may run.
func (s *sessionChannel) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

func (s *sessionChannel) handlePTYReq(req *ssh.Request) {
	var payload struct {
		Term   string
		Cols   uint32
		Rows   uint32
		XPixel uint32
		YPixel uint32
		Modes  string
	}
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		s.conn.log.Warn("bad pty-req payload", "err", err)
		_ = req.Reply(false, nil)
		return
	}
	s.mu.Lock()
	s.ptyRequested = true
	s.term = payload.Term
	s.winsize = pty.Winsize{
		Cols: uint16(payload.Cols),
		Rows: uint16(payload.Rows),
		X:    uint16(payload.XPixel),
		Y:    uint16(payload.YPixel),
	}
	s.mu.Unlock()
	_ = req.Reply(true, nil)
}

func (s *sessionChannel) handleWindowChange(req *ssh.Request) {
	var payload struct {
		Cols   uint32
		Rows   uint32
		XPixel uint32
		YPixel uint32
	}
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		s.conn.log.Warn("bad window-change payload", "err", err)
		return
	}
	s.mu.Lock()
	s.winsize.Cols = uint16(payload.Cols)
	s.winsize.Rows = uint16(payload.Rows)
	ws := s.winsize
	f := s.ptyFile
	s.mu.Unlock()
	if f != nil {
		_ = pty.Setsize(f, &ws)
	}
}

func (s *sessionChannel) handleEnv(req *ssh.Request) {
	var payload struct {
		Name  string
		Value string
	}
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}
	s.mu.Lock()
	s.env[payload.Name] = payload.Value
	s.mu.Unlock()
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
}

// startShell binds the channel to the identity's multiplexer session and
// hands the byte relays to a goroutine, leaving the request loop free to
// service window-change. The channel close detaches: a persistent session
// is saved and left running, a throwaway one is torn down with the
// connection.
func (s *sessionChannel) startShell(ctx context.Context, channel ssh.Channel, req *ssh.Request) error {
	sess, err := s.conn.srv.registry.Resolve(ctx, s.conn.identity)
	if err != nil {
		// The connection stays usable; the client may retry the channel.
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return err
	}

	s.mu.Lock()
	term := s.term
	ws := s.winsize
	env := make([]string, 0, len(s.env))
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	s.mu.Unlock()

	name, args := s.conn.srv.mux.AttachCommand(sess.ID)
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	if term != "" {
		cmd.Env = append(cmd.Env, "TERM="+term)
	}
	cmd.Env = append(cmd.Env, env...)

	if ws.Cols == 0 {
		ws.Cols = 80
	}
	if ws.Rows == 0 {
		ws.Rows = 24
	}
	ptyFile, err := startPTY(cmd, &ws)
	if err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return err
	}
	s.mu.Lock()
	s.ptyFile = ptyFile
	s.mu.Unlock()
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
	s.conn.log.Info("shell attached", "session", sess.ID)

	go s.pumpShell(channel, cmd, ptyFile, sess.ID, sess.Persist)
	return nil
}

func (s *sessionChannel) pumpShell(channel ssh.Channel, cmd *exec.Cmd, ptyFile *os.File, sessionID string, persist bool) {
	defer channel.Close()
	defer func() {
		s.mu.Lock()
		s.ptyFile = nil
		s.mu.Unlock()
		_ = ptyFile.Close()
	}()

	// transport -> pty
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := channel.Read(buf)
			if n > 0 {
				s.conn.bytesIn.Add(int64(n))
				s.conn.touch()
				if _, werr := ptyFile.Write(buf[:n]); werr != nil {
					return
				}
			}
			if rerr != nil {
				// Client went away; reap the local attach process so the
				// pty read loop unblocks.
				_ = cmd.Process.Kill()
				return
			}
		}
	}()

	// pty -> transport, with a best-effort copy to the event relay.
	buf := make([]byte, 32*1024)
	for {
		n, rerr := ptyFile.Read(buf)
		if n > 0 {
			s.conn.bytesOut.Add(int64(n))
			s.conn.touch()
			if _, werr := channel.Write(buf[:n]); werr != nil {
				break
			}
			if s.conn.srv.events != nil {
				s.conn.srv.events.Publish(relay.Event{
					SessionID: sessionID,
					Data:      string(buf[:n]),
					Metadata: relay.Metadata{
						Identity:    s.conn.identity,
						SessionKind: "shell",
					},
				})
			}
		}
		if rerr != nil {
			break
		}
	}

	err := cmd.Wait()
	s.detach(sessionID, persist)
	s.sendExitStatus(channel, err)
}

// detach runs after the local attach process has exited. The multiplexer
// session itself lives on when persistent.
func (s *sessionChannel) detach(id string, persist bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if persist {
		if err := s.conn.srv.mux.Save(ctx, id); err != nil {
			s.conn.log.Warn("save on detach failed", "session", id, "err", err)
		}
		s.conn.log.Info("detached", "session", id)
		return
	}
	if err := s.conn.srv.registry.Kill(ctx, id); err != nil {
		s.conn.log.Warn("kill on detach failed", "session", id, "err", err)
	}
}

func (s *sessionChannel) sendExitStatus(channel ssh.Channel, waitErr error) {
	code := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
		if code < 0 {
			code = 255
		}
	} else if waitErr != nil {
		code = 255
	}
	_, _ = channel.SendRequest("exit-status", false,
		ssh.Marshal(struct{ Status uint32 }{Status: uint32(code)}))
}

func (s *sessionChannel) handleSubsystem(channel ssh.Channel, req *ssh.Request) {
	var payload struct {
		Name string
	}
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || !s.begin() {
		s.conn.log.Debug("rejecting subsystem", "name", payload.Name)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
	s.conn.log.Info("file transfer channel opened")
	d := s.conn.srv.newDispatcher(s.conn.log)
	go func() {
		defer channel.Close()
		if err := d.Serve(countingChannel{Channel: channel, conn: s.conn}); err != nil {
			s.conn.log.Warn("file transfer channel failed", "err", err)
		}
	}()
}

// countingChannel feeds the connection's traffic accounting from the
// file-transfer path.
type countingChannel struct {
	ssh.Channel
	conn *connection
}

func (c countingChannel) Read(p []byte) (int, error) {
	n, err := c.Channel.Read(p)
	if n > 0 {
		c.conn.bytesIn.Add(int64(n))
		c.conn.touch()
	}
	return n, err
}

func (c countingChannel) Write(p []byte) (int, error) {
	n, err := c.Channel.Write(p)
	if n > 0 {
		c.conn.bytesOut.Add(int64(n))
		c.conn.touch()
	}
	return n, err
}

// startPTY starts cmd with a fresh pty of the given size. Some platforms
// reject Setctty with an inherited fd; retry without a controlling
// terminal, which is sufficient for interactive I/O.
func startPTY(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error) {
	ptyFile, err := startPTYOnce(cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		retry := exec.Command(cmd.Args[0], cmd.Args[1:]...)
		retry.Env = cmd.Env
		retry.Dir = cmd.Dir
		ptyFile, err = startPTYOnce(retry, ws, false)
		if err == nil {
			*cmd = *retry
		}
	}
	return ptyFile, err
}

func startPTYOnce(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

var _ io.ReadWriter = countingChannel{}
