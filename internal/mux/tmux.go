package mux

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Runner executes one external command and returns its combined output.
// Split out so tests can run without a tmux binary.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type osRunner struct{}

func (osRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Tmux is the production Multiplexer. Every session gets its own server
// instance addressed through a dedicated socket under SocketDir, so access
// control is a property of the socket file, not of a shared server.
type Tmux struct {
	bin       string
	socketDir string
	stateDir  string
	runner    Runner
	log       *slog.Logger
}

// NewTmux returns a Tmux adapter writing sockets to socketDir and saved
// session state to stateDir. Both directories are created on first use.
func NewTmux(socketDir, stateDir string, logger *slog.Logger) *Tmux {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Tmux{
		bin:       "tmux",
		socketDir: socketDir,
		stateDir:  stateDir,
		runner:    osRunner{},
		log:       logger,
	}
}

// NewTmuxWithRunner is NewTmux with an injected command runner.
func NewTmuxWithRunner(socketDir, stateDir string, runner Runner, logger *slog.Logger) *Tmux {
	t := NewTmux(socketDir, stateDir, logger)
	t.runner = runner
	return t
}

// SocketPath derives the deterministic per-session socket path.
func (t *Tmux) SocketPath(id string) string {
	return filepath.Join(t.socketDir, id+".sock")
}

func (t *Tmux) statePath(id string) string {
	return filepath.Join(t.stateDir, id+".state")
}

func (t *Tmux) scrollbackPath(id string) string {
	return filepath.Join(t.stateDir, id+".scrollback.zst")
}

func (t *Tmux) run(ctx context.Context, id string, args ...string) ([]byte, error) {
	full := append([]string{"-S", t.SocketPath(id)}, args...)
	out, err := t.runner.Run(ctx, t.bin, full...)
	if err != nil {
		return nil, &CommandError{Args: args, Output: string(out), Err: err}
	}
	return out, nil
}

func (t *Tmux) Create(ctx context.Context, id string, opts Options) error {
	if err := os.MkdirAll(t.socketDir, 0o700); err != nil {
		return err
	}
	name := opts.Name
	if name == "" {
		name = id
	}
	args := []string{"new-session", "-d", "-s", name, "-x", "220", "-y", "50"}
	if _, err := t.run(ctx, id, args...); err != nil {
		return err
	}
	if opts.Layout != "" {
		if _, err := t.run(ctx, id, "select-layout", "-t", name, opts.Layout); err != nil {
			t.log.Warn("layout hint rejected", "session", id, "layout", opts.Layout, "err", err)
		}
	}
	if opts.Group != "" {
		if err := t.shareSocket(id, opts.Group); err != nil {
			return err
		}
	}
	if opts.Persist {
		return t.Save(ctx, id)
	}
	return nil
}

// shareSocket narrows the socket to owner+group rw and hands group
// ownership to the sharing group, letting its members attach.
func (t *Tmux) shareSocket(id, group string) error {
	sock := t.SocketPath(id)
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("sharing group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("sharing group %q: bad gid %q", group, g.Gid)
	}
	if err := os.Chown(sock, -1, gid); err != nil {
		return err
	}
	return os.Chmod(sock, 0o660)
}

func (t *Tmux) Kill(ctx context.Context, id string) error {
	_, err := t.run(ctx, id, "kill-server")
	if rmErr := os.Remove(t.SocketPath(id)); rmErr != nil && !os.IsNotExist(rmErr) {
		t.log.Warn("socket cleanup", "session", id, "err", rmErr)
	}
	return err
}

func (t *Tmux) Alive(ctx context.Context, id string) bool {
	if _, err := os.Stat(t.SocketPath(id)); err != nil {
		return false
	}
	_, err := t.run(ctx, id, "has-session")
	return err == nil
}

func (t *Tmux) ListSessions(ctx context.Context) ([]SessionState, error) {
	entries, err := os.ReadDir(t.socketDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []SessionState
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".sock") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".sock")
		raw, err := t.run(ctx, id, "list-sessions", "-F", "#{session_name}|#{session_created}|#{session_windows}")
		if err != nil {
			// Dead socket left behind by a crashed server.
			continue
		}
		for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
			parts := strings.SplitN(line, "|", 3)
			if len(parts) != 3 {
				continue
			}
			st := SessionState{
				ID:         id,
				Name:       parts[0],
				SocketPath: t.SocketPath(id),
			}
			if sec, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				st.Created = time.Unix(sec, 0)
			}
			if n, err := strconv.Atoi(parts[2]); err == nil {
				st.Windows = n
			}
			out = append(out, st)
		}
	}
	return out, nil
}

func (t *Tmux) ListWindows(ctx context.Context, id string) ([]Window, error) {
	raw, err := t.run(ctx, id, "list-windows", "-F", "#{window_index}|#{window_name}|#{window_active}|#{window_panes}")
	if err != nil {
		return nil, err
	}
	return parseWindows(string(raw)), nil
}

func parseWindows(raw string) []Window {
	var out []Window
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		w := Window{Name: parts[1], Active: parts[2] == "1"}
		var err error
		if w.Index, err = strconv.Atoi(parts[0]); err != nil {
			continue
		}
		if w.Panes, err = strconv.Atoi(parts[3]); err != nil {
			w.Panes = 1
		}
		out = append(out, w)
	}
	return out
}

func (t *Tmux) SplitWindow(ctx context.Context, id string, window int, dir SplitDirection) error {
	flag := "-v"
	if dir == SplitHorizontal {
		flag = "-h"
	}
	_, err := t.run(ctx, id, "split-window", flag, "-t", strconv.Itoa(window))
	return err
}

func (t *Tmux) ResizePane(ctx context.Context, id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	_, err := t.run(ctx, id, "resize-pane", "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

func (t *Tmux) SendKeys(ctx context.Context, id string, data []byte) error {
	args := append([]string{"send-keys"}, splitKeys(data)...)
	_, err := t.run(ctx, id, args...)
	return err
}

// splitKeys converts raw bytes into send-keys arguments, mapping the control
// characters interactive clients actually send to tmux key names.
func splitKeys(data []byte) []string {
	out := make([]string, 0, 8)
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		out = append(out, "-l", cur.String())
		cur.Reset()
	}
	for _, r := range string(data) {
		switch r {
		case '\r':
		case '\n':
			flush()
			out = append(out, "C-m")
		case 3:
			flush()
			out = append(out, "C-c")
		case 4:
			flush()
			out = append(out, "C-d")
		case 26:
			flush()
			out = append(out, "C-z")
		case 12:
			flush()
			out = append(out, "C-l")
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// Save writes the session's window layout to the state file and a
// zstd-compressed scrollback capture alongside it. The state file is what
// Restore consumes; the scrollback is operator-facing forensics.
func (t *Tmux) Save(ctx context.Context, id string) error {
	if err := os.MkdirAll(t.stateDir, 0o700); err != nil {
		return err
	}
	raw, err := t.run(ctx, id, "list-windows", "-F", "#{window_index}|#{window_name}|#{window_layout}")
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.statePath(id), raw, 0o600); err != nil {
		return err
	}
	if err := t.saveScrollback(ctx, id); err != nil {
		t.log.Warn("scrollback capture failed", "session", id, "err", err)
	}
	return nil
}

func (t *Tmux) saveScrollback(ctx context.Context, id string) error {
	raw, err := t.run(ctx, id, "capture-pane", "-pJ", "-S", "-2000")
	if err != nil {
		return err
	}
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	f, err := os.OpenFile(t.scrollbackPath(id), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Restore rebuilds the saved window layout on a freshly created session.
// Window contents are gone; names, count and pane layout are reproduced.
func (t *Tmux) Restore(ctx context.Context, id string) error {
	raw, err := os.ReadFile(t.statePath(id))
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	for i, line := range lines {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		index, name, layout := parts[0], parts[1], parts[2]
		if i == 0 {
			if _, err := t.run(ctx, id, "rename-window", "-t", index, name); err != nil {
				return err
			}
		} else {
			if _, err := t.run(ctx, id, "new-window", "-d", "-n", name); err != nil {
				return err
			}
		}
		if _, err := t.run(ctx, id, "select-layout", "-t", index, layout); err != nil {
			t.log.Warn("layout restore", "session", id, "window", index, "err", err)
		}
	}
	return nil
}

func (t *Tmux) AttachCommand(id string) (string, []string) {
	return t.bin, []string{"-S", t.SocketPath(id), "attach-session"}
}
