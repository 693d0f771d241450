// Package mux drives an external terminal multiplexer (tmux), one
// communication socket per session, and owns session persistence.
package mux

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SplitDirection selects how a window is split into panes.
type SplitDirection string

const (
	SplitHorizontal SplitDirection = "horizontal"
	SplitVertical   SplitDirection = "vertical"
)

// Options control session creation.
type Options struct {
	// Name is the display name of the session. Defaults to the id.
	Name string
	// Group, when set, is a local unix group granted read/write access to
	// the session socket so same-host peers can attach.
	Group string
	// Layout is an optional layout hint applied to the first window.
	Layout string
	// Persist enables save/restore of the session across daemon restarts.
	Persist bool
}

// Window describes one window of a session, enumerated on demand from the
// external process. The multiplexer, not the caller, is authoritative.
type Window struct {
	Index  int
	Name   string
	Active bool
	Panes  int
}

// SessionState is a live-session snapshot from the external process.
type SessionState struct {
	ID         string
	Name       string
	Created    time.Time
	Windows    int
	SocketPath string
}

// Multiplexer is the capability surface of the external terminal
// multiplexer. The production implementation shells out to tmux; tests use
// the in-memory Fake.
type Multiplexer interface {
	Create(ctx context.Context, id string, opts Options) error
	Kill(ctx context.Context, id string) error
	Alive(ctx context.Context, id string) bool
	ListSessions(ctx context.Context) ([]SessionState, error)
	ListWindows(ctx context.Context, id string) ([]Window, error)
	SplitWindow(ctx context.Context, id string, window int, dir SplitDirection) error
	ResizePane(ctx context.Context, id string, cols, rows int) error
	SendKeys(ctx context.Context, id string, data []byte) error
	Save(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error

	// AttachCommand returns the argv used to attach a local process to the
	// session. The caller owns the spawned process.
	AttachCommand(id string) (name string, args []string)
}

// CommandError is returned when the external multiplexer process exits
// non-zero. Output carries the combined stdout/stderr diagnostic text.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Output)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("tmux %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }
