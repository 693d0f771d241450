package mux

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Multiplexer for tests. It models sessions and
// windows without an external process; Save/Restore round-trip window
// layout through an in-memory snapshot.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	saves    map[string][]Window

	// CreateDelay, when set, makes Create sleep while holding no lock so
	// races in callers become observable.
	CreateDelay time.Duration
	// FailCreate forces Create to fail.
	FailCreate error
}

type fakeSession struct {
	opts    Options
	created time.Time
	windows []Window
}

func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]*fakeSession),
		saves:    make(map[string][]Window),
	}
}

func (f *Fake) Create(_ context.Context, id string, opts Options) error {
	if f.FailCreate != nil {
		return f.FailCreate
	}
	if f.CreateDelay > 0 {
		time.Sleep(f.CreateDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; ok {
		return &CommandError{Args: []string{"new-session"}, Output: "duplicate session: " + id}
	}
	name := opts.Name
	if name == "" {
		name = id
	}
	s := &fakeSession{
		opts:    opts,
		created: time.Now(),
		windows: []Window{{Index: 0, Name: name, Active: true, Panes: 1}},
	}
	f.sessions[id] = s
	if opts.Persist {
		f.saves[id] = append([]Window(nil), s.windows...)
	}
	return nil
}

func (f *Fake) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return &CommandError{Args: []string{"kill-server"}, Output: "no server running"}
	}
	delete(f.sessions, id)
	return nil
}

func (f *Fake) Alive(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok
}

func (f *Fake) ListSessions(_ context.Context) ([]SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SessionState
	for id, s := range f.sessions {
		out = append(out, SessionState{
			ID:      id,
			Name:    s.opts.Name,
			Created: s.created,
			Windows: len(s.windows),
		})
	}
	return out, nil
}

func (f *Fake) ListWindows(_ context.Context, id string) ([]Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, &CommandError{Args: []string{"list-windows"}, Output: "no such session: " + id}
	}
	return append([]Window(nil), s.windows...), nil
}

func (f *Fake) SplitWindow(_ context.Context, id string, window int, _ SplitDirection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return &CommandError{Args: []string{"split-window"}, Output: "no such session: " + id}
	}
	for i := range s.windows {
		if s.windows[i].Index == window {
			s.windows[i].Panes++
			return nil
		}
	}
	return &CommandError{Args: []string{"split-window"}, Output: fmt.Sprintf("no such window: %d", window)}
}

func (f *Fake) ResizePane(_ context.Context, id string, _, _ int) error {
	if !f.Alive(context.Background(), id) {
		return &CommandError{Args: []string{"resize-pane"}, Output: "no such session: " + id}
	}
	return nil
}

func (f *Fake) SendKeys(_ context.Context, id string, _ []byte) error {
	if !f.Alive(context.Background(), id) {
		return &CommandError{Args: []string{"send-keys"}, Output: "no such session: " + id}
	}
	return nil
}

func (f *Fake) Save(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return &CommandError{Args: []string{"list-windows"}, Output: "no such session: " + id}
	}
	f.saves[id] = append([]Window(nil), s.windows...)
	return nil
}

func (f *Fake) Restore(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return &CommandError{Args: []string{"new-window"}, Output: "no such session: " + id}
	}
	saved, ok := f.saves[id]
	if !ok {
		return fmt.Errorf("no saved state for %s", id)
	}
	s.windows = append([]Window(nil), saved...)
	return nil
}

func (f *Fake) AttachCommand(id string) (string, []string) {
	// cat relays stdin to stdout, which is all the connection handler
	// needs from an attach process in tests.
	return "cat", nil
}
