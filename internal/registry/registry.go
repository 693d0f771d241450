// Package registry is the single source of truth for which terminal
// session belongs to which authenticated identity.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-sh/holdfast/internal/mux"
)

// Session is the registry's record of one terminal session. The multiplexer
// remains authoritative for liveness; this carries the metadata the external
// process does not know about.
type Session struct {
	ID      string
	Owner   string
	Name    string
	Group   string
	Layout  string
	Persist bool
	Created time.Time
}

// Entry is one row of List: registry metadata joined with the live state
// reported by the multiplexer.
type Entry struct {
	Session
	Live    bool
	Windows int
}

// Registry resolves attach-or-create requests. Resolution is serialized per
// identity so two concurrent connections from the same user share one
// session instead of racing to create two.
type Registry struct {
	mux   mux.Multiplexer
	log   *slog.Logger
	group string

	mu      sync.Mutex
	byOwner map[string]*Session
	resolve map[string]*sync.Mutex
}

// New returns a Registry backed by m. group, when non-empty, is the sharing
// group applied to every created session's socket.
func New(m mux.Multiplexer, group string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Registry{
		mux:     m,
		log:     logger,
		group:   group,
		byOwner: make(map[string]*Session),
		resolve: make(map[string]*sync.Mutex),
	}
}

func newSessionID(owner string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return owner + "-" + suffix
}

// Resolve returns the identity's session, creating one if none exists.
// Sequential calls without an intervening Kill return the same session.
func (r *Registry) Resolve(ctx context.Context, identity string) (*Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}

	lock := r.ownerLock(identity)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	sess := r.byOwner[identity]
	r.mu.Unlock()

	if sess != nil {
		if r.mux.Alive(ctx, sess.ID) {
			return sess, nil
		}
		// The backing process died (host reboot, manual kill). Recreate
		// under the same id and bring the saved layout back if persistent.
		r.log.Info("recreating dead session", "identity", identity, "session", sess.ID)
		if err := r.create(ctx, sess); err != nil {
			return nil, err
		}
		if sess.Persist {
			if err := r.mux.Restore(ctx, sess.ID); err != nil {
				r.log.Warn("session restore", "session", sess.ID, "err", err)
			}
		}
		return sess, nil
	}

	sess = &Session{
		ID:      newSessionID(identity),
		Owner:   identity,
		Name:    identity,
		Group:   r.group,
		Persist: true,
		Created: time.Now(),
	}
	if err := r.create(ctx, sess); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byOwner[identity] = sess
	r.mu.Unlock()
	r.log.Info("session created", "identity", identity, "session", sess.ID)
	return sess, nil
}

func (r *Registry) create(ctx context.Context, sess *Session) error {
	return r.mux.Create(ctx, sess.ID, mux.Options{
		Name:    sess.Name,
		Group:   sess.Group,
		Layout:  sess.Layout,
		Persist: sess.Persist,
	})
}

// Kill destroys the session with the given id. Unknown ids are a no-op.
func (r *Registry) Kill(ctx context.Context, id string) error {
	r.mu.Lock()
	var sess *Session
	for _, s := range r.byOwner {
		if s.ID == id {
			sess = s
			break
		}
	}
	if sess != nil {
		delete(r.byOwner, sess.Owner)
	}
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := r.mux.Kill(ctx, id); err != nil {
		r.log.Warn("session kill", "session", id, "err", err)
		return err
	}
	return nil
}

// Get returns the registry record for id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byOwner {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// List reads live sessions through the multiplexer and joins registry
// metadata onto them. Sessions the registry never saw (created out of band
// against the same socket directory) still appear, with zero metadata.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	live, err := r.mux.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := make(map[string]*Session, len(r.byOwner))
	for _, s := range r.byOwner {
		byID[s.ID] = s
	}

	out := make([]Entry, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, st := range live {
		e := Entry{Live: true, Windows: st.Windows}
		if s, ok := byID[st.ID]; ok {
			e.Session = *s
		} else {
			e.Session = Session{ID: st.ID, Name: st.Name, Created: st.Created}
		}
		seen[st.ID] = true
		out = append(out, e)
	}
	// Registered but not live: persistent sessions waiting to be revived.
	for _, s := range r.byOwner {
		if !seen[s.ID] {
			out = append(out, Entry{Session: *s})
		}
	}
	return out, nil
}

// ownerLock returns the identity's resolve mutex. Entries are never
// pruned: dropping one while a resolver still holds it would let a second
// connection race the same identity past the serialization, so the map
// grows with the number of distinct identities ever seen.
func (r *Registry) ownerLock(identity string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.resolve[identity]
	if !ok {
		l = &sync.Mutex{}
		r.resolve[identity] = l
	}
	return l
}
