// Package relay forwards terminal activity to a NATS broker so external
// consumers can observe sessions without attaching to them. The relay is
// strictly best-effort: a slow or absent broker never blocks a session.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

// Event is the unit published per chunk of session output.
type Event struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Data      string   `json:"data"`
	Metadata  Metadata `json:"metadata"`
}

type Metadata struct {
	Identity    string    `json:"identity"`
	Timestamp   time.Time `json:"timestamp"`
	SessionKind string    `json:"sessionKind"`
}

// publisher is the slice of the NATS connection the relay uses.
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// dialFunc lets tests substitute the broker connection.
type dialFunc func(url string) (publisher, error)

func natsDial(url string) (publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url,
		nats.Name("holdfast-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

type Options struct {
	URL            string
	SubjectPrefix  string
	ConnectRetries int
	RetryDelay     time.Duration
	QueueSize      int
}

func (o *Options) setDefaults() {
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "holdfast"
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
}

// Client buffers events in a bounded queue and drains it to the broker
// from a single goroutine. When the queue is full the oldest event is
// discarded so live output always wins over backlog.
type Client struct {
	opts   Options
	log    *slog.Logger
	dial   dialFunc
	events chan Event
	done   chan struct{}
}

func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	opts.setDefaults()
	return &Client{
		opts:   opts,
		log:    logger,
		dial:   natsDial,
		events: make(chan Event, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Publish enqueues an event without blocking the caller. Dropped events
// are gone; the relay carries no delivery guarantee.
func (c *Client) Publish(evt Event) {
	if evt.Type == "" {
		evt.Type = "terminal"
	}
	if evt.Metadata.Timestamp.IsZero() {
		evt.Metadata.Timestamp = time.Now().UTC()
	}
	select {
	case c.events <- evt:
		return
	default:
	}
	select {
	case <-c.events:
	default:
	}
	select {
	case c.events <- evt:
	default:
	}
}

// Run connects to the broker and pumps the queue until ctx is cancelled.
// If the broker stays unreachable past the retry budget the relay enters
// degraded mode: it keeps draining the queue into the void so sessions
// never stall on a full channel.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	conn := c.connect(ctx)
	if conn == nil {
		c.log.Warn("event relay degraded, discarding session events",
			"url", c.opts.URL)
		c.discard(ctx)
		return
	}
	defer func() {
		_ = conn.Drain()
		conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.events:
			c.send(conn, evt)
		}
	}
}

// Done is closed when Run has returned.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) connect(ctx context.Context) publisher {
	for attempt := 1; attempt <= c.opts.ConnectRetries; attempt++ {
		conn, err := c.dial(c.opts.URL)
		if err == nil {
			c.log.Info("event relay connected", "url", c.opts.URL)
			return conn
		}
		c.log.Warn("event relay connect failed",
			"url", c.opts.URL, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.RetryDelay):
		}
	}
	return nil
}

func (c *Client) discard(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.events:
		}
	}
}

func (c *Client) send(conn publisher, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		c.log.Error("event encode", "err", err)
		return
	}
	subject := c.opts.SubjectPrefix + "." + evt.Type + "." + evt.SessionID
	if err := conn.Publish(subject, payload); err != nil {
		c.log.Warn("event publish", "subject", subject, "err", err)
	}
}
