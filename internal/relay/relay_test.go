package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeBroker struct {
	mu       sync.Mutex
	messages []fakeMsg
}

type fakeMsg struct {
	subject string
	data    []byte
}

func (b *fakeBroker) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, fakeMsg{subject: subject, data: data})
	return nil
}

func (b *fakeBroker) Drain() error { return nil }
func (b *fakeBroker) Close()       {}

func (b *fakeBroker) snapshot() []fakeMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakeMsg(nil), b.messages...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(opts Options, dial dialFunc) *Client {
	c := New(opts, discardLogger())
	c.dial = dial
	return c
}

func TestPublishReachesBrokerWithSubjectAndPayload(t *testing.T) {
	broker := &fakeBroker{}
	c := newTestClient(Options{SubjectPrefix: "hf"}, func(string) (publisher, error) {
		return broker, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	c.Publish(Event{
		SessionID: "alice-deadbeef",
		Data:      "hello",
		Metadata:  Metadata{Identity: "alice", SessionKind: "shell"},
	})

	deadline := time.After(2 * time.Second)
	for {
		msgs := broker.snapshot()
		if len(msgs) == 1 {
			if msgs[0].subject != "hf.terminal.alice-deadbeef" {
				t.Fatalf("subject = %q", msgs[0].subject)
			}
			var evt Event
			if err := json.Unmarshal(msgs[0].data, &evt); err != nil {
				t.Fatalf("payload not JSON: %v", err)
			}
			if evt.Type != "terminal" || evt.Data != "hello" || evt.Metadata.Identity != "alice" {
				t.Fatalf("payload = %+v", evt)
			}
			if evt.Metadata.Timestamp.IsZero() {
				t.Fatal("timestamp not stamped")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no message delivered, got %d", len(msgs))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-c.Done()
}

func TestFullQueueDropsOldest(t *testing.T) {
	c := newTestClient(Options{QueueSize: 2}, func(string) (publisher, error) {
		return &fakeBroker{}, nil
	})
	// No Run loop: the queue fills and the oldest entries give way.
	c.Publish(Event{SessionID: "s", Data: "one"})
	c.Publish(Event{SessionID: "s", Data: "two"})
	c.Publish(Event{SessionID: "s", Data: "three"})

	first := <-c.events
	second := <-c.events
	if first.Data != "two" || second.Data != "three" {
		t.Fatalf("queue = [%q, %q], want oldest dropped", first.Data, second.Data)
	}
}

func TestUnreachableBrokerDegradesAfterRetryBudget(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	c := newTestClient(Options{
		ConnectRetries: 3,
		RetryDelay:     time.Millisecond,
	}, func(string) (publisher, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("connection refused")
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	// Degraded mode still drains, so publishing never wedges.
	for i := 0; i < 100; i++ {
		c.Publish(Event{SessionID: "s", Data: "x"})
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("connect attempts = %d, want 3", attempts)
	}
}

func TestRunStopsOnContextCancelDuringRetry(t *testing.T) {
	c := newTestClient(Options{
		ConnectRetries: 1000,
		RetryDelay:     time.Hour,
	}, func(string) (publisher, error) {
		return nil, errors.New("connection refused")
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
