package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/data"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	fail   int // number of leading calls to fail before succeeding
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return context.DeadlineExceeded
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestNoopPublisher_NeverErrors(t *testing.T) {
	var p NoopPublisher
	if err := p.Publish(context.Background(), Event{NodeID: "n1"}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

func TestQueue_DrainsToPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewQueue(logr.Discard(), pub, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Publish(Event{NodeID: "n1", From: data.StatePending, To: data.StateInstalling})

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	got := pub.snapshot()
	if len(got) != 1 {
		t.Fatalf("published %d events, want 1", len(got))
	}
	if got[0].NodeID != "n1" || got[0].To != data.StateInstalling {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

func TestQueue_DropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(logr.Discard(), &recordingPublisher{}, 1)
	q.Publish(Event{NodeID: "n1"})
	q.Publish(Event{NodeID: "n2"})
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}
}

func TestQueue_NilPublisherDegradesToNoop(t *testing.T) {
	q := NewQueue(logr.Discard(), nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	q.Publish(Event{NodeID: "n1"})
	cancel()
	<-done // must not hang or panic against a nil publisher
}

func TestQueue_RetriesTransientFailures(t *testing.T) {
	pub := &recordingPublisher{fail: 2}
	q := NewQueue(logr.Discard(), pub, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Publish(Event{NodeID: "n1", To: data.StateActive})

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(pub.snapshot()) != 1 {
		t.Fatalf("expected the event to eventually publish after transient failures")
	}
}
