// Package notify implements the publish-only state-event notifier: after a
// lifecycle commit, the engine emits a "<prefix>.<id>.state" event (prefix
// "pureboot.node" by default) so other
// collaborators (audit presentation, UI) can subscribe instead of polling
// the store. It mirrors the Audit Sink's non-blocking contract (spec.md §5,
// §7): an unavailable or slow broker must never block a transition.
//
// The queue/drain shape is grounded on internal/audit.Queue; the broker
// client and its connect/retry options are grounded on
// agent/internal/transport/nats/nats.go.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"github.com/pureboot/pureboot/internal/data"
)

// Event is one state-change notification.
type Event struct {
	Time   time.Time
	NodeID string
	From   data.State
	To     data.State
}

// Publisher is the external, write-only broker seam. Publish is best-effort;
// a non-nil error only ever reaches the caller's retry loop, never the
// lifecycle commit that produced the event.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NoopPublisher is used when no broker is configured (spec.md §1: NATS is
// optional). Every publish silently succeeds.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// NatsPublisher publishes state events to a NATS subject of the form
// "<prefix>.<nodeID>.state".
type NatsPublisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials addr (host:port, no scheme) and returns a NatsPublisher.
// Connection follows agent/internal/transport/nats/nats.go's options:
// retry-on-failed-connect with unlimited reconnects, since a boot-dispatch
// process should keep running even if the broker is briefly unreachable.
func Connect(addr, subjectPrefix string) (*NatsPublisher, error) {
	nc, err := nats.Connect(fmt.Sprintf("nats://%s", addr),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NatsPublisher{conn: nc, prefix: subjectPrefix}, nil
}

// Close closes the underlying connection without draining it.
func (p *NatsPublisher) Close() {
	p.conn.Close()
}

type wireEvent struct {
	NodeID string `json:"node_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Time   string `json:"time"`
}

// Publish implements Publisher.
func (p *NatsPublisher) Publish(_ context.Context, e Event) error {
	body, err := json.Marshal(wireEvent{
		NodeID: e.NodeID,
		From:   string(e.From),
		To:     string(e.To),
		Time:   e.Time.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return p.conn.Publish(fmt.Sprintf("%s.%s.state", p.prefix, e.NodeID), body)
}

// Queue is a bounded, oldest-dropped, non-blocking buffer in front of a
// Publisher, shaped identically to internal/audit.Queue: Publish never
// blocks the caller, and a background goroutine drains into the broker
// with a bounded retry budget.
type Queue struct {
	log      logr.Logger
	pub      Publisher
	capacity int

	mu       sync.Mutex
	buf      []Event
	dropped  atomic.Uint64
	notifyCh chan struct{}
}

// NewQueue returns a Queue draining into pub. A nil pub degrades to
// NoopPublisher so callers never need a configured-or-not branch.
func NewQueue(log logr.Logger, pub Publisher, capacity int) *Queue {
	if pub == nil {
		pub = NoopPublisher{}
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		log:      log,
		pub:      pub,
		capacity: capacity,
		notifyCh: make(chan struct{}, 1),
	}
}

// Publish enqueues e, dropping the oldest entry on overflow.
func (q *Queue) Publish(e Event) {
	q.mu.Lock()
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:]
		q.dropped.Add(1)
	}
	q.buf = append(q.buf, e)
	q.mu.Unlock()

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Dropped returns the number of events dropped due to overflow so far.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the current number of buffered, undrained events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Run drains the queue into the Publisher until ctx is cancelled. Each
// publish attempt gets a short bounded retry; a publish that keeps failing
// is logged and dropped rather than retried forever.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notifyCh:
		}
		for {
			e, ok := q.pop()
			if !ok {
				break
			}
			err := retry.Do(
				func() error { return q.pub.Publish(ctx, e) },
				retry.Context(ctx),
				retry.Attempts(3),
				retry.MaxDelay(2*time.Second),
			)
			if err != nil {
				q.log.Info("notify: giving up on state event", "node", e.NodeID, "to", e.To, "error", err)
			}
		}
	}
}

func (q *Queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Event{}, false
	}
	e := q.buf[0]
	q.buf = q.buf[1:]
	return e, true
}
