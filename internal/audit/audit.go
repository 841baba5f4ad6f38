// Package audit defines the AuditSink collaborator interface (spec.md §6)
// and a bounded, non-blocking in-memory queue in front of it. The sink's
// unavailability must never block a state transition: writes are buffered
// with a bounded queue, oldest-dropped on overflow with a counter
// (spec.md §5); an overflow is counted and never returned as an error.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// Event is one audit record. Sink implementations (external, write-only)
// decide how to persist or present it; this engine only produces them.
type Event struct {
	Time    time.Time
	NodeID  string
	Kind    string
	Message string
	Fields  map[string]string
}

// Sink is the external, write-only AuditSink collaborator. append(event) is
// best-effort: Append must not block the caller meaningfully and must not
// return an error the caller is required to act on.
type Sink interface {
	Append(ctx context.Context, e Event)
}

// Queue is a bounded, oldest-dropped, non-blocking buffer in front of a
// Sink. Producers call Publish, which never blocks; a background goroutine
// drains into the Sink.
type Queue struct {
	log      logr.Logger
	sink     Sink
	capacity int

	mu       sync.Mutex
	buf      []Event
	dropped  atomic.Uint64
	notifyCh chan struct{}
}

// NewQueue returns a Queue with the given capacity draining into sink.
func NewQueue(log logr.Logger, sink Sink, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		log:      log,
		sink:     sink,
		capacity: capacity,
		notifyCh: make(chan struct{}, 1),
	}
}

// Publish enqueues e. If the queue is at capacity, the oldest entry is
// dropped and the Dropped counter is incremented; Publish itself never
// blocks on I/O.
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

// Run drains the queue into the Sink until ctx is cancelled. Intended to be
// run in its own goroutine for the lifetime of the process.
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
			q.sink.Append(ctx, e)
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
