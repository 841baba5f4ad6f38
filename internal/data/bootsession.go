package data

import "time"

// SessionStatus is the lifecycle status of a BootSession.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
	SessionTimedOut  SessionStatus = "timed_out"
)

// TaskStatus is the status of a single task's progress within a session.
// This is a supplement to spec.md's bare current-task ordinal: it gives
// operators a full per-task timeline via the audit/history channel.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// TaskProgress records one task's execution history within a BootSession.
type TaskProgress struct {
	Ordinal     int
	Status      TaskStatus
	Attempts    int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// BootSession is created when the Boot Protocol Gateway hands out an
// installation artifact to a node.
type BootSession struct {
	ID     string
	NodeID string
	WorkflowID string

	Status SessionStatus

	StartedAt      time.Time
	LastProgressAt time.Time

	CurrentTaskOrdinal int
	Tasks              []TaskProgress

	// LastSequence is the highest agent-report sequence number acknowledged
	// for this session, used to drop stale out-of-order reports (spec.md §4.6).
	LastSequence uint64
}

// TaskByOrdinal returns the progress record for the given ordinal, or nil.
func (s *BootSession) TaskByOrdinal(ordinal int) *TaskProgress {
	for i := range s.Tasks {
		if s.Tasks[i].Ordinal == ordinal {
			return &s.Tasks[i]
		}
	}
	return nil
}
