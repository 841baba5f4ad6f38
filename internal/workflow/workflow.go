// Package workflow implements the Workflow Engine (C4): ordered task
// progression for an active BootSession, forward-only advancement, retry
// with exponential backoff, timeout detection, and cancellation with a
// grace period (spec.md §4.4).
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/engineerr"
	"github.com/pureboot/pureboot/internal/metrics"
	"github.com/pureboot/pureboot/internal/statemachine"
	"github.com/pureboot/pureboot/internal/store"
)

// MaxAttempts is the retry ceiling per task before the session fails
// (spec.md §4.4: N=3).
const MaxAttempts = 3

// Engine drives BootSession/task progression.
type Engine struct {
	Store   store.NodeStore
	Machine *statemachine.Machine
	Clock   clock.Clock
	Log     logr.Logger

	// DefaultTaskTimeout is used for a task with no per-task override
	// (config.Task.DefaultTimeoutMS).
	DefaultTaskTimeout time.Duration
	// CancelGrace holds the configured grace period for a cancelled session
	// (config.Session.CancelGraceMS). No Engine method reads it.
	CancelGrace time.Duration
}

// backoffDelay returns the delay before retrying the attempt-th failure of
// a task (1-indexed), following the 2s/8s/32s schedule from spec.md §4.4:
// an exponential backoff with a 2s initial interval and ×4 multiplier.
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 4
	b.RandomizationFactor = 0
	b.MaxInterval = 32 * time.Second
	b.Reset()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Begin creates a new BootSession for a node entering (or resuming)
// installation, seeding TaskProgress from the workflow's task list.
func (e *Engine) Begin(ctx context.Context, node *data.Node) (*data.BootSession, *data.Workflow, error) {
	if node.WorkflowID == "" {
		return nil, nil, fmt.Errorf("%w: node has no assigned workflow", engineerr.ErrMalformedRequest)
	}
	wf, err := e.Store.GetWorkflow(ctx, node.WorkflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}

	tasks := make([]data.TaskProgress, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		tasks = append(tasks, data.TaskProgress{Ordinal: t.Ordinal, Status: data.TaskPending})
	}

	s, err := e.Store.CreateSession(ctx, &data.BootSession{
		NodeID:     node.ID,
		WorkflowID: wf.ID,
		Tasks:      tasks,
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionAlreadyActive) {
			existing, aerr := e.Store.ActiveSession(ctx, node.ID)
			if aerr != nil {
				return nil, nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, aerr)
			}
			return existing, wf, nil
		}
		return nil, nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return s, wf, nil
}

// ReportProgress applies an agent progress report, enforcing forward-only
// advancement (spec.md §4.4, §4.6, Testable Property 7): once a report has
// been applied, a report whose sequence is not greater than the last
// applied one has no effect. Duplicates are resolved by sequence alone;
// reportID and reportTime are not consulted.
func (e *Engine) ReportProgress(ctx context.Context, sessionID string, ordinal int, status data.TaskStatus, sequence uint64, reportID string, reportTime time.Time) error {
	s, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	if s.Status != data.SessionActive {
		return nil // stale report against a closed session: acknowledged, ignored
	}
	if sequence <= s.LastSequence && s.LastSequence != 0 {
		return nil // out-of-order or replayed: acknowledged, ignored (Testable Property 7)
	}
	if ordinal < s.CurrentTaskOrdinal {
		return nil // report for an already-superseded task
	}

	tp := s.TaskByOrdinal(ordinal)
	if tp == nil {
		return fmt.Errorf("%w: unknown task ordinal %d", engineerr.ErrMalformedRequest, ordinal)
	}

	now := e.Clock.Now()
	s.LastSequence = sequence
	s.LastProgressAt = now

	switch status {
	case data.TaskRunning:
		if tp.Status == data.TaskPending {
			tp.StartedAt = now
		}
		tp.Status = data.TaskRunning
		return e.persist(ctx, s)

	case data.TaskDone:
		tp.Status = data.TaskDone
		tp.FinishedAt = now
		s.CurrentTaskOrdinal = ordinal + 1
		if err := e.persist(ctx, s); err != nil {
			return err
		}
		if s.CurrentTaskOrdinal > maxOrdinal(s.Tasks) {
			return e.complete(ctx, s)
		}
		return nil

	case data.TaskFailed:
		tp.Attempts++
		tp.Status = data.TaskFailed
		metrics.IncTaskRetry(strconv.Itoa(tp.Ordinal))
		if tp.Attempts >= MaxAttempts {
			if err := e.persist(ctx, s); err != nil {
				return err
			}
			return e.fail(ctx, s, fmt.Sprintf("task %d failed after %d attempts", ordinal, tp.Attempts))
		}
		tp.Status = data.TaskPending // eligible for retry; caller schedules via backoffDelay
		return e.persist(ctx, s)

	default:
		return fmt.Errorf("%w: unknown task status %q", engineerr.ErrMalformedRequest, status)
	}
}

// NextRetryDelay returns how long the caller (Agent Channel) should wait
// before instructing the agent to retry the given task's most recent
// failure.
func (e *Engine) NextRetryDelay(s *data.BootSession, ordinal int) time.Duration {
	tp := s.TaskByOrdinal(ordinal)
	if tp == nil {
		return 0
	}
	return backoffDelay(tp.Attempts)
}

// CheckTimeouts sweeps all active sessions and fails any whose
// last-progress time exceeds its current task's timeout, or whose total
// wall-clock time since start exceeds the workflow's global timeout
// (spec.md §4.4, Testable Property 10).
func (e *Engine) CheckTimeouts(ctx context.Context, defaultWorkflow func(ctx context.Context, workflowID string) (*data.Workflow, error)) error {
	sessions, err := e.Store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	now := e.Clock.Now()
	for _, s := range sessions {
		wf, err := defaultWorkflow(ctx, s.WorkflowID)
		if err != nil {
			continue
		}
		if wf.GlobalTimeoutSeconds > 0 && now.Sub(s.StartedAt) > time.Duration(wf.GlobalTimeoutSeconds)*time.Second {
			if err := e.timeout(ctx, s); err != nil {
				e.Log.Error(err, "workflow: failed to apply global session timeout", "session", s.ID)
			}
			continue
		}
		timeout := e.DefaultTaskTimeout
		if t := wf.TaskByOrdinal(s.CurrentTaskOrdinal); t != nil && t.TimeoutMS > 0 {
			timeout = time.Duration(t.TimeoutMS) * time.Millisecond
		}
		if now.Sub(s.LastProgressAt) > timeout {
			if err := e.timeout(ctx, s); err != nil {
				e.Log.Error(err, "workflow: failed to apply session timeout", "session", s.ID)
			}
		}
	}
	return nil
}

// Cancel marks an active session cancelled and persists it. It does not
// change the node's state and does not consult CancelGrace; the node is
// moved only by a separate FinalizeCancel call.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	s, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	if s.Status != data.SessionActive {
		return nil
	}
	s.Status = data.SessionCancelled
	return e.persist(ctx, s)
}

// FinalizeCancel rolls the node back to pending once a cancelled session is
// considered closed (agent ack or grace-period expiry, spec.md §4.4).
func (e *Engine) FinalizeCancel(ctx context.Context, nodeID string) error {
	_, err := e.Machine.Transition(ctx, nodeID, data.StatePending, "system", "session cancelled")
	if err != nil {
		var rej *engineerr.Rejected
		if errors.As(err, &rej) {
			return nil // already rolled back or otherwise not installing anymore
		}
		return err
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, s *data.BootSession) error {
	s.Status = data.SessionSucceeded
	if err := e.persist(ctx, s); err != nil {
		return err
	}
	node, err := e.Store.Snapshot(ctx, s.NodeID)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	switch node.State {
	case data.StateInstalling:
		_, err = e.Machine.Transition(ctx, s.NodeID, data.StateInstalled, "agent", "installation completed")
	case data.StateMigrating:
		_, err = e.Machine.Transition(ctx, s.NodeID, data.StateActive, "agent", "migration completed")
	}
	return err
}

func (e *Engine) fail(ctx context.Context, s *data.BootSession, reason string) error {
	s.Status = data.SessionFailed
	if err := e.persist(ctx, s); err != nil {
		return err
	}
	_, err := e.Machine.Transition(ctx, s.NodeID, data.StateInstallFailed, "system", reason)
	return err
}

func (e *Engine) timeout(ctx context.Context, s *data.BootSession) error {
	s.Status = data.SessionTimedOut
	if err := e.persist(ctx, s); err != nil {
		return err
	}
	_, err := e.Machine.Transition(ctx, s.NodeID, data.StateInstallFailed, "system", "session timed out")
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrSessionTimeout, err)
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, s *data.BootSession) error {
	if err := e.Store.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return nil
}

func maxOrdinal(tasks []data.TaskProgress) int {
	max := -1
	for _, t := range tasks {
		if t.Ordinal > max {
			max = t.Ordinal
		}
	}
	return max
}
