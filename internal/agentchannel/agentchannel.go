// Package agentchannel implements the Agent Channel (C6): the set of
// operations in-target installer agents and node-local agents use to
// report progress, completion, failure, disk scans, and partition
// operation status (spec.md §4.6).
package agentchannel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/engineerr"
	"github.com/pureboot/pureboot/internal/statemachine"
	"github.com/pureboot/pureboot/internal/store"
	"github.com/pureboot/pureboot/internal/workflow"
)

// ReportKind distinguishes the report shapes multiplexed onto one wire
// endpoint (spec.md §6: `POST /report` → progress/completion/failure/
// first_boot_ok). first_boot_ok carries no task ordinal: it is the agent's
// standalone signal, sent once after a first post-install boot succeeds,
// that drives the installed -> active transition (spec.md §9).
type ReportKind string

const (
	ReportProgress    ReportKind = "progress"
	ReportCompletion  ReportKind = "completion"
	ReportFailure     ReportKind = "failure"
	ReportFirstBootOK ReportKind = "first_boot_ok"
)

// Report is one agent report, already parsed and validated at the
// transport boundary.
type Report struct {
	SessionID string
	Ordinal   int
	Kind      ReportKind
	Sequence  uint64
	ReportID  string
	Timestamp time.Time
}

// Channel implements the Agent Channel's business logic, independent of
// the HTTP transport that carries it.
type Channel struct {
	Store    store.NodeStore
	Workflow *workflow.Engine
	Machine  *statemachine.Machine
	Log      logr.Logger
}

// Report applies an agent report to its session's workflow progress, or, for
// a first_boot_ok report, drives the node's installed -> active transition
// directly rather than touching task progress.
func (c *Channel) Report(ctx context.Context, r Report) error {
	if r.Kind == ReportFirstBootOK {
		return c.reportFirstBootOK(ctx, r)
	}

	var status data.TaskStatus
	switch r.Kind {
	case ReportProgress:
		status = data.TaskRunning
	case ReportCompletion:
		status = data.TaskDone
	case ReportFailure:
		status = data.TaskFailed
	default:
		return fmt.Errorf("%w: unknown report kind %q", engineerr.ErrMalformedRequest, r.Kind)
	}
	return c.Workflow.ReportProgress(ctx, r.SessionID, r.Ordinal, status, r.Sequence, r.ReportID, r.Timestamp)
}

// reportFirstBootOK resolves the session's node and commits installed ->
// active (spec.md §9's resolution of the installed -> active open
// question). An illegal-transition rejection (node already active, or never
// reached installed) is surfaced to the caller rather than swallowed, since
// unlike task progress there is no forward-only sequence to reconcile
// against.
func (c *Channel) reportFirstBootOK(ctx context.Context, r Report) error {
	s, err := c.Store.GetSession(ctx, r.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	_, err = c.Machine.Transition(ctx, s.NodeID, data.StateActive, "agent", "first boot reported ok")
	return err
}

// SubmitDiskScan replaces the node's disk-scan report in a single atomic
// write (spec.md §4.6: "partial updates are not allowed").
func (c *Channel) SubmitDiskScan(ctx context.Context, nodeID string, report []byte) error {
	if err := c.Store.PutDiskScan(ctx, nodeID, report); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return nil
}

// GetDiskScan returns the most recently submitted disk-scan report.
func (c *Channel) GetDiskScan(ctx context.Context, nodeID string) ([]byte, error) {
	r, err := c.Store.GetDiskScan(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return r, nil
}

// RequestPartitionOperations enqueues a batch of operations against a
// (node, device) pair. The store assigns each operation the next ascending
// sequence number, preserving the same-device serialization constraint
// (spec.md §3, Testable Property 3).
func (c *Channel) RequestPartitionOperations(ctx context.Context, nodeID, device string, ops []data.PartitionOperation) ([]data.PartitionOperation, error) {
	out := make([]data.PartitionOperation, 0, len(ops))
	for _, op := range ops {
		op.NodeID = nodeID
		op.Device = device
		created, err := c.Store.EnqueuePartitionOp(ctx, &op)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
		}
		out = append(out, *created)
	}
	return out, nil
}

// PartitionOperations returns the queued/executed operations for a device,
// ordered by ascending sequence.
func (c *Channel) PartitionOperations(ctx context.Context, nodeID, device string) ([]data.PartitionOperation, error) {
	ops, err := c.Store.PartitionOps(ctx, nodeID, device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return ops, nil
}

// ReportOperationStatus updates one partition operation's status.
func (c *Channel) ReportOperationStatus(ctx context.Context, opID string, status data.PartitionOpStatus) error {
	if err := c.Store.UpdatePartitionOpStatus(ctx, opID, status); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return nil
}
