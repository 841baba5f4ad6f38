// Package statemachine implements the State Machine (C2): the legal
// transition graph, approval-gating, and atomic commit of Node state
// changes (spec.md §3, §4.2).
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/arbiter"
	"github.com/pureboot/pureboot/internal/audit"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/engineerr"
	"github.com/pureboot/pureboot/internal/notify"
	"github.com/pureboot/pureboot/internal/store"
)

// transitionKey identifies one edge of the legal transition graph.
type transitionKey struct {
	From data.State
	To   data.State
}

// legalTransitions is the closed set from spec.md §3. Every other
// transition is rejected.
var legalTransitions = map[transitionKey]struct{}{
	{data.StateDiscovered, data.StatePending}:        {},
	{data.StateDiscovered, data.StateIgnored}:        {},
	{data.StateIgnored, data.StateDiscovered}:        {},
	{data.StatePending, data.StateInstalling}:        {},
	{data.StateInstalling, data.StateInstalled}:       {},
	{data.StateInstalling, data.StateInstallFailed}:   {},
	{data.StateInstallFailed, data.StatePending}:      {},
	{data.StateInstalled, data.StateActive}:           {},
	{data.StateActive, data.StateReprovision}:         {},
	{data.StateActive, data.StateMigrating}:           {},
	{data.StateActive, data.StateRetired}:             {},
	{data.StateReprovision, data.StatePending}:        {},
	{data.StateMigrating, data.StateActive}:           {},
	{data.StateRetired, data.StateDecommissioned}:      {},
	{data.StateDecommissioned, data.StateWiping}:       {},
	{data.StateWiping, data.StateDecommissioned}:       {},
}

// IsLegal reports whether the (from, to) pair appears in the transition
// table.
func IsLegal(from, to data.State) bool {
	_, ok := legalTransitions[transitionKey{from, to}]
	return ok
}

// DefaultGatedTransitions returns the approval-gated set spec.md §9 assumes
// as a default: retire, wipe, and reprovision-from-active. The set is
// configurable per deployment by passing a different map to Machine.
func DefaultGatedTransitions() map[transitionKey]data.OperationType {
	return map[transitionKey]data.OperationType{
		{data.StateActive, data.StateRetired}:        data.OpRetire,
		{data.StateDecommissioned, data.StateWiping}: data.OpWipe,
		{data.StateActive, data.StateReprovision}:    data.OpReprovisionActive,
	}
}

// terminalOrRewind reports whether committing a transition to `to` should
// cancel any active BootSession (spec.md §4.2c): the new state is terminal
// for normal operation (active) or disposal (decommissioned), or it rewinds
// the node back to pending.
func terminalOrRewind(to data.State) bool {
	return to == data.StateActive || to == data.StateDecommissioned || to == data.StatePending
}

// ApprovalRequester is the seam to the Approval Gate (C7): the state
// machine asks it to create (or reuse) an Approval for a gated transition.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, op data.OperationType, node *data.Node, intent data.TransitionIntent, actor string) (*data.Approval, error)
}

// Outcome is the result of a Transition call.
type Outcome struct {
	Committed  bool
	ApprovalID string // set when Committed is false and approval is pending
	Rejected   string // set when the transition was illegal
	Transition *data.StateTransition
}

// Machine is the State Machine implementation.
type Machine struct {
	Store            store.NodeStore
	Arbiter          *arbiter.Arbiter
	Audit            *audit.Queue
	Log              logr.Logger
	Approvals        ApprovalRequester
	GatedTransitions map[transitionKey]data.OperationType

	// Notifier is optional; nil means no broker is configured and commits
	// publish no state events (spec.md §1, notify.Queue degrades to a
	// no-op publisher in that case too).
	Notifier *notify.Queue
}

// NewMachine returns a Machine with the default gated-transition set.
func NewMachine(st store.NodeStore, arb *arbiter.Arbiter, aud *audit.Queue, approvals ApprovalRequester, log logr.Logger) *Machine {
	return &Machine{
		Store:            st,
		Arbiter:          arb,
		Audit:            aud,
		Log:              log,
		Approvals:        approvals,
		GatedTransitions: DefaultGatedTransitions(),
	}
}

// Transition attempts to move nodeID to toState. It acquires the node lock
// for the duration of the check-and-commit (spec.md §5).
func (m *Machine) Transition(ctx context.Context, nodeID string, toState data.State, actor, comment string) (Outcome, error) {
	lock, err := m.Arbiter.AcquireNodeLock(ctx, nodeID)
	if err != nil {
		return Outcome{}, err
	}
	defer lock.Release()

	n, err := m.Store.Snapshot(ctx, nodeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}

	if !IsLegal(n.State, toState) {
		reason := fmt.Sprintf("illegal transition: %s -> %s", n.State, toState)
		m.publishAudit(ctx, nodeID, "transition_rejected", reason)
		return Outcome{Rejected: reason}, &engineerr.Rejected{Reason: reason}
	}

	if op, gated := m.GatedTransitions[transitionKey{n.State, toState}]; gated {
		intent := data.TransitionIntent{NodeID: nodeID, ToState: toState, Actor: actor, Comment: comment}
		approval, err := m.Approvals.RequestApproval(ctx, op, n, intent, actor)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{ApprovalID: approval.ID}, &engineerr.RequiresApproval{ApprovalID: approval.ID}
	}

	t, err := m.commit(ctx, nodeID, n.State, toState, actor, comment, "")
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Committed: true, Transition: t}, nil
}

// CommitApproved commits a previously-approved intent exactly once,
// idempotent by approval id (spec.md §4.2, Testable Property 4). Called by
// the Approval Gate when an Approval resolves to approved.
func (m *Machine) CommitApproved(ctx context.Context, approvalID string, intent data.TransitionIntent) (Outcome, error) {
	lock, err := m.Arbiter.AcquireNodeLock(ctx, intent.NodeID)
	if err != nil {
		return Outcome{}, err
	}
	defer lock.Release()

	history, err := m.Store.History(ctx, intent.NodeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	for _, h := range history {
		if h.ApprovalID == approvalID {
			// Already committed for this approval; idempotent no-op.
			cp := h
			return Outcome{Committed: true, Transition: &cp}, nil
		}
	}

	n, err := m.Store.Snapshot(ctx, intent.NodeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	if !IsLegal(n.State, intent.ToState) {
		reason := fmt.Sprintf("illegal transition on approval commit: %s -> %s", n.State, intent.ToState)
		return Outcome{Rejected: reason}, &engineerr.Rejected{Reason: reason}
	}

	t, err := m.commit(ctx, intent.NodeID, n.State, intent.ToState, intent.Actor, intent.Comment, approvalID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Committed: true, Transition: t}, nil
}

// RecordRejectedApproval writes a history entry for a rejected/expired
// approval without changing node state (spec.md §4.7).
func (m *Machine) RecordRejectedApproval(ctx context.Context, nodeID, approvalID, actor, reason string) error {
	lock, err := m.Arbiter.AcquireNodeLock(ctx, nodeID)
	if err != nil {
		return err
	}
	defer lock.Release()

	n, err := m.Store.Snapshot(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	_, err = m.Store.CommitTransition(ctx, store.CommitBundle{
		NodeID:     nodeID,
		FromState:  n.State,
		ToState:    n.State,
		Actor:      actor,
		Comment:    reason,
		ApprovalID: approvalID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	m.publishAudit(ctx, nodeID, "approval_resolved_no_change", reason)
	return nil
}

func (m *Machine) commit(ctx context.Context, nodeID string, from, to data.State, actor, comment, approvalID string) (*data.StateTransition, error) {
	t, err := m.Store.CommitTransition(ctx, store.CommitBundle{
		NodeID:                  nodeID,
		FromState:               from,
		ToState:                 to,
		Actor:                   actor,
		Comment:                 comment,
		ApprovalID:              approvalID,
		CancelActiveSession:     terminalOrRewind(to),
		ClearWorkflowAssignment: to == data.StatePending && from != data.StateInstallFailed && from != data.StateReprovision,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, engineerr.ErrUnknownNode
		}
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	m.Log.Info("committed transition", "node", nodeID, "from", from, "to", to, "actor", actor)
	m.publishAudit(ctx, nodeID, "transition_committed", fmt.Sprintf("%s -> %s", from, to))
	m.publishNotify(nodeID, from, to, t.Timestamp)
	return t, nil
}

func (m *Machine) publishAudit(ctx context.Context, nodeID, kind, msg string) {
	if m.Audit == nil {
		return
	}
	m.Audit.Publish(audit.Event{NodeID: nodeID, Kind: kind, Message: msg})
}

func (m *Machine) publishNotify(nodeID string, from, to data.State, at time.Time) {
	if m.Notifier == nil {
		return
	}
	m.Notifier.Publish(notify.Event{Time: at, NodeID: nodeID, From: from, To: to})
}
