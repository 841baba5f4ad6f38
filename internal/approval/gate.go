// Package approval implements the Approval Gate (C7): the bridge between
// the State Machine (C2) and the external ApprovalService collaborator
// (spec.md §4.7). It creates Approvals with the operation's configured
// quorum, and on resolution drives the State Machine to commit, or records
// a no-op history entry, exactly once.
package approval

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/approvalsvc"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/statemachine"
)

// Committer is the seam back to the State Machine (C2). Kept narrow so the
// gate can be tested without a full Machine. statemachine.Machine does not
// import this package, so there is no cycle in depending on it here.
type Committer interface {
	CommitApproved(ctx context.Context, approvalID string, intent data.TransitionIntent) (statemachine.Outcome, error)
	RecordRejectedApproval(ctx context.Context, nodeID, approvalID, actor, reason string) error
}

// Gate wires ApprovalService resolution events back into the state
// machine. Construct once per process and call Subscribe during startup.
type Gate struct {
	Service           approvalsvc.ApprovalService
	Machine           Committer
	Log               logr.Logger
	RequiredApprovers int
	ExpirySeconds     int64
}

// RequestApproval implements statemachine.ApprovalRequester.
func (g *Gate) RequestApproval(ctx context.Context, op data.OperationType, node *data.Node, intent data.TransitionIntent, actor string) (*data.Approval, error) {
	return g.Service.Create(ctx, actor, op, node.ID, g.RequiredApprovers, intent, g.ExpirySeconds)
}

// Subscribe registers the gate's resolution handler with the
// ApprovalService. Returns an unsubscribe function; callers normally never
// call it, since the gate lives for the process lifetime.
func (g *Gate) Subscribe() (unsubscribe func()) {
	return g.Service.Subscribe(g.onResolved)
}

func (g *Gate) onResolved(ev approvalsvc.Event) {
	ctx := context.Background()

	a, err := g.Service.Get(ctx, ev.ApprovalID)
	if err != nil {
		g.Log.Error(err, "approval gate: failed to load resolved approval", "approval", ev.ApprovalID)
		return
	}

	switch a.Status {
	case data.ApprovalApproved:
		if _, err := g.Machine.CommitApproved(ctx, a.ID, a.Intent); err != nil {
			g.Log.Error(err, "approval gate: commit failed", "approval", a.ID, "node", a.Intent.NodeID)
		}
	case data.ApprovalRejected, data.ApprovalExpired, data.ApprovalCancelled:
		reason := fmt.Sprintf("approval %s: %s", a.ID, a.Status)
		if err := g.Machine.RecordRejectedApproval(ctx, a.Intent.NodeID, a.ID, a.Requester, reason); err != nil {
			g.Log.Error(err, "approval gate: failed to record resolution", "approval", a.ID)
		}
	}
}
