// Package approvalsvc defines the ApprovalService collaborator interface
// (spec.md §6): quorum voting lives outside the engine, which only creates
// intents, reads status, and subscribes to resolution events. Self-vote
// prohibition is enforced here, closest to where votes are cast.
package approvalsvc

import (
	"context"
	"errors"

	"github.com/pureboot/pureboot/internal/data"
)

// ErrNotFound is returned when an approval id does not exist.
var ErrNotFound = errors.New("approvalsvc: not found")

// ErrSelfVote is returned when a voter's identity equals the requester's.
var ErrSelfVote = errors.New("approvalsvc: self vote forbidden")

// ErrAlreadyResolved is returned when voting on a non-pending approval.
var ErrAlreadyResolved = errors.New("approvalsvc: already resolved")

// Event is published when an Approval resolves.
type Event struct {
	ApprovalID string
	Status     data.ApprovalStatus
}

// ApprovalService creates approval intents, tracks quorum voting, and
// notifies subscribers when an approval resolves. create(intent) is
// idempotent by intent id, per spec.md §6: calling Create twice with the
// same intent returns the same Approval rather than creating a duplicate.
type ApprovalService interface {
	// Create creates (or returns the existing) Approval for an intent. The
	// idempotency key is intent.NodeID + intent.ToState + the approval's
	// operation, so a re-invoked create after a dropped response does not
	// spawn a second approval for the same pending transition.
	Create(ctx context.Context, requester string, op data.OperationType, target string, requiredApprovers int, intent data.TransitionIntent, expiry int64) (*data.Approval, error)

	// Get returns an approval by id.
	Get(ctx context.Context, id string) (*data.Approval, error)

	// Vote records a vote. Returns ErrSelfVote if voter == the approval's
	// requester. Resolves the approval to approved/rejected once quorum is
	// reached and publishes an Event to subscribers.
	Vote(ctx context.Context, id, voter string, approve bool, comment string) (*data.Approval, error)

	// Cancel marks a pending approval cancelled without resolving it.
	Cancel(ctx context.Context, id string) error

	// Subscribe registers a callback invoked whenever an approval resolves
	// (Memory calls it synchronously from the Vote that resolved it).
	// Returns an unsubscribe function.
	Subscribe(fn func(Event)) (unsubscribe func())
}
