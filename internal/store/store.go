// Package store defines the NodeStore collaborator interface (spec.md §6):
// the narrow surface the engine uses to read and durably mutate Nodes,
// Workflows, BootSessions, StateTransitions, Approvals, and
// PartitionOperations. The engine never issues two separate writes for one
// logical change; CommitTransition is the atomic-commit bundle spec.md §9
// requires so a crash mid-transition cannot leave state and history out of
// sync.
package store

import (
	"context"
	"errors"

	"github.com/pureboot/pureboot/internal/data"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateMAC is returned by CreateDiscovered when the MAC is already registered.
var ErrDuplicateMAC = errors.New("store: duplicate mac")

// ErrSessionAlreadyActive is returned by CreateSession when the node already
// owns an active BootSession (spec.md's unique-partial-index invariant).
var ErrSessionAlreadyActive = errors.New("store: session already active")

// CommitBundle is the atomic unit the engine sends for every state-machine
// transition: a node state update, a history insert, and an optional
// session status change, applied as one transaction by the store.
type CommitBundle struct {
	NodeID     string
	FromState  data.State
	ToState    data.State
	Actor      string
	Comment    string
	ApprovalID string

	// CancelActiveSession is set when the new state is terminal or rewinds
	// to pending (spec.md §4.2c): the store must cancel any active
	// BootSession as part of the same transaction.
	CancelActiveSession bool

	// ClearWorkflowAssignment, when set, clears the node's assigned workflow
	// as part of the same commit. The state machine sets it for commits into
	// pending, except from install_failed and reprovision.
	ClearWorkflowAssignment bool
}

// NodeStore is the engine's view of node/workflow/session/history/approval
// persistence. All methods must be safe for concurrent use; methods that
// mutate node-scoped state are expected to be called while the caller holds
// the node's arbiter lock (package arbiter), except where noted.
type NodeStore interface {
	// LookupByMAC returns the node with the given canonical MAC, or
	// ErrNotFound.
	LookupByMAC(ctx context.Context, mac string) (*data.Node, error)

	// CreateDiscovered atomically creates a node in StateDiscovered with the
	// given hints. If a concurrent creation won the race on the same MAC,
	// CreateDiscovered returns ErrDuplicateMAC so the caller can retry the
	// lookup (spec.md §4.1: "lost creation races retry the lookup").
	CreateDiscovered(ctx context.Context, n *data.Node) (*data.Node, error)

	// MergeHints updates arch/firmware/vendor/model/serial/system-uuid only
	// where the existing field is unset, and refreshes LastSeen. It never
	// overwrites a distinct recorded value.
	MergeHints(ctx context.Context, nodeID string, hints data.Node) (*data.Node, error)

	// Snapshot returns a consistent, lock-free read of a node by id.
	Snapshot(ctx context.Context, nodeID string) (*data.Node, error)

	// AssignWorkflow assigns a workflow id to a node without otherwise
	// changing state.
	AssignWorkflow(ctx context.Context, nodeID, workflowID string) error

	// GetWorkflow returns a workflow definition by id.
	GetWorkflow(ctx context.Context, workflowID string) (*data.Workflow, error)

	// PutWorkflow stores (or replaces) a workflow definition. Not part of
	// spec.md's core dispatch path but required for any deployment to load
	// workflow definitions into the store the engine reads from.
	PutWorkflow(ctx context.Context, w *data.Workflow) error

	// CommitTransition applies a CommitBundle as one atomic operation.
	CommitTransition(ctx context.Context, b CommitBundle) (*data.StateTransition, error)

	// History returns all StateTransitions for a node, oldest first.
	History(ctx context.Context, nodeID string) ([]data.StateTransition, error)

	// ActiveSession returns the node's active BootSession, or ErrNotFound.
	ActiveSession(ctx context.Context, nodeID string) (*data.BootSession, error)

	// ListActiveSessions returns every BootSession with status=active,
	// across all nodes, for the periodic timeout sweep (spec.md §8,
	// Testable Property 10).
	ListActiveSessions(ctx context.Context) ([]*data.BootSession, error)

	// CreateSession atomically creates a new active BootSession for a node,
	// or returns ErrSessionAlreadyActive.
	CreateSession(ctx context.Context, s *data.BootSession) (*data.BootSession, error)

	// GetSession returns a BootSession by id.
	GetSession(ctx context.Context, sessionID string) (*data.BootSession, error)

	// UpdateSession persists a (already-loaded and mutated) BootSession.
	UpdateSession(ctx context.Context, s *data.BootSession) error

	// DeleteNode removes a node and cascades to its sessions, transitions,
	// and pending partition operations.
	DeleteNode(ctx context.Context, nodeID string) error

	// PartitionOps returns the operations queued for a (node, device) pair,
	// ordered by ascending Sequence.
	PartitionOps(ctx context.Context, nodeID, device string) ([]data.PartitionOperation, error)

	// EnqueuePartitionOp appends an operation, assigning the next sequence
	// number for the (node, device) pair.
	EnqueuePartitionOp(ctx context.Context, op *data.PartitionOperation) (*data.PartitionOperation, error)

	// UpdatePartitionOpStatus updates one operation's status.
	UpdatePartitionOpStatus(ctx context.Context, opID string, status data.PartitionOpStatus) error

	// PutDiskScan replaces the disk-scan report for a node in a single
	// atomic write (spec.md §4.6: "partial updates are not allowed").
	PutDiskScan(ctx context.Context, nodeID string, report []byte) error

	// GetDiskScan returns the most recent disk-scan report for a node.
	GetDiskScan(ctx context.Context, nodeID string) ([]byte, error)
}
