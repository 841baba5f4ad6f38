package data

import "time"

// StateTransition is an append-only history row. Never mutated once written.
type StateTransition struct {
	ID         string // ULID, monotonically sortable and assigned under the node lock
	NodeID     string
	FromState  State
	ToState    State
	Actor      string
	Timestamp  time.Time
	Comment    string
	ApprovalID string // nullable; empty means no approval was involved
}
