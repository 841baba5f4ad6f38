package approvalsvc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/data"
)

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

// Memory is an in-memory ApprovalService used by tests and by cmd/pureboot.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock

	byID  map[string]*data.Approval
	byKey map[string]string // idempotency key -> approval id

	subs []func(Event)
}

// NewMemory returns an empty Memory approval service.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock: c,
		byID:  make(map[string]*data.Approval),
		byKey: make(map[string]string),
	}
}

func idempotencyKey(requester string, op data.OperationType, intent data.TransitionIntent) string {
	return string(op) + "\x00" + intent.NodeID + "\x00" + string(intent.ToState)
}

func (m *Memory) Create(_ context.Context, requester string, op data.OperationType, target string, requiredApprovers int, intent data.TransitionIntent, expirySeconds int64) (*data.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := idempotencyKey(requester, op, intent)
	if id, ok := m.byKey[key]; ok {
		if a, ok := m.byID[id]; ok && a.Status == data.ApprovalPending {
			cp := *a
			return &cp, nil
		}
	}

	now := m.clock.Now()
	a := &data.Approval{
		ID:                uuid.New().String(),
		Target:            target,
		Operation:         op,
		Requester:         requester,
		RequiredApprovers: requiredApprovers,
		Status:            data.ApprovalPending,
		Intent:            intent,
		CreatedAt:         now,
		ExpiresAt:         now.Add(secondsToDuration(expirySeconds)),
	}
	m.byID[a.ID] = a
	m.byKey[key] = a.ID
	cp := *a
	return &cp, nil
}

func (m *Memory) Get(_ context.Context, id string) (*data.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.Votes = append([]data.Vote(nil), a.Votes...)
	return &cp, nil
}

func (m *Memory) Vote(_ context.Context, id, voter string, approve bool, comment string) (*data.Approval, error) {
	var resolved *Event
	m.mu.Lock()
	a, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if voter == a.Requester {
		m.mu.Unlock()
		return nil, ErrSelfVote
	}
	if a.Status != data.ApprovalPending {
		m.mu.Unlock()
		return nil, ErrAlreadyResolved
	}

	a.Votes = append(a.Votes, data.Vote{
		Voter:     voter,
		Approve:   approve,
		Timestamp: m.clock.Now(),
		Comment:   comment,
	})

	if a.RejectCount() > 0 {
		a.Status = data.ApprovalRejected
		resolved = &Event{ApprovalID: a.ID, Status: a.Status}
	} else if a.ApproveCount() >= a.RequiredApprovers {
		a.Status = data.ApprovalApproved
		resolved = &Event{ApprovalID: a.ID, Status: a.Status}
	}

	cp := *a
	cp.Votes = append([]data.Vote(nil), a.Votes...)
	subs := append([]func(Event){}, m.subs...)
	m.mu.Unlock()

	if resolved != nil {
		for _, fn := range subs {
			fn(*resolved)
		}
	}

	return &cp, nil
}

func (m *Memory) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status == data.ApprovalPending {
		a.Status = data.ApprovalCancelled
	}
	return nil
}

func (m *Memory) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
	idx := len(m.subs) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.subs) {
			m.subs[idx] = func(Event) {}
		}
	}
}
