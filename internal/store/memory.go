package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/data"
)

// Memory is an in-memory NodeStore, used by tests and by cmd/pureboot,
// which always runs against it. It is not a substitute for a real durable store in
// production (spec.md explicitly treats the store as an external
// collaborator), but it implements the same atomic-commit contract so the
// engine's concurrency behavior can be exercised without one.
type Memory struct {
	mu sync.Mutex

	clock clock.Clock

	nodesByID  map[string]*data.Node
	macIndex   map[string]string // mac -> node id
	workflows  map[string]*data.Workflow
	sessions   map[string]*data.BootSession
	activeByNode map[string]string // node id -> session id
	history    map[string][]data.StateTransition
	partitions map[string][]data.PartitionOperation // key: nodeID+"\x00"+device
	diskScans  map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock:        c,
		nodesByID:    make(map[string]*data.Node),
		macIndex:     make(map[string]string),
		workflows:    make(map[string]*data.Workflow),
		sessions:     make(map[string]*data.BootSession),
		activeByNode: make(map[string]string),
		history:      make(map[string][]data.StateTransition),
		partitions:   make(map[string][]data.PartitionOperation),
		diskScans:    make(map[string][]byte),
	}
}

func (m *Memory) newULID() string {
	return ulid.Make().String()
}

func (m *Memory) LookupByMAC(_ context.Context, mac string) (*data.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.macIndex[mac]
	if !ok {
		return nil, ErrNotFound
	}
	return m.nodesByID[id].Clone(), nil
}

func (m *Memory) CreateDiscovered(_ context.Context, n *data.Node) (*data.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.macIndex[n.MAC]; exists {
		return nil, ErrDuplicateMAC
	}
	now := m.clock.Now()
	node := n.Clone()
	node.ID = uuid.New().String()
	node.State = data.StateDiscovered
	node.CreatedAt = now
	node.UpdatedAt = now
	node.LastSeen = now
	m.nodesByID[node.ID] = node
	m.macIndex[node.MAC] = node.ID
	return node.Clone(), nil
}

func (m *Memory) MergeHints(_ context.Context, nodeID string, hints data.Node) (*data.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodesByID[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	if n.Arch == "" && hints.Arch != "" {
		n.Arch = hints.Arch
	}
	if n.Boot == "" && hints.Boot != "" {
		n.Boot = hints.Boot
	}
	if n.Vendor == "" && hints.Vendor != "" {
		n.Vendor = hints.Vendor
	}
	if n.Model == "" && hints.Model != "" {
		n.Model = hints.Model
	}
	if n.Serial == "" && hints.Serial != "" {
		n.Serial = hints.Serial
	}
	if n.SystemUUID == "" && hints.SystemUUID != "" {
		n.SystemUUID = hints.SystemUUID
	}
	n.LastSeen = m.clock.Now()
	return n.Clone(), nil
}

func (m *Memory) Snapshot(_ context.Context, nodeID string) (*data.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodesByID[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

func (m *Memory) AssignWorkflow(_ context.Context, nodeID, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodesByID[nodeID]
	if !ok {
		return ErrNotFound
	}
	n.WorkflowID = workflowID
	n.UpdatedAt = m.clock.Now()
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, workflowID string) (*data.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) PutWorkflow(_ context.Context, w *data.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workflows[w.ID] = &cp
	return nil
}

func (m *Memory) CommitTransition(_ context.Context, b CommitBundle) (*data.StateTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodesByID[b.NodeID]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.clock.Now()
	n.State = b.ToState
	n.UpdatedAt = now
	if b.ClearWorkflowAssignment {
		n.WorkflowID = ""
	}

	t := data.StateTransition{
		ID:         m.newULID(),
		NodeID:     b.NodeID,
		FromState:  b.FromState,
		ToState:    b.ToState,
		Actor:      b.Actor,
		Timestamp:  now,
		Comment:    b.Comment,
		ApprovalID: b.ApprovalID,
	}
	m.history[b.NodeID] = append(m.history[b.NodeID], t)

	if b.CancelActiveSession {
		if sid, ok := m.activeByNode[b.NodeID]; ok {
			if s, ok := m.sessions[sid]; ok {
				s.Status = data.SessionCancelled
			}
			delete(m.activeByNode, b.NodeID)
		}
	}

	return &t, nil
}

func (m *Memory) History(_ context.Context, nodeID string) ([]data.StateTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[nodeID]
	out := make([]data.StateTransition, len(h))
	copy(out, h)
	return out, nil
}

func (m *Memory) ActiveSession(_ context.Context, nodeID string) (*data.BootSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.activeByNode[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	s := m.sessions[sid]
	cp := *s
	cp.Tasks = append([]data.TaskProgress(nil), s.Tasks...)
	return &cp, nil
}

func (m *Memory) ListActiveSessions(_ context.Context) ([]*data.BootSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*data.BootSession, 0, len(m.activeByNode))
	for _, sid := range m.activeByNode {
		s, ok := m.sessions[sid]
		if !ok {
			continue
		}
		cp := *s
		cp.Tasks = append([]data.TaskProgress(nil), s.Tasks...)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CreateSession(_ context.Context, s *data.BootSession) (*data.BootSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.activeByNode[s.NodeID]; exists {
		return nil, ErrSessionAlreadyActive
	}
	cp := *s
	cp.ID = uuid.New().String()
	cp.Status = data.SessionActive
	now := m.clock.Now()
	cp.StartedAt = now
	cp.LastProgressAt = now
	m.sessions[cp.ID] = &cp
	m.activeByNode[s.NodeID] = cp.ID
	out := cp
	out.Tasks = append([]data.TaskProgress(nil), cp.Tasks...)
	return &out, nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*data.BootSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.Tasks = append([]data.TaskProgress(nil), s.Tasks...)
	return &cp, nil
}

func (m *Memory) UpdateSession(_ context.Context, s *data.BootSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	cp.Tasks = append([]data.TaskProgress(nil), s.Tasks...)
	m.sessions[s.ID] = &cp
	if s.Status != data.SessionActive {
		if m.activeByNode[s.NodeID] == s.ID {
			delete(m.activeByNode, s.NodeID)
		}
	}
	return nil
}

func (m *Memory) DeleteNode(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodesByID[nodeID]
	if !ok {
		return ErrNotFound
	}
	delete(m.macIndex, n.MAC)
	delete(m.nodesByID, nodeID)
	delete(m.history, nodeID)
	delete(m.diskScans, nodeID)
	for sid, s := range m.sessions {
		if s.NodeID == nodeID {
			delete(m.sessions, sid)
		}
	}
	delete(m.activeByNode, nodeID)
	for k := range m.partitions {
		if len(k) >= len(nodeID) && k[:len(nodeID)] == nodeID {
			delete(m.partitions, k)
		}
	}
	return nil
}

func partitionKey(nodeID, device string) string {
	return nodeID + "\x00" + device
}

func (m *Memory) PartitionOps(_ context.Context, nodeID, device string) ([]data.PartitionOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := append([]data.PartitionOperation(nil), m.partitions[partitionKey(nodeID, device)]...)
	sort.Slice(ops, func(i, j int) bool { return ops[i].Sequence < ops[j].Sequence })
	return ops, nil
}

func (m *Memory) EnqueuePartitionOp(_ context.Context, op *data.PartitionOperation) (*data.PartitionOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := partitionKey(op.NodeID, op.Device)
	existing := m.partitions[key]
	next := 0
	for _, e := range existing {
		if e.Sequence >= next {
			next = e.Sequence + 1
		}
	}
	cp := *op
	cp.ID = uuid.New().String()
	cp.Sequence = next
	cp.Status = data.PartitionOpPending
	m.partitions[key] = append(existing, cp)
	out := cp
	return &out, nil
}

func (m *Memory) UpdatePartitionOpStatus(_ context.Context, opID string, status data.PartitionOpStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ops := range m.partitions {
		for i := range ops {
			if ops[i].ID == opID {
				ops[i].Status = status
				m.partitions[key] = ops
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *Memory) PutDiskScan(_ context.Context, nodeID string, report []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(report))
	copy(cp, report)
	m.diskScans[nodeID] = cp
	return nil
}

func (m *Memory) GetDiskScan(_ context.Context, nodeID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.diskScans[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(r))
	copy(cp, r)
	return cp, nil
}
