package task

import (
	"encoding/json"
	"sort"
	"sync"

	"gorm.io/datatypes"

	"go_bridge/internal/model"
)

// MemoryStore is an in-memory Store for tests and single-node development.
// It enforces the same (task_id, sequence) uniqueness as the MySQL store.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*model.Task
	events    map[string][]*model.TaskEvent // task_id -> ordered events
	approvals map[string]*model.ApprovalRequest
	nextID    int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*model.Task),
		events:    make(map[string][]*model.TaskEvent),
		approvals: make(map[string]*model.ApprovalRequest),
	}
}

// CreateTask inserts a task
func (s *MemoryStore) CreateTask(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// GetTask loads a task by ID
func (s *MemoryStore) GetTask(id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// SaveProjection refreshes the task row from the folded state
func (s *MemoryStore) SaveProjection(id string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	checklist, _ := json.Marshal(st.Checklist)
	artifacts, _ := json.Marshal(st.Artifacts)
	t.Status = st.Status
	t.Checklist = datatypes.JSON(checklist)
	t.Artifacts = datatypes.JSON(artifacts)
	t.SequenceCursor = st.SequenceCursor
	t.Result = st.Result
	t.LastError = st.LastError
	t.StartedAt = st.StartedAt
	t.TerminalAt = st.TerminalAt
	return nil
}

// ActiveTasksByInstance lists non-terminal tasks bound to an instance
func (s *MemoryStore) ActiveTasksByInstance(instanceID string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.InstanceID == instanceID && !t.IsTerminal() {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendEvent persists one sequenced event
func (s *MemoryStore) AppendEvent(rec *model.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events[rec.TaskID] {
		if ev.Sequence == rec.Sequence {
			return ErrDuplicateEvent
		}
	}
	s.nextID++
	cp := *rec
	cp.ID = s.nextID
	s.events[rec.TaskID] = append(s.events[rec.TaskID], &cp)
	sort.Slice(s.events[rec.TaskID], func(i, j int) bool {
		return s.events[rec.TaskID][i].Sequence < s.events[rec.TaskID][j].Sequence
	})
	return nil
}

// ListEvents returns events with sequence > afterSeq in sequence order
func (s *MemoryStore) ListEvents(taskID string, afterSeq int64, limit int) ([]*model.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.TaskEvent
	for _, ev := range s.events[taskID] {
		if ev.Sequence > afterSeq {
			cp := *ev
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// LatestSequence returns the highest persisted sequence for a task
func (s *MemoryStore) LatestSequence(taskID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[taskID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

// CreateApproval inserts an approval request
func (s *MemoryStore) CreateApproval(a *model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.approvals[a.ID] = &cp
	return nil
}

// GetApproval loads an approval request by ID
func (s *MemoryStore) GetApproval(id string) (*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	cp := *a
	return &cp, nil
}

// OpenApproval returns the task's PENDING request, or nil if there is none
func (s *MemoryStore) OpenApproval(taskID string) (*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.approvals {
		if a.TaskID == taskID && a.Status == model.ApprovalStatusPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// UpdateApproval saves a changed approval request
func (s *MemoryStore) UpdateApproval(a *model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ID]; !ok {
		return ErrApprovalNotFound
	}
	cp := *a
	s.approvals[a.ID] = &cp
	return nil
}

// ListOpenApprovals returns all PENDING requests across tasks
func (s *MemoryStore) ListOpenApprovals() ([]*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ApprovalRequest
	for _, a := range s.approvals {
		if a.Status == model.ApprovalStatusPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}
