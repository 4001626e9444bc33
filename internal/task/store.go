package task

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go_bridge/internal/model"
	"go_bridge/internal/protocol"
)

// Store errors
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrApprovalNotFound = errors.New("approval request not found")
	ErrDuplicateEvent   = errors.New("duplicate event sequence")
)

// Store is the durable home of tasks, their event streams and approval
// requests. Events are append-only and keyed by (task_id, sequence); the
// task row itself is a projection refreshed after each applied event.
type Store interface {
	CreateTask(t *model.Task) error
	GetTask(id string) (*model.Task, error)
	SaveProjection(id string, st State) error
	ActiveTasksByInstance(instanceID string) ([]*model.Task, error)

	AppendEvent(rec *model.TaskEvent) error
	ListEvents(taskID string, afterSeq int64, limit int) ([]*model.TaskEvent, error)
	LatestSequence(taskID string) (int64, error)

	CreateApproval(a *model.ApprovalRequest) error
	GetApproval(id string) (*model.ApprovalRequest, error)
	OpenApproval(taskID string) (*model.ApprovalRequest, error)
	UpdateApproval(a *model.ApprovalRequest) error
	ListOpenApprovals() ([]*model.ApprovalRequest, error)
}

// EnvelopeFromRecord rebuilds the wire envelope from a persisted event
func EnvelopeFromRecord(rec *model.TaskEvent) *protocol.Envelope {
	return &protocol.Envelope{
		TaskID:    rec.TaskID,
		Sequence:  rec.Sequence,
		Kind:      protocol.Kind(rec.Kind),
		Payload:   json.RawMessage(rec.Payload),
		Timestamp: rec.ReceivedAt,
	}
}

// RecordFromEnvelope builds the persistence record for a sequenced envelope
func RecordFromEnvelope(env *protocol.Envelope) *model.TaskEvent {
	return &model.TaskEvent{
		TaskID:     env.TaskID,
		Sequence:   env.Sequence,
		Kind:       string(env.Kind),
		Payload:    datatypes.JSON(env.Payload),
		ReceivedAt: env.Timestamp,
	}
}

// GormStore is the MySQL-backed store
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on the given database handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateTask inserts a new task row
func (s *GormStore) CreateTask(t *model.Task) error {
	if err := s.db.Create(t).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask loads a task by ID
func (s *GormStore) GetTask(id string) (*model.Task, error) {
	var t model.Task
	if err := s.db.First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &t, nil
}

// SaveProjection refreshes the task row from the folded state
func (s *GormStore) SaveProjection(id string, st State) error {
	checklist, err := json.Marshal(st.Checklist)
	if err != nil {
		return fmt.Errorf("failed to marshal checklist: %w", err)
	}
	artifacts, err := json.Marshal(st.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	updates := map[string]any{
		"status":          st.Status,
		"checklist":       datatypes.JSON(checklist),
		"artifacts":       datatypes.JSON(artifacts),
		"sequence_cursor": st.SequenceCursor,
		"result":          st.Result,
		"last_error":      st.LastError,
		"started_at":      st.StartedAt,
		"terminal_at":     st.TerminalAt,
	}
	if err := s.db.Model(&model.Task{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to save task projection: %w", err)
	}
	return nil
}

// ActiveTasksByInstance lists non-terminal tasks bound to an instance
func (s *GormStore) ActiveTasksByInstance(instanceID string) ([]*model.Task, error) {
	var tasks []*model.Task
	err := s.db.
		Where("instance_id = ? AND status NOT IN ?", instanceID,
			[]string{model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled}).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active tasks: %w", err)
	}
	return tasks, nil
}

// AppendEvent persists one sequenced event. The unique (task_id, sequence)
// index turns a racing duplicate into ErrDuplicateEvent.
func (s *GormStore) AppendEvent(rec *model.TaskEvent) error {
	if err := s.db.Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events with sequence > afterSeq in sequence order
func (s *GormStore) ListEvents(taskID string, afterSeq int64, limit int) ([]*model.TaskEvent, error) {
	var events []*model.TaskEvent
	q := s.db.
		Where("task_id = ? AND sequence > ?", taskID, afterSeq).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// LatestSequence returns the highest persisted sequence for a task, 0 if none
func (s *GormStore) LatestSequence(taskID string) (int64, error) {
	var rec model.TaskEvent
	err := s.db.
		Where("task_id = ?", taskID).
		Order("sequence DESC").
		Limit(1).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query latest sequence: %w", err)
	}
	return rec.Sequence, nil
}

// CreateApproval inserts a new approval request
func (s *GormStore) CreateApproval(a *model.ApprovalRequest) error {
	if err := s.db.Create(a).Error; err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

// GetApproval loads an approval request by ID
func (s *GormStore) GetApproval(id string) (*model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	if err := s.db.First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApprovalNotFound
		}
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}
	return &a, nil
}

// OpenApproval returns the task's PENDING request, or nil if there is none
func (s *GormStore) OpenApproval(taskID string) (*model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	err := s.db.
		Where("task_id = ? AND status = ?", taskID, model.ApprovalStatusPending).
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open approval: %w", err)
	}
	return &a, nil
}

// UpdateApproval saves a changed approval request
func (s *GormStore) UpdateApproval(a *model.ApprovalRequest) error {
	if err := s.db.Save(a).Error; err != nil {
		return fmt.Errorf("failed to update approval request: %w", err)
	}
	return nil
}

// ListOpenApprovals returns all PENDING requests across tasks
func (s *GormStore) ListOpenApprovals() ([]*model.ApprovalRequest, error) {
	var reqs []*model.ApprovalRequest
	if err := s.db.Where("status = ?", model.ApprovalStatusPending).Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("failed to list open approvals: %w", err)
	}
	return reqs, nil
}
