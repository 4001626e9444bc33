package model

import (
	"time"

	"gorm.io/datatypes"
)

// TaskEvent is an immutable, sequenced fact about a task, persisted before
// fan-out. The (task_id, sequence) uniqueness constraint enforces the
// per-task ordering invariant.
type TaskEvent struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TaskID     string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_task_seq,priority:1" json:"task_id"`
	Sequence   int64          `gorm:"not null;uniqueIndex:idx_task_seq,priority:2" json:"sequence"`
	Kind       string         `gorm:"type:varchar(32);not null" json:"kind"`
	Payload    datatypes.JSON `gorm:"type:json" json:"payload"`
	ReceivedAt time.Time      `gorm:"autoCreateTime" json:"received_at"`
}

// TableName specifies the table name for TaskEvent
func (TaskEvent) TableName() string {
	return "task_events"
}
