package model

import (
	"time"

	"gorm.io/datatypes"
)

// Task status constants
const (
	TaskStatusCreated          = "created"
	TaskStatusConnecting       = "connecting"
	TaskStatusRunning          = "running"
	TaskStatusAwaitingApproval = "awaiting_approval"
	TaskStatusPaused           = "paused"
	TaskStatusCompleted        = "completed"
	TaskStatusFailed           = "failed"
	TaskStatusCancelled        = "cancelled"
)

// Task represents one unit of automation work bound to an instance.
// Status, checklist and artifacts are projections of the task's event
// stream; the events table is the source of truth.
type Task struct {
	ID                string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerPrincipal    string         `gorm:"type:varchar(128);index;not null" json:"owner_principal"`
	InstanceID        string         `gorm:"type:varchar(64);index;not null" json:"instance_id"`
	Description       string         `gorm:"type:text" json:"description"`
	PolicyProfile     string         `gorm:"type:enum('default','strict','unattended');default:'default'" json:"policy_profile"`
	Status            string         `gorm:"type:enum('created','connecting','running','awaiting_approval','paused','completed','failed','cancelled');default:'created';index" json:"status"`
	Checklist         datatypes.JSON `gorm:"type:json" json:"checklist"`
	Artifacts         datatypes.JSON `gorm:"type:json" json:"artifacts"`
	SequenceCursor    int64          `gorm:"not null;default:0" json:"sequence_cursor"`
	Result            string         `gorm:"type:text" json:"result,omitempty"`
	LastError         string         `gorm:"type:varchar(255)" json:"last_error,omitempty"`
	MaxRuntimeMinutes int            `gorm:"default:30" json:"max_runtime_minutes"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	TerminalAt        *time.Time     `json:"terminal_at,omitempty"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// TerminalStatus reports whether a status is terminal
func TerminalStatus(s string) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the task reached a terminal status
func (t *Task) IsTerminal() bool {
	return TerminalStatus(t.Status)
}
