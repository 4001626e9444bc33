package model

import (
	"time"

	"gorm.io/datatypes"
)

// Approval status constants
const (
	ApprovalStatusPending   = "pending"
	ApprovalStatusApproved  = "approved"
	ApprovalStatusDenied    = "denied"
	ApprovalStatusTimedOut  = "timed_out"
	ApprovalStatusCancelled = "cancelled"
)

// Risk level constants (worker-reported levels are re-validated backend-side)
const (
	RiskLevelLow    = "low"
	RiskLevelMedium = "medium"
	RiskLevelHigh   = "high"
)

// ApprovalRequest represents a pending human approval gate for one action.
// At most one PENDING request may exist per task at a time.
type ApprovalRequest struct {
	ID                string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	TaskID            string         `gorm:"type:varchar(36);index;not null" json:"task_id"`
	ToolCallID        string         `gorm:"type:varchar(64)" json:"tool_call_id,omitempty"`
	ToolName          string         `gorm:"type:varchar(128)" json:"tool_name,omitempty"`
	ActionDescription string         `gorm:"type:text" json:"action_description"`
	Parameters        datatypes.JSON `gorm:"type:json" json:"parameters,omitempty"`
	RiskLevel         string         `gorm:"type:enum('low','medium','high');default:'medium'" json:"risk_level"`
	Status            string         `gorm:"type:enum('pending','approved','denied','timed_out','cancelled');default:'pending';index" json:"status"`
	Retried           bool           `gorm:"type:tinyint;default:0" json:"retried"`
	RequestedAt       time.Time      `gorm:"autoCreateTime" json:"requested_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolverPrincipal string         `gorm:"type:varchar(128)" json:"resolver_principal,omitempty"`
	Reason            string         `gorm:"type:varchar(255)" json:"reason,omitempty"`
}

// TableName specifies the table name for ApprovalRequest
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// Open reports whether the request is still awaiting a decision
func (a *ApprovalRequest) Open() bool {
	return a.Status == ApprovalStatusPending
}
