package model

import (
	"time"

	"gorm.io/datatypes"
)

// InstanceStatus represents instance connection status
type InstanceStatus string

const (
	InstanceStatusOffline    InstanceStatus = "offline"
	InstanceStatusConnecting InstanceStatus = "connecting"
	InstanceStatusOnline     InstanceStatus = "online"
	InstanceStatusDegraded   InstanceStatus = "degraded"
	InstanceStatusError      InstanceStatus = "error"
)

// Instance represents a remote automation worker that phones home to the bridge
type Instance struct {
	ID              string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name            string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Status          InstanceStatus `gorm:"type:enum('offline','connecting','online','degraded','error');default:'offline';index" json:"status"`
	Capabilities    datatypes.JSON `gorm:"type:json" json:"capabilities"`
	Address         string         `gorm:"type:varchar(255)" json:"address"`
	CredentialHash  string         `gorm:"type:varchar(100)" json:"-"`
	ConnectionEpoch uint64         `gorm:"not null;default:0" json:"connection_epoch"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Instance
func (Instance) TableName() string {
	return "instances"
}
