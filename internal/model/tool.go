package model

import (
	"time"

	"gorm.io/datatypes"
)

// ToolServer represents an externally declared tool server (MCP-style)
type ToolServer struct {
	ID          string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name        string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Description string    `gorm:"type:varchar(255)" json:"description"`
	Endpoint    string    `gorm:"type:varchar(255);not null" json:"endpoint"`
	Transport   string    `gorm:"type:enum('http','websocket');default:'http'" json:"transport"`
	Enabled     bool      `gorm:"type:tinyint;default:1" json:"enabled"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for ToolServer
func (ToolServer) TableName() string {
	return "tool_servers"
}

// Tool represents a callable capability declared by a tool server
type Tool struct {
	ID          string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	ServerID    string         `gorm:"type:varchar(64);index;not null" json:"server_id"`
	Name        string         `gorm:"type:varchar(128);index;not null" json:"name"`
	Description string         `gorm:"type:varchar(255)" json:"description"`
	InputSchema datatypes.JSON `gorm:"type:json" json:"input_schema"`
	Enabled     bool           `gorm:"type:tinyint;default:1" json:"enabled"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Tool
func (Tool) TableName() string {
	return "tools"
}
