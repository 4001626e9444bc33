package tasks

import (
	"errors"
	"strconv"

	"go_bridge/api/v1/middleware"
	"go_bridge/internal/bridge"
	"go_bridge/internal/httpx"
	"go_bridge/internal/model"
	"go_bridge/internal/protocol"
	"go_bridge/internal/registry"
	"go_bridge/internal/task"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CreateRequest represents create task request
type CreateRequest struct {
	Description       string   `json:"description" binding:"required"`
	Checklist         []string `json:"checklist"`
	PolicyProfile     string   `json:"policyProfile"`
	Capability        string   `json:"capability"`
	MaxRuntimeMinutes int      `json:"maxRuntimeMinutes"`
}

// ListRequest represents list tasks request
type ListRequest struct {
	Page       int    `form:"page"`
	PageSize   int    `form:"pageSize"`
	Status     string `form:"status"`
	InstanceID string `form:"instanceId"`
}

// CancelRequest represents cancel task request
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ContextRequest represents the answer to a task's context request
type ContextRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	Response  string `json:"response" binding:"required"`
}

// Handler handles tasks API
type Handler struct {
	db     *gorm.DB
	bridge *bridge.Bridge
}

// NewHandler creates a new tasks handler
func NewHandler(db *gorm.DB, b *bridge.Bridge) *Handler {
	return &Handler{db: db, bridge: b}
}

// Create handles POST /api/v1/tasks/create
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	steps := make([]protocol.ChecklistStep, 0, len(req.Checklist))
	for i, desc := range req.Checklist {
		steps = append(steps, protocol.ChecklistStep{Index: i, Description: desc})
	}

	t, err := h.bridge.CreateTask(bridge.CreateTaskRequest{
		OwnerPrincipal:    middleware.Principal(c),
		Description:       req.Description,
		Checklist:         steps,
		PolicyProfile:     req.PolicyProfile,
		Capability:        req.Capability,
		MaxRuntimeMinutes: req.MaxRuntimeMinutes,
	})
	if err != nil {
		if errors.Is(err, registry.ErrNoInstanceAvailable) {
			httpx.FailErr(c, httpx.ErrNoInstance(""))
			return
		}
		httpx.FailErr(c, httpx.ErrInternalError("failed to create task", err))
		return
	}

	httpx.OK(c, t)
}

// List handles GET /api/v1/tasks
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	// Set defaults
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = 15
	}

	// Build query
	query := h.db.Model(&model.Task{})
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.InstanceID != "" {
		query = query.Where("instance_id = ?", req.InstanceID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to count tasks", err))
		return
	}

	var items []model.Task
	err := query.
		Order("created_at DESC").
		Offset((req.Page - 1) * req.PageSize).
		Limit(req.PageSize).
		Find(&items).Error
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list tasks", err))
		return
	}

	httpx.OKItems(c, items, total, req.Page, req.PageSize)
}

// Get handles GET /api/v1/tasks/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.bridge.GetTask(c.Param("id"))
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("task not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to load task", err))
		return
	}
	httpx.OK(c, t)
}

// Events handles GET /api/v1/tasks/:id/events
func (h *Handler) Events(c *gin.Context) {
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("afterSeq", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	events, err := h.bridge.ListEvents(c.Param("id"), afterSeq, limit)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("task not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list events", err))
		return
	}

	httpx.OK(c, gin.H{
		"items": events,
		"count": len(events),
	})
}

// Cancel handles POST /api/v1/tasks/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	err := h.bridge.CancelTask(c.Param("id"), middleware.Principal(c), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrTaskNotFound):
			httpx.FailErr(c, httpx.ErrNotFound("task not found"))
		case errors.Is(err, bridge.ErrTaskTerminal):
			httpx.FailErr(c, httpx.ErrTaskTerminal(""))
		default:
			httpx.FailErr(c, httpx.ErrInternalError("failed to cancel task", err))
		}
		return
	}

	httpx.OKMsg(c, "cancellation requested", nil)
}

// Context handles POST /api/v1/tasks/:id/context
func (h *Handler) Context(c *gin.Context) {
	var req ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	err := h.bridge.ProvideContext(c.Param("id"), req.RequestID, req.Response)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrTaskNotFound):
			httpx.FailErr(c, httpx.ErrNotFound("task not found"))
		case errors.Is(err, bridge.ErrNotPaused):
			httpx.FailErr(c, httpx.ErrStateConflict("task is not waiting for context"))
		default:
			httpx.FailErr(c, httpx.ErrInternalError("failed to provide context", err))
		}
		return
	}

	httpx.OKMsg(c, "context provided", nil)
}
