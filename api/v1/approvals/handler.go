package approvals

import (
	"errors"

	"go_bridge/api/v1/middleware"
	"go_bridge/internal/bridge"
	"go_bridge/internal/httpx"
	"go_bridge/internal/task"

	"github.com/gin-gonic/gin"
)

// ResolveRequest represents an approval decision
type ResolveRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	Approved  *bool  `json:"approved" binding:"required"`
	Reason    string `json:"reason"`
}

// Handler handles approvals API
type Handler struct {
	bridge *bridge.Bridge
}

// NewHandler creates a new approvals handler
func NewHandler(b *bridge.Bridge) *Handler {
	return &Handler{bridge: b}
}

// List handles GET /api/v1/approvals
func (h *Handler) List(c *gin.Context) {
	open, err := h.bridge.ListOpenApprovals()
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list approvals", err))
		return
	}
	httpx.OK(c, gin.H{
		"items": open,
		"count": len(open),
	})
}

// Resolve handles POST /api/v1/approvals/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	err := h.bridge.ResolveApproval(req.RequestID, middleware.Principal(c), *req.Approved, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrApprovalNotFound):
			httpx.FailErr(c, httpx.ErrNotFound("approval request not found"))
		case errors.Is(err, bridge.ErrApprovalClosed):
			httpx.FailErr(c, httpx.ErrApprovalClosed(""))
		case errors.Is(err, bridge.ErrTaskTerminal):
			httpx.FailErr(c, httpx.ErrTaskTerminal("task already finished; approval cannot be acted on"))
		default:
			httpx.FailErr(c, httpx.ErrInternalError("failed to resolve approval", err))
		}
		return
	}

	httpx.OKMsg(c, "approval resolved", nil)
}
