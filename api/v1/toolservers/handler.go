package toolservers

import (
	"go_bridge/internal/httpx"
	"go_bridge/internal/tools"

	"github.com/gin-gonic/gin"
)

// RegisterRequest represents register tool server request
type RegisterRequest struct {
	Name        string           `json:"name" binding:"required"`
	Description string           `json:"description"`
	Endpoint    string           `json:"endpoint" binding:"required"`
	Transport   string           `json:"transport"`
	Tools       []tools.ToolDecl `json:"tools" binding:"required,min=1"`
}

// Handler handles tool servers API
type Handler struct {
	registry *tools.Registry
}

// NewHandler creates a new tool servers handler
func NewHandler(reg *tools.Registry) *Handler {
	return &Handler{registry: reg}
}

// Register handles POST /api/v1/tools/servers/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	srv, err := h.registry.RegisterServer(req.Name, req.Description, req.Endpoint, req.Transport, req.Tools)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to register tool server", err))
		return
	}

	httpx.OK(c, gin.H{
		"server": srv,
		"tools":  h.registry.ListTools(srv.ID),
	})
}

// ListServers handles GET /api/v1/tools/servers
func (h *Handler) ListServers(c *gin.Context) {
	servers := h.registry.ListServers()
	httpx.OK(c, gin.H{
		"items": servers,
		"count": len(servers),
	})
}

// ListTools handles GET /api/v1/tools
func (h *Handler) ListTools(c *gin.Context) {
	items := h.registry.ListTools(c.Query("serverId"))
	httpx.OK(c, gin.H{
		"items": items,
		"count": len(items),
	})
}
