package instances

import (
	"encoding/json"
	"errors"

	"go_bridge/internal/enroll"
	"go_bridge/internal/httpx"
	"go_bridge/internal/model"
	"go_bridge/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EnrollTokenRequest represents create enrollment token request
type EnrollTokenRequest struct {
	Name         string   `json:"name" binding:"required"`
	Capabilities []string `json:"capabilities"`
}

// EnrollRequest represents an instance redeeming its enrollment token
type EnrollRequest struct {
	Token   string `json:"token" binding:"required"`
	Address string `json:"address"`
}

// InstanceView is the list representation of one instance
type InstanceView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	Address         string   `json:"address,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	ConnectionEpoch uint64   `json:"connection_epoch"`
	LastHeartbeatAt string   `json:"last_heartbeat_at,omitempty"`
}

// Handler handles instances API
type Handler struct {
	db       *gorm.DB
	registry *registry.Registry
	tokens   *enroll.TokenStore
	tokenTTL int
}

// NewHandler creates a new instances handler
func NewHandler(db *gorm.DB, reg *registry.Registry, tokens *enroll.TokenStore, tokenTTLSec int) *Handler {
	return &Handler{db: db, registry: reg, tokens: tokens, tokenTTL: tokenTTLSec}
}

// List handles GET /api/v1/instances
func (h *Handler) List(c *gin.Context) {
	entries := h.registry.List()
	items := make([]InstanceView, 0, len(entries))
	for _, e := range entries {
		v := InstanceView{
			ID:              e.ID,
			Name:            e.Name,
			Status:          string(e.Status),
			Address:         e.Address,
			Capabilities:    e.Capabilities,
			ConnectionEpoch: e.Epoch(),
		}
		if !e.LastHeartbeat().IsZero() {
			v.LastHeartbeatAt = e.LastHeartbeat().UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		items = append(items, v)
	}
	httpx.OK(c, gin.H{
		"items": items,
		"count": len(items),
	})
}

// CreateEnrollToken handles POST /api/v1/instances/enroll-token/create
func (h *Handler) CreateEnrollToken(c *gin.Context) {
	var req EnrollTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	// Reject names already in use before minting a token for them
	var count int64
	if err := h.db.Model(&model.Instance{}).Where("name = ?", req.Name).Count(&count).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to check instance name", err))
		return
	}
	if count > 0 {
		httpx.FailErr(c, httpx.ErrAlreadyExists("instance name already registered"))
		return
	}

	token, err := h.tokens.CreateToken(c.Request.Context(), enroll.TokenData{
		InstanceName: req.Name,
		Capabilities: req.Capabilities,
	}, h.tokenTTL)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to create enrollment token", err))
		return
	}

	httpx.OK(c, gin.H{
		"token":        token,
		"expiresInSec": h.tokenTTL,
	})
}

// Enroll handles POST /api/v1/instances/enroll. This is the only public
// instance endpoint: the one-time token is the proof of authorization, and
// the response carries the only copy of the instance credential.
func (h *Handler) Enroll(c *gin.Context) {
	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	grant, err := h.tokens.ConsumeToken(c.Request.Context(), req.Token)
	if err != nil {
		if errors.Is(err, enroll.ErrTokenInvalid) {
			httpx.FailErr(c, httpx.ErrEnrollTokenInvalid(""))
			return
		}
		httpx.FailErr(c, httpx.ErrInternalError("failed to consume enrollment token", err))
		return
	}

	credential, hash, err := enroll.GenerateCredential()
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to generate credential", err))
		return
	}

	caps, err := json.Marshal(grant.Capabilities)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to encode capabilities", err))
		return
	}

	inst := &model.Instance{
		ID:             uuid.NewString(),
		Name:           grant.InstanceName,
		Status:         model.InstanceStatusOffline,
		Capabilities:   datatypes.JSON(caps),
		Address:        req.Address,
		CredentialHash: hash,
	}
	if err := h.db.Create(inst).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to create instance", err))
		return
	}
	if err := h.registry.Register(inst); err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to register instance", err))
		return
	}

	httpx.OK(c, gin.H{
		"instanceId": inst.ID,
		"name":       inst.Name,
		"credential": credential,
	})
}
