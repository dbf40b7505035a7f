package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/arkivo-backup/arkivo/internal/api/middleware"
	"github.com/arkivo-backup/arkivo/internal/auth"
	"github.com/arkivo-backup/arkivo/internal/models"
)

// AgentStore defines the persistence operations for agent management.
type AgentStore interface {
	GetAgentByDeviceID(ctx context.Context, deviceID string) (*models.Agent, error)
	GetAgentsByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
}

// AgentsHandler handles agent registration and listing.
type AgentsHandler struct {
	store  AgentStore
	logger zerolog.Logger
}

// NewAgentsHandler creates a new AgentsHandler.
func NewAgentsHandler(store AgentStore, logger zerolog.Logger) *AgentsHandler {
	return &AgentsHandler{
		store:  store,
		logger: logger.With().Str("component", "agents_handler").Logger(),
	}
}

// RegisterRoutes registers agent routes on the given router group.
func (h *AgentsHandler) RegisterRoutes(r *gin.RouterGroup) {
	agents := r.Group("/agents")
	{
		agents.GET("", h.List)
		agents.POST("/register", h.Register)
	}
}

// RegisterAgentRequest is the body for the authenticated register heartbeat.
type RegisterAgentRequest struct {
	DeviceID            string `json:"device_id" binding:"required,min=1,max=255"`
	Hostname            string `json:"hostname" binding:"required,min=1,max=255"`
	OS                  string `json:"os" binding:"required,min=1,max=64"`
	Arch                string `json:"arch" binding:"omitempty,max=32"`
	HardwareFingerprint string `json:"hardware_fingerprint" binding:"omitempty,max=255"`
	Name                string `json:"name" binding:"omitempty,max=255"`
}

// Register upserts an agent keyed on device_id, bound to the caller. A device
// already owned by a different user is never silently reassigned.
// POST /api/agents/register
func (h *AgentsHandler) Register(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()

	agent, err := h.store.GetAgentByDeviceID(ctx, req.DeviceID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		h.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("failed to look up device")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up device"})
		return
	}

	if agent != nil {
		if agent.Activated() && !agent.OwnedBy(identity.UserID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "device is registered to another account"})
			return
		}

		agent.Hostname = req.Hostname
		agent.OS = req.OS
		if req.Arch != "" {
			agent.Arch = req.Arch
		}
		if req.Name != "" {
			agent.Name = req.Name
		}
		if req.HardwareFingerprint != "" {
			agent.Status.HardwareID = req.HardwareFingerprint
		}
		agent.Activate(identity.UserID)

		// An agent that never received an API key gets one now, returned
		// exactly once.
		var apiKey string
		if agent.APIKeyHash == "" {
			plaintext, hash, err := auth.GenerateAPIKey()
			if err != nil {
				h.logger.Error().Err(err).Msg("failed to generate API key")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
				return
			}
			apiKey = plaintext
			agent.APIKeyHash = hash
		}

		if err := h.store.UpdateAgent(ctx, agent); err != nil {
			h.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("failed to update agent")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
			return
		}

		resp := gin.H{"agent": agent, "created": false}
		if apiKey != "" {
			resp["api_key"] = apiKey
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	// New device on the authenticated path is pre-bound to the caller; no
	// activation code is involved.
	fresh := models.NewPendingAgent(req.DeviceID, req.Hostname, req.OS, req.Arch, req.Name, "")
	if req.HardwareFingerprint != "" {
		fresh.Status.HardwareID = req.HardwareFingerprint
	}
	fresh.Activate(identity.UserID)

	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to generate API key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}
	fresh.APIKeyHash = hash

	if err := h.store.CreateAgent(ctx, fresh); err != nil {
		h.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("failed to create agent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	h.logger.Info().
		Str("agent_id", fresh.ID.String()).
		Str("device_id", fresh.DeviceID).
		Str("user_id", identity.UserID.String()).
		Msg("agent registered")

	c.JSON(http.StatusCreated, gin.H{"agent": fresh, "created": true, "api_key": plaintext})
}

// List returns all agents belonging to the caller.
// GET /api/agents
func (h *AgentsHandler) List(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	agents, err := h.store.GetAgentsByUserID(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID.String()).Msg("failed to list agents")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agents": agents})
}
