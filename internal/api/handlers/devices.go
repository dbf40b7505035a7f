// Package handlers implements the Arkivo HTTP API endpoints.
package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/arkivo-backup/arkivo/internal/api/middleware"
	"github.com/arkivo-backup/arkivo/internal/metrics"
	"github.com/arkivo-backup/arkivo/internal/models"
)

// DeviceStore defines the persistence operations used by the activation flow.
type DeviceStore interface {
	GetAgentByDeviceID(ctx context.Context, deviceID string) (*models.Agent, error)
	GetAgentByActivationCode(ctx context.Context, code string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
}

// DevicesHandler handles the device activation endpoints.
type DevicesHandler struct {
	store  DeviceStore
	logger zerolog.Logger
}

// NewDevicesHandler creates a new DevicesHandler.
func NewDevicesHandler(store DeviceStore, logger zerolog.Logger) *DevicesHandler {
	return &DevicesHandler{
		store:  store,
		logger: logger.With().Str("component", "devices_handler").Logger(),
	}
}

// RegisterPublicRoutes registers the unauthenticated device endpoints.
func (h *DevicesHandler) RegisterPublicRoutes(r *gin.RouterGroup) {
	devices := r.Group("/devices")
	{
		devices.POST("/request-activation", h.RequestActivation)
		devices.GET("/resolve", h.Resolve)
	}
}

// RegisterRoutes registers the authenticated device endpoints.
func (h *DevicesHandler) RegisterRoutes(r *gin.RouterGroup) {
	devices := r.Group("/devices")
	{
		devices.POST("/activate", h.Activate)
	}
}

// generateActivationCode returns a random 6-digit zero-padded numeric code
// drawn uniformly from [0, 1000000).
func generateActivationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate activation code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// activationCodeAttempts bounds how often a colliding code is regenerated.
// Codes are unique across pending devices, so a collision means another
// pending device drew the same 6 digits.
const activationCodeAttempts = 3

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// RequestActivationRequest is the body for an unauthenticated device asking
// for (or re-asking for) an activation code.
type RequestActivationRequest struct {
	DeviceID       string `json:"device_id" binding:"required,min=1,max=255"`
	Hostname       string `json:"hostname" binding:"required,min=1,max=255"`
	OS             string `json:"os" binding:"required,min=1,max=64"`
	Arch           string `json:"arch" binding:"omitempty,max=32"`
	HardwareID     string `json:"hardware_id" binding:"omitempty,max=255"`
	Name           string `json:"name" binding:"omitempty,max=255"`
	ActivationCode string `json:"activation_code" binding:"omitempty,max=16"`
}

// RequestActivation handles an unauthenticated device requesting an
// activation code.
// POST /api/devices/request-activation
func (h *DevicesHandler) RequestActivation(c *gin.Context) {
	var req RequestActivationRequest
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
		// An activated device is returned verbatim so a replay of this call
		// can never hijack it.
		if agent.Activated() {
			c.JSON(http.StatusOK, gin.H{
				"activation_code": agent.ActivationCode,
				"agent":           agent,
				"activated":       true,
			})
			return
		}

		h.refreshPendingMetadata(agent, &req)
		needsCode := agent.ActivationCode == ""
		for attempt := 1; ; attempt++ {
			if needsCode {
				code, err := generateActivationCode()
				if err != nil {
					h.logger.Error().Err(err).Msg("failed to generate activation code")
					c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate activation code"})
					return
				}
				agent.ActivationCode = code
			}
			err := h.store.UpdateAgent(ctx, agent)
			if err == nil {
				break
			}
			if needsCode && isUniqueViolation(err) && attempt < activationCodeAttempts {
				continue
			}
			h.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("failed to update pending device")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update device"})
			return
		}
		if needsCode {
			metrics.ActivationCodesIssued.Inc()
		}

		c.JSON(http.StatusOK, gin.H{
			"activation_code": agent.ActivationCode,
			"agent":           agent,
			"activated":       false,
		})
		return
	}

	// Unknown device. If the caller brought a code issued out of band, try
	// to bind this device to it.
	if req.ActivationCode != "" {
		existing, err := h.store.GetAgentByActivationCode(ctx, req.ActivationCode)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			h.logger.Error().Err(err).Msg("failed to look up activation code")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up activation code"})
			return
		}
		if existing != nil {
			if existing.Activated() {
				c.JSON(http.StatusConflict, gin.H{"error": "activation code already used"})
				return
			}

			existing.DeviceID = req.DeviceID
			h.refreshPendingMetadata(existing, &req)

			if err := h.store.UpdateAgent(ctx, existing); err != nil {
				h.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("failed to adopt device into pending code")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update device"})
				return
			}

			c.JSON(http.StatusOK, gin.H{
				"activation_code": existing.ActivationCode,
				"agent":           existing,
				"activated":       false,
			})
			return
		}
	}

	var fresh *models.Agent
	for attempt := 1; ; attempt++ {
		code, err := generateActivationCode()
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to generate activation code")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate activation code"})
			return
		}

		fresh = models.NewPendingAgent(req.DeviceID, req.Hostname, req.OS, req.Arch, req.Name, code)
		if req.HardwareID != "" {
			fresh.Status.HardwareID = req.HardwareID
		}

		err = h.store.CreateAgent(ctx, fresh)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < activationCodeAttempts {
			continue
		}
		h.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("failed to create pending device")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create device"})
		return
	}

	metrics.ActivationCodesIssued.Inc()
	h.logger.Info().
		Str("device_id", req.DeviceID).
		Str("hostname", req.Hostname).
		Msg("pending device registered")

	c.JSON(http.StatusCreated, gin.H{
		"activation_code": fresh.ActivationCode,
		"agent":           fresh,
		"activated":       false,
	})
}

// refreshPendingMetadata copies the caller-supplied mutable fields onto a
// pending agent. The stored hardware fingerprint is kept unless the caller
// sends one.
func (h *DevicesHandler) refreshPendingMetadata(agent *models.Agent, req *RequestActivationRequest) {
	agent.Hostname = req.Hostname
	agent.OS = req.OS
	if req.Arch != "" {
		agent.Arch = req.Arch
	}
	if req.Name != "" {
		agent.Name = req.Name
	}
	if req.HardwareID != "" {
		agent.Status.HardwareID = req.HardwareID
	}
	agent.MarkSeen()
}

// Resolve lets a waiting client poll whether the code it is displaying has
// been redeemed.
// GET /api/devices/resolve?code=&device_id=&hardware_id=
func (h *DevicesHandler) Resolve(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	agent, err := h.store.GetAgentByActivationCode(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "activation code not found"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to resolve activation code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve activation code"})
		return
	}

	// A code bound to one device must not resolve for another.
	if deviceID := c.Query("device_id"); deviceID != "" && agent.DeviceID != "" && agent.DeviceID != deviceID {
		c.JSON(http.StatusConflict, gin.H{"error": "activation code is bound to a different device"})
		return
	}
	if hwID := c.Query("hardware_id"); hwID != "" && agent.Status.HardwareID != "" && agent.Status.HardwareID != hwID {
		c.JSON(http.StatusConflict, gin.H{"error": "activation code is bound to different hardware"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent":         agent,
		"activated":     agent.Activated(),
		"hardware_id":   agent.Status.HardwareID,
		"parsed_status": agent.Status,
	})
}

// ActivateRequest is the body for redeeming an activation code.
type ActivateRequest struct {
	ActivationCode string `json:"activation_code" binding:"required,min=1,max=16"`
	Name           string `json:"name" binding:"omitempty,max=255"`
}

// Activate redeems an activation code, binding the device to the caller.
// Redeeming the same code again as the same user is a no-op; a second user
// gets a conflict.
// POST /api/devices/activate
func (h *DevicesHandler) Activate(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()

	agent, err := h.store.GetAgentByActivationCode(ctx, req.ActivationCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "activation code not found"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to look up activation code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up activation code"})
		return
	}

	if agent.Activated() && !agent.OwnedBy(identity.UserID) {
		c.JSON(http.StatusConflict, gin.H{"error": "activation code already used by another account"})
		return
	}

	firstActivation := !agent.Activated()

	agent.Activate(identity.UserID)
	if req.Name != "" {
		agent.Name = req.Name
	}

	if err := h.store.UpdateAgent(ctx, agent); err != nil {
		h.logger.Error().Err(err).Str("agent_id", agent.ID.String()).Msg("failed to activate device")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate device"})
		return
	}

	if firstActivation {
		metrics.ActivationsTotal.Inc()
		h.logger.Info().
			Str("agent_id", agent.ID.String()).
			Str("device_id", agent.DeviceID).
			Str("user_id", identity.UserID.String()).
			Msg("device activated")
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}
