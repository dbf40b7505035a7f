package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arkivo-backup/arkivo/internal/api/middleware"
	"github.com/arkivo-backup/arkivo/internal/models"
)

// JobStore defines the read-only persistence operations for job history.
type JobStore interface {
	ListBackupJobs(ctx context.Context, userID uuid.UUID, deviceID string, state *models.JobState, limit int) ([]*models.BackupJob, error)
	ListSnapshots(ctx context.Context, userID uuid.UUID, deviceID string, limit int) ([]*models.Snapshot, error)
}

// JobsHandler exposes the backup job history and snapshot listings. These
// are pure read projections; the rows are written by the on-device agents.
type JobsHandler struct {
	store  JobStore
	logger zerolog.Logger
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(store JobStore, logger zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store:  store,
		logger: logger.With().Str("component", "jobs_handler").Logger(),
	}
}

// RegisterRoutes registers the user-facing job history routes.
func (h *JobsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.GET("/snapshots", h.ListSnapshots)
}

// RegisterAgentRoutes registers the API-key-authenticated variants used by
// agents to read back their own history.
func (h *JobsHandler) RegisterAgentRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListAgentJobs)
	r.GET("/snapshots", h.ListAgentSnapshots)
}

func parseLimit(c *gin.Context, def, max int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(max)})
		return 0, false
	}
	return n, true
}

// ListJobs returns the caller's backup job history, newest first, with the
// stored status vocabulary folded down to the four client-facing states.
// GET /api/jobs?deviceId=&status=&limit=
func (h *JobsHandler) ListJobs(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	limit, ok := parseLimit(c, 50, 500)
	if !ok {
		return
	}

	var state *models.JobState
	if raw := c.Query("status"); raw != "" {
		s := models.JobState(raw)
		if !models.ValidJobState(s) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		state = &s
	}

	jobs, err := h.store.ListBackupJobs(c.Request.Context(), identity.UserID, c.Query("deviceId"), state, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID.String()).Msg("failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// ListSnapshots returns the caller's snapshots, newest first.
// GET /api/snapshots?deviceId=&limit=
func (h *JobsHandler) ListSnapshots(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	limit, ok := parseLimit(c, 50, 500)
	if !ok {
		return
	}

	snapshots, err := h.store.ListSnapshots(c.Request.Context(), identity.UserID, c.Query("deviceId"), limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID.String()).Msg("failed to list snapshots")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

// ListAgentJobs returns the job history of the API-key-authenticated agent's
// own device.
// GET /api/agent/jobs?status=&limit=
func (h *JobsHandler) ListAgentJobs(c *gin.Context) {
	agent := middleware.RequireAgent(c)
	if agent == nil {
		return
	}
	if agent.UserID == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "agent is not activated"})
		return
	}

	limit, ok := parseLimit(c, 50, 500)
	if !ok {
		return
	}

	var state *models.JobState
	if raw := c.Query("status"); raw != "" {
		s := models.JobState(raw)
		if !models.ValidJobState(s) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		state = &s
	}

	jobs, err := h.store.ListBackupJobs(c.Request.Context(), *agent.UserID, agent.DeviceID, state, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", agent.DeviceID).Msg("failed to list agent jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// ListAgentSnapshots returns the snapshots of the API-key-authenticated
// agent's own device.
// GET /api/agent/snapshots?limit=
func (h *JobsHandler) ListAgentSnapshots(c *gin.Context) {
	agent := middleware.RequireAgent(c)
	if agent == nil {
		return
	}
	if agent.UserID == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "agent is not activated"})
		return
	}

	limit, ok := parseLimit(c, 50, 500)
	if !ok {
		return
	}

	snapshots, err := h.store.ListSnapshots(c.Request.Context(), *agent.UserID, agent.DeviceID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", agent.DeviceID).Msg("failed to list agent snapshots")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}
