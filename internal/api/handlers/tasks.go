package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/arkivo-backup/arkivo/internal/api/middleware"
	"github.com/arkivo-backup/arkivo/internal/backup"
	"github.com/arkivo-backup/arkivo/internal/metrics"
	"github.com/arkivo-backup/arkivo/internal/models"
)

// TaskStore defines the persistence operations for the task queue.
type TaskStore interface {
	GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	TouchAgent(ctx context.Context, id, userID uuid.UUID) error
	CreateTask(ctx context.Context, task *models.Task) error
	GetTaskByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ClaimNextTask(ctx context.Context, userID uuid.UUID, deviceID string, agentID *uuid.UUID, lease time.Duration) (*models.Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, errMsg *string) (*models.Task, error)
	ListTasks(ctx context.Context, userID uuid.UUID, deviceID string, status *models.TaskStatus, limit int) ([]*models.Task, error)
	HasCompletedFullBackup(ctx context.Context, userID uuid.UUID, deviceID, srcPath string) (bool, error)
}

// TasksHandler handles the agent task queue endpoints.
type TasksHandler struct {
	store  TaskStore
	lease  time.Duration
	logger zerolog.Logger
}

// NewTasksHandler creates a new TasksHandler. lease is how long a claimed
// task may sit in RUNNING before the reaper returns it to the queue.
func NewTasksHandler(store TaskStore, lease time.Duration, logger zerolog.Logger) *TasksHandler {
	return &TasksHandler{
		store:  store,
		lease:  lease,
		logger: logger.With().Str("component", "tasks_handler").Logger(),
	}
}

// RegisterRoutes registers task queue routes on the given router group.
func (h *TasksHandler) RegisterRoutes(r *gin.RouterGroup) {
	tasks := r.Group("/agent-tasks")
	{
		tasks.GET("", h.List)
		tasks.POST("", h.Create)
		tasks.POST("/claim", h.Claim)
		tasks.POST("/:id/complete", h.Complete)
	}
}

// CreateTaskRequest is the body for queueing a task.
type CreateTaskRequest struct {
	AgentID  uuid.UUID       `json:"agent_id" binding:"required"`
	DeviceID string          `json:"device_id" binding:"omitempty,max=255"`
	Type     models.TaskType `json:"type" binding:"required"`
	Payload  map[string]any  `json:"payload"`
}

// Create queues a task for one of the caller's agents. Backup payloads have
// their mode validated and, when auto, resolved to a concrete mode before
// the task becomes visible to any agent.
// POST /api/agent-tasks
func (h *TasksHandler) Create(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if !models.ValidTaskType(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task type"})
		return
	}

	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if err := backup.ValidateTaskPayload(req.Type, req.Payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	agent, err := h.store.GetAgentByID(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		h.logger.Error().Err(err).Str("agent_id", req.AgentID.String()).Msg("failed to look up agent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up agent"})
		return
	}
	// An agent owned by someone else looks exactly like a missing one.
	if !agent.OwnedBy(identity.UserID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = agent.DeviceID
	}

	if req.Type == models.TaskTypeBackup {
		if err := h.resolveAutoMode(ctx, identity.UserID, deviceID, req.Payload); err != nil {
			h.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to resolve backup mode")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve backup mode"})
			return
		}
	}

	task := models.NewTask(identity.UserID, agent.ID, deviceID, req.Type, req.Payload)
	if err := h.store.CreateTask(ctx, task); err != nil {
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to create task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	metrics.TasksCreated.WithLabelValues(string(task.Type)).Inc()
	h.logger.Info().
		Str("task_id", task.ID.String()).
		Str("device_id", deviceID).
		Str("type", string(task.Type)).
		Msg("task created")

	c.JSON(http.StatusCreated, gin.H{"task": task})
}

// resolveAutoMode rewrites an auto backup mode to full or incremental based
// on whether a completed full backup of the same source path exists. Without
// a source path there is nothing to diff against, so full wins.
func (h *TasksHandler) resolveAutoMode(ctx context.Context, userID uuid.UUID, deviceID string, payload map[string]any) error {
	raw, _ := payload["mode"].(string)
	if backup.Mode(raw) != backup.ModeAuto {
		return nil
	}

	srcPath, _ := payload["src_path"].(string)
	if srcPath == "" {
		payload["mode"] = string(backup.ModeFull)
		return nil
	}

	hasFull, err := h.store.HasCompletedFullBackup(ctx, userID, deviceID, srcPath)
	if err != nil {
		return err
	}
	payload["mode"] = string(backup.ResolveMode(backup.ModeAuto, hasFull))
	return nil
}

// ClaimTaskRequest is the body for a polling agent asking for work.
type ClaimTaskRequest struct {
	DeviceID string     `json:"device_id" binding:"omitempty,max=255"`
	AgentID  *uuid.UUID `json:"agent_id"`
}

// Claim atomically hands the oldest pending task for the device to the
// caller. An empty queue is not an error; the task comes back null.
// POST /api/agent-tasks/claim
func (h *TasksHandler) Claim(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	var req ClaimTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if req.DeviceID == "" && req.AgentID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id or agent_id is required"})
		return
	}

	ctx := c.Request.Context()

	task, err := h.store.ClaimNextTask(ctx, identity.UserID, req.DeviceID, req.AgentID, h.lease)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("failed to claim task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim task"})
		return
	}

	// Polling doubles as a liveness signal for the agent. The touch is
	// scoped to the caller's user so a foreign agent_id is a no-op.
	if agentID := req.AgentID; agentID != nil {
		if err := h.store.TouchAgent(ctx, *agentID, identity.UserID); err != nil {
			h.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("failed to update agent last seen")
		}
	} else if task != nil {
		if err := h.store.TouchAgent(ctx, task.AgentID, identity.UserID); err != nil {
			h.logger.Warn().Err(err).Str("agent_id", task.AgentID.String()).Msg("failed to update agent last seen")
		}
	}

	if task == nil {
		metrics.EmptyClaims.Inc()
		c.JSON(http.StatusOK, gin.H{"task": nil})
		return
	}

	metrics.TasksClaimed.Inc()
	h.logger.Info().
		Str("task_id", task.ID.String()).
		Str("device_id", task.DeviceID).
		Msg("task claimed")

	c.JSON(http.StatusOK, gin.H{"task": task})
}

// CompleteTaskRequest is the body for reporting a task's terminal status.
type CompleteTaskRequest struct {
	Status models.TaskStatus `json:"status" binding:"required"`
	Error  *string           `json:"error"`
}

// Complete records the terminal status an agent reports for a task. A task
// that already reached a terminal state cannot be completed again.
// POST /api/agent-tasks/:id/complete
func (h *TasksHandler) Complete(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task ID"})
		return
	}

	var req CompleteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if !models.ValidCompletionStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be DONE or ERROR"})
		return
	}

	ctx := c.Request.Context()

	task, err := h.store.GetTaskByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		h.logger.Error().Err(err).Str("task_id", taskID.String()).Msg("failed to look up task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up task"})
		return
	}
	// Someone else's task looks exactly like a missing one.
	if task.UserID != identity.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	updated, err := h.store.CompleteTask(ctx, taskID, req.Status, req.Error)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", taskID.String()).Msg("failed to complete task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to complete task"})
		return
	}
	if updated == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "task already completed"})
		return
	}

	metrics.TasksCompleted.WithLabelValues(string(req.Status)).Inc()
	h.logger.Info().
		Str("task_id", updated.ID.String()).
		Str("status", string(updated.Status)).
		Msg("task completed")

	c.JSON(http.StatusOK, gin.H{"task": updated})
}

// List returns the caller's tasks, newest first.
// GET /api/agent-tasks?deviceId=&status=&limit=
func (h *TasksHandler) List(c *gin.Context) {
	identity := middleware.RequireIdentity(c)
	if identity == nil {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	var status *models.TaskStatus
	if raw := c.Query("status"); raw != "" {
		s := models.TaskStatus(raw)
		switch s {
		case models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusDone, models.TaskStatusError:
			status = &s
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
	}

	tasks, err := h.store.ListTasks(c.Request.Context(), identity.UserID, c.Query("deviceId"), status, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID.String()).Msg("failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}
