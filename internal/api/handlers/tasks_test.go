package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arkivo-backup/arkivo/internal/models"
)

func setupTasksRouter(store *mockStore, userID uuid.UUID) *gin.Engine {
	r := gin.New()
	h := NewTasksHandler(store, 15*time.Minute, zerolog.Nop())

	authed := r.Group("/api")
	authed.Use(identityMiddleware(userID))
	h.RegisterRoutes(authed)

	return r
}

func addActiveAgent(store *mockStore, userID uuid.UUID, deviceID string) *models.Agent {
	agent := models.NewPendingAgent(deviceID, "host-"+deviceID, "linux", "amd64", "", "")
	agent.Activate(userID)
	store.agents[agent.ID] = agent
	return agent
}

func TestCreateTask(t *testing.T) {
	userID := uuid.New()

	t.Run("queues backup task", func(t *testing.T) {
		store := newMockStore()
		agent := addActiveAgent(store, userID, "dev-001")
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks", gin.H{
			"agent_id": agent.ID,
			"type":     "BACKUP",
			"payload":  gin.H{"src_path": "/home/user/docs", "mode": "full"},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}

		var resp struct {
			Task *models.Task `json:"task"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Task.Status != models.TaskStatusPending {
			t.Errorf("status = %s, want PENDING", resp.Task.Status)
		}
		if resp.Task.DeviceID != "dev-001" {
			t.Errorf("device_id = %q, want agent's device", resp.Task.DeviceID)
		}
	})

	t.Run("invalid type", func(t *testing.T) {
		store := newMockStore()
		agent := addActiveAgent(store, userID, "dev-001")
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks", gin.H{
			"agent_id": agent.ID, "type": "SCRUB",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("invalid backup mode", func(t *testing.T) {
		store := newMockStore()
		agent := addActiveAgent(store, userID, "dev-001")
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks", gin.H{
			"agent_id": agent.ID,
			"type":     "BACKUP",
			"payload":  gin.H{"mode": "differential"},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("restore requires snapshot", func(t *testing.T) {
		store := newMockStore()
		agent := addActiveAgent(store, userID, "dev-001")
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks", gin.H{
			"agent_id": agent.ID, "type": "RESTORE", "payload": gin.H{},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		r := setupTasksRouter(newMockStore(), userID)
		w := postJSON(t, r, "/api/agent-tasks", gin.H{
			"agent_id": uuid.New(), "type": "BACKUP",
		})
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("foreign agent looks missing", func(t *testing.T) {
		store := newMockStore()
		foreign := addActiveAgent(store, uuid.New(), "dev-foreign")
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks", gin.H{
			"agent_id": foreign.ID, "type": "BACKUP",
		})
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})
}

func TestCreateTask_AutoModeResolution(t *testing.T) {
	userID := uuid.New()

	createBackup := func(t *testing.T, store *mockStore, payload gin.H) *models.Task {
		t.Helper()
		agent, _ := store.GetAgentByDeviceID(context.Background(), "dev-001")
		r := setupTasksRouter(store, userID)
		w := postJSON(t, r, "/api/agent-tasks", gin.H{
			"agent_id": agent.ID, "type": "BACKUP", "payload": payload,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}
		var resp struct {
			Task *models.Task `json:"task"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		return resp.Task
	}

	t.Run("auto without prior full resolves to full", func(t *testing.T) {
		store := newMockStore()
		addActiveAgent(store, userID, "dev-001")

		task := createBackup(t, store, gin.H{"src_path": "/data", "mode": "auto"})
		if got := task.PayloadString("mode"); got != "full" {
			t.Errorf("mode = %q, want full", got)
		}
	})

	t.Run("auto with prior full resolves to incremental", func(t *testing.T) {
		store := newMockStore()
		addActiveAgent(store, userID, "dev-001")
		store.jobs = append(store.jobs, &models.BackupJob{
			ID:       uuid.New(),
			UserID:   userID,
			DeviceID: "dev-001",
			SrcPath:  "/data",
			Mode:     "full",
			Status:   models.JobStatusSuccess,
		})

		task := createBackup(t, store, gin.H{"src_path": "/data", "mode": "auto"})
		if got := task.PayloadString("mode"); got != "incremental" {
			t.Errorf("mode = %q, want incremental", got)
		}
	})

	t.Run("prior full of another path does not count", func(t *testing.T) {
		store := newMockStore()
		addActiveAgent(store, userID, "dev-001")
		store.jobs = append(store.jobs, &models.BackupJob{
			ID:       uuid.New(),
			UserID:   userID,
			DeviceID: "dev-001",
			SrcPath:  "/other",
			Mode:     "full",
			Status:   models.JobStatusCompleted,
		})

		task := createBackup(t, store, gin.H{"src_path": "/data", "mode": "auto"})
		if got := task.PayloadString("mode"); got != "full" {
			t.Errorf("mode = %q, want full", got)
		}
	})

	t.Run("auto without src_path resolves to full", func(t *testing.T) {
		store := newMockStore()
		addActiveAgent(store, userID, "dev-001")

		task := createBackup(t, store, gin.H{"mode": "auto"})
		if got := task.PayloadString("mode"); got != "full" {
			t.Errorf("mode = %q, want full", got)
		}
	})

	t.Run("explicit mode untouched", func(t *testing.T) {
		store := newMockStore()
		addActiveAgent(store, userID, "dev-001")
		store.jobs = append(store.jobs, &models.BackupJob{
			ID:       uuid.New(),
			UserID:   userID,
			DeviceID: "dev-001",
			SrcPath:  "/data",
			Mode:     "full",
			Status:   models.JobStatusSuccess,
		})

		task := createBackup(t, store, gin.H{"src_path": "/data", "mode": "full"})
		if got := task.PayloadString("mode"); got != "full" {
			t.Errorf("mode = %q, want full", got)
		}
	})
}

func TestClaimTask(t *testing.T) {
	userID := uuid.New()

	t.Run("requires device or agent", func(t *testing.T) {
		r := setupTasksRouter(newMockStore(), userID)
		w := postJSON(t, r, "/api/agent-tasks/claim", gin.H{})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("empty queue returns null task", func(t *testing.T) {
		r := setupTasksRouter(newMockStore(), userID)
		w := postJSON(t, r, "/api/agent-tasks/claim", gin.H{"device_id": "dev-001"})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if string(body["task"]) != "null" {
			t.Errorf("task = %s, want null", body["task"])
		}
	})

	t.Run("claims oldest pending first", func(t *testing.T) {
		store := newMockStore()
		agent := addActiveAgent(store, userID, "dev-001")

		older := models.NewTask(userID, agent.ID, "dev-001", models.TaskTypeBackup, nil)
		older.CreatedAt = time.Now().Add(-2 * time.Hour)
		newer := models.NewTask(userID, agent.ID, "dev-001", models.TaskTypeBackup, nil)
		newer.CreatedAt = time.Now().Add(-1 * time.Hour)
		store.tasks[older.ID] = older
		store.tasks[newer.ID] = newer

		r := setupTasksRouter(store, userID)
		w := postJSON(t, r, "/api/agent-tasks/claim", gin.H{"device_id": "dev-001"})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var resp struct {
			Task *models.Task `json:"task"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Task == nil {
			t.Fatal("expected a task")
		}
		if resp.Task.ID != older.ID {
			t.Error("claimed the newer task, want the older one")
		}
		if resp.Task.Status != models.TaskStatusRunning {
			t.Errorf("status = %s, want RUNNING", resp.Task.Status)
		}
		if resp.Task.LeaseExpiresAt == nil {
			t.Error("lease not set")
		}
	})

	t.Run("claim by agent_id", func(t *testing.T) {
		store := newMockStore()
		agent := addActiveAgent(store, userID, "dev-001")
		task := models.NewTask(userID, agent.ID, "dev-001", models.TaskTypeRestore, gin.H{"snapshot_id": uuid.NewString()})
		store.tasks[task.ID] = task

		r := setupTasksRouter(store, userID)
		w := postJSON(t, r, "/api/agent-tasks/claim", gin.H{"agent_id": agent.ID})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp struct {
			Task *models.Task `json:"task"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Task == nil || resp.Task.ID != task.ID {
			t.Error("expected the queued task")
		}

		seen, _ := store.GetAgentByDeviceID(context.Background(), "dev-001")
		if seen.LastSeenAt == nil || seen.LastSeenAt.Before(*agent.LastSeenAt) {
			t.Error("polling should advance the agent's last seen time")
		}
	})

	t.Run("another user's queue stays invisible", func(t *testing.T) {
		store := newMockStore()
		foreignOwner := uuid.New()
		agent := addActiveAgent(store, foreignOwner, "dev-001")
		task := models.NewTask(foreignOwner, agent.ID, "dev-001", models.TaskTypeBackup, nil)
		store.tasks[task.ID] = task

		r := setupTasksRouter(store, userID)
		w := postJSON(t, r, "/api/agent-tasks/claim", gin.H{"device_id": "dev-001"})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if string(body["task"]) != "null" {
			t.Error("claimed across user boundary")
		}
	})

	t.Run("foreign agent_id does not advance last seen", func(t *testing.T) {
		store := newMockStore()
		foreignOwner := uuid.New()
		agent := addActiveAgent(store, foreignOwner, "dev-001")
		before := *agent.LastSeenAt

		r := setupTasksRouter(store, userID)
		w := postJSON(t, r, "/api/agent-tasks/claim", gin.H{"agent_id": agent.ID})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		seen, _ := store.GetAgentByDeviceID(context.Background(), "dev-001")
		if !seen.LastSeenAt.Equal(before) {
			t.Error("claim must not touch an agent the caller does not own")
		}
	})
}

func TestCompleteTask(t *testing.T) {
	userID := uuid.New()

	newRunningTask := func(store *mockStore) *models.Task {
		agent := addActiveAgent(store, userID, "dev-001")
		task := models.NewTask(userID, agent.ID, "dev-001", models.TaskTypeBackup, nil)
		task.Status = models.TaskStatusRunning
		store.tasks[task.ID] = task
		return task
	}

	t.Run("marks done", func(t *testing.T) {
		store := newMockStore()
		task := newRunningTask(store)
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks/"+task.ID.String()+"/complete", gin.H{"status": "DONE"})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp struct {
			Task *models.Task `json:"task"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Task.Status != models.TaskStatusDone {
			t.Errorf("status = %s, want DONE", resp.Task.Status)
		}
	})

	t.Run("marks error with message", func(t *testing.T) {
		store := newMockStore()
		task := newRunningTask(store)
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks/"+task.ID.String()+"/complete", gin.H{
			"status": "ERROR", "error": "disk full",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp struct {
			Task *models.Task `json:"task"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Task.Error == nil || *resp.Task.Error != "disk full" {
			t.Errorf("error not recorded: %v", resp.Task.Error)
		}
	})

	t.Run("pending task is completable", func(t *testing.T) {
		store := newMockStore()
		agent := addActiveAgent(store, userID, "dev-001")
		task := models.NewTask(userID, agent.ID, "dev-001", models.TaskTypeBackup, nil)
		store.tasks[task.ID] = task
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks/"+task.ID.String()+"/complete", gin.H{"status": "DONE"})
		if w.Code != http.StatusOK {
			t.Errorf("expected 200 for unclaimed pending task, got %d", w.Code)
		}
	})

	t.Run("repeat completion conflicts", func(t *testing.T) {
		store := newMockStore()
		task := newRunningTask(store)
		r := setupTasksRouter(store, userID)

		first := postJSON(t, r, "/api/agent-tasks/"+task.ID.String()+"/complete", gin.H{"status": "DONE"})
		if first.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", first.Code)
		}
		second := postJSON(t, r, "/api/agent-tasks/"+task.ID.String()+"/complete", gin.H{"status": "ERROR"})
		if second.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", second.Code)
		}
		if got := store.taskByID(task.ID); got.Status != models.TaskStatusDone {
			t.Errorf("terminal status overwritten: %s", got.Status)
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		store := newMockStore()
		task := newRunningTask(store)
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks/"+task.ID.String()+"/complete", gin.H{"status": "RUNNING"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		r := setupTasksRouter(newMockStore(), userID)
		w := postJSON(t, r, "/api/agent-tasks/not-a-uuid/complete", gin.H{"status": "DONE"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		r := setupTasksRouter(newMockStore(), userID)
		w := postJSON(t, r, "/api/agent-tasks/"+uuid.NewString()+"/complete", gin.H{"status": "DONE"})
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("foreign task looks missing and stays untouched", func(t *testing.T) {
		store := newMockStore()
		foreignOwner := uuid.New()
		agent := addActiveAgent(store, foreignOwner, "dev-001")
		task := models.NewTask(foreignOwner, agent.ID, "dev-001", models.TaskTypeBackup, nil)
		task.Status = models.TaskStatusRunning
		store.tasks[task.ID] = task
		r := setupTasksRouter(store, userID)

		w := postJSON(t, r, "/api/agent-tasks/"+task.ID.String()+"/complete", gin.H{"status": "DONE"})
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
		if got := store.taskByID(task.ID); got.Status != models.TaskStatusRunning {
			t.Errorf("foreign task mutated: %s", got.Status)
		}
	})
}

func TestListTasks(t *testing.T) {
	userID := uuid.New()

	t.Run("filters by status", func(t *testing.T) {
		store := newMockStore()
		agent := addActiveAgent(store, userID, "dev-001")
		pending := models.NewTask(userID, agent.ID, "dev-001", models.TaskTypeBackup, nil)
		done := models.NewTask(userID, agent.ID, "dev-001", models.TaskTypeBackup, nil)
		done.Status = models.TaskStatusDone
		store.tasks[pending.ID] = pending
		store.tasks[done.ID] = done

		r := setupTasksRouter(store, userID)
		w := getPath(t, r, "/api/agent-tasks?status=PENDING")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp struct {
			Tasks []*models.Task `json:"tasks"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if len(resp.Tasks) != 1 || resp.Tasks[0].ID != pending.ID {
			t.Errorf("expected only the pending task, got %d", len(resp.Tasks))
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		r := setupTasksRouter(newMockStore(), userID)
		w := getPath(t, r, "/api/agent-tasks?status=SLEEPING")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		r := setupTasksRouter(newMockStore(), userID)
		for _, limit := range []string{"0", "501", "abc"} {
			w := getPath(t, r, "/api/agent-tasks?limit="+limit)
			if w.Code != http.StatusBadRequest {
				t.Errorf("limit=%s: expected 400, got %d", limit, w.Code)
			}
		}
	})
}
