package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arkivo-backup/arkivo/internal/api/middleware"
	"github.com/arkivo-backup/arkivo/internal/auth"
	"github.com/arkivo-backup/arkivo/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockStore is an in-memory implementation of the handler store interfaces,
// stateful so multi-step flows behave like the real database.
type mockStore struct {
	mu        sync.Mutex
	agents    map[uuid.UUID]*models.Agent
	tasks     map[uuid.UUID]*models.Task
	jobs      []*models.BackupJob
	snapshots []*models.Snapshot

	createAgentErr error
	updateAgentErr error
	createTaskErr  error
	listErr        error

	// createAgentConflicts makes that many CreateAgent calls fail with a
	// Postgres unique violation before succeeding.
	createAgentConflicts int
}

func newMockStore() *mockStore {
	return &mockStore{
		agents: make(map[uuid.UUID]*models.Agent),
		tasks:  make(map[uuid.UUID]*models.Task),
	}
}

func (m *mockStore) GetAgentByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *mockStore) GetAgentByDeviceID(_ context.Context, deviceID string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.DeviceID == deviceID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockStore) GetAgentByActivationCode(_ context.Context, code string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.ActivationCode != "" && a.ActivationCode == code {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockStore) GetAgentByAPIKeyHash(_ context.Context, hash string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.APIKeyHash != "" && a.APIKeyHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockStore) GetAgentsByUserID(_ context.Context, userID uuid.UUID) ([]*models.Agent, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Agent
	for _, a := range m.agents {
		if a.OwnedBy(userID) {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	if m.createAgentErr != nil {
		return m.createAgentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createAgentConflicts > 0 {
		m.createAgentConflicts--
		return &pgconn.PgError{Code: "23505", ConstraintName: "idx_agents_activation_code"}
	}
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *mockStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	if m.updateAgentErr != nil {
		return m.updateAgentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *mockStore) TouchAgent(_ context.Context, id, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok && a.OwnedBy(userID) {
		a.MarkSeen()
	}
	return nil
}

func (m *mockStore) CreateTask(_ context.Context, task *models.Task) error {
	if m.createTaskErr != nil {
		return m.createTaskErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *mockStore) GetTaskByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *mockStore) ClaimNextTask(_ context.Context, userID uuid.UUID, deviceID string, agentID *uuid.UUID, lease time.Duration) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.Task
	for _, t := range m.tasks {
		if t.UserID != userID || t.Status != models.TaskStatusPending {
			continue
		}
		match := deviceID != "" && t.DeviceID == deviceID
		if !match && agentID != nil && t.AgentID == *agentID {
			match = true
		}
		if match {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	task := candidates[0]
	now := time.Now()
	expires := now.Add(lease)
	task.Status = models.TaskStatusRunning
	task.ClaimedAt = &now
	task.ClaimedBy = &task.DeviceID
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = now

	cp := *task
	return &cp, nil
}

func (m *mockStore) CompleteTask(_ context.Context, id uuid.UUID, status models.TaskStatus, errMsg *string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if task.IsTerminal() {
		return nil, nil
	}

	task.Status = status
	task.Error = errMsg
	task.UpdatedAt = time.Now()

	cp := *task
	return &cp, nil
}

func (m *mockStore) ListTasks(_ context.Context, userID uuid.UUID, deviceID string, status *models.TaskStatus, limit int) ([]*models.Task, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.Task
	for _, t := range m.tasks {
		if t.UserID != userID {
			continue
		}
		if deviceID != "" && t.DeviceID != deviceID {
			continue
		}
		if status != nil && t.Status != *status {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockStore) HasCompletedFullBackup(_ context.Context, userID uuid.UUID, deviceID, srcPath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.UserID == userID && j.DeviceID == deviceID && j.SrcPath == srcPath &&
			j.Mode == "full" && j.Status.ExternalState() == models.JobStateDone {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) ListBackupJobs(_ context.Context, userID uuid.UUID, deviceID string, state *models.JobState, limit int) ([]*models.BackupJob, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.BackupJob
	for _, j := range m.jobs {
		if j.UserID != userID {
			continue
		}
		if deviceID != "" && j.DeviceID != deviceID {
			continue
		}
		if state != nil && j.Status.ExternalState() != *state {
			continue
		}
		cp := *j
		cp.State = cp.Status.ExternalState()
		result = append(result, &cp)
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockStore) ListSnapshots(_ context.Context, userID uuid.UUID, deviceID string, limit int) ([]*models.Snapshot, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.Snapshot
	for _, s := range m.snapshots {
		if s.UserID != userID {
			continue
		}
		if deviceID != "" && s.DeviceID != deviceID {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockStore) taskByID(id uuid.UUID) *models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		cp := *t
		return &cp
	}
	return nil
}

// identityMiddleware injects an authenticated identity, standing in for
// BearerAuth in tests.
func identityMiddleware(userID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(string(middleware.IdentityContextKey), &auth.Identity{UserID: userID})
		c.Next()
	}
}
