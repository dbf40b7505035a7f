package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkivo-backup/arkivo/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `
	id, user_id, agent_id, device_id, type, payload, status, error,
	attempts, claimed_at, claimed_by, lease_expires_at, created_at, updated_at
`

func scanTask(row interface{ Scan(dest ...any) error }) (*models.Task, error) {
	var task models.Task
	var typeStr, statusStr string
	var payloadBytes []byte

	err := row.Scan(
		&task.ID, &task.UserID, &task.AgentID, &task.DeviceID,
		&typeStr, &payloadBytes, &statusStr, &task.Error,
		&task.Attempts, &task.ClaimedAt, &task.ClaimedBy, &task.LeaseExpiresAt,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Type = models.TaskType(typeStr)
	task.Status = models.TaskStatus(statusStr)
	if err := task.SetPayload(payloadBytes); err != nil {
		return nil, fmt.Errorf("parse task payload: %w", err)
	}

	return &task, nil
}

// CreateTask inserts a new pending task.
func (db *DB) CreateTask(ctx context.Context, task *models.Task) error {
	payloadBytes, err := task.PayloadJSON()
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO agent_tasks (
			id, user_id, agent_id, device_id, type, payload, status, error,
			attempts, claimed_at, claimed_by, lease_expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, task.ID, task.UserID, task.AgentID, task.DeviceID, task.Type, payloadBytes,
		task.Status, task.Error, task.Attempts, task.ClaimedAt, task.ClaimedBy,
		task.LeaseExpiresAt, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTaskByID returns a task by its ID.
func (db *DB) GetTaskByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	task, err := scanTask(db.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get task by ID: %w", err)
	}
	return task, nil
}

// ClaimNextTask atomically claims the oldest pending task for the given
// user and device (or agent). The claim is a single conditional update so
// concurrent pollers can never both walk away with the same task; losers of
// the race simply see no pending row. Returns nil when the queue is empty.
func (db *DB) ClaimNextTask(ctx context.Context, userID uuid.UUID, deviceID string, agentID *uuid.UUID, lease time.Duration) (*models.Task, error) {
	match := "device_id = $2"
	args := []any{userID, deviceID}
	if deviceID == "" && agentID != nil {
		match = "agent_id = $2"
		args = []any{userID, *agentID}
	} else if agentID != nil {
		match = "(device_id = $2 OR agent_id = $3)"
		args = append(args, *agentID)
	}
	args = append(args, lease)
	leaseArg := fmt.Sprintf("$%d", len(args))

	// claimed_by records the claimant's device identifier even when the
	// caller addressed the queue by agent ID.
	query := fmt.Sprintf(`
		UPDATE agent_tasks
		SET status = 'RUNNING',
		    claimed_at = NOW(),
		    claimed_by = device_id,
		    lease_expires_at = NOW() + %s,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM agent_tasks
			WHERE user_id = $1 AND status = 'PENDING' AND %s
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, leaseArg, match)

	task, err := scanTask(db.Pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return task, nil
}

// CompleteTask transitions a non-terminal task to the given terminal status.
// Returns the updated task, or nil if the task was already terminal (the
// conditional update matched no row).
func (db *DB) CompleteTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, errMsg *string) (*models.Task, error) {
	task, err := scanTask(db.Pool.QueryRow(ctx, `
		UPDATE agent_tasks
		SET status = $2, error = $3, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
		RETURNING `+taskColumns, id, status, errMsg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("complete task: %w", err)
	}
	return task, nil
}

// ListTasks returns a user's tasks with optional device and status filters,
// newest first.
func (db *DB) ListTasks(ctx context.Context, userID uuid.UUID, deviceID string, status *models.TaskStatus, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE user_id = $1`
	args := []any{userID}

	if deviceID != "" {
		args = append(args, deviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, nil
}

// ReapExpiredLeases resets RUNNING tasks whose lease has expired back to
// PENDING so another poller can pick them up.
func (db *DB) ReapExpiredLeases(ctx context.Context) (int64, error) {
	result, err := db.Pool.Exec(ctx, `
		UPDATE agent_tasks
		SET status = 'PENDING',
		    claimed_at = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE status = 'RUNNING' AND lease_expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return result.RowsAffected(), nil
}

// CleanupTerminalTasks removes DONE and ERROR tasks older than the given
// number of days.
func (db *DB) CleanupTerminalTasks(ctx context.Context, retentionDays int) (int64, error) {
	result, err := db.Pool.Exec(ctx, `
		DELETE FROM agent_tasks
		WHERE status IN ('DONE', 'ERROR')
		  AND updated_at < NOW() - INTERVAL '1 day' * $1
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal tasks: %w", err)
	}
	return result.RowsAffected(), nil
}

// HasCompletedFullBackup reports whether a completed full backup of the
// given source path exists for this user and device.
func (db *DB) HasCompletedFullBackup(ctx context.Context, userID uuid.UUID, deviceID, srcPath string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM backup_jobs
			WHERE user_id = $1 AND device_id = $2 AND src_path = $3
			  AND mode = 'full'
			  AND status IN ('COMPLETED', 'SUCCESS')
		)
	`, userID, deviceID, srcPath).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check completed full backup: %w", err)
	}
	return exists, nil
}
