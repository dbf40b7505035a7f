package db

import (
	"context"
	"fmt"

	"github.com/arkivo-backup/arkivo/internal/models"
	"github.com/google/uuid"
)

const jobColumns = `
	id, user_id, agent_id, device_id, src_path, mode, status,
	size_bytes, chunks_new, chunks_reused, container_checksum,
	snapshot_id, error_message, started_at, finished_at, created_at
`

func scanBackupJob(row interface{ Scan(dest ...any) error }) (*models.BackupJob, error) {
	var job models.BackupJob
	var statusStr string

	err := row.Scan(
		&job.ID, &job.UserID, &job.AgentID, &job.DeviceID,
		&job.SrcPath, &job.Mode, &statusStr,
		&job.SizeBytes, &job.ChunksNew, &job.ChunksReused, &job.ContainerChecksum,
		&job.SnapshotID, &job.ErrorMessage, &job.StartedAt, &job.FinishedAt, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(statusStr)
	job.State = job.Status.ExternalState()
	return &job, nil
}

// ListBackupJobs returns a user's backup job history, newest first. The
// state filter is given in the four-state external vocabulary and expanded
// to the stored statuses here.
func (db *DB) ListBackupJobs(ctx context.Context, userID uuid.UUID, deviceID string, state *models.JobState, limit int) ([]*models.BackupJob, error) {
	query := `SELECT ` + jobColumns + ` FROM backup_jobs WHERE user_id = $1`
	args := []any{userID}

	if deviceID != "" {
		args = append(args, deviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if state != nil {
		stored := models.StoredStatuses(*state)
		statuses := make([]string, len(stored))
		for i, s := range stored {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BackupJob
	for rows.Next() {
		job, err := scanBackupJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup jobs: %w", err)
	}

	return jobs, nil
}

// ListSnapshots returns a user's snapshots, newest first.
func (db *DB) ListSnapshots(ctx context.Context, userID uuid.UUID, deviceID string, limit int) ([]*models.Snapshot, error) {
	query := `
		SELECT id, user_id, device_id, job_id, src_path, mode,
		       size_bytes, file_count, container_checksum, created_at
		FROM snapshots
		WHERE user_id = $1`
	args := []any{userID}

	if deviceID != "" {
		args = append(args, deviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.Snapshot
	for rows.Next() {
		var s models.Snapshot
		err := rows.Scan(
			&s.ID, &s.UserID, &s.DeviceID, &s.JobID, &s.SrcPath, &s.Mode,
			&s.SizeBytes, &s.FileCount, &s.ContainerChecksum, &s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	return snapshots, nil
}
