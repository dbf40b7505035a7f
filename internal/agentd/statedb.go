package agentd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// TaskRecord is one locally recorded task execution.
type TaskRecord struct {
	TaskID      uuid.UUID
	Type        string
	Payload     map[string]any
	Status      string
	Error       string
	ClaimedAt   time.Time
	CompletedAt *time.Time
}

// StateDB records the tasks this agent has claimed and completed, so the
// history survives restarts and can be inspected offline.
type StateDB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStateDB opens (or creates) the local state database in the agent's
// config directory.
func NewStateDB(configDir string, logger zerolog.Logger) (*StateDB, error) {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	dbPath := filepath.Join(configDir, "state.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &StateDB{
		db:     db,
		logger: logger.With().Str("component", "state_db").Logger(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s.logger.Debug().Str("path", dbPath).Msg("state database initialized")

	return s, nil
}

// migrate creates the necessary tables.
func (s *StateDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			error TEXT,
			claimed_at TEXT NOT NULL,
			completed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_task_history_claimed_at ON task_history(claimed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordClaim stores a freshly claimed task.
func (s *StateDB) RecordClaim(ctx context.Context, taskID uuid.UUID, taskType string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_id, type, payload, status, claimed_at)
		VALUES (?, ?, ?, 'RUNNING', ?)
		ON CONFLICT(task_id) DO UPDATE SET status = 'RUNNING', claimed_at = excluded.claimed_at
	`, taskID.String(), taskType, string(payloadJSON), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record claim: %w", err)
	}
	return nil
}

// RecordCompletion stores the terminal status of a task.
func (s *StateDB) RecordCompletion(ctx context.Context, taskID uuid.UUID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET status = ?, error = ?, completed_at = ? WHERE task_id = ?
	`, status, errMsg, time.Now().UTC().Format(time.RFC3339), taskID.String())
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

// History returns the most recent task records, newest first.
func (s *StateDB) History(ctx context.Context, limit int) ([]*TaskRecord, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, type, payload, status, COALESCE(error, ''), claimed_at, completed_at
		FROM task_history ORDER BY claimed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		var (
			rec         TaskRecord
			id          string
			payloadJSON sql.NullString
			claimedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&id, &rec.Type, &payloadJSON, &rec.Status, &rec.Error, &claimedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}

		rec.TaskID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse task ID: %w", err)
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &rec.Payload); err != nil {
				return nil, fmt.Errorf("parse payload: %w", err)
			}
		}
		if rec.ClaimedAt, err = time.Parse(time.RFC3339, claimedAt); err != nil {
			return nil, fmt.Errorf("parse claimed_at: %w", err)
		}
		if completedAt.Valid {
			t, err := time.Parse(time.RFC3339, completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse completed_at: %w", err)
			}
			rec.CompletedAt = &t
		}

		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Close closes the database.
func (s *StateDB) Close() error {
	return s.db.Close()
}
