package db

import (
	"context"
	"fmt"
	"time"

	"github.com/arkivo-backup/arkivo/internal/models"
	"github.com/google/uuid"
)

const agentColumns = `
	id, device_id, user_id, name, hostname, os, arch,
	activation_code, api_key_hash, status,
	registered_at, last_seen_at, created_at, updated_at
`

func scanAgent(row interface{ Scan(dest ...any) error }) (*models.Agent, error) {
	var agent models.Agent
	var activationCode, apiKeyHash *string
	var statusBytes []byte

	err := row.Scan(
		&agent.ID, &agent.DeviceID, &agent.UserID, &agent.Name,
		&agent.Hostname, &agent.OS, &agent.Arch,
		&activationCode, &apiKeyHash, &statusBytes,
		&agent.RegisteredAt, &agent.LastSeenAt, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if activationCode != nil {
		agent.ActivationCode = *activationCode
	}
	if apiKeyHash != nil {
		agent.APIKeyHash = *apiKeyHash
	}
	if err := agent.SetStatus(statusBytes); err != nil {
		return nil, fmt.Errorf("parse agent status: %w", err)
	}

	return &agent, nil
}

// GetAgentByID returns an agent by its ID.
func (db *DB) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	agent, err := scanAgent(db.Pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get agent by ID: %w", err)
	}
	return agent, nil
}

// GetAgentByDeviceID returns an agent by its client-supplied device identifier.
func (db *DB) GetAgentByDeviceID(ctx context.Context, deviceID string) (*models.Agent, error) {
	agent, err := scanAgent(db.Pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE device_id = $1`, deviceID))
	if err != nil {
		return nil, fmt.Errorf("get agent by device ID: %w", err)
	}
	return agent, nil
}

// GetAgentByActivationCode returns an agent by its activation code.
func (db *DB) GetAgentByActivationCode(ctx context.Context, code string) (*models.Agent, error) {
	agent, err := scanAgent(db.Pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE activation_code = $1`, code))
	if err != nil {
		return nil, fmt.Errorf("get agent by activation code: %w", err)
	}
	return agent, nil
}

// GetAgentByAPIKeyHash returns an agent by its API key hash.
func (db *DB) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	agent, err := scanAgent(db.Pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("get agent by API key hash: %w", err)
	}
	return agent, nil
}

// GetAgentsByUserID returns all agents bound to the given user.
func (db *DB) GetAgentsByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Agent, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents by user: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}

	return agents, nil
}

// CreateAgent inserts a new agent.
func (db *DB) CreateAgent(ctx context.Context, agent *models.Agent) error {
	statusBytes, err := agent.StatusJSON()
	if err != nil {
		return fmt.Errorf("marshal agent status: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO agents (
			id, device_id, user_id, name, hostname, os, arch,
			activation_code, api_key_hash, status,
			registered_at, last_seen_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13, $14)
	`, agent.ID, agent.DeviceID, agent.UserID, agent.Name, agent.Hostname, agent.OS, agent.Arch,
		agent.ActivationCode, agent.APIKeyHash, statusBytes,
		agent.RegisteredAt, agent.LastSeenAt, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// UpdateAgent updates an agent's mutable fields.
func (db *DB) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	statusBytes, err := agent.StatusJSON()
	if err != nil {
		return fmt.Errorf("marshal agent status: %w", err)
	}

	agent.UpdatedAt = time.Now()
	_, err = db.Pool.Exec(ctx, `
		UPDATE agents
		SET device_id = $2, user_id = $3, name = $4, hostname = $5, os = $6, arch = $7,
		    activation_code = NULLIF($8, ''), api_key_hash = NULLIF($9, ''), status = $10,
		    registered_at = $11, last_seen_at = $12, updated_at = $13
		WHERE id = $1
	`, agent.ID, agent.DeviceID, agent.UserID, agent.Name, agent.Hostname, agent.OS, agent.Arch,
		agent.ActivationCode, agent.APIKeyHash, statusBytes,
		agent.RegisteredAt, agent.LastSeenAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

// TouchAgent refreshes an agent's last seen timestamp. The update is scoped
// to the owning user so a caller can never bump someone else's agent.
func (db *DB) TouchAgent(ctx context.Context, id, userID uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE agents SET last_seen_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}
