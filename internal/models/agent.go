package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentState represents the lifecycle state stored in the agent status blob.
type AgentState string

const (
	// AgentStatePending indicates the device has requested activation but is
	// not yet bound to a user account.
	AgentStatePending AgentState = "pending"
	// AgentStateActive indicates the device has been activated by a user.
	AgentStateActive AgentState = "active"
)

// AgentStatus is the JSON blob persisted in the agents.status column. The
// hardware fingerprint lives here rather than in its own column because it is
// optional, client-reported metadata.
type AgentStatus struct {
	State      AgentState `json:"state"`
	HardwareID string     `json:"hardware_id,omitempty"`
}

// Agent represents one physical or virtual device bound to at most one user.
type Agent struct {
	ID             uuid.UUID   `json:"id"`
	DeviceID       string      `json:"device_id"`
	UserID         *uuid.UUID  `json:"user_id,omitempty"`
	Name           string      `json:"name,omitempty"`
	Hostname       string      `json:"hostname"`
	OS             string      `json:"os"`
	Arch           string      `json:"arch,omitempty"`
	ActivationCode string      `json:"activation_code,omitempty"`
	APIKeyHash     string      `json:"-"`
	Status         AgentStatus `json:"status"`
	RegisteredAt   *time.Time  `json:"registered_at,omitempty"`
	LastSeenAt     *time.Time  `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewPendingAgent creates an unactivated agent for a device that has
// requested an activation code.
func NewPendingAgent(deviceID, hostname, osName, arch, name, activationCode string) *Agent {
	now := time.Now()
	return &Agent{
		ID:             uuid.New(),
		DeviceID:       deviceID,
		Hostname:       hostname,
		OS:             osName,
		Arch:           arch,
		Name:           name,
		ActivationCode: activationCode,
		Status:         AgentStatus{State: AgentStatePending},
		LastSeenAt:     &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Activated returns true if the agent has been bound to a user account.
func (a *Agent) Activated() bool {
	return a.UserID != nil
}

// OwnedBy returns true if the agent is bound to the given user.
func (a *Agent) OwnedBy(userID uuid.UUID) bool {
	return a.UserID != nil && *a.UserID == userID
}

// MarkSeen updates the agent's last seen time.
func (a *Agent) MarkSeen() {
	now := time.Now()
	a.LastSeenAt = &now
	a.UpdatedAt = now
}

// Activate binds the agent to a user. The registration timestamp is only
// stamped on first activation; the hardware fingerprint is preserved.
func (a *Agent) Activate(userID uuid.UUID) {
	now := time.Now()
	a.UserID = &userID
	a.Status.State = AgentStateActive
	if a.RegisteredAt == nil {
		a.RegisteredAt = &now
	}
	a.LastSeenAt = &now
	a.UpdatedAt = now
}

// SetStatus sets the status blob from JSON bytes.
func (a *Agent) SetStatus(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &a.Status)
}

// StatusJSON returns the status blob as JSON bytes for database storage.
func (a *Agent) StatusJSON() ([]byte, error) {
	return json.Marshal(a.Status)
}
