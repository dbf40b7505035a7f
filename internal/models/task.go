package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType defines the kind of work queued for an agent.
type TaskType string

const (
	// TaskTypeBackup is a backup task.
	TaskTypeBackup TaskType = "BACKUP"
	// TaskTypeRestore is a restore task.
	TaskTypeRestore TaskType = "RESTORE"
)

// ValidTaskType reports whether t is a recognized task type.
func ValidTaskType(t TaskType) bool {
	return t == TaskTypeBackup || t == TaskTypeRestore
}

// TaskStatus defines the status of a queued task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be claimed.
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusRunning indicates the task has been claimed by an agent.
	TaskStatusRunning TaskStatus = "RUNNING"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "DONE"
	// TaskStatusError indicates the task failed.
	TaskStatusError TaskStatus = "ERROR"
)

// ValidCompletionStatus reports whether s is a legal terminal status for
// task completion.
func ValidCompletionStatus(s TaskStatus) bool {
	return s == TaskStatusDone || s == TaskStatusError
}

// Task is one unit of backup/restore work addressed to a single device,
// claimed by the device's polling agent.
type Task struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	DeviceID       string         `json:"device_id"`
	Type           TaskType       `json:"type"`
	Payload        map[string]any `json:"payload"`
	Status         TaskStatus     `json:"status"`
	Error          *string        `json:"error,omitempty"`
	Attempts       int            `json:"attempts"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewTask creates a pending task for the given agent and device.
func NewTask(userID, agentID uuid.UUID, deviceID string, taskType TaskType, payload map[string]any) *Task {
	now := time.Now()
	if payload == nil {
		payload = map[string]any{}
	}
	return &Task{
		ID:        uuid.New(),
		UserID:    userID,
		AgentID:   agentID,
		DeviceID:  deviceID,
		Type:      taskType,
		Payload:   payload,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusError
}

// PayloadJSON returns the payload as JSON bytes for database storage.
func (t *Task) PayloadJSON() ([]byte, error) {
	if t.Payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t.Payload)
}

// SetPayload sets the payload from JSON bytes.
func (t *Task) SetPayload(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &t.Payload)
}

// PayloadString returns the string value stored under key, or "".
func (t *Task) PayloadString(key string) string {
	if t.Payload == nil {
		return ""
	}
	s, _ := t.Payload[key].(string)
	return s
}
