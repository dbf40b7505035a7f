package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the raw status string recorded for a backup job by the agent.
// The stored vocabulary is wider than the one exposed to clients; see
// JobState for the external mapping.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusStarted    JobStatus = "STARTED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusSuccess    JobStatus = "SUCCESS"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCanceled   JobStatus = "CANCELED"
	JobStatusError      JobStatus = "ERROR"
)

// JobState is the four-state status model exposed to API clients.
type JobState string

const (
	JobStatePending JobState = "pending"
	JobStateRunning JobState = "running"
	JobStateDone    JobState = "done"
	JobStateFailed  JobState = "failed"
)

// ExternalState maps a stored job status onto the four-state client model.
// Unknown statuses map to pending, the safest interpretation for display.
func (s JobStatus) ExternalState() JobState {
	switch s {
	case JobStatusStarted, JobStatusProcessing:
		return JobStateRunning
	case JobStatusCompleted, JobStatusSuccess:
		return JobStateDone
	case JobStatusFailed, JobStatusCanceled, JobStatusError:
		return JobStateFailed
	default:
		return JobStatePending
	}
}

// StoredStatuses returns the stored status values that map onto the given
// external state. Used to translate client-side status filters into queries.
func StoredStatuses(state JobState) []JobStatus {
	switch state {
	case JobStateRunning:
		return []JobStatus{JobStatusStarted, JobStatusProcessing}
	case JobStateDone:
		return []JobStatus{JobStatusCompleted, JobStatusSuccess}
	case JobStateFailed:
		return []JobStatus{JobStatusFailed, JobStatusCanceled, JobStatusError}
	case JobStatePending:
		return []JobStatus{JobStatusPending, JobStatusQueued}
	default:
		return nil
	}
}

// ValidJobState reports whether state is a recognized external job state.
func ValidJobState(state JobState) bool {
	switch state {
	case JobStatePending, JobStateRunning, JobStateDone, JobStateFailed:
		return true
	default:
		return false
	}
}

// BackupJob is one backup execution record reported by the agent. The server
// never writes these rows except through the agent reporting path; the chunk
// counters and checksum are produced by the on-device backup engine.
type BackupJob struct {
	ID                uuid.UUID  `json:"id"`
	UserID            uuid.UUID  `json:"user_id"`
	AgentID           *uuid.UUID `json:"agent_id,omitempty"`
	DeviceID          string     `json:"device_id"`
	SrcPath           string     `json:"src_path,omitempty"`
	Mode              string     `json:"mode,omitempty"`
	Status            JobStatus  `json:"status"`
	State             JobState   `json:"state"`
	SizeBytes         *int64     `json:"size_bytes,omitempty"`
	ChunksNew         *int       `json:"chunks_new,omitempty"`
	ChunksReused      *int       `json:"chunks_reused,omitempty"`
	ContainerChecksum string     `json:"container_checksum,omitempty"`
	SnapshotID        *uuid.UUID `json:"snapshot_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Snapshot is a point-in-time backup container produced by the on-device
// engine, read-only on the server side.
type Snapshot struct {
	ID                uuid.UUID  `json:"id"`
	UserID            uuid.UUID  `json:"user_id"`
	DeviceID          string     `json:"device_id"`
	JobID             *uuid.UUID `json:"job_id,omitempty"`
	SrcPath           string     `json:"src_path,omitempty"`
	Mode              string     `json:"mode,omitempty"`
	SizeBytes         *int64     `json:"size_bytes,omitempty"`
	FileCount         *int       `json:"file_count,omitempty"`
	ContainerChecksum string     `json:"container_checksum,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
