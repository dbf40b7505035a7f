package models

import "testing"

func TestExternalState(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   JobState
	}{
		{JobStatusPending, JobStatePending},
		{JobStatusQueued, JobStatePending},
		{JobStatusStarted, JobStateRunning},
		{JobStatusProcessing, JobStateRunning},
		{JobStatusCompleted, JobStateDone},
		{JobStatusSuccess, JobStateDone},
		{JobStatusFailed, JobStateFailed},
		{JobStatusCanceled, JobStateFailed},
		{JobStatusError, JobStateFailed},
		{JobStatus("SOMETHING_NEW"), JobStatePending},
	}
	for _, tt := range tests {
		if got := tt.status.ExternalState(); got != tt.want {
			t.Errorf("ExternalState(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestStoredStatuses(t *testing.T) {
	// Every stored status must be reachable from exactly one external state.
	seen := map[JobStatus]JobState{}
	for _, state := range []JobState{JobStatePending, JobStateRunning, JobStateDone, JobStateFailed} {
		statuses := StoredStatuses(state)
		if len(statuses) == 0 {
			t.Fatalf("StoredStatuses(%s) is empty", state)
		}
		for _, s := range statuses {
			if prev, dup := seen[s]; dup {
				t.Errorf("status %s mapped to both %s and %s", s, prev, state)
			}
			seen[s] = state
			if got := s.ExternalState(); got != state {
				t.Errorf("round trip mismatch: %s -> %s, want %s", s, got, state)
			}
		}
	}
	if StoredStatuses(JobState("bogus")) != nil {
		t.Error("unknown state should map to nil")
	}
}

func TestValidJobState(t *testing.T) {
	for _, s := range []JobState{JobStatePending, JobStateRunning, JobStateDone, JobStateFailed} {
		if !ValidJobState(s) {
			t.Errorf("ValidJobState(%s) = false", s)
		}
	}
	for _, s := range []JobState{"", "DONE", "Succeeded"} {
		if ValidJobState(s) {
			t.Errorf("ValidJobState(%q) = true", s)
		}
	}
}
