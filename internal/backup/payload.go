package backup

import (
	"errors"
	"fmt"

	"github.com/arkivo-backup/arkivo/internal/models"
)

// ValidateTaskPayload validates a task payload against its task type and
// normalizes the mode in place for backup payloads. Restore payloads must
// name the snapshot to restore from.
func ValidateTaskPayload(taskType models.TaskType, payload map[string]any) error {
	switch taskType {
	case models.TaskTypeBackup:
		return validateBackupPayload(payload)
	case models.TaskTypeRestore:
		return validateRestorePayload(payload)
	default:
		return fmt.Errorf("invalid task type %q", taskType)
	}
}

func validateBackupPayload(payload map[string]any) error {
	if !ShouldValidateMode(payload) {
		return nil
	}
	raw, _ := payload["mode"].(string)
	mode, err := NormalizeMode(raw)
	if err != nil {
		return err
	}
	payload["mode"] = string(mode)
	return nil
}

func validateRestorePayload(payload map[string]any) error {
	if payload == nil {
		return errors.New("restore payload is required")
	}
	if id, _ := payload["snapshot_id"].(string); id == "" {
		return errors.New("restore payload requires snapshot_id")
	}
	return nil
}
