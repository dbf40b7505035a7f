// Package backup contains the backup policy logic shared by the task queue:
// mode normalization, auto-mode resolution, and per-type payload validation.
package backup

import (
	"fmt"
	"strings"
)

// Mode is the backup mode carried in a task payload.
type Mode string

const (
	// ModeFull backs up the entire source path.
	ModeFull Mode = "full"
	// ModeIncremental backs up changes since the last full backup.
	ModeIncremental Mode = "incremental"
	// ModeAuto lets the server pick full or incremental at creation time.
	// It never reaches the agent; CreateTask resolves it eagerly.
	ModeAuto Mode = "auto"
)

// NormalizeMode parses a client-supplied mode string, tolerating case and
// surrounding whitespace. An unrecognized value is an error.
func NormalizeMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeFull:
		return ModeFull, nil
	case ModeIncremental:
		return ModeIncremental, nil
	case ModeAuto:
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("invalid backup mode %q (expected full, incremental or auto)", raw)
	}
}

// ResolveMode resolves the auto mode to a concrete one. hasCompletedFull is
// whether a completed full backup of the same user/device/source path exists.
// Non-auto modes pass through unchanged.
func ResolveMode(mode Mode, hasCompletedFull bool) Mode {
	if mode != ModeAuto {
		return mode
	}
	if hasCompletedFull {
		return ModeIncremental
	}
	return ModeFull
}

// ShouldValidateMode reports whether a backup payload must carry a valid
// mode: either a mode key is present at all, or the payload kind is
// run_backup (which implies a backup run even without an explicit mode).
func ShouldValidateMode(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	if _, ok := payload["mode"]; ok {
		return true
	}
	kind, _ := payload["kind"].(string)
	return kind == "run_backup"
}
