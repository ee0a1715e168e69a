package task

import (
	"fmt"
	"strings"
)

// MaxIDBytes bounds task ids because they flow into subprocess environments
// and log lines.
const MaxIDBytes = 200

// ID is a validated tracker task identifier. Ids are the one piece of
// external data that ends up inside shell-executed command context, so the
// character set is restricted up front rather than escaped later.
type ID string

func ParseID(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("task id must not be empty")
	}
	if len(trimmed) > MaxIDBytes {
		return "", fmt.Errorf("task id exceeds %d bytes (got %d)", MaxIDBytes, len(trimmed))
	}
	first := trimmed[0]
	if !isAlphanumeric(first) {
		return "", fmt.Errorf("task id must start with an ASCII letter or digit (got %q)", string(trimmed[0]))
	}
	for i := 1; i < len(trimmed); i++ {
		if !isIDByte(trimmed[i]) {
			return "", fmt.Errorf("task id contains invalid character %q at byte %d", string(trimmed[i]), i)
		}
	}
	return ID(trimmed), nil
}

func (id ID) String() string {
	return string(id)
}

func isAlphanumeric(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isIDByte(b byte) bool {
	return isAlphanumeric(b) || b == '.' || b == '_' || b == ':' || b == '-'
}

// JoinIDs renders a comma-separated list for TRUDGER_COMPLETED /
// TRUDGER_NEEDS_HUMAN environment values.
func JoinIDs(ids []ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

// Status is the first whitespace-delimited token of the configured
// task_status command's stdout. Unknown tokens are preserved verbatim so
// operators see what the tracker actually said.
type Status string

const (
	StatusReady      Status = "ready"
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusBlocked    Status = "blocked"
)

// ParseStatus returns the empty Status when the token is blank.
func ParseStatus(token string) Status {
	return Status(strings.TrimSpace(token))
}

func (s Status) IsReady() bool {
	return s == StatusReady || s == StatusOpen
}

func (s Status) IsKnown() bool {
	switch s {
	case StatusReady, StatusOpen, StatusInProgress, StatusClosed, StatusBlocked:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Phase names the run loop phase for status line rendering and transitions.
type Phase string

const (
	PhaseSolving   Phase = "solving"
	PhaseReviewing Phase = "reviewing"
	PhaseError     Phase = "error"
)

// ReviewLoopLimit is a positive review iteration budget per task.
type ReviewLoopLimit uint64

func NewReviewLoopLimit(value uint64) (ReviewLoopLimit, error) {
	if value == 0 {
		return 0, fmt.Errorf("review_loop_limit must be a positive integer (got 0)")
	}
	return ReviewLoopLimit(value), nil
}

func (l ReviewLoopLimit) Get() uint64 {
	return uint64(l)
}

func (l ReviewLoopLimit) String() string {
	return fmt.Sprintf("%d", uint64(l))
}
