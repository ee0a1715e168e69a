package runloop

import (
	"fmt"
	"strings"

	"github.com/trudger/trudger/internal/logging"
)

// QuitError carries the process exit code for every run termination, clean
// or not. Exit statuses are the low 8 bits on Unix; values outside 0..=255
// wrap rather than clamp.
type QuitError struct {
	Code   int
	Reason string
}

func (e *QuitError) Error() string {
	return fmt.Sprintf("quit reason=%s code=%d", e.Reason, e.Code)
}

// ExitCode folds the code into the range the OS will actually report.
func (e *QuitError) ExitCode() int {
	return e.Code & 0xFF
}

// quit records the terminal transition and builds the QuitError. Every exit
// path goes through here so the log always explains the exit.
func (s *State) quit(reason string, code int) *QuitError {
	sanitized := logging.Sanitize(reason)
	if strings.TrimSpace(sanitized) == "" {
		sanitized = "unknown"
	}
	s.Log.Record("quit reason=" + sanitized)
	return &QuitError{Code: code, Reason: reason}
}

// checkInterrupted is consulted at state-machine boundaries only; an
// in-flight subprocess is never terminated early.
func (s *State) checkInterrupted() *QuitError {
	if s.Interrupted != nil && s.Interrupted() {
		return s.quit("interrupted", 130)
	}
	return nil
}
