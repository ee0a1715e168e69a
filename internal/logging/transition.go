package logging

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Observer receives every ordinary transition message. Observers are how the
// notification dispatcher (all_logs scope) and the event stream mirror hook
// into the log without the log knowing about either.
type Observer func(message string)

// TransitionLog appends one sanitized line per recorded event to an optional
// sink file. Recording works with no sink configured; only the file write is
// skipped. A failing sink disables itself after one warning instead of
// failing every subsequent transition.
type TransitionLog struct {
	path      string
	stderr    io.Writer
	now       func() time.Time
	disabled  atomic.Bool
	observers []Observer
}

func New(path string) *TransitionLog {
	return &TransitionLog{
		path:   path,
		stderr: os.Stderr,
		now:    time.Now,
	}
}

// SetStderr redirects warning output, primarily for tests.
func (l *TransitionLog) SetStderr(w io.Writer) {
	l.stderr = w
}

// SetNow overrides the timestamp source, primarily for tests.
func (l *TransitionLog) SetNow(now func() time.Time) {
	l.now = now
}

// Observe registers fn for every Record call. Append bypasses observers.
func (l *TransitionLog) Observe(fn Observer) {
	l.observers = append(l.observers, fn)
}

// Record logs an ordinary transition: observers first, then the sink.
func (l *TransitionLog) Record(message string) {
	for _, fn := range l.observers {
		fn(message)
	}
	l.Append(message)
}

// Append writes to the sink only. Transitions produced while reporting a
// notification or stream failure go through Append so they can never re-enter
// dispatch.
func (l *TransitionLog) Append(message string) {
	if l.path == "" || l.disabled.Load() {
		return
	}
	ts := l.now().UTC().Format("2006-01-02T15:04:05Z")
	line := ts + " " + Sanitize(message) + "\n"
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.disableWithWarning(err)
		return
	}
	defer file.Close()
	if _, err := file.WriteString(line); err != nil {
		l.disableWithWarning(err)
	}
}

// Warnf surfaces an operator-facing warning on stderr.
func (l *TransitionLog) Warnf(format string, args ...any) {
	if l.stderr == nil {
		return
	}
	fmt.Fprintf(l.stderr, "Warning: "+format+"\n", args...)
}

func (l *TransitionLog) disableWithWarning(err error) {
	if l.disabled.CompareAndSwap(false, true) {
		l.Warnf("transition logging disabled log_path=%s io_error=%v", l.path, err)
	}
}

// Sanitize collapses control characters so every logged value stays on one
// line. Values are otherwise logged verbatim; redaction belongs to the
// notification payload, not the log.
func Sanitize(value string) string {
	out := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\t':
			out = append(out, '\\', 't')
		default:
			out = append(out, value[i])
		}
	}
	return string(out)
}
