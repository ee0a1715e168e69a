package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/trudger/trudger/internal/logging"
	"github.com/trudger/trudger/internal/shell"
)

// Scope controls which events reach the notification hook. Scopes are
// supersets: task_boundaries includes run boundaries, all_logs includes both
// plus one event per recorded transition.
type Scope int

const (
	ScopeRunBoundaries Scope = iota + 1
	ScopeTaskBoundaries
	ScopeAllLogs
)

func ParseScope(value string) (Scope, error) {
	switch strings.TrimSpace(value) {
	case "", "run_boundaries":
		return ScopeRunBoundaries, nil
	case "task_boundaries":
		return ScopeTaskBoundaries, nil
	case "all_logs":
		return ScopeAllLogs, nil
	default:
		return 0, fmt.Errorf("invalid on_notification_scope %q: expected run_boundaries, task_boundaries, or all_logs", value)
	}
}

func (s Scope) String() string {
	switch s {
	case ScopeRunBoundaries:
		return "run_boundaries"
	case ScopeTaskBoundaries:
		return "task_boundaries"
	case ScopeAllLogs:
		return "all_logs"
	default:
		return "unknown"
	}
}

const (
	EventRunStart  = "run_start"
	EventRunEnd    = "run_end"
	EventTaskStart = "task_start"
	EventTaskEnd   = "task_end"
	EventLog       = "log"
)

// Payload mirrors the TRUDGER_NOTIFY_* environment contract as JSON. A copy
// is written to a temp file for hooks that prefer parsing over env plumbing.
type Payload struct {
	Event           string  `json:"event"`
	DurationMS      int64   `json:"duration_ms"`
	Folder          string  `json:"folder"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	TaskID          string  `json:"task_id"`
	TaskDescription string  `json:"task_description"`
	Message         *string `json:"message,omitempty"`
}

// HookRunner is the slice of the command runner the dispatcher needs.
type HookRunner interface {
	Status(command string, label string, taskToken string, args []string, env *shell.Env) (int, error)
}

// Dispatcher fires the configured notification hook for run, task, and log
// events. Hook failures never abort task processing; they produce one warning
// and one transition that is itself excluded from dispatch.
type Dispatcher struct {
	command    string
	scope      Scope
	configPath string
	log        *logging.TransitionLog
	runner     HookRunner

	now     func() time.Time
	workDir func() (string, error)

	runStarted  time.Time
	taskStarted time.Time
	inFlight    atomic.Bool
}

// New builds a dispatcher. An empty hook command yields a dispatcher that
// never invokes the runner. When the scope covers all_logs the dispatcher
// registers itself as a log observer.
func New(command string, scope Scope, configPath string, log *logging.TransitionLog, runner HookRunner) *Dispatcher {
	d := &Dispatcher{
		command:    strings.TrimSpace(command),
		scope:      scope,
		configPath: configPath,
		log:        log,
		runner:     runner,
		now:        time.Now,
		workDir:    os.Getwd,
	}
	if d.command != "" && scope >= ScopeAllLogs {
		log.Observe(d.onTransition)
	}
	return d
}

// SetNow overrides the clock, primarily for tests.
func (d *Dispatcher) SetNow(now func() time.Time) {
	d.now = now
}

// SetWorkDir overrides working-directory discovery, primarily for tests.
func (d *Dispatcher) SetWorkDir(fn func() (string, error)) {
	d.workDir = fn
}

// RunStart marks the run clock and fires run_start.
func (d *Dispatcher) RunStart() {
	d.runStarted = d.now()
	if d.command == "" {
		return
	}
	d.dispatch(Payload{Event: EventRunStart, DurationMS: 0})
}

// RunEnd fires run_end with the eventual process exit code. It is the only
// event that carries an exit code.
func (d *Dispatcher) RunEnd(exitCode int) {
	if d.command == "" {
		return
	}
	d.dispatch(Payload{
		Event:      EventRunEnd,
		DurationMS: d.sinceMS(d.runStarted),
		ExitCode:   &exitCode,
	})
}

// TaskStart marks the task clock and fires task_start when in scope.
func (d *Dispatcher) TaskStart(taskID string, description string) {
	d.taskStarted = d.now()
	if d.command == "" || d.scope < ScopeTaskBoundaries {
		return
	}
	d.dispatch(Payload{
		Event:           EventTaskStart,
		DurationMS:      0,
		TaskID:          taskID,
		TaskDescription: description,
	})
}

// TaskEnd fires task_end when in scope, with duration since TaskStart.
func (d *Dispatcher) TaskEnd(taskID string, description string) {
	if d.command == "" || d.scope < ScopeTaskBoundaries {
		return
	}
	d.dispatch(Payload{
		Event:           EventTaskEnd,
		DurationMS:      d.sinceMS(d.taskStarted),
		TaskID:          taskID,
		TaskDescription: description,
	})
}

// onTransition handles all_logs dispatch. The in-flight gate keeps ordinary
// transitions recorded by a hook (for example, a hook that is itself a
// trudger wrapper) from recursing into a second dispatch.
func (d *Dispatcher) onTransition(message string) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer d.inFlight.Store(false)

	redacted := RedactMessage(message)
	d.fire(Payload{
		Event:      EventLog,
		DurationMS: d.sinceMS(d.runStarted),
		Message:    &redacted,
	})
}

func (d *Dispatcher) dispatch(payload Payload) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer d.inFlight.Store(false)
	d.fire(payload)
}

func (d *Dispatcher) fire(payload Payload) {
	if folder, err := d.workDir(); err == nil {
		payload.Folder = folder
	}

	env := shell.NewEnv(d.configPath)
	env.Set(shell.EnvNotifyEvent, payload.Event)
	env.Set(shell.EnvNotifyDurationMS, strconv.FormatInt(payload.DurationMS, 10))
	env.Set(shell.EnvNotifyFolder, payload.Folder)
	exitCode := ""
	if payload.ExitCode != nil {
		exitCode = strconv.Itoa(*payload.ExitCode)
	}
	env.Set(shell.EnvNotifyExitCode, exitCode)
	env.Set(shell.EnvNotifyTaskID, payload.TaskID)
	env.Set(shell.EnvNotifyTaskDesc, payload.TaskDescription)
	message := ""
	if payload.Message != nil {
		message = *payload.Message
	}
	env.Set(shell.EnvNotifyMessage, message)

	payloadPath, err := writePayloadFile(payload)
	if err != nil {
		d.reportFailure(payload.Event, fmt.Sprintf("err=%s", logging.Sanitize(err.Error())),
			"failed to prepare notification payload: %v", err)
		return
	}
	defer os.Remove(payloadPath)
	env.Set(shell.EnvNotifyPayload, payloadPath)

	code, err := d.runner.Status(d.command, "on_notification", taskToken(payload.TaskID), nil, env)
	if err != nil {
		d.reportFailure(payload.Event, fmt.Sprintf("err=%s", logging.Sanitize(err.Error())),
			"failed to run notification hook: %v", err)
		return
	}
	if code != 0 {
		d.reportFailure(payload.Event, fmt.Sprintf("exit_code=%d", code),
			"notification hook failed with exit code %d.", code)
	}
}

// reportFailure records the failure without re-entering dispatch: the
// transition goes straight to the sink via Append, never through observers.
func (d *Dispatcher) reportFailure(event string, detail string, warnFormat string, warnArgs ...any) {
	d.log.Append(fmt.Sprintf("notification_hook_failed event=%s %s", event, detail))
	d.log.Warnf(warnFormat, warnArgs...)
}

func (d *Dispatcher) sinceMS(started time.Time) int64 {
	if started.IsZero() {
		return 0
	}
	return d.now().Sub(started).Milliseconds()
}

func taskToken(taskID string) string {
	if taskID == "" {
		return "none"
	}
	return taskID
}

func writePayloadFile(payload Payload) (string, error) {
	file, err := os.CreateTemp("", "trudger-notify-*.json")
	if err != nil {
		return "", fmt.Errorf("create notification payload file: %w", err)
	}
	encoder := json.NewEncoder(file)
	if err := encoder.Encode(payload); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("serialize notification payload: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("finalize notification payload file: %w", err)
	}
	return file.Name(), nil
}

// RedactMessage strips command text from a transition message before it can
// leave the process. The value after command= is cut up to the args= field;
// the value after args= is cut to the end of the message.
func RedactMessage(message string) string {
	redacted := logging.Sanitize(message)
	redacted = redactFieldValue(redacted, "command=", " args=")
	return redactFieldValue(redacted, "args=", "")
}

func redactFieldValue(input string, key string, endMarker string) string {
	keyOffset := strings.Index(input, key)
	if keyOffset < 0 {
		return input
	}
	valueStart := keyOffset + len(key)
	valueEnd := len(input)
	if endMarker != "" {
		if offset := strings.Index(input[valueStart:], endMarker); offset >= 0 {
			valueEnd = valueStart + offset
		}
	}
	return input[:valueStart] + "[REDACTED]" + input[valueEnd:]
}
