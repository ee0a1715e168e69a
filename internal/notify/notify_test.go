package notify

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/trudger/trudger/internal/logging"
	"github.com/trudger/trudger/internal/shell"
)

type hookCall struct {
	command   string
	label     string
	taskToken string
	env       map[string]string
	payload   []byte
}

// fakeRunner records hook invocations and snapshots the payload file while
// it still exists.
type fakeRunner struct {
	exitCode int
	err      error
	calls    []hookCall
	during   func(env *shell.Env)
}

func (f *fakeRunner) Status(command string, label string, taskToken string, args []string, env *shell.Env) (int, error) {
	call := hookCall{command: command, label: label, taskToken: taskToken, env: map[string]string{}}
	for _, key := range []string{
		shell.EnvNotifyEvent, shell.EnvNotifyDurationMS, shell.EnvNotifyFolder,
		shell.EnvNotifyExitCode, shell.EnvNotifyTaskID, shell.EnvNotifyTaskDesc,
		shell.EnvNotifyMessage, shell.EnvNotifyPayload,
	} {
		if value, ok := env.Get(key); ok {
			call.env[key] = value
		}
	}
	if path, ok := env.Get(shell.EnvNotifyPayload); ok {
		if data, err := os.ReadFile(path); err == nil {
			call.payload = data
		}
	}
	f.calls = append(f.calls, call)
	if f.during != nil {
		f.during(env)
	}
	return f.exitCode, f.err
}

func newDispatcher(t *testing.T, scope Scope, runner *fakeRunner) (*Dispatcher, *logging.TransitionLog) {
	t.Helper()
	log := logging.New("")
	log.SetStderr(&strings.Builder{})
	d := New("notify-send trudger", scope, "/etc/trudger.yaml", log, runner)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	elapsed := time.Duration(0)
	d.SetNow(func() time.Time {
		elapsed += 250 * time.Millisecond
		return base.Add(elapsed)
	})
	d.SetWorkDir(func() (string, error) { return "/work/trudger", nil })
	return d, log
}

func TestParseScope(t *testing.T) {
	cases := []struct {
		in   string
		want Scope
		ok   bool
	}{
		{in: "", want: ScopeRunBoundaries, ok: true},
		{in: "run_boundaries", want: ScopeRunBoundaries, ok: true},
		{in: "task_boundaries", want: ScopeTaskBoundaries, ok: true},
		{in: "all_logs", want: ScopeAllLogs, ok: true},
		{in: " all_logs ", want: ScopeAllLogs, ok: true},
		{in: "everything", ok: false},
	}
	for _, tc := range cases {
		got, err := ParseScope(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseScope(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseScope(%q) succeeded, want error", tc.in)
		}
	}
}

func TestRunBoundariesFireWithExitCodeOnlyAtRunEnd(t *testing.T) {
	runner := &fakeRunner{}
	d, _ := newDispatcher(t, ScopeRunBoundaries, runner)

	d.RunStart()
	d.TaskStart("tr-1", "fix the flaky test")
	d.TaskEnd("tr-1", "fix the flaky test")
	d.RunEnd(2)

	if len(runner.calls) != 2 {
		t.Fatalf("hook fired %d times, want 2 (run boundaries only)", len(runner.calls))
	}
	start, end := runner.calls[0], runner.calls[1]
	if start.env[shell.EnvNotifyEvent] != EventRunStart {
		t.Errorf("first event = %q", start.env[shell.EnvNotifyEvent])
	}
	if start.env[shell.EnvNotifyDurationMS] != "0" {
		t.Errorf("run_start duration = %q, want 0", start.env[shell.EnvNotifyDurationMS])
	}
	if start.env[shell.EnvNotifyExitCode] != "" {
		t.Errorf("run_start exit code = %q, want empty", start.env[shell.EnvNotifyExitCode])
	}
	if end.env[shell.EnvNotifyEvent] != EventRunEnd {
		t.Errorf("second event = %q", end.env[shell.EnvNotifyEvent])
	}
	if end.env[shell.EnvNotifyExitCode] != "2" {
		t.Errorf("run_end exit code = %q, want 2", end.env[shell.EnvNotifyExitCode])
	}
	if end.env[shell.EnvNotifyDurationMS] == "0" {
		t.Error("run_end duration should be nonzero")
	}
	if start.env[shell.EnvNotifyFolder] != "/work/trudger" {
		t.Errorf("folder = %q", start.env[shell.EnvNotifyFolder])
	}
	if start.taskToken != "none" {
		t.Errorf("task token = %q, want none", start.taskToken)
	}
}

func TestTaskBoundariesCarryTaskContext(t *testing.T) {
	runner := &fakeRunner{}
	d, _ := newDispatcher(t, ScopeTaskBoundaries, runner)

	d.RunStart()
	d.TaskStart("tr-9", "migrate the queue")
	d.TaskEnd("tr-9", "migrate the queue")

	if len(runner.calls) != 3 {
		t.Fatalf("hook fired %d times, want 3", len(runner.calls))
	}
	taskStart := runner.calls[1]
	if taskStart.env[shell.EnvNotifyEvent] != EventTaskStart {
		t.Errorf("event = %q", taskStart.env[shell.EnvNotifyEvent])
	}
	if taskStart.env[shell.EnvNotifyTaskID] != "tr-9" {
		t.Errorf("task id = %q", taskStart.env[shell.EnvNotifyTaskID])
	}
	if taskStart.env[shell.EnvNotifyTaskDesc] != "migrate the queue" {
		t.Errorf("task description = %q", taskStart.env[shell.EnvNotifyTaskDesc])
	}
	if taskStart.taskToken != "tr-9" {
		t.Errorf("task token = %q", taskStart.taskToken)
	}
	taskEnd := runner.calls[2]
	if taskEnd.env[shell.EnvNotifyEvent] != EventTaskEnd {
		t.Errorf("event = %q", taskEnd.env[shell.EnvNotifyEvent])
	}
	if taskEnd.env[shell.EnvNotifyDurationMS] == "0" {
		t.Error("task_end duration should be nonzero")
	}
}

func TestAllLogsDispatchesRedactedTransitions(t *testing.T) {
	runner := &fakeRunner{}
	d, log := newDispatcher(t, ScopeAllLogs, runner)
	d.RunStart()
	runner.calls = nil

	log.Record("cmd start label=solve task=tr-1 mode=bash_lc command=codex exec --secret args=tr-1")

	if len(runner.calls) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(runner.calls))
	}
	message := runner.calls[0].env[shell.EnvNotifyMessage]
	if strings.Contains(message, "--secret") {
		t.Errorf("message leaked command text: %q", message)
	}
	want := "cmd start label=solve task=tr-1 mode=bash_lc command=[REDACTED] args=[REDACTED]"
	if message != want {
		t.Errorf("message = %q, want %q", message, want)
	}
}

func TestNoHookConfiguredNeverInvokesRunner(t *testing.T) {
	runner := &fakeRunner{}
	log := logging.New("")
	d := New("   ", ScopeAllLogs, "cfg", log, runner)

	d.RunStart()
	d.TaskStart("tr-1", "")
	log.Record("cmd start label=solve task=tr-1")
	d.TaskEnd("tr-1", "")
	d.RunEnd(0)

	if len(runner.calls) != 0 {
		t.Errorf("hook fired %d times, want 0", len(runner.calls))
	}
}

func TestHookFailureIsNonFatalAndNotRedispatched(t *testing.T) {
	runner := &fakeRunner{exitCode: 3}
	log := logging.New("")
	var stderr strings.Builder
	log.SetStderr(&stderr)
	var observed []string
	d := New("failing-hook", ScopeAllLogs, "cfg", log, runner)
	d.SetWorkDir(func() (string, error) { return "/work", nil })
	log.Observe(func(m string) { observed = append(observed, m) })
	d.RunStart()

	if len(runner.calls) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(runner.calls))
	}
	if !strings.Contains(stderr.String(), "exit code 3") {
		t.Errorf("missing warning: %q", stderr.String())
	}
	for _, m := range observed {
		if strings.Contains(m, "notification_hook_failed") {
			t.Errorf("failure transition reached observers: %q", m)
		}
	}
}

func TestHookRecordingTransitionsDoesNotRecurse(t *testing.T) {
	log := logging.New("")
	log.SetStderr(&strings.Builder{})
	runner := &fakeRunner{}
	runner.during = func(*shell.Env) {
		// A hook that is itself instrumented records its own transitions.
		log.Record("hook internal transition")
	}
	d := New("wrapped-hook", ScopeAllLogs, "cfg", log, runner)
	d.SetWorkDir(func() (string, error) { return "/work", nil })

	log.Record("cmd exit label=solve task=tr-1 exit=0")

	if len(runner.calls) != 1 {
		t.Errorf("hook fired %d times, want 1 (no recursion)", len(runner.calls))
	}
}

const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "duration_ms", "folder", "task_id", "task_description"],
  "additionalProperties": false,
  "properties": {
    "event": {"enum": ["run_start", "run_end", "task_start", "task_end", "log"]},
    "duration_ms": {"type": "integer", "minimum": 0},
    "folder": {"type": "string"},
    "exit_code": {"type": "integer"},
    "task_id": {"type": "string"},
    "task_description": {"type": "string"},
    "message": {"type": "string"}
  }
}`

func TestPayloadFileMatchesSchema(t *testing.T) {
	schema := jsonschema.MustCompileString("payload.json", payloadSchema)
	runner := &fakeRunner{}
	d, log := newDispatcher(t, ScopeAllLogs, runner)

	d.RunStart()
	d.TaskStart("tr-1", "describe")
	log.Record("cmd start label=solve task=tr-1 command=agent args=")
	d.TaskEnd("tr-1", "describe")
	d.RunEnd(0)

	if len(runner.calls) == 0 {
		t.Fatal("no hook invocations captured")
	}
	for _, call := range runner.calls {
		if call.payload == nil {
			t.Fatal("payload file was missing during hook execution")
		}
		var decoded any
		if err := json.Unmarshal(call.payload, &decoded); err != nil {
			t.Fatalf("payload is not valid JSON: %v", err)
		}
		if err := schema.Validate(decoded); err != nil {
			t.Errorf("payload %s violates schema: %v", call.payload, err)
		}
	}
	// run_end is the only payload allowed to carry exit_code.
	for _, call := range runner.calls {
		var decoded map[string]any
		if err := json.Unmarshal(call.payload, &decoded); err != nil {
			t.Fatal(err)
		}
		_, hasExit := decoded["exit_code"]
		isRunEnd := decoded["event"] == EventRunEnd
		if hasExit != isRunEnd {
			t.Errorf("event %v: exit_code present=%v", decoded["event"], hasExit)
		}
	}
}

func TestRedactMessage(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{
			in:   "cmd start label=a task=b mode=bash_lc command=secret cmd args=x y",
			want: "cmd start label=a task=b mode=bash_lc command=[REDACTED] args=[REDACTED]",
		},
		{
			in:   "cmd start command=secret only",
			want: "cmd start command=[REDACTED]",
		},
		{
			in:   "status tr-1 in_progress",
			want: "status tr-1 in_progress",
		},
		{
			in:   "line\nwith args=secret",
			want: "line\\nwith args=[REDACTED]",
		},
	}
	for _, tc := range cases {
		if got := RedactMessage(tc.in); got != tc.want {
			t.Errorf("RedactMessage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
