package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/trudger/trudger/internal/task"
)

func TestTaskListFlagSplitsCommas(t *testing.T) {
	var f taskListFlag
	if err := f.Set("tr-1,tr-2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.Set("tr-3"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	want := []task.ID{"tr-1", "tr-2", "tr-3"}
	if len(f.ids) != len(want) {
		t.Fatalf("ids = %v, want %v", f.ids, want)
	}
	for i := range want {
		if f.ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, f.ids[i], want[i])
		}
	}
}

func TestTaskListFlagRejectsEmptySegment(t *testing.T) {
	var f taskListFlag
	if err := f.Set("tr-1,,tr-2"); err == nil {
		t.Fatal("Set accepted an empty segment")
	}
	if err := f.Set(""); err == nil {
		t.Fatal("Set accepted an empty value")
	}
}

func TestParseArgs(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		doctor  bool
		tasks   int
		config  string
		wantErr string
	}{
		{name: "run defaults", args: nil},
		{name: "doctor subcommand", args: []string{"doctor"}, doctor: true},
		{name: "config and tasks", args: []string{"-c", "/tmp/x.yml", "-t", "tr-1", "--task", "tr-2,tr-3"}, tasks: 3, config: "/tmp/x.yml"},
		{name: "positional task rejected", args: []string{"tr-1"}, wantErr: "positional task IDs are no longer supported"},
		{name: "doctor with tasks rejected", args: []string{"-t", "tr-1", "doctor"}, wantErr: "cannot be combined"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stderr strings.Builder
			opts, err := parseArgs(tc.args, &stderr)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("parseArgs = %v, want error containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			if opts.doctorMode != tc.doctor {
				t.Errorf("doctorMode = %v, want %v", opts.doctorMode, tc.doctor)
			}
			if len(opts.manualTasks) != tc.tasks {
				t.Errorf("manualTasks = %v, want %d ids", opts.manualTasks, tc.tasks)
			}
			if opts.configPath != tc.config {
				t.Errorf("configPath = %q, want %q", opts.configPath, tc.config)
			}
		})
	}
}

func TestResolveConfigPathDefaultsToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := resolveConfigPath("")
	if err != nil {
		t.Fatalf("resolveConfigPath: %v", err)
	}
	if want := filepath.Join(home, ".config/trudger.yml"); got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	if got, _ := resolveConfigPath("/etc/t.yml"); got != "/etc/t.yml" {
		t.Errorf("explicit path = %q", got)
	}
}

func writePrompts(t *testing.T, home string) {
	t.Helper()
	dir := filepath.Join(home, ".codex", "prompts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"trudge.md", "trudge_review.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("work the task\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "trudger.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunExitsZeroWhenTrackerIsIdle(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writePrompts(t, home)
	configPath := writeConfig(t, home, `
agent_command: "true"
agent_review_command: "true"
review_loop_limit: 1
commands:
  next_task: "true"
  task_show: "printf 'a task'"
  task_status: "printf ready"
  task_update_status: "true"
hooks:
  on_completed: "true"
  on_requires_human: "true"
`)

	var stdout, stderr strings.Builder
	if code := run([]string{"-c", configPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("run = %d, stderr:\n%s", code, stderr.String())
	}
}

func TestRunReportsMissingConfig(t *testing.T) {
	var stdout, stderr strings.Builder
	code := run([]string{"-c", filepath.Join(t.TempDir(), "absent.yml")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("run = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "missing config file") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunDoctorSubcommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	configPath := writeConfig(t, home, `
agent_command: "true"
agent_review_command: "true"
review_loop_limit: 1
commands:
  next_task: "printf doc-1"
  task_show: "printf 'a doctor task'"
  task_status: "printf ready"
  task_update_status: "true"
hooks:
  on_completed: "true"
  on_requires_human: "true"
  on_doctor_setup: "true"
`)

	var stdout, stderr strings.Builder
	if code := run([]string{"-c", configPath, "doctor"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run = %d, stderr:\n%s\nstdout:\n%s", code, stderr.String(), stdout.String())
	}
	if !strings.Contains(stdout.String(), "All doctor checks passed.") {
		t.Errorf("stdout = %q", stdout.String())
	}
}
