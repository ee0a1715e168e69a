package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func TestRecordAppendsOneSanitizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.log")
	log := New(path)
	log.SetNow(fixedNow)

	log.Record("cmd start label=task command=printf 'a\nb'\targs=")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	got := string(data)
	want := "2026-03-14T09:26:53Z cmd start label=task command=printf 'a\\nb'\\targs=\n"
	if got != want {
		t.Errorf("sink line = %q, want %q", got, want)
	}
	if strings.Count(got, "\n") != 1 {
		t.Errorf("expected exactly one line, got %q", got)
	}
}

func TestRecordWithoutSinkStillNotifiesObservers(t *testing.T) {
	log := New("")
	var seen []string
	log.Observe(func(message string) {
		seen = append(seen, message)
	})

	log.Record("idle no_task")
	log.Record("quit reason=no_task")

	if len(seen) != 2 {
		t.Fatalf("observers saw %d messages, want 2", len(seen))
	}
	if seen[0] != "idle no_task" {
		t.Errorf("first observed message = %q", seen[0])
	}
}

func TestAppendBypassesObservers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.log")
	log := New(path)
	calls := 0
	log.Observe(func(string) { calls++ })

	log.Append("notification_hook_failed event=log exit_code=3")

	if calls != 0 {
		t.Errorf("Append notified observers %d times, want 0", calls)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	if !strings.Contains(string(data), "notification_hook_failed") {
		t.Errorf("sink missing appended line: %q", data)
	}
}

func TestSinkFailureDisablesOnceWithWarning(t *testing.T) {
	dir := t.TempDir()
	// Use the directory itself as the sink path to force open failures.
	log := New(dir)
	var stderr strings.Builder
	log.SetStderr(&stderr)

	log.Record("first")
	log.Record("second")

	warnings := strings.Count(stderr.String(), "transition logging disabled")
	if warnings != 1 {
		t.Errorf("expected exactly one disable warning, got %d: %q", warnings, stderr.String())
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "plain"},
		{in: "a\nb", want: "a\\nb"},
		{in: "a\rb", want: "a\\rb"},
		{in: "a\tb", want: "a\\tb"},
		{in: "a\r\n\tb", want: "a\\r\\n\\tb"},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
