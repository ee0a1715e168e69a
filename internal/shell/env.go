package shell

import (
	"fmt"
	"os"
	"os/exec"
	"unicode/utf8"

	"github.com/trudger/trudger/internal/logging"
)

// Guardrail against execve failures (E2BIG) from oversized env values.
// Prompt and show payloads are expected to stay well below this.
const EnvValueMaxBytes = 64 * 1024

// Total budget for all TRUDGER_* variables set on one subprocess. The
// inherited environment is intentionally not counted; the cap is on our own
// contribution.
const EnvTotalMaxBytes = 128 * 1024

const (
	EnvConfigPath       = "TRUDGER_CONFIG_PATH"
	EnvDoctorScratchDir = "TRUDGER_DOCTOR_SCRATCH_DIR"
	EnvTaskID           = "TRUDGER_TASK_ID"
	EnvTaskShow         = "TRUDGER_TASK_SHOW"
	EnvTaskStatus       = "TRUDGER_TASK_STATUS"
	EnvTargetStatus     = "TRUDGER_TARGET_STATUS"
	EnvPrompt           = "TRUDGER_PROMPT"
	EnvReviewPrompt     = "TRUDGER_REVIEW_PROMPT"
	EnvCompleted        = "TRUDGER_COMPLETED"
	EnvNeedsHuman       = "TRUDGER_NEEDS_HUMAN"
	EnvNotifyEvent      = "TRUDGER_NOTIFY_EVENT"
	EnvNotifyDurationMS = "TRUDGER_NOTIFY_DURATION_MS"
	EnvNotifyFolder     = "TRUDGER_NOTIFY_FOLDER"
	EnvNotifyExitCode   = "TRUDGER_NOTIFY_EXIT_CODE"
	EnvNotifyTaskID     = "TRUDGER_NOTIFY_TASK_ID"
	EnvNotifyTaskDesc   = "TRUDGER_NOTIFY_TASK_DESCRIPTION"
	EnvNotifyMessage    = "TRUDGER_NOTIFY_MESSAGE"
	EnvNotifyPayload    = "TRUDGER_NOTIFY_PAYLOAD_FILE"
)

// envKeys is the full contract surface in apply order. Keys not set on an
// Env are removed from the inherited environment so no stale context from a
// previous invocation or an outer trudger process leaks through.
var envKeys = []string{
	EnvConfigPath,
	EnvDoctorScratchDir,
	EnvTaskID,
	EnvTaskShow,
	EnvTaskStatus,
	EnvTargetStatus,
	EnvPrompt,
	EnvReviewPrompt,
	EnvCompleted,
	EnvNeedsHuman,
	EnvNotifyEvent,
	EnvNotifyDurationMS,
	EnvNotifyFolder,
	EnvNotifyExitCode,
	EnvNotifyTaskID,
	EnvNotifyTaskDesc,
	EnvNotifyMessage,
	EnvNotifyPayload,
}

// Env is the TRUDGER_* context assembled freshly for each subprocess. It is
// never shared across invocations.
type Env struct {
	// Dir overrides the subprocess working directory when non-empty.
	Dir    string
	values map[string]string
}

func NewEnv(configPath string) *Env {
	env := &Env{values: make(map[string]string, 8)}
	env.values[EnvConfigPath] = configPath
	return env
}

// Set records a context variable. Keys outside the TRUDGER_* contract are
// ignored rather than passed through.
func (e *Env) Set(key string, value string) {
	for _, known := range envKeys {
		if key == known {
			e.values[key] = value
			return
		}
	}
}

// Get returns the value set for key, if any. Used by tests and the doctor.
func (e *Env) Get(key string) (string, bool) {
	value, ok := e.values[key]
	return value, ok
}

// apply builds cmd.Env from the inherited environment plus this Env's
// values, truncating oversized values to keep the spawn viable.
func (e *Env) apply(cmd *exec.Cmd, log *logging.TransitionLog, label string, taskToken string) {
	if e.Dir != "" {
		cmd.Dir = e.Dir
	}

	maxBytes := make(map[string]int, len(envKeys))
	for _, key := range envKeys {
		maxBytes[key] = EnvValueMaxBytes
	}

	total := e.payloadBytes(maxBytes)
	if total > EnvTotalMaxBytes {
		// Shrink the largest, least critical payloads first. Variables stay
		// set (possibly empty) so the env contract shape survives.
		over := total - EnvTotalMaxBytes
		for _, key := range []string{EnvTaskShow, EnvPrompt, EnvReviewPrompt} {
			over = e.reduceOverage(maxBytes, key, over)
		}
		newTotal := e.payloadBytes(maxBytes)
		if newTotal < total {
			log.Warnf("TRUDGER_* env payload is %d bytes; truncating to %d bytes for command execution.", total, newTotal)
			log.Record(fmt.Sprintf("env_truncate_total label=%s task=%s original_bytes=%d truncated_bytes=%d",
				label, taskToken, total, newTotal))
		}
	}

	cmd.Env = baseEnviron()
	for _, key := range envKeys {
		value, ok := e.values[key]
		if !ok {
			continue
		}
		rendered, origBytes, newBytes := truncateUTF8(value, maxBytes[key])
		if origBytes != newBytes {
			log.Warnf("%s is %d bytes; truncating to %d bytes for command execution.", key, origBytes, newBytes)
			log.Record(fmt.Sprintf("env_truncate label=%s task=%s key=%s original_bytes=%d truncated_bytes=%d",
				label, taskToken, key, origBytes, newBytes))
		}
		cmd.Env = append(cmd.Env, key+"="+rendered)
	}
}

// baseEnviron is the inherited environment minus every TRUDGER_* contract
// key, so unset keys read as absent in the subprocess.
func baseEnviron() []string {
	environ := os.Environ()
	kept := environ[:0]
	for _, entry := range environ {
		if isContractEntry(entry) {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

func isContractEntry(entry string) bool {
	for _, key := range envKeys {
		if len(entry) > len(key) && entry[len(key)] == '=' && entry[:len(key)] == key {
			return true
		}
	}
	return false
}

func (e *Env) payloadBytes(maxBytes map[string]int) int {
	total := 0
	for _, key := range envKeys {
		value, ok := e.values[key]
		if !ok {
			continue
		}
		_, _, newBytes := truncateUTF8(value, maxBytes[key])
		// Approximate execve accounting for "KEY=VALUE\0".
		total += len(key) + 1 + newBytes + 1
	}
	return total
}

func (e *Env) reduceOverage(maxBytes map[string]int, key string, over int) int {
	if over == 0 {
		return 0
	}
	value, ok := e.values[key]
	if !ok {
		return over
	}
	_, _, current := truncateUTF8(value, maxBytes[key])
	if current == 0 {
		return over
	}
	target := current - over
	if target < 0 {
		target = 0
	}
	if target < maxBytes[key] {
		maxBytes[key] = target
	}
	_, _, newLen := truncateUTF8(value, maxBytes[key])
	reduced := current - newLen
	if reduced > over {
		return 0
	}
	return over - reduced
}

// truncateUTF8 cuts value to at most maxBytes, backing up to the nearest
// rune boundary so the result is always valid UTF-8 and a prefix of the
// original.
func truncateUTF8(value string, maxBytes int) (string, int, int) {
	if len(value) <= maxBytes {
		return value, len(value), len(value)
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut], len(value), cut
}
