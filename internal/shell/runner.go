package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/trudger/trudger/internal/logging"
)

// SpawnExitCode stands in for commands that could not start at all. It
// matches the shell convention for "command not found" so control flow treats
// a missing shell the same as a failing command, while the log message stays
// distinct.
const SpawnExitCode = 127

// Result carries what a captured command produced.
type Result struct {
	ExitCode int
	Stdout   string
}

// Runner executes configured commands and hooks. Commands are opaque shell
// strings handed to bash -lc; the only safety work happens at the
// environment boundary (see Env), never by rewriting command text.
type Runner struct {
	log   *logging.TransitionLog
	shell string

	// Stdio used in inherit mode. Overridable for tests.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func NewRunner(log *logging.TransitionLog) *Runner {
	return &Runner{
		log:    log,
		shell:  "bash",
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Capture runs command with stdout captured. Empty commands are a no-op
// success; callers validate required commands up front.
func (r *Runner) Capture(command string, label string, taskToken string, args []string, env *Env) (Result, error) {
	return r.run(command, label, taskToken, args, env, true)
}

// Status runs command with stdio inherited and returns only the exit code.
func (r *Runner) Status(command string, label string, taskToken string, args []string, env *Env) (int, error) {
	result, err := r.run(command, label, taskToken, args, env, false)
	return result.ExitCode, err
}

func (r *Runner) run(command string, label string, taskToken string, args []string, env *Env, capture bool) (Result, error) {
	if command == "" {
		return Result{}, nil
	}

	r.log.Record(fmt.Sprintf("cmd start label=%s task=%s mode=bash_lc command=%s args=%s",
		label, taskToken, logging.Sanitize(command), logging.Sanitize(renderArgs(args))))

	shellArgs := []string{"-lc", command}
	if len(args) > 0 {
		shellArgs = append(shellArgs, "--")
		shellArgs = append(shellArgs, args...)
	}
	cmd := exec.Command(r.shell, shellArgs...)
	env.apply(cmd, r.log, label, taskToken)

	var stdout strings.Builder
	if capture {
		cmd.Stdout = &stdout
		cmd.Stderr = r.Stderr
	} else {
		cmd.Stdin = r.Stdin
		cmd.Stdout = r.Stdout
		cmd.Stderr = r.Stderr
	}

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			// The command never ran: missing shell, bad working directory.
			// Logged distinctly so operators can tell "ran and failed" from
			// "could not start".
			r.log.Record(fmt.Sprintf("cmd spawn_error label=%s task=%s err=%s",
				label, taskToken, logging.Sanitize(err.Error())))
			return Result{ExitCode: SpawnExitCode}, fmt.Errorf("failed to run command %q: %w", command, err)
		}
	}

	r.log.Record(fmt.Sprintf("cmd exit label=%s task=%s exit=%d", label, taskToken, exitCode))
	return Result{ExitCode: exitCode, Stdout: stdout.String()}, nil
}

// renderArgs shell-quotes extra args for the transition log. Args are passed
// to the subprocess as real argv entries; quoting here is display-only.
func renderArgs(args []string) string {
	if len(args) == 0 {
		return ""
	}
	var out strings.Builder
	for _, arg := range args {
		out.WriteString(quoteArg(arg))
		out.WriteByte(' ')
	}
	return out.String()
}

func quoteArg(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.IndexFunc(arg, needsQuoting) < 0 {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '=' || r == ',':
		return false
	default:
		return true
	}
}
