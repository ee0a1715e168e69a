package runloop

import (
	"fmt"
	"strings"

	"github.com/trudger/trudger/internal/logging"
	"github.com/trudger/trudger/internal/shell"
	"github.com/trudger/trudger/internal/task"
)

// buildEnv assembles the per-invocation TRUDGER_* context. Prompt variables
// are mutually exclusive: solve commands see TRUDGER_PROMPT, review commands
// TRUDGER_REVIEW_PROMPT, everything else neither.
func (s *State) buildEnv(taskID task.ID, promptText string, reviewPromptText string) *shell.Env {
	env := shell.NewEnv(s.ConfigPath)
	id := taskID
	if id == "" {
		id = s.currentID
	}
	if id != "" {
		env.Set(shell.EnvTaskID, id.String())
	}
	if s.hasShow {
		env.Set(shell.EnvTaskShow, s.currentShow)
	}
	if s.hasStatus {
		env.Set(shell.EnvTaskStatus, s.currentStatus.String())
	}
	if promptText != "" {
		env.Set(shell.EnvPrompt, promptText)
	}
	if reviewPromptText != "" {
		env.Set(shell.EnvReviewPrompt, reviewPromptText)
	}
	if len(s.completed) > 0 {
		env.Set(shell.EnvCompleted, task.JoinIDs(s.completed))
	}
	if len(s.needsHuman) > 0 {
		env.Set(shell.EnvNeedsHuman, task.JoinIDs(s.needsHuman))
	}
	return env
}

func taskToken(id task.ID) string {
	if id == "" {
		return "none"
	}
	return id.String()
}

func (s *State) captureCommand(command string, id task.ID, label string, args []string) (shell.Result, error) {
	env := s.buildEnv(id, "", "")
	return s.Runner.Capture(command, label, taskToken(id), args, env)
}

func (s *State) statusCommand(command string, id task.ID, label string, args []string) (int, error) {
	env := s.buildEnv(id, "", "")
	return s.Runner.Status(command, label, taskToken(id), args, env)
}

// fetchTaskShow refreshes the free-form task description. The output is
// opaque; it is only ever passed back out through the environment.
func (s *State) fetchTaskShow(id task.ID) error {
	s.currentShow, s.hasShow = "", false
	result, err := s.captureCommand(s.Config.Commands.TaskShow, id, "task", nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("task_show failed with exit code %d", result.ExitCode)
	}
	s.currentShow, s.hasShow = result.Stdout, true
	return nil
}

// fetchTaskStatus refreshes the current status. An unrecognized status token
// is an error: the tracker integration is speaking a different protocol.
func (s *State) fetchTaskStatus(id task.ID) error {
	s.currentStatus, s.hasStatus = "", false
	result, err := s.captureCommand(s.Config.Commands.TaskStatus, id, "task", nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("task_status failed with exit code %d", result.ExitCode)
	}
	status := task.ParseStatus(firstToken(result.Stdout))
	if status == "" {
		return nil
	}
	if !status.IsKnown() {
		s.Log.Record(fmt.Sprintf("unknown_task_status task=%s status=%s", id, logging.Sanitize(status.String())))
		return fmt.Errorf("unknown_task_status:%s:%s", id, logging.Sanitize(status.String()))
	}
	s.currentStatus, s.hasStatus = status, true
	return nil
}

// updateTaskStatus runs the configured status mutator with the target in
// TRUDGER_TARGET_STATUS.
func (s *State) updateTaskStatus(id task.ID, status task.Status) error {
	env := s.buildEnv(id, "", "")
	env.Set(shell.EnvTargetStatus, status.String())
	exit, err := s.Runner.Status(s.Config.Commands.TaskUpdateStatus, "task", taskToken(id), nil, env)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("task_update_status failed to set status %s (exit code %d)", status, exit)
	}
	return nil
}

// runHook invokes a terminal hook. The task id travels in the environment
// only, never as a positional argument.
func (s *State) runHook(hookCommand string, id task.ID, hookName string) error {
	if strings.TrimSpace(hookCommand) == "" {
		return nil
	}
	exit, err := s.statusCommand(hookCommand, id, hookName, nil)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("hook %s failed with exit code %d", hookName, exit)
	}
	return nil
}

func (s *State) runAgentSolve() error {
	env := s.buildEnv("", s.Prompts.Solve, "")
	exit, err := s.Runner.Status(s.Config.AgentCommand, "agent_solve", "none", nil, env)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("agent_solve failed with exit code %d", exit)
	}
	return nil
}

func (s *State) runAgentReview() error {
	env := s.buildEnv("", "", s.Prompts.Review)
	exit, err := s.Runner.Status(s.Config.AgentReviewCommand, "agent_review", "none", []string{"resume", "--last"}, env)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("agent_review failed with exit code %d", exit)
	}
	return nil
}

// probeStatus reads the status without touching loop state; used by the
// reset-on-exit path where failures must stay non-fatal.
func (s *State) probeStatus(id task.ID) (task.Status, error) {
	result, err := s.captureCommand(s.Config.Commands.TaskStatus, id, "task", nil)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("task_status failed with exit code %d", result.ExitCode)
	}
	return task.ParseStatus(firstToken(result.Stdout)), nil
}

// ResetTaskOnExit returns an abandoned in-progress task to ready so another
// run can pick it up. Called only on abnormal exits; every failure here is
// logged and swallowed.
func (s *State) ResetTaskOnExit() {
	id := s.currentID
	if id == "" {
		return
	}

	status, err := s.probeStatus(id)
	if err != nil {
		s.Log.Warnf("failed to check task status for task %s, skipping reset: %v", id, err)
		s.Log.Record(fmt.Sprintf("reset_task_skip task=%s reason=task_status_failed err=%s", id, logging.Sanitize(err.Error())))
		return
	}
	if status == "" {
		s.Log.Warnf("commands.task_status returned an empty status for task %s, skipping reset.", id)
		s.Log.Record(fmt.Sprintf("reset_task_skip task=%s reason=task_status_empty", id))
		return
	}
	if status != task.StatusInProgress {
		s.Log.Record(fmt.Sprintf("reset_task_skip task=%s status=%s", id, logging.Sanitize(status.String())))
		return
	}

	if err := s.updateTaskStatus(id, task.StatusReady); err != nil {
		s.Log.Warnf("failed to reset task %s: %v", id, err)
		s.Log.Record(fmt.Sprintf("reset_task_failed task=%s err=%s", id, logging.Sanitize(err.Error())))
		return
	}
	s.Log.Record(fmt.Sprintf("reset_task task=%s", id))
}

func firstToken(output string) string {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
