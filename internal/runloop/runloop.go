// Package runloop drives tracker tasks through the solve/review state
// machine: Selected, StatusKnown, InProgress, Solved, then Reviewed as
// closed, blocked, or retry.
package runloop

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/trudger/trudger/internal/config"
	"github.com/trudger/trudger/internal/logging"
	"github.com/trudger/trudger/internal/prompt"
	"github.com/trudger/trudger/internal/shell"
	"github.com/trudger/trudger/internal/task"
)

// SkipLimitEnv bounds how many not-ready candidates the selector discards
// before declaring the run idle.
const (
	SkipLimitEnv     = "TRUDGER_SKIP_NOT_READY_LIMIT"
	defaultSkipLimit = 5
)

// CommandRunner is the slice of the shell runner the loop needs.
type CommandRunner interface {
	Capture(command string, label string, taskToken string, args []string, env *shell.Env) (shell.Result, error)
	Status(command string, label string, taskToken string, args []string, env *shell.Env) (int, error)
}

// StatusSink receives phase changes for terminal status rendering.
type StatusSink interface {
	Update(phase task.Phase, id task.ID, completed int, needsHuman int)
}

// Notifier receives task boundary events. Run boundaries are dispatched by
// the caller, which owns the process exit code.
type Notifier interface {
	TaskStart(taskID string, description string)
	TaskEnd(taskID string, description string)
}

// State is the mutable context of one run. Zero values for Status, Notifier,
// and Interrupted are valid and mean "absent".
type State struct {
	Config      config.Config
	ConfigPath  string
	Prompts     prompt.Pair
	Log         *logging.TransitionLog
	Runner      CommandRunner
	Status      StatusSink
	Notifier    Notifier
	Interrupted func() bool
	ManualTasks []task.ID

	completed     []task.ID
	needsHuman    []task.ID
	currentID     task.ID
	currentShow   string
	hasShow       bool
	currentStatus task.Status
	hasStatus     bool
}

// Completed lists tasks closed during this run, in order.
func (s *State) Completed() []task.ID { return s.completed }

// NeedsHuman lists tasks escalated during this run, in order.
func (s *State) NeedsHuman() []task.ID { return s.needsHuman }

// ValidateConfig rejects configurations the loop cannot run with. next_task
// may be empty only when the operator supplied manual task ids.
func ValidateConfig(cfg *config.Config, manualTasks []task.ID, log *logging.TransitionLog) error {
	if strings.TrimSpace(cfg.AgentCommand) == "" {
		return fmt.Errorf("agent_command must not be empty")
	}
	if strings.TrimSpace(cfg.AgentReviewCommand) == "" {
		return fmt.Errorf("agent_review_command must not be empty")
	}
	if strings.TrimSpace(cfg.Commands.NextTask) == "" {
		if len(manualTasks) == 0 {
			return fmt.Errorf("commands.next_task must not be empty (required when no manual task IDs are given)")
		}
		log.Warnf("commands.next_task is empty; manual task IDs provided, continuing without next_task.")
	}
	if strings.TrimSpace(cfg.Commands.TaskShow) == "" {
		return fmt.Errorf("commands.task_show must not be empty")
	}
	if strings.TrimSpace(cfg.Commands.TaskStatus) == "" {
		return fmt.Errorf("commands.task_status must not be empty")
	}
	if strings.TrimSpace(cfg.Commands.TaskUpdateStatus) == "" {
		return fmt.Errorf("commands.task_update_status must not be empty")
	}
	if strings.TrimSpace(cfg.Hooks.OnCompleted) == "" {
		return fmt.Errorf("hooks.on_completed must not be empty")
	}
	if strings.TrimSpace(cfg.Hooks.OnRequiresHuman) == "" {
		return fmt.Errorf("hooks.on_requires_human must not be empty")
	}
	return nil
}

// Run processes tasks until the selector runs dry or something fails. It
// always returns a QuitError; idle exhaustion is a QuitError with code 0.
func (s *State) Run() *QuitError {
	if q := s.checkInterrupted(); q != nil {
		return q
	}
	for _, id := range s.ManualTasks {
		if q := s.checkInterrupted(); q != nil {
			return q
		}
		if q := s.ensureTaskReady(id); q != nil {
			return q
		}
	}

	manual := append([]task.ID(nil), s.ManualTasks...)
	for {
		if q := s.checkInterrupted(); q != nil {
			return q
		}
		var id task.ID
		if len(manual) > 0 {
			id = manual[0]
			manual = manual[1:]
		} else {
			selected, q := s.selectNextReady()
			if q != nil {
				return q
			}
			id = selected
		}

		if q := s.processTask(id); q != nil {
			return q
		}

		s.Log.Record(fmt.Sprintf("task_lists completed=%s needs_human=%s",
			task.JoinIDs(s.completed), task.JoinIDs(s.needsHuman)))
		s.clearCurrent()
	}
}

func (s *State) clearCurrent() {
	s.currentID = ""
	s.currentShow, s.hasShow = "", false
	s.currentStatus, s.hasStatus = "", false
}

// taskDescription is the first line of the last task_show output.
func (s *State) taskDescription() string {
	if !s.hasShow {
		return ""
	}
	line, _, _ := strings.Cut(s.currentShow, "\n")
	return strings.TrimSpace(line)
}

func (s *State) setPhase(phase task.Phase, id task.ID) {
	if s.Status != nil {
		s.Status.Update(phase, id, len(s.completed), len(s.needsHuman))
	}
}

// ensureTaskReady vets a manually requested task. Manual ids never get the
// skip-and-retry treatment: the operator asked for this exact task.
func (s *State) ensureTaskReady(id task.ID) *QuitError {
	if err := s.fetchTaskStatus(id); err != nil {
		return s.quit(fmt.Sprintf("task_status_failed:%v", err), 1)
	}
	if s.hasStatus && s.currentStatus.IsReady() {
		return nil
	}
	s.Log.Warnf("Task %s is not ready (status: %s).", id, s.currentStatus)
	return s.quit(fmt.Sprintf("task_not_ready:%s", id), 1)
}

// nextTaskID asks the tracker for a candidate. Exit code 1 and empty stdout
// both mean "no tasks"; any other non-zero exit is the tracker failing and
// propagates as the run's own exit code.
func (s *State) nextTaskID() (task.ID, *QuitError) {
	result, err := s.captureCommand(s.Config.Commands.NextTask, "", "next-task", nil)
	if err != nil {
		return "", s.quit(fmt.Sprintf("next_task_failed:%v", err), 1)
	}
	if result.ExitCode == 1 {
		s.Log.Record("idle next_task_exit=1")
		return "", s.quit("no_next_task", 0)
	}
	if result.ExitCode != 0 {
		s.Log.Warnf("next_task command failed with exit code %d.", result.ExitCode)
		return "", s.quit(fmt.Sprintf("next_task_failed:%d", result.ExitCode), result.ExitCode)
	}

	token := firstToken(result.Stdout)
	if token == "" {
		return "", nil
	}
	id, err := task.ParseID(token)
	if err != nil {
		s.Log.Warnf("next_task returned an invalid task id: %s (%v)", token, err)
		return "", s.quit(fmt.Sprintf("next_task_invalid_task_id:%v", err), 1)
	}
	return id, nil
}

func (s *State) selectNextReady() (task.ID, *QuitError) {
	if strings.TrimSpace(s.Config.Commands.NextTask) == "" {
		s.Log.Record("idle missing_next_task_command")
		return "", s.quit("missing_next_task_command", 0)
	}

	skipLimit := skipLimitFromEnv()
	skips := 0
	for {
		if q := s.checkInterrupted(); q != nil {
			return "", q
		}
		id, q := s.nextTaskID()
		if q != nil {
			return "", q
		}
		if id == "" {
			s.Log.Record("idle no_task")
			return "", s.quit("no_task", 0)
		}
		if err := s.fetchTaskStatus(id); err != nil {
			return "", s.quit(fmt.Sprintf("task_status_failed:%v", err), 1)
		}
		if !s.hasStatus {
			s.Log.Warnf("Task %s missing status.", id)
			return "", s.quit(fmt.Sprintf("task_missing_status:%s", id), 1)
		}
		if s.currentStatus.IsReady() {
			return id, nil
		}

		s.Log.Record(fmt.Sprintf("skip_not_ready task=%s status=%s", id, s.currentStatus))
		skips++
		if skips >= skipLimit {
			s.Log.Record(fmt.Sprintf("idle no_ready_task attempts=%d", skips))
			s.Log.Warnf("Task %s is not ready (status: %s).", id, s.currentStatus)
			return "", s.quit("no_ready_task", 0)
		}
	}
}

func skipLimitFromEnv() int {
	raw := os.Getenv(SkipLimitEnv)
	if raw == "" {
		return defaultSkipLimit
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 1 {
		return defaultSkipLimit
	}
	return value
}

// processTask runs the per-task state machine wrapped in task boundary
// notifications; the task-end event fires regardless of outcome.
func (s *State) processTask(id task.ID) *QuitError {
	s.currentID = id
	s.currentShow, s.hasShow = "", false
	s.currentStatus, s.hasStatus = "", false

	if s.Notifier != nil {
		s.Notifier.TaskStart(id.String(), "")
	}
	q := s.runTask(id)
	if s.Notifier != nil {
		s.Notifier.TaskEnd(id.String(), s.taskDescription())
	}
	return q
}

func (s *State) runTask(id task.ID) *QuitError {
	fail := func(reason string, code int) *QuitError {
		s.setPhase(task.PhaseError, id)
		return s.quit(reason, code)
	}

	s.setPhase(task.PhaseSolving, id)
	s.Log.Record(fmt.Sprintf("state=SOLVING task=%s", id))

	if err := s.updateTaskStatus(id, task.StatusInProgress); err != nil {
		return fail(fmt.Sprintf("error:%v", err), 1)
	}
	if q := s.checkInterrupted(); q != nil {
		return q
	}
	if err := s.fetchTaskShow(id); err != nil {
		s.Log.Record(fmt.Sprintf("error task=%s", id))
		return fail(fmt.Sprintf("error:%v", err), 1)
	}
	if q := s.checkInterrupted(); q != nil {
		return q
	}
	if err := s.runAgentSolve(); err != nil {
		s.Log.Record(fmt.Sprintf("solve_failed task=%s", id))
		s.Log.Warnf("Agent solve failed for task %s.", id)
		return fail(fmt.Sprintf("solve_failed:%s", id), 1)
	}

	// The solve command runs exactly once per task; a retry re-enters the
	// review phase only.
	limit := s.Config.ReviewLoopLimit
	for loop := uint64(0); ; loop++ {
		if q := s.checkInterrupted(); q != nil {
			return q
		}
		s.setPhase(task.PhaseReviewing, id)
		s.Log.Record(fmt.Sprintf("state=REVIEWING task=%s loop=%d", id, loop))

		if err := s.fetchTaskShow(id); err != nil {
			return fail(fmt.Sprintf("error:%v", err), 1)
		}
		if q := s.checkInterrupted(); q != nil {
			return q
		}
		if err := s.runAgentReview(); err != nil {
			s.Log.Record(fmt.Sprintf("review_failed task=%s", id))
			s.Log.Warnf("Agent review failed for task %s.", id)
			return fail(fmt.Sprintf("review_failed:%s", id), 1)
		}
		if q := s.checkInterrupted(); q != nil {
			return q
		}
		if err := s.fetchTaskStatus(id); err != nil {
			return fail(fmt.Sprintf("task_status_failed:%v", err), 1)
		}
		if !s.hasStatus {
			s.Log.Record(fmt.Sprintf("review_state_missing task=%s", id))
			s.Log.Warnf("Task %s missing status after review.", id)
			return fail(fmt.Sprintf("task_missing_status_after_review:%s", id), 1)
		}
		status := s.currentStatus
		s.Log.Record(fmt.Sprintf("review_state task=%s status=%s", id, status))

		switch status {
		case task.StatusClosed:
			s.completed = append(s.completed, id)
			s.Log.Record(fmt.Sprintf("completed task=%s", id))
			if err := s.runHook(s.Config.Hooks.OnCompleted, id, "on_completed"); err != nil {
				return s.quit(fmt.Sprintf("error:%v", err), 1)
			}
			return nil
		case task.StatusBlocked:
			return s.escalate(id, false)
		}

		next := loop + 1
		if next < uint64(limit) {
			s.Log.Record(fmt.Sprintf("review_loop_retry task=%s loop=%d limit=%d", id, next, limit))
			continue
		}
		s.Log.Record(fmt.Sprintf("review_loop_exhausted task=%s loops=%d limit=%d", id, next, limit))
		return s.escalate(id, true)
	}
}

// escalate hands a task to a human. When the review loop ran out before the
// tracker reached a terminal status, the task is first forced to blocked so
// it is never left dangling mid-review.
func (s *State) escalate(id task.ID, forceBlocked bool) *QuitError {
	if forceBlocked {
		if err := s.updateTaskStatus(id, task.StatusBlocked); err != nil {
			s.setPhase(task.PhaseError, id)
			return s.quit(fmt.Sprintf("error:%v", err), 1)
		}
		s.currentStatus, s.hasStatus = task.StatusBlocked, true
	}
	s.needsHuman = append(s.needsHuman, id)
	s.Log.Record(fmt.Sprintf("needs_human task=%s", id))
	if err := s.runHook(s.Config.Hooks.OnRequiresHuman, id, "on_requires_human"); err != nil {
		return s.quit(fmt.Sprintf("error:%v", err), 1)
	}
	return nil
}
