package tasks

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/driver"
	"foreman/pkg/git"
	"foreman/pkg/logx"
	"foreman/pkg/state"
)

// CommitError means a task's changes could not be committed. The workflow must
// halt rather than move on with the task uncommitted.
type CommitError struct {
	Step   string
	Output string
	Err    error
}

func (e *CommitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("commit failed at %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("commit failed at %s: %v: %s", e.Step, e.Err, out)
}

func (e *CommitError) Unwrap() error { return e.Err }

// CommitMessage returns the conventional commit message for task index (0-based).
func CommitMessage(issueID string, index int) string {
	return fmt.Sprintf("feat(%s): complete task %d", issueID, index+1)
}

// Controller owns task-level git operations and state transitions.
type Controller struct {
	git    git.Runner
	logger *logx.Logger
}

// NewController creates a controller using the given git runner.
func NewController(runner git.Runner) *Controller {
	return &Controller{git: runner, logger: logx.NewLogger("tasks")}
}

// CommitTask stages and commits every working-tree change for the task.
// It returns committed=false when there was nothing to commit.
//
// When the first commit fails but the tree changed underneath it (a pre-commit
// hook reformatting files, for example), the changes are re-staged and the
// commit is retried exactly once.
func (c *Controller) CommitTask(ctx context.Context, dir, issueID string, index int) (bool, error) {
	message := CommitMessage(issueID, index)

	if out, err := c.git.Run(ctx, dir, "add", "-A"); err != nil {
		return false, &CommitError{Step: "stage", Output: string(out), Err: err}
	}

	staged, err := c.git.Run(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return false, &CommitError{Step: "staged diff", Output: string(staged), Err: err}
	}
	if len(git.ChangedFiles(staged)) == 0 {
		c.logger.Info("task %d: nothing to commit", index+1)
		return false, nil
	}

	out, commitErr := c.git.Run(ctx, dir, "commit", "-m", message)
	if commitErr == nil {
		c.logger.Info("task %d committed: %s", index+1, message)
		return true, nil
	}

	unstaged, err := c.git.Run(ctx, dir, "diff", "--name-only")
	if err != nil || len(git.ChangedFiles(unstaged)) == 0 {
		return false, &CommitError{Step: "commit", Output: string(out), Err: commitErr}
	}

	c.logger.Warn("task %d: commit failed with modified files (%s), re-staging once",
		index+1, strings.Join(git.ChangedFiles(unstaged), ", "))
	if restageOut, err := c.git.Run(ctx, dir, "add", "-A"); err != nil {
		return false, &CommitError{Step: "restage", Output: string(restageOut), Err: err}
	}
	if retryOut, err := c.git.Run(ctx, dir, "commit", "-m", message); err != nil {
		return false, &CommitError{Step: "commit retry", Output: string(retryOut), Err: err}
	}
	c.logger.Info("task %d committed after re-stage: %s", index+1, message)
	return true, nil
}

// Advance returns the update that moves the workflow to the next task: the
// index is incremented, the review iteration reset and the driver session
// cleared so the next task starts a fresh conversation.
func (c *Controller) Advance(s state.WorkflowState, forced bool) (*state.Update, error) {
	if !s.TaskMode() {
		return nil, driver.NewValidationError("total_tasks", "advance requires task mode")
	}
	if s.IsLastTask() {
		return nil, driver.NewValidationError("current_task_index", "no task after the last one")
	}

	next := s.CurrentTaskIndex + 1
	event := "task_completed"
	if forced {
		event = "task_force_advanced"
	}
	return state.NewUpdate().
		CurrentTaskIndex(next).
		TaskReviewIteration(0).
		ClearDriverSessionID().
		AddHistory("task_controller", event, fmt.Sprintf("task %d of %d", s.CurrentTaskIndex+1, *s.TotalTasks)), nil
}
