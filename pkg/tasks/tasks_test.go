package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/mocks"
	"foreman/pkg/driver"
	"foreman/pkg/state"
)

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const samplePlan = `# Plan: Add export command

Goal: let users export reports as CSV.

## Phase 1: Core

### Task 1: Add CSV writer
Create internal/export/csv.go.

### Task 2: Wire command
Add the export subcommand.

---

## Phase 2: Polish

### Task 3: Docs
Document the command.
`

func TestCountTasks(t *testing.T) {
	assert.Equal(t, 3, CountTasks(samplePlan))
	assert.Equal(t, 0, CountTasks("# Plan\n\nJust do it."))
	assert.Equal(t, 2, CountTasks("### Task 1.1: a\n### Task 1.2: b\n#### Task 3: not a header"))

	require.NotNil(t, TotalTasks(samplePlan))
	assert.Equal(t, 3, *TotalTasks(samplePlan))
	assert.Nil(t, TotalTasks("no tasks here"))
}

func TestExtractTaskSection(t *testing.T) {
	t.Run("first task includes header and phase", func(t *testing.T) {
		section, err := ExtractTaskSection(samplePlan, 0)
		require.NoError(t, err)
		assert.Contains(t, section, "# Plan: Add export command")
		assert.Contains(t, section, "Goal: let users export reports as CSV.")
		assert.Contains(t, section, "## Phase 1: Core")
		assert.Contains(t, section, "### Task 1: Add CSV writer")
		assert.NotContains(t, section, "Task 2")
	})

	t.Run("task stops before next phase", func(t *testing.T) {
		section, err := ExtractTaskSection(samplePlan, 1)
		require.NoError(t, err)
		assert.Contains(t, section, "### Task 2: Wire command")
		assert.Contains(t, section, "## Phase 1: Core")
		assert.NotContains(t, section, "Phase 2")
		assert.NotContains(t, section, "Task 1: Add CSV writer")
	})

	t.Run("later phase header", func(t *testing.T) {
		section, err := ExtractTaskSection(samplePlan, 2)
		require.NoError(t, err)
		assert.Contains(t, section, "## Phase 2: Polish")
		assert.NotContains(t, section, "## Phase 1")
		assert.Contains(t, section, "Document the command.")
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := ExtractTaskSection(samplePlan, 3)
		var verr *driver.ValidationError
		assert.ErrorAs(t, err, &verr)

		_, err = ExtractTaskSection(samplePlan, -1)
		assert.ErrorAs(t, err, &verr)
	})
}

func TestTaskTitle(t *testing.T) {
	assert.Equal(t, "Task 2: Wire command", TaskTitle(samplePlan, 1))
	assert.Empty(t, TaskTitle(samplePlan, 9))
}

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "feat(ISSUE-7): complete task 1", CommitMessage("ISSUE-7", 0))
}

func TestCommitTask(t *testing.T) {
	ctx := context.Background()
	msg := "commit -m " + CommitMessage("ISSUE-7", 1)

	t.Run("commits staged changes", func(t *testing.T) {
		runner := mocks.NewMockGitRunner()
		runner.Script(
			mocks.GitStep{Command: "add -A"},
			mocks.GitStep{Command: "diff --cached --name-only", Output: "main.go\n"},
			mocks.GitStep{Command: msg},
		)
		committed, err := NewController(runner).CommitTask(ctx, "/repo", "ISSUE-7", 1)
		require.NoError(t, err)
		assert.True(t, committed)
		assert.Len(t, runner.RunCalls, 3)
	})

	t.Run("nothing to commit is a no-op", func(t *testing.T) {
		runner := mocks.NewMockGitRunner()
		runner.Script(
			mocks.GitStep{Command: "add -A"},
			mocks.GitStep{Command: "diff --cached --name-only", Output: "\n"},
		)
		committed, err := NewController(runner).CommitTask(ctx, "/repo", "ISSUE-7", 1)
		require.NoError(t, err)
		assert.False(t, committed)
		assert.False(t, runner.WasCommandCalled("commit"))
	})

	t.Run("hook modified files are restaged once", func(t *testing.T) {
		runner := mocks.NewMockGitRunner()
		runner.Script(
			mocks.GitStep{Command: "add -A"},
			mocks.GitStep{Command: "diff --cached --name-only", Output: "main.go\n"},
			mocks.GitStep{Command: msg, Output: "gofmt rewrote main.go", Err: errors.New("exit 1")},
			mocks.GitStep{Command: "diff --name-only", Output: "main.go\n"},
			mocks.GitStep{Command: "add -A"},
			mocks.GitStep{Command: msg},
		)
		committed, err := NewController(runner).CommitTask(ctx, "/repo", "ISSUE-7", 1)
		require.NoError(t, err)
		assert.True(t, committed)
		assert.Len(t, runner.GetCallsForCommand("commit"), 2)
	})

	t.Run("failure without modified files", func(t *testing.T) {
		runner := mocks.NewMockGitRunner()
		runner.Script(
			mocks.GitStep{Command: "add -A"},
			mocks.GitStep{Command: "diff --cached --name-only", Output: "main.go\n"},
			mocks.GitStep{Command: msg, Output: "hook rejected", Err: errors.New("exit 1")},
			mocks.GitStep{Command: "diff --name-only"},
		)
		committed, err := NewController(runner).CommitTask(ctx, "/repo", "ISSUE-7", 1)
		assert.False(t, committed)
		var cerr *CommitError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "commit", cerr.Step)
		assert.Contains(t, err.Error(), "hook rejected")
	})

	t.Run("second failure is not retried again", func(t *testing.T) {
		runner := mocks.NewMockGitRunner()
		runner.Script(
			mocks.GitStep{Command: "add -A"},
			mocks.GitStep{Command: "diff --cached --name-only", Output: "main.go\n"},
			mocks.GitStep{Command: msg, Err: errors.New("exit 1")},
			mocks.GitStep{Command: "diff --name-only", Output: "main.go\n"},
			mocks.GitStep{Command: "add -A"},
			mocks.GitStep{Command: msg, Err: errors.New("exit 1")},
		)
		_, err := NewController(runner).CommitTask(ctx, "/repo", "ISSUE-7", 1)
		var cerr *CommitError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "commit retry", cerr.Step)
		assert.Len(t, runner.GetCallsForCommand("commit"), 2)
	})

	t.Run("staging failure", func(t *testing.T) {
		runner := mocks.NewMockGitRunner()
		runner.FailCommandWith("add", errors.New("index.lock exists"))
		_, err := NewController(runner).CommitTask(ctx, "/repo", "ISSUE-7", 1)
		var cerr *CommitError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "stage", cerr.Step)
	})
}

func taskState(t *testing.T, total, index int) state.WorkflowState {
	t.Helper()
	s := state.New("wf-1", state.PipelineImplementation, "default", fixedTime)
	s, err := s.Apply(state.NewUpdate().
		Status(state.StatusRunning).
		TotalTasks(total).
		CurrentTaskIndex(index).
		TaskReviewIteration(2).
		DriverSessionID("sess-1"))
	require.NoError(t, err)
	return s
}

func TestAdvance(t *testing.T) {
	c := NewController(mocks.NewMockGitRunner())

	s := taskState(t, 3, 0)
	u, err := c.Advance(s, false)
	require.NoError(t, err)

	next, err := s.Apply(u)
	require.NoError(t, err)
	assert.Equal(t, 1, next.CurrentTaskIndex)
	assert.Equal(t, 0, next.TaskReviewIteration)
	assert.Empty(t, next.DriverSessionID)
	require.NotEmpty(t, next.History)
	assert.Equal(t, "task_completed", next.History[len(next.History)-1].Event)

	forced, err := c.Advance(s, true)
	require.NoError(t, err)
	next, err = s.Apply(forced)
	require.NoError(t, err)
	assert.Equal(t, "task_force_advanced", next.History[len(next.History)-1].Event)

	_, err = c.Advance(taskState(t, 3, 2), false)
	assert.Error(t, err, "no task after the last one")

	legacy := state.New("wf-2", state.PipelineImplementation, "default", fixedTime)
	_, err = c.Advance(legacy, false)
	assert.Error(t, err)
}

func TestLockWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))

	lock, err := LockWorkDir(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, ".git", "foreman.lock"))

	_, err = LockWorkDir(dir)
	assert.ErrorIs(t, err, ErrWorkDirBusy)

	require.NoError(t, lock.Unlock())

	again, err := LockWorkDir(dir)
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}

func TestLockWorkDirWithoutGit(t *testing.T) {
	dir := t.TempDir()
	lock, err := LockWorkDir(dir)
	require.NoError(t, err)
	defer func() { _ = lock.Unlock() }()

	assert.Equal(t, filepath.Dir(lockPath(dir)), filepath.Clean(os.TempDir()))
	_, err = LockWorkDir(dir)
	assert.ErrorIs(t, err, ErrWorkDirBusy)
}
