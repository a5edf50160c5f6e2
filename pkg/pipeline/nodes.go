package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"foreman/pkg/config"
	"foreman/pkg/driver"
	"foreman/pkg/evaluate"
	"foreman/pkg/events"
	"foreman/pkg/git"
	"foreman/pkg/plan"
	"foreman/pkg/prompts"
	"foreman/pkg/routing"
	"foreman/pkg/state"
	"foreman/pkg/tasks"
	"foreman/pkg/utils"
)

// architect explores the repository and writes the plan.
func architect(ctx context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
	rc := cfg.Config
	if s.Issue == nil {
		return nil, driver.NewValidationError("issue", "architect requires an issue")
	}
	d, err := rc.Drivers.Driver(ctx, config.AgentArchitect)
	if err != nil {
		return nil, err
	}

	workDir := rc.profile().WorkDir
	planPath := s.PlanPath
	if planPath == "" {
		planPath = plan.Path(s.Issue.ID, rc.now())
	}

	data := &prompts.Data{
		IssueID:          s.Issue.ID,
		IssueTitle:       s.Issue.Title,
		IssueDescription: s.Issue.Description,
		PlanPath:         planPath,
	}
	system, err := rc.prompts().Render(prompts.ArchitectSystem, data)
	if err != nil {
		return nil, err
	}
	prompt, err := rc.prompts().Render(prompts.Architect, data)
	if err != nil {
		return nil, err
	}

	run, err := executeAgent(ctx, rc, s.WorkflowID, config.AgentArchitect, d, driver.AgenticRequest{
		Prompt:       prompt,
		Cwd:          workDir,
		Instructions: system,
	})
	if run.SessionID != "" {
		defer d.CloseSession(run.SessionID)
	}
	if err != nil {
		return nil, err
	}

	markdown, path := resolvePlan(workDir, planPath, run)
	if strings.TrimSpace(markdown) == "" {
		return nil, driver.NewValidationError("plan", "architect produced no plan")
	}
	if err := writePlanFile(workDir, path, markdown); err != nil {
		return nil, err
	}

	summary := plan.NewParser().Summarize(markdown)
	goal := summary.Goal
	if goal == "" {
		goal = summary.Title
	}
	if goal == "" {
		goal = s.Issue.Title
	}

	base, err := git.HeadCommit(ctx, rc.Git, workDir)
	if err != nil {
		return nil, fmt.Errorf("record base commit: %w", err)
	}

	u := state.NewUpdate().
		PlanMarkdown(markdown).
		PlanPath(path).
		Goal(goal).
		KeyFiles(summary.KeyFiles).
		BaseCommit(base).
		AddToolCalls(run.ToolCalls...).
		AddToolResults(run.ToolResults...)
	if summary.Tasks > 0 {
		u.TotalTasks(summary.Tasks).CurrentTaskIndex(0).TaskReviewIteration(0)
	} else {
		u.ClearTotalTasks()
	}
	return u.AddHistory(config.AgentArchitect, "plan_written", fmt.Sprintf("%s (%d tasks)", path, summary.Tasks)), nil
}

// resolvePlan finds the plan the architect produced: the file on disk, then
// a write recorded in its tool calls, then the reply itself.
func resolvePlan(workDir, planPath string, run agentRun) (markdown, path string) {
	if content, err := os.ReadFile(filepath.Join(workDir, planPath)); err == nil && len(strings.TrimSpace(string(content))) > 0 {
		return string(content), planPath
	}
	if content, recovered, ok := plan.RecoverFromToolCalls(run.ToolCalls, planPath); ok {
		return content, relativeTo(workDir, recovered)
	}
	if strings.Contains(run.Content, "#") {
		return run.Content, planPath
	}
	return "", planPath
}

func relativeTo(workDir, path string) string {
	if !filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if rel, err := filepath.Rel(workDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

// writePlanFile makes sure the plan exists on disk so the first task commit
// includes it.
func writePlanFile(workDir, path, markdown string) error {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(workDir, path)
	}
	if _, err := os.Stat(full); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

func planValidator(_ context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
	if problems := plan.NewParser().Validate(s.PlanMarkdown); len(problems) > 0 {
		return nil, driver.NewValidationError("plan", strings.Join(problems, "; "))
	}

	detail := "single pass"
	if s.TaskMode() {
		detail = fmt.Sprintf("%d tasks", *s.TotalTasks)
	}
	u := state.NewUpdate().AddHistory(NodePlanValidator, "plan_valid", detail)
	if !cfg.Config.profile().AutoApprove {
		u.PendingUserInput(true)
	}
	return u, nil
}

// humanApproval applies the approval decision. Interactive runs pause before
// this node and resume with HumanApproved set.
func humanApproval(_ context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
	u := state.NewUpdate().PendingUserInput(false)

	approved := s.HumanApproved
	if approved == nil {
		if !cfg.Config.profile().AutoApprove {
			return nil, driver.NewValidationError("human_approved", "no approval decision recorded")
		}
		yes := true
		approved = &yes
		u.HumanApproved(true).AddHistory(NodeHumanApproval, "auto_approved", s.PlanPath)
	}

	if !*approved {
		return u.FinalResponse("plan rejected").AddHistory(NodeHumanApproval, "plan_rejected", s.PlanPath), nil
	}
	return u.AddHistory(NodeHumanApproval, "plan_approved", s.PlanPath), nil
}

// developer implements the current task, a review-fix pass, or the whole plan
// in legacy mode. It keeps the driver session across review iterations and
// sends the system instructions only when starting a new one.
func developer(ctx context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
	rc := cfg.Config
	d, err := rc.Drivers.Driver(ctx, config.AgentDeveloper)
	if err != nil {
		return nil, err
	}

	data := &prompts.Data{
		Goal:     s.Goal,
		Plan:     s.PlanMarkdown,
		PlanPath: s.PlanPath,
		KeyFiles: s.KeyFiles,
	}
	u := state.NewUpdate()
	var detail string

	switch {
	case s.PipelineType == state.PipelineReview:
		if s.EvaluationResult == nil || len(s.EvaluationResult.ImplementItems) == 0 {
			return nil, driver.NewValidationError("evaluation_result", "review fix has no items to implement")
		}
		data.ReviewFix = true
		data.ReviewPass = s.ReviewPass + 1
		for _, item := range s.EvaluationResult.ImplementItems {
			data.Items = append(data.Items, item.FeedbackItem)
		}
		u.ReviewPass(s.ReviewPass + 1)
		detail = fmt.Sprintf("review pass %d: %d items", s.ReviewPass+1, len(data.Items))

	case s.TaskMode():
		section, err := tasks.ExtractTaskSection(s.PlanMarkdown, s.CurrentTaskIndex)
		if err != nil {
			return nil, err
		}
		data.TaskNumber = s.CurrentTaskIndex + 1
		data.TotalTasks = *s.TotalTasks
		data.TaskSection = section
		if s.TaskReviewIteration > 0 {
			data.Feedback = feedback(s.LastReview)
		}
		detail = fmt.Sprintf("task %d of %d, iteration %d", data.TaskNumber, data.TotalTasks, s.TaskReviewIteration+1)

	default:
		if strings.TrimSpace(s.PlanMarkdown) == "" && strings.TrimSpace(s.Goal) == "" {
			return nil, driver.NewValidationError("plan_markdown", "developer needs a plan or a goal")
		}
		if s.ReviewIteration > 0 {
			data.Feedback = feedback(s.LastReview)
		}
		detail = fmt.Sprintf("iteration %d", s.ReviewIteration+1)
	}

	prompt, err := rc.prompts().Render(prompts.Developer, data)
	if err != nil {
		return nil, err
	}
	req := driver.AgenticRequest{
		Prompt:    prompt,
		Cwd:       rc.profile().WorkDir,
		SessionID: s.DriverSessionID,
	}
	if !req.Resume() {
		if req.Instructions, err = rc.prompts().Render(prompts.DeveloperSystem, data); err != nil {
			return nil, err
		}
	}

	run, err := executeAgent(ctx, rc, s.WorkflowID, config.AgentDeveloper, d, req)
	if err != nil {
		return nil, err
	}

	if run.SessionID != "" {
		u.DriverSessionID(run.SessionID)
	}
	if run.Content != "" {
		u.FinalResponse(run.Content)
	}
	return u.
		AddToolCalls(run.ToolCalls...).
		AddToolResults(run.ToolResults...).
		AddHistory(config.AgentDeveloper, "implemented", detail), nil
}

// reviewer judges the current changes. In task mode earlier tasks are already
// committed, so the diff against HEAD is exactly the current task.
func reviewer(ctx context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
	rc := cfg.Config
	d, err := rc.Drivers.Driver(ctx, config.AgentReviewer)
	if err != nil {
		return nil, err
	}
	workDir := rc.profile().WorkDir

	base := s.BaseCommit
	if s.TaskMode() {
		base = ""
	}
	diff, err := git.Diff(ctx, rc.Git, workDir, base)
	if err != nil {
		return nil, fmt.Errorf("collect diff for review: %w", err)
	}

	var review state.ReviewResult
	if strings.TrimSpace(diff) == "" {
		review = state.ReviewResult{Reviewer: d.Name(), Approved: true, Summary: "no changes to review", Severity: "none"}
	} else {
		data := &prompts.Data{
			Goal:   s.Goal,
			Diff:   truncateDiff(diff, rc.profile().Limits.DiffTokenBudget),
			Schema: ReviewSchema.Describe(),
		}
		if s.TaskMode() {
			section, err := tasks.ExtractTaskSection(s.PlanMarkdown, s.CurrentTaskIndex)
			if err != nil {
				return nil, err
			}
			data.TaskNumber = s.CurrentTaskIndex + 1
			data.TotalTasks = *s.TotalTasks
			data.TaskSection = section
		}
		system, err := rc.prompts().Render(prompts.ReviewerSystem, data)
		if err != nil {
			return nil, err
		}
		prompt, err := rc.prompts().Render(prompts.Reviewer, data)
		if err != nil {
			return nil, err
		}

		var resp reviewResponse
		if err := generate(ctx, rc, s.WorkflowID, config.AgentReviewer, d, driver.GenerateRequest{
			Prompt:       prompt,
			SystemPrompt: system,
			Schema:       ReviewSchema,
			Cwd:          workDir,
		}, &resp); err != nil {
			return nil, err
		}
		review = resp.result(d.Name())
	}

	events.NewEmitter(rc.Events).Emit(ctx, events.Event{
		Kind:       events.KindAgentOutput,
		WorkflowID: s.WorkflowID,
		Agent:      config.AgentReviewer,
		Content:    review.Summary,
		IsError:    !review.Approved,
	})

	verdict := "approved"
	if !review.Approved {
		verdict = "changes_requested"
	}
	u := state.NewUpdate().
		LastReview(review).
		ReviewIteration(s.ReviewIteration + 1).
		AddHistory(config.AgentReviewer, verdict, fmt.Sprintf("%s (%d comments)", review.Summary, len(review.Comments)))
	if s.TaskMode() {
		u.TaskReviewIteration(s.TaskReviewIteration + 1)
	}
	return u, nil
}

func truncateDiff(diff string, budget int) string {
	if budget <= 0 {
		budget = config.DefaultDiffTokenBudget
	}
	counter, err := utils.NewTokenCounter("")
	if err != nil {
		return diff
	}
	return counter.TruncateToTokenLimit(diff, budget)
}

// nextTask commits the finished task and moves to the next one. A task that
// ran out of review iterations is committed and advanced all the same.
func nextTask(ctx context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
	rc := cfg.Config
	ctrl := tasks.NewController(rc.Git)
	forced := routing.ForcedAdvance(s, rc.limits())

	committed, err := ctrl.CommitTask(ctx, rc.profile().WorkDir, s.IssueID(), s.CurrentTaskIndex)
	if err != nil {
		return nil, err
	}
	u, err := ctrl.Advance(s, forced)
	if err != nil {
		return nil, err
	}

	if s.DriverSessionID != "" {
		if d, err := rc.Drivers.Driver(ctx, config.AgentDeveloper); err == nil {
			d.CloseSession(s.DriverSessionID)
		}
	}

	event := "committed"
	if !committed {
		event = "nothing_to_commit"
	}
	return u.AddHistory(NodeNextTask, event, tasks.CommitMessage(s.IssueID(), s.CurrentTaskIndex)), nil
}

// evaluateFeedback classifies the last review's comments.
func evaluateFeedback(ctx context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
	rc := cfg.Config

	var items []state.FeedbackItem
	if !s.Approved() {
		items = FeedbackItems(s.LastReview)
	}
	if len(items) == 0 {
		return state.NewUpdate().
			EvaluationResult(&state.EvaluationResult{Summary: "no feedback items"}).
			AddHistory(NodeEvaluate, "nothing_to_evaluate", ""), nil
	}

	d, err := rc.Drivers.Driver(ctx, config.AgentEvaluator)
	if err != nil {
		return nil, err
	}
	diff, err := git.Diff(ctx, rc.Git, rc.profile().WorkDir, s.BaseCommit)
	if err != nil {
		return nil, fmt.Errorf("collect diff for evaluation: %w", err)
	}

	opts := []evaluate.Option{evaluate.WithPrompts(rc.prompts())}
	if budget := rc.profile().Limits.DiffTokenBudget; budget > 0 {
		opts = append(opts, evaluate.WithDiffTokenBudget(budget))
	}
	result, err := evaluate.New(d, opts...).Evaluate(ctx, evaluate.Input{Goal: s.Goal, Diff: diff, Items: items})
	recordUsage(ctx, rc, s.WorkflowID, config.AgentEvaluator, d)
	if err != nil {
		return nil, err
	}

	return state.NewUpdate().
		EvaluationResult(result).
		AddHistory(NodeEvaluate, "evaluated", fmt.Sprintf("implement=%d reject=%d defer=%d clarify=%d",
			len(result.ImplementItems), len(result.RejectedItems), len(result.DeferredItems), len(result.ClarifyItems))), nil
}

// IsCommitFailure reports whether err halted a run because a task could not
// be committed.
func IsCommitFailure(err error) bool {
	var commitErr *tasks.CommitError
	return errors.As(err, &commitErr)
}
