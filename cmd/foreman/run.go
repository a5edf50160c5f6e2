package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"foreman/internal/orch"
	"foreman/pkg/config"
	"foreman/pkg/state"
)

var (
	runTitle       string
	runDescription string
	runDescFile    string
	runAutoApprove bool
	runWorkflowID  string

	reviewGoal   string
	reviewBase   string
	reviewPasses int
	reviewIssue  string
)

var runCmd = &cobra.Command{
	Use:   "run ISSUE-ID",
	Short: "Plan an issue, wait for approval, then implement and review it",
	Long: `Run the implementation pipeline for one issue.

The architect writes a plan under docs/plans/. Unless auto_approve is set the
workflow pauses so the plan can be read; on a terminal you are asked to
approve it, otherwise resume later with 'foreman resume <id> --approve'.
Plans with "### Task N:" sections are implemented one task at a time, each
reviewed and committed before the next starts.`,
	Args: cobra.ExactArgs(1),
	RunE: runImplementation,
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review current changes and fix the feedback worth fixing",
	Long: `Run the review-fix pipeline against the working tree.

The reviewer looks at the diff from --base (default HEAD), the evaluator
decides which comments to implement, and the developer applies them. This
repeats until the review is clean or --passes fix passes have been made.`,
	Args: cobra.NoArgs,
	RunE: runReview,
}

func init() {
	runCmd.Flags().StringVarP(&runTitle, "title", "t", "", "issue title")
	runCmd.Flags().StringVarP(&runDescription, "description", "d", "", "issue description")
	runCmd.Flags().StringVar(&runDescFile, "description-file", "", "read the issue description from a file ('-' for stdin)")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "skip the plan approval pause")
	runCmd.Flags().StringVar(&runWorkflowID, "id", "", "workflow id (default: generated)")

	reviewCmd.Flags().StringVarP(&reviewGoal, "goal", "g", "", "what the changes are meant to achieve")
	reviewCmd.Flags().StringVar(&reviewBase, "base", "", "commit or ref to diff against (default HEAD)")
	reviewCmd.Flags().IntVar(&reviewPasses, "passes", 0, "maximum fix passes (default from profile)")
	reviewCmd.Flags().StringVar(&reviewIssue, "issue", "", "issue id the changes belong to")
}

func runImplementation(cmd *cobra.Command, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	if runAutoApprove {
		p.AutoApprove = true
	}
	description, err := readDescription(runDescription, runDescFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	return execute(cmd, p, orch.Request{
		Pipeline:   state.PipelineImplementation,
		WorkflowID: runWorkflowID,
		Issue: &state.Issue{
			ID:          args[0],
			Title:       runTitle,
			Description: description,
		},
	})
}

func runReview(cmd *cobra.Command, _ []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	if reviewPasses > 0 {
		p.Limits.MaxReviewPasses = reviewPasses
	}
	req := orch.Request{
		Pipeline:   state.PipelineReview,
		Goal:       reviewGoal,
		BaseCommit: reviewBase,
	}
	if reviewIssue != "" {
		req.Issue = &state.Issue{ID: reviewIssue, Title: reviewGoal}
	}
	if req.Goal == "" && req.Issue == nil {
		return errors.New("review needs --goal or --issue")
	}
	return execute(cmd, p, req)
}

// execute starts the workflow and follows it to the end.
func execute(cmd *cobra.Command, p *config.Profile, req orch.Request) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(p, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer e.Close()

	req.Profile = p
	req.Preflight = !skipPreflight
	id, err := e.runner.Start(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "workflow %s started\n", id)
	return follow(ctx, e, id, cmd.InOrStdin())
}

// follow waits for the workflow, asking for approval whenever it pauses on
// an interactive terminal.
func follow(ctx context.Context, e *env, id string, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		snap, err := e.runner.Wait(ctx, id)
		if ctx.Err() != nil {
			fmt.Fprintf(e.out, "\ninterrupted; cancelling workflow %s\n", id)
			_ = e.runner.Cancel(context.WithoutCancel(ctx), id)
			_, _ = e.runner.Wait(context.WithoutCancel(ctx), id)
			return ctx.Err()
		}

		if snap.Status != state.StatusPaused {
			printOutcome(e.out, snap)
			return err
		}
		if !interactive() {
			if e.store == nil {
				return fmt.Errorf("workflow %s needs plan approval but there is no terminal and persistence is off; use --auto-approve", id)
			}
			fmt.Fprintf(e.out, "workflow %s is waiting for plan approval: %s\n", id, snap.State.PlanPath)
			fmt.Fprintf(e.out, "continue with: foreman resume %s --approve (or --reject)\n", id)
			return nil
		}
		approved, err := promptApproval(reader, e.out, snap)
		if err != nil {
			return err
		}
		if err := e.runner.Approve(ctx, id, approved); err != nil {
			return err
		}
	}
}

func interactive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// promptApproval shows the plan location and summary and reads a yes/no
// answer. Anything but y or yes rejects.
func promptApproval(r *bufio.Reader, out io.Writer, snap orch.Snapshot) (bool, error) {
	s := snap.State
	heading := color.New(color.Bold)
	heading.Fprintf(out, "\nPlan ready for review: %s\n", s.PlanPath)
	if s.Goal != "" {
		fmt.Fprintf(out, "  goal:  %s\n", s.Goal)
	}
	if s.TotalTasks != nil {
		fmt.Fprintf(out, "  tasks: %d\n", *s.TotalTasks)
	}
	if len(s.KeyFiles) > 0 {
		fmt.Fprintf(out, "  files: %s\n", strings.Join(s.KeyFiles, ", "))
	}
	fmt.Fprint(out, "Approve this plan? [y/N] ")

	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func printOutcome(out io.Writer, snap orch.Snapshot) {
	s := snap.State
	switch snap.Status {
	case state.StatusCompleted:
		color.New(color.FgGreen, color.Bold).Fprintf(out, "workflow %s completed\n", snap.ID)
	case state.StatusFailed:
		color.New(color.FgRed, color.Bold).Fprintf(out, "workflow %s failed: %s\n", snap.ID, snap.Error)
	default:
		fmt.Fprintf(out, "workflow %s %s\n", snap.ID, snap.Status)
	}
	if s.TotalTasks != nil {
		fmt.Fprintf(out, "  tasks completed: %d/%d\n", completedTasks(s), *s.TotalTasks)
	}
	if s.LastReview != nil {
		verdict := "changes requested"
		if s.LastReview.Approved {
			verdict = "approved"
		}
		fmt.Fprintf(out, "  last review: %s\n", verdict)
	}
	if s.FinalResponse != "" {
		fmt.Fprintf(out, "  %s\n", firstLine(s.FinalResponse))
	}
}

func completedTasks(s state.WorkflowState) int {
	n := 0
	for _, h := range s.History {
		if h.Event == "task_completed" || h.Event == "task_force_advanced" {
			n++
		}
	}
	if s.Status == state.StatusCompleted && s.Approved() && s.TotalTasks != nil && n < *s.TotalTasks {
		// The last approved task ends the run without an advance entry.
		n++
	}
	return n
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// readDescription prefers the file (or stdin for "-") over the flag value.
func readDescription(flagValue, file string, stdin io.Reader) (string, error) {
	switch file {
	case "":
		return flagValue, nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read description: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read description: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}
