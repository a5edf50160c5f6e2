package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"foreman/pkg/state"
)

var (
	resumeApprove bool
	resumeReject  bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume WORKFLOW-ID",
	Short: "Continue a workflow that is waiting for plan approval",
	Long: `Resume a paused workflow from its last checkpoint.

With --approve or --reject the decision is recorded directly; otherwise you
are asked on the terminal. Requires persistence (the default).`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeApprove, "approve", false, "approve the plan")
	resumeCmd.Flags().BoolVar(&resumeReject, "reject", false, "reject the plan")
	resumeCmd.MarkFlagsMutuallyExclusive("approve", "reject")
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]
	p, err := loadProfile()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(p, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer e.Close()
	if e.store == nil {
		return errors.New("resume needs persistence; it is off in this profile")
	}

	snap, err := e.runner.Attach(ctx, id, p)
	if err != nil {
		return err
	}
	if snap.Status != state.StatusPaused {
		return fmt.Errorf("workflow %s is %s", id, snap.Status)
	}

	var approved bool
	switch {
	case resumeApprove:
		approved = true
	case resumeReject:
		approved = false
	case interactive():
		if approved, err = promptApproval(bufio.NewReader(cmd.InOrStdin()), e.out, snap); err != nil {
			return err
		}
	default:
		return errors.New("no terminal to ask for approval; pass --approve or --reject")
	}

	if err := e.runner.Approve(ctx, id, approved); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "workflow %s resumed\n", id)
	return follow(ctx, e, id, cmd.InOrStdin())
}
