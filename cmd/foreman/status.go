package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"foreman/pkg/events"
	"foreman/pkg/persistence"
)

var (
	statusLimit  int
	statusEvents int
)

var statusCmd = &cobra.Command{
	Use:   "status [WORKFLOW-ID]",
	Short: "Show workflows, or one workflow's usage and recent events",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "workflows to list")
	statusCmd.Flags().IntVar(&statusEvents, "events", 15, "recent events to show for one workflow")
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	store, err := openStore(p)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("persistence is off in this profile; nothing to report")
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listWorkflows(cmd.Context(), store, out, statusLimit)
	}
	return showWorkflow(cmd.Context(), store, out, args[0], statusEvents)
}

func listWorkflows(ctx context.Context, store *persistence.Store, out io.Writer, limit int) error {
	recs, err := store.ListWorkflows(ctx, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No workflows yet. Start one with 'foreman run <issue>' or 'foreman review'.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPIPELINE\tSTATUS\tISSUE\tUPDATED")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Pipeline, rec.Status, orDash(rec.IssueID), rec.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func showWorkflow(ctx context.Context, store *persistence.Store, out io.Writer, id string, recent int) error {
	rec, err := store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Workflow %s\n", rec.ID)
	fmt.Fprintf(out, "  pipeline: %s\n", rec.Pipeline)
	fmt.Fprintf(out, "  status:   %s\n", rec.Status)
	if rec.IssueID != "" {
		fmt.Fprintf(out, "  issue:    %s\n", rec.IssueID)
	}
	fmt.Fprintf(out, "  workdir:  %s\n", rec.WorkDir)
	fmt.Fprintf(out, "  created:  %s\n", rec.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "  updated:  %s\n", rec.UpdatedAt.Local().Format(time.DateTime))
	if rec.Error != "" {
		fmt.Fprintf(out, "  error:    %s\n", rec.Error)
	}

	usage, err := store.UsageByAgent(ctx, id)
	if err != nil {
		return err
	}
	if len(usage) > 0 {
		fmt.Fprintln(out, "\nUsage")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  AGENT\tCALLS\tINPUT\tOUTPUT\tCOST")
		for _, a := range usage {
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t$%.4f\n",
				a.Agent, a.Calls, a.Usage.InputTokens, a.Usage.OutputTokens, a.Usage.CostUSD)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		total, err := store.UsageTotal(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  total: %d tokens, $%.4f\n", total.TotalTokens(), total.CostUSD)
	}

	if recent > 0 {
		evs, err := store.ListEvents(ctx, id, recent)
		if err != nil {
			return err
		}
		if len(evs) > 0 {
			fmt.Fprintln(out, "\nRecent events")
			console := events.NewConsoleSink(out, true)
			for _, e := range evs {
				_ = console.Emit(ctx, e)
			}
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
