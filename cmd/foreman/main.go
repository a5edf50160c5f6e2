// foreman plans, implements and reviews changes in a git repository by
// driving coding agents through a fixed workflow.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"foreman/pkg/version"
)

var (
	configPath    string
	workDirFlag   string
	verbose       bool
	skipPreflight bool
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Orchestrate coding agents through plan, implement and review",
	Long: `foreman drives an architect, a developer, a reviewer and an evaluator
agent against a git working tree.

  foreman run ISSUE-12 --title "Add CSV export"   plan an issue, approve, implement task by task
  foreman review --goal "harden the parser"      review current changes and fix accepted feedback
  foreman resume <workflow-id> --approve          continue a workflow paused for approval
  foreman status [workflow-id]                    show workflows, usage and recent events

Agents, models and limits come from foreman.yaml (see 'foreman config init').`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "profile file (default <workdir>/foreman.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workDirFlag, "workdir", "C", ".", "repository working directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show agent thinking and debug logs")
	rootCmd.PersistentFlags().BoolVar(&skipPreflight, "skip-preflight", false, "do not check tools and credentials before starting")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
