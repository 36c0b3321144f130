package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meow-stack/rundown/internal/runstore"
	"github.com/meow-stack/rundown/internal/status"
)

// Status command flags
var (
	statusJSON    bool
	statusHistory bool
	statusQuiet   bool
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the current state of a run",
	Long: `Display where a run is: its current step, retry count, last action and
the command or prompt to carry out next.

Without a run id the most recently updated active run is shown.

Examples:
  rundown status                # Show the active run
  rundown status 3f2a           # Show a run by id prefix
  rundown status --history      # Include every event applied so far
  rundown status --json         # Output as JSON`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "Show event history")
	statusCmd.Flags().BoolVarP(&statusQuiet, "quiet", "q", false, "Minimal output")
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	store, err := e.store()
	if err != nil {
		return err
	}

	run, err := store.Find(ctx, optionalArg(args, 0))
	if err != nil {
		return err
	}

	// A run whose runbook has since changed or vanished still has a status.
	def, err := e.definitionFor(run)
	if err != nil {
		e.logger.Warn("cannot compile runbook for run", "run_id", run.ID, "error", err)
		def = nil
	}
	summary := status.NewRunSummary(run, def)
	out := cmd.OutOrStdout()

	if statusJSON {
		type jsonOutput struct {
			*status.RunSummary
			Locked  bool                    `json:"locked,omitempty"`
			History []runstore.HistoryEntry `json:"history,omitempty"`
		}
		output := jsonOutput{RunSummary: summary, Locked: store.IsLocked(run.ID)}
		if statusHistory {
			output.History = run.History
		}
		data, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	styles := e.styles(out)
	fmt.Fprint(out, status.FormatRun(summary, styles, status.FormatOptions{NoColor: noColor, Quiet: statusQuiet}))
	if statusHistory && len(run.History) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, styles.Label.Render("History:"))
		fmt.Fprint(out, status.FormatHistory(run, styles))
	}
	return nil
}
