package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished runs",
	Long: `Delete completed and stopped runs that have not changed for longer than
runs.prune_after (168h unless configured). Running runs are never pruned.

Examples:
  rundown prune                    # Use runs.prune_after
  rundown prune --older-than 24h   # Override the age
  rundown prune --older-than 0     # Every finished run
  rundown prune --dry-run          # Show what would be deleted`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "minimum age of runs to delete (default: runs.prune_after)")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "list runs that would be deleted without deleting them")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	olderThan := e.cfg.Runs.PruneAfter
	if cmd.Flags().Changed("older-than") {
		olderThan = pruneOlderThan
	}
	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}

	ctx := context.Background()
	store, err := e.store()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	now := time.Now()

	if pruneDryRun {
		runs, err := store.PruneCandidates(ctx, olderThan, now)
		if err != nil {
			return err
		}
		for _, run := range runs {
			fmt.Fprintf(out, "would delete %s  %s  %s\n", run.ShortID(), run.Status, run.Runbook)
		}
		fmt.Fprintf(out, "%d run(s) would be deleted\n", len(runs))
		return nil
	}

	pruned, err := store.Prune(ctx, olderThan, now)
	if err != nil {
		return err
	}
	for _, id := range pruned {
		fmt.Fprintf(out, "deleted %s\n", id)
	}
	fmt.Fprintf(out, "%d run(s) deleted\n", len(pruned))
	e.logger.Info("pruned runs", "count", len(pruned), "older_than", olderThan)
	return nil
}
