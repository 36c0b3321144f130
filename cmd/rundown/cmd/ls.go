package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meow-stack/rundown/internal/runstore"
	"github.com/meow-stack/rundown/internal/status"
)

var (
	lsAll      bool
	lsStatus   string
	lsName     string
	lsJSON     bool
	lsRunbooks bool
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List runs in this project",
	Long: `List runs in the runs directory (.rundown/runs by default).

By default, shows only running runs. Use --all to include finished ones, or
--status to filter. With --runbooks, lists the runbooks that can be run
instead.

Examples:
  rundown ls                     # Active runs
  rundown ls -a                  # All runs
  rundown ls --status=stopped    # Runs that ended with STOP
  rundown ls --runbooks          # Available runbooks`,
	Args: cobra.NoArgs,
	RunE: runLs,
}

func init() {
	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "show all runs (not just running)")
	lsCmd.Flags().StringVar(&lsStatus, "status", "", "filter by status (running, completed, stopped)")
	lsCmd.Flags().StringVar(&lsName, "name", "", "filter by runbook name")
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "output as JSON")
	lsCmd.Flags().BoolVar(&lsRunbooks, "runbooks", false, "list available runbooks instead of runs")
	rootCmd.AddCommand(lsCmd)
}

type lsEntry struct {
	ID        string             `json:"id"`
	Name      string             `json:"name,omitempty"`
	Runbook   string             `json:"runbook"`
	Status    runstore.RunStatus `json:"status"`
	State     string             `json:"state"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func runLs(cmd *cobra.Command, args []string) error {
	if lsRunbooks {
		return listRunbooks(cmd)
	}

	filter := runstore.Filter{Name: lsName}
	switch {
	case lsStatus != "":
		filter.Status = runstore.RunStatus(lsStatus)
		if !filter.Status.Valid() {
			return fmt.Errorf("invalid status filter: %s (use: running, completed, stopped)", lsStatus)
		}
	case !lsAll:
		filter.Status = runstore.RunStatusRunning
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := e.store()
	if err != nil {
		return err
	}
	runs, err := store.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if lsJSON {
		entries := make([]lsEntry, 0, len(runs))
		for _, run := range runs {
			entries = append(entries, lsEntry{
				ID:        run.ID,
				Name:      run.Name,
				Runbook:   run.Runbook,
				Status:    run.Status,
				State:     run.Snapshot.StateID,
				UpdatedAt: run.UpdatedAt,
			})
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprint(out, status.FormatRunList(runs, e.styles(out), status.FormatOptions{NoColor: noColor}))
	return nil
}
