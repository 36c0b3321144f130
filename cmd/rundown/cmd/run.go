package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/meow-stack/rundown/internal/compiler"
	"github.com/meow-stack/rundown/internal/runstore"
	"github.com/meow-stack/rundown/internal/status"
)

var runVars []string

var runCmd = &cobra.Command{
	Use:   "run <runbook>",
	Short: "Start a run of a runbook",
	Long: `Start a new run of a runbook and print its first step.

The runbook may be a path or a name resolved from .rundown/runbooks,
~/.rundown/runbooks, or the built-in runbooks.

Variables are stored on the run and shown with its status:
  rundown run deploy --var env=prod --var replicas=3`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "variable in key=value form (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	loaded, def, err := e.compile(args[0])
	if err != nil {
		return err
	}

	actor := compiler.NewActor(def)
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := actor.SetVariable(k, vars[k]); err != nil {
			return err
		}
	}

	store, err := e.store()
	if err != nil {
		return err
	}

	run := runstore.NewRun(loaded.Path, loaded.Name, actor.Snapshot())
	run.Source = loaded.Source
	if err := store.Create(context.Background(), run); err != nil {
		return err
	}

	logger, closer := e.runLogger(run.ID)
	if closer != nil {
		defer closer.Close()
	}
	logger.Info("run started",
		"runbook", run.Runbook,
		"source", run.Source,
		"state", run.Snapshot.StateID,
		"variables", len(vars))

	out := cmd.OutOrStdout()
	styles := e.styles(out)
	fmt.Fprintf(out, "Started run %s\n\n", run.ID)
	fmt.Fprint(out, status.FormatRun(status.NewRunSummary(run, def), styles, status.FormatOptions{NoColor: noColor}))
	return nil
}
