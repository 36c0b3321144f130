package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meow-stack/rundown/internal/compiler"
	"github.com/meow-stack/rundown/internal/runbook"
	"github.com/meow-stack/rundown/internal/status"
)

var passCmd = &cobra.Command{
	Use:   "pass [run-id]",
	Short: "Report that the current step passed",
	Long: `Send PASS to a run and print the step it moved to.

Without a run id the most recently updated active run is used. A unique
prefix of the id is enough.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendEvent(cmd, compiler.Pass(), optionalArg(args, 0))
	},
}

var failCmd = &cobra.Command{
	Use:   "fail [run-id]",
	Short: "Report that the current step failed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendEvent(cmd, compiler.Fail(), optionalArg(args, 0))
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [run-id]",
	Short: "Re-enter the current step",
	Long: `Send RETRY to a run. The run stays on the current step and its retry
count goes up by one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendEvent(cmd, compiler.Retry(), optionalArg(args, 0))
	},
}

var gotoCmd = &cobra.Command{
	Use:   "goto <target> [run-id]",
	Short: "Jump to a step",
	Long: `Send GOTO to a run. The target is a step address: 3, 2.1, Cleanup,
Cleanup.verify, NEXT, or a qualified NEXT such as "NEXT {N}" or
"NEXT 2.{n}". The jump must be one the current step could make with a
written GOTO; jumping to the current step counts as a retry.

Examples:
  rundown goto Cleanup
  rundown goto 2.1 3f2a
  rundown goto NEXT {N}
  rundown goto "NEXT 2.{n}" 3f2a`,
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, rest := gotoTargetArgs(args)
		if len(rest) > 1 {
			return fmt.Errorf("accepts a target and at most one run id, received %d arguments", len(args))
		}
		target, err := runbook.ParseGotoTarget(raw)
		if err != nil {
			return fmt.Errorf("invalid target %q: %w", raw, err)
		}
		return sendEvent(cmd, compiler.Goto(target), optionalArg(rest, 0))
	},
}

// gotoTargetArgs splits args into the GOTO target and the rest. A NEXT
// qualifier may be given as its own argument; run ids never contain braces
// or dots, so they are not mistaken for one.
func gotoTargetArgs(args []string) (string, []string) {
	if args[0] == runbook.NextToken && len(args) > 1 && strings.ContainsAny(args[1], "{.") {
		return args[0] + " " + args[1], args[2:]
	}
	return args[0], args[1:]
}

func init() {
	rootCmd.AddCommand(passCmd, failCmd, retryCmd, gotoCmd)
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// sendEvent applies ev to the run named by ref and prints where it landed.
func sendEvent(cmd *cobra.Command, ev compiler.Event, ref string) error {
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

	run, err := store.Find(ctx, ref)
	if err != nil {
		return err
	}
	def, err := e.definitionFor(run)
	if err != nil {
		return err
	}

	logger, closer := e.runLogger(run.ID)
	if closer != nil {
		defer closer.Close()
	}
	from := run.Snapshot.StateID

	run, err = store.Advance(ctx, run.ID, def, ev)
	if err != nil {
		logger.Warn("event rejected", "event", ev.Type, "state", from, "error", err)
		return err
	}
	logger.Info("event applied",
		"event", ev.Type,
		"from", from,
		"to", run.Snapshot.StateID,
		"retry_count", run.Snapshot.Context.RetryCount,
		"last_action", run.Snapshot.Context.LastAction)

	out := cmd.OutOrStdout()
	fmt.Fprint(out, status.FormatRun(status.NewRunSummary(run, def), e.styles(out), status.FormatOptions{NoColor: noColor}))
	return nil
}
