package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meow-stack/rundown/internal/status"
)

var showQuiet bool

var showCmd = &cobra.Command{
	Use:   "show <runbook>",
	Short: "Show the compiled state machine of a runbook",
	Long: `Compile a runbook and print its states in order, with each state's
command and outgoing PASS/FAIL edges.

Retry loops appear as guarded self edges, for example:
  FAIL -> step_1  [while retries < 2, retries+1]
  FAIL -> STOPPED`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVarP(&showQuiet, "quiet", "q", false, "omit commands and prompts")
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	loaded, def, err := e.compile(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	styles := e.styles(out)
	if title := loaded.Runbook.Title; title != "" {
		fmt.Fprintln(out, styles.Title.Render(title))
	}
	fmt.Fprintln(out, styles.Muted.Render(loaded.Path))
	fmt.Fprint(out, status.FormatDefinition(def, styles, status.FormatOptions{
		NoColor: noColor,
		Quiet:   showQuiet,
		Verbose: verbose,
	}))
	return nil
}
