package cmd

import (
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/meow-stack/rundown/internal/status"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose bool
	workDir string
	noColor bool
)

//go:embed runbooks/*.runbook.md
var embeddedRunbooks embed.FS

var rootCmd = &cobra.Command{
	Use:   "rundown",
	Short: "Step through Markdown runbooks as state machines",
	Long: `rundown turns Markdown runbooks into state machines and walks you
through them one step at a time.

A runbook is an ordinary Markdown file (*.runbook.md). Each "## N. Title"
section is a step with an optional shell command or prompt, and bullets like
"- PASS: CONTINUE" or "- FAIL: RETRY 2 GOTO Cleanup" say where to go next.

Start a run with 'rundown run <runbook>', then report each step with
'rundown pass' or 'rundown fail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// With no subcommand, list available runbooks
		return listRunbooks(cmd)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colors")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("rundown {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// embeddedFS returns the built-in runbooks rooted at their directory.
func embeddedFS() fs.FS {
	sub, err := fs.Sub(embeddedRunbooks, "runbooks")
	if err != nil {
		return nil
	}
	return sub
}

func listRunbooks(cmd *cobra.Command) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	fmt.Fprint(out, status.FormatAvailable(e.loader.ListAvailable(), e.styles(out)))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Run: rundown run <runbook> [--var key=value]")
	return nil
}
