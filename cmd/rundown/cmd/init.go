package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meow-stack/rundown/internal/config"
)

const defaultConfig = `# rundown configuration
version = "1"

[paths]
runbooks_dir = ".rundown/runbooks"
runs_dir = ".rundown/runs"
logs_dir = ".rundown/logs"

[logging]
level = "info"
format = "json"
# file = ".rundown/logs/rundown.log"

[runs]
# Finished runs older than this are removed by 'rundown prune'.
prune_after = "168h"
`

const defaultGitignore = `runs/
logs/
`

var initSkipExamples bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a rundown project",
	Long: `Initialize a rundown project in the current directory.

Creates the following structure:

  .rundown/
  ├── config.toml      # Project configuration
  ├── runbooks/        # Project runbooks (example runbook included)
  ├── runs/            # Run state (gitignored)
  └── logs/            # Per-run event logs (gitignored)`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initSkipExamples, "skip-examples", false, "skip copying the example runbook")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}

	rundownDir := filepath.Join(dir, config.DirName)
	if _, err := os.Stat(rundownDir); err == nil {
		return fmt.Errorf("rundown project already initialized (found %s directory)", config.DirName)
	}

	for _, d := range []string{"runbooks", "runs", "logs"} {
		if err := os.MkdirAll(filepath.Join(rundownDir, d), 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	files := map[string]string{
		"config.toml": defaultConfig,
		".gitignore":  defaultGitignore,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(rundownDir, name), []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	if !initSkipExamples {
		if err := copyEmbeddedRunbooks(filepath.Join(rundownDir, "runbooks")); err != nil {
			return fmt.Errorf("copying example runbooks: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Initialized rundown project in", dir)
	fmt.Fprintln(out, "\nCreated:")
	fmt.Fprintln(out, "  .rundown/config.toml   - configuration")
	fmt.Fprintln(out, "  .rundown/runbooks/     - runbooks")
	fmt.Fprintln(out, "  .rundown/runs/         - run state files")
	fmt.Fprintln(out, "  .rundown/logs/         - per-run log files")
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Start a run:      rundown run hello")
	fmt.Fprintln(out, "  2. See the step:     rundown status")
	fmt.Fprintln(out, "  3. Report it:        rundown pass")

	return nil
}

// copyEmbeddedRunbooks copies the built-in runbooks into destDir.
func copyEmbeddedRunbooks(destDir string) error {
	fsys := embeddedFS()
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("reading embedded %s: %w", path, err)
		}

		destPath := filepath.Join(destDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(destPath, content, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", destPath, err)
		}
		return nil
	})
}
