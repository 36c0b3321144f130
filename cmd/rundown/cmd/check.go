package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meow-stack/rundown/internal/compiler"
	"github.com/meow-stack/rundown/internal/parser"
	"github.com/meow-stack/rundown/internal/status"
	"github.com/meow-stack/rundown/internal/validator"
)

var checkCmd = &cobra.Command{
	Use:   "check <runbook>...",
	Short: "Validate runbooks",
	Long: `Validate runbooks without running them.

Reports every problem rather than stopping at the first:
- Markdown structure (headers, code blocks, transitions)
- Step sequence (1, 2, 3 with no gaps)
- Body rules (command, substeps and nested runbooks are exclusive)
- GOTO targets (existence, self loops, dynamic step rules)
- Nested runbooks resolve and do not reference each other in a cycle

Use - to read a runbook from standard input. Nested runbooks are not
resolved for standard input.

Exits non-zero if any runbook has errors.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	styles := e.styles(cmd.OutOrStdout())

	failed := 0
	for _, ref := range args {
		if !checkOne(cmd, e, ref, styles) {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runbook(s) failed validation", failed, len(args))
	}
	return nil
}

// checkOne validates one runbook and prints the result. It reports whether
// the runbook is valid.
func checkOne(cmd *cobra.Command, e *env, ref string, styles *status.Styles) bool {
	out := cmd.OutOrStdout()

	if ref == "-" {
		return checkStdin(cmd, styles)
	}

	loaded, err := e.loader.Load(ref, parser.Options{SkipValidation: true})
	if err != nil {
		fmt.Fprintln(out, styles.Error.Render("✗ "+ref+": "+err.Error()))
		return false
	}
	name := loaded.Path

	result := validator.Validate(loaded.Runbook.Steps)
	fmt.Fprint(out, status.FormatValidation(name, result, styles))
	if result.HasErrors() {
		return false
	}

	if err := e.loader.CheckNested(loaded); err != nil {
		fmt.Fprintln(out, styles.Error.Render("  "+err.Error()))
		return false
	}
	if _, err := compiler.Compile(loaded.Runbook.Steps); err != nil {
		fmt.Fprintln(out, styles.Error.Render("  "+err.Error()))
		return false
	}
	e.logger.Debug("runbook checked", "runbook", name, "steps", len(loaded.Runbook.Steps))
	return true
}

func checkStdin(cmd *cobra.Command, styles *status.Styles) bool {
	out := cmd.OutOrStdout()
	const name = "<stdin>"

	rb, err := parser.ParseReader(cmd.InOrStdin(), parser.Options{Filename: name, SkipValidation: true})
	if err != nil {
		fmt.Fprintln(out, styles.Error.Render("✗ "+err.Error()))
		return false
	}
	result := validator.Validate(rb.Steps)
	fmt.Fprint(out, status.FormatValidation(name, result, styles))
	if result.HasErrors() {
		return false
	}
	if _, err := compiler.Compile(rb.Steps); err != nil {
		fmt.Fprintln(out, styles.Error.Render("  "+err.Error()))
		return false
	}
	return true
}
