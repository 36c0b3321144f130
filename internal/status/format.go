// Package status renders compiled runbooks, runs and validation results for
// the terminal.
package status

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/meow-stack/rundown/internal/compiler"
	"github.com/meow-stack/rundown/internal/loader"
	"github.com/meow-stack/rundown/internal/runstore"
	"github.com/meow-stack/rundown/internal/validator"
)

// FormatOptions controls output formatting.
type FormatOptions struct {
	NoColor bool
	Quiet   bool
	Verbose bool // include bodies and run history
}

// FormatDefinition renders a compiled runbook as a state table: one block per
// state with its body and outgoing edges.
func FormatDefinition(def *compiler.Definition, styles *Styles, opts FormatOptions) string {
	var b strings.Builder

	b.WriteString(styles.Title.Render(fmt.Sprintf("%d states, initial %s", len(def.StateIDs()), def.Initial)))
	b.WriteString("\n")

	for _, state := range def.States() {
		b.WriteString("\n")
		if state.Final {
			b.WriteString(styles.StateID.Render(state.ID))
			b.WriteString(styles.Muted.Render(" (final)"))
			b.WriteString("\n")
			continue
		}

		b.WriteString(styles.StateID.Render(state.ID))
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  %s", state.Address)))
		if state.Description != "" {
			b.WriteString("  " + state.Description)
		}
		if state.AgentType != "" {
			b.WriteString(styles.Muted.Render(fmt.Sprintf(" (%s)", state.AgentType)))
		}
		b.WriteString("\n")

		if !opts.Quiet {
			writeBody(&b, state, styles, opts)
		}
		writeTransitions(&b, "PASS", state.Pass, styles)
		writeTransitions(&b, "FAIL", state.Fail, styles)
		if state.Aggregation != "" && state.Aggregation != "ALL" {
			b.WriteString(styles.Label.Render("  aggregation: "))
			b.WriteString(string(state.Aggregation))
			b.WriteString("\n")
		}
	}

	return b.String()
}

func writeBody(b *strings.Builder, state *compiler.State, styles *Styles, opts FormatOptions) {
	if state.Command != nil {
		code := styles.highlight(state.Command.Code, state.Command.Language)
		for _, line := range strings.Split(code, "\n") {
			b.WriteString("    " + line + "\n")
		}
	}
	if state.Prompt != "" && opts.Verbose {
		for _, line := range strings.Split(state.Prompt, "\n") {
			b.WriteString(styles.Muted.Render("    | "+line) + "\n")
		}
	}
	for _, ref := range state.NestedRunbooks {
		b.WriteString(styles.Label.Render("    runbook: "))
		b.WriteString(ref + "\n")
	}
}

func writeTransitions(b *strings.Builder, outcome string, transitions []compiler.Transition, styles *Styles) {
	for _, t := range transitions {
		b.WriteString(styles.Label.Render(fmt.Sprintf("  %-4s ", outcome)))
		b.WriteString("-> " + t.Target)

		var notes []string
		if t.Guarded() {
			notes = append(notes, fmt.Sprintf("while retries < %d", t.MaxRetries))
		}
		switch t.Retry {
		case compiler.RetryIncrement:
			notes = append(notes, "retries+1")
		case compiler.RetryReset:
			notes = append(notes, "retries=0")
		}
		if t.NextInstance {
			notes = append(notes, "next instance")
		}
		if t.NextSubstepInstance {
			notes = append(notes, "next substep instance")
		}
		if t.Message != "" {
			notes = append(notes, fmt.Sprintf("%q", t.Message))
		}
		if len(notes) > 0 {
			b.WriteString(styles.Muted.Render("  [" + strings.Join(notes, ", ") + "]"))
		}
		b.WriteString("\n")
	}
}

// FormatRun formats a single run with its current state.
func FormatRun(summary *RunSummary, styles *Styles, opts FormatOptions) string {
	var b strings.Builder

	statusStyle := styleFor(summary.Status, styles)
	b.WriteString(fmt.Sprintf("%s %s\n", styles.Label.Render("Run:     "), summary.ID))
	b.WriteString(fmt.Sprintf("%s %s\n", styles.Label.Render("Runbook: "), summary.Runbook))
	b.WriteString(fmt.Sprintf("%s %s\n", styles.Label.Render("Status:  "),
		statusStyle.Render(getStatusIcon(summary.Status)+" "+string(summary.Status))))
	b.WriteString(fmt.Sprintf("%s %s", styles.Label.Render("Started: "), formatTime(summary.StartedAt)))
	if summary.EndedAt != nil {
		b.WriteString(fmt.Sprintf(" (took %s)", formatDuration(summary.EndedAt.Sub(summary.StartedAt))))
	} else {
		b.WriteString(fmt.Sprintf(" (%s ago)", formatDuration(time.Since(summary.StartedAt))))
	}
	b.WriteString("\n\n")

	state := styles.StateID.Render(summary.StateID)
	if summary.Address != "" {
		state += styles.Muted.Render("  step " + summary.Address)
	}
	if summary.Description != "" {
		state += "  " + summary.Description
	}
	b.WriteString(fmt.Sprintf("%s %s\n", styles.Label.Render("State:   "), state))

	if summary.Progress.Total > 0 {
		b.WriteString(fmt.Sprintf("%s %s %d/%d\n", styles.Label.Render("Progress:"),
			progressBar(summary.Progress), summary.Progress.Position, summary.Progress.Total))
	}
	if summary.RetryCount > 0 {
		b.WriteString(fmt.Sprintf("%s %d\n", styles.Label.Render("Retries: "), summary.RetryCount))
	}
	if summary.LastAction != "" {
		b.WriteString(fmt.Sprintf("%s %s\n", styles.Label.Render("Last:    "), summary.LastAction))
	}
	if summary.Message != "" {
		b.WriteString(fmt.Sprintf("%s %s\n", styles.Label.Render("Message: "), statusStyle.Render(summary.Message)))
	}

	if !opts.Quiet && summary.Status == runstore.RunStatusRunning {
		if summary.Command != "" {
			b.WriteString("\n")
			for _, line := range strings.Split(styles.highlight(summary.Command, summary.Language), "\n") {
				b.WriteString("    " + line + "\n")
			}
		}
		if summary.Prompt != "" {
			b.WriteString("\n" + summary.Prompt + "\n")
		}
		for _, ref := range summary.Nested {
			b.WriteString(styles.Label.Render("    runbook: ") + ref + "\n")
		}
	}

	if len(summary.Variables) > 0 && !opts.Quiet {
		b.WriteString("\n" + styles.Label.Render("Variables:") + "\n")
		keys := make([]string, 0, len(summary.Variables))
		for k := range summary.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("  %s = %v\n", k, summary.Variables[k]))
		}
	}

	return b.String()
}

// FormatHistory formats the events applied to a run, oldest first.
func FormatHistory(run *runstore.Run, styles *Styles) string {
	var b strings.Builder
	for _, h := range run.History {
		event := h.Event
		if h.Target != "" {
			event += " " + h.Target
		}
		b.WriteString(fmt.Sprintf("  %s  %-10s %s -> %s\n",
			styles.Muted.Render(formatTime(h.At)), event, h.From, h.To))
	}
	return b.String()
}

// FormatRunList formats a list of runs, one line each.
func FormatRunList(runs []*runstore.Run, styles *Styles, opts FormatOptions) string {
	if len(runs) == 0 {
		return "No runs.\n"
	}

	var b strings.Builder
	if !opts.Quiet {
		b.WriteString(fmt.Sprintf("Found %d run(s):\n\n", len(runs)))
	}
	for _, run := range runs {
		statusStyle := styleFor(run.Status, styles)
		name := run.Name
		if name == "" {
			name = run.Runbook
		}
		b.WriteString(fmt.Sprintf("%s  %s  %-20s %s",
			run.ShortID(),
			statusStyle.Render(fmt.Sprintf("%s %-9s", getStatusIcon(run.Status), run.Status)),
			run.Snapshot.StateID,
			name))
		if !opts.Quiet {
			b.WriteString(styles.Muted.Render(fmt.Sprintf("  %s ago", formatDuration(time.Since(run.UpdatedAt)))))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatValidation formats every validation error of a runbook file.
func FormatValidation(file string, result *validator.Result, styles *Styles) string {
	if !result.HasErrors() {
		return styles.Success.Render("✓ "+file+" is valid") + "\n"
	}

	var b strings.Builder
	b.WriteString(styles.Error.Render(fmt.Sprintf("✗ %s: %d error(s)", file, len(result.Errors))))
	b.WriteString("\n")
	for _, e := range result.Errors {
		b.WriteString(fmt.Sprintf("  %s:%d: %s\n", file, e.Line, e.Message))
	}
	return b.String()
}

// FormatAvailable formats runbooks found by the loader, grouped by source.
func FormatAvailable(available map[string][]loader.Available, styles *Styles) string {
	sources := []string{loader.SourceProject, loader.SourceUser, loader.SourceEmbedded}

	var b strings.Builder
	for _, source := range sources {
		list := available[source]
		if len(list) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(styles.Title.Render(strings.ToUpper(source[:1])+source[1:]+" runbooks:") + "\n")
		for _, a := range list {
			line := fmt.Sprintf("  %-24s %d step(s)", a.Name, a.Steps)
			if desc := firstLine(a.Description); desc != "" {
				line += styles.Muted.Render("  " + desc)
			} else if a.Title != "" {
				line += styles.Muted.Render("  " + a.Title)
			}
			b.WriteString(line + "\n")
		}
	}
	if b.Len() == 0 {
		return "No runbooks found.\n"
	}
	return b.String()
}

// Formatting helpers

func styleFor(status runstore.RunStatus, styles *Styles) lipgloss.Style {
	switch status {
	case runstore.RunStatusRunning:
		return styles.Running
	case runstore.RunStatusCompleted:
		return styles.Success
	case runstore.RunStatusStopped:
		return styles.Failure
	}
	return styles.Muted
}

func getStatusIcon(status runstore.RunStatus) string {
	switch status {
	case runstore.RunStatusRunning:
		return "●"
	case runstore.RunStatusCompleted:
		return "✓"
	case runstore.RunStatusStopped:
		return "■"
	default:
		return "?"
	}
}

func progressBar(p Progress) string {
	const width = 20
	filled := 0
	if p.Total > 0 {
		filled = p.Position * width / p.Total
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
