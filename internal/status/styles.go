package status

import (
	"bytes"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Styles holds the lipgloss styles used by the formatters. The zero value is
// not usable; build one with NewStyles.
type Styles struct {
	noColor bool

	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	StateID lipgloss.Style
	Running lipgloss.Style
	Success lipgloss.Style
	Failure lipgloss.Style
	Error   lipgloss.Style
}

// NewStyles creates styles rendering for w. With noColor every style renders
// plain text, which keeps output stable for pipes and tests.
func NewStyles(w io.Writer, noColor bool) *Styles {
	renderer := lipgloss.NewRenderer(w)
	if noColor {
		renderer.SetColorProfile(termenv.Ascii)
	} else {
		// The renderer would otherwise query w; ANSI256 matches the
		// highlighter's terminal256 formatter.
		renderer.SetColorProfile(termenv.ANSI256)
	}

	return &Styles{
		noColor: noColor,
		Title:   renderer.NewStyle().Bold(true),
		Label:   renderer.NewStyle().Foreground(lipgloss.Color("245")),
		Muted:   renderer.NewStyle().Foreground(lipgloss.Color("242")),
		StateID: renderer.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		Running: renderer.NewStyle().Foreground(lipgloss.Color("214")),
		Success: renderer.NewStyle().Foreground(lipgloss.Color("78")),
		Failure: renderer.NewStyle().Foreground(lipgloss.Color("203")),
		Error:   renderer.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

// highlight renders shell source for the terminal. It falls back to the raw
// code when color is off or the highlighter fails.
func (s *Styles) highlight(code, language string) string {
	if s.noColor {
		return code
	}
	if language == "" || language == "prompt" {
		language = "bash"
	}
	var buf bytes.Buffer
	if err := quick.Highlight(&buf, code, language, "terminal256", "monokai"); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}
