// Package parser turns the runbook Markdown dialect into a runbook.Runbook.
//
// Level-2 headings open steps, level-3 headings open substeps of the open
// step. Bullets starting with PASS/YES or FAIL/NO become transitions, bullets
// naming a *.runbook.md file become nested runbook references, a single
// bash/sh/shell or prompt code block becomes the command, and remaining
// prose becomes the prompt.
package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	rderrors "github.com/meow-stack/rundown/internal/errors"
	"github.com/meow-stack/rundown/internal/runbook"
	"github.com/meow-stack/rundown/internal/validator"
)

// Options controls parsing.
type Options struct {
	// Filename is recorded on the runbook and on errors.
	Filename string

	// SkipValidation returns the parsed document without running the
	// validator. Callers wanting the full error list (check mode) set this
	// and call validator.Validate themselves.
	SkipValidation bool
}

// markdownOnce guards the shared goldmark instance. Its configuration never
// changes and Parse creates per-call state.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New()
	})
	return markdownInstance
}

// ParseFile parses the runbook at path.
func ParseFile(path string, opts Options) (*runbook.Runbook, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rderrors.IOFileNotFound(path)
		}
		return nil, rderrors.IOReadError(path, err)
	}
	if opts.Filename == "" {
		opts.Filename = path
	}
	return Parse(string(content), opts)
}

// ParseReader parses a runbook from r.
func ParseReader(r io.Reader, opts Options) (*runbook.Runbook, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read runbook: %w", err)
	}
	return Parse(string(content), opts)
}

// Parse parses markdown into a runbook. Unless opts.SkipValidation is set the
// validator runs afterwards and its first error is returned.
func Parse(markdownText string, opts Options) (*runbook.Runbook, error) {
	yamlText, body, hasFrontMatter, err := splitFrontMatter(markdownText)
	if err != nil {
		return nil, rderrors.Wrap(rderrors.CodeParseFrontMatter, "invalid front-matter", err).
			AtLine(1).InFile(opts.Filename)
	}

	rb := &runbook.Runbook{Filename: opts.Filename}
	if hasFrontMatter {
		meta, err := decodeMetadata(yamlText)
		if err != nil {
			return nil, rderrors.Wrap(rderrors.CodeParseFrontMatter, "invalid front-matter", err).
				AtLine(1).InFile(opts.Filename)
		}
		rb.Metadata = meta
	}

	p := newDocParser([]byte(body), rb)
	if err := p.run(); err != nil {
		if rerr, ok := err.(*rderrors.RundownError); ok {
			return nil, rerr.InFile(opts.Filename)
		}
		return nil, err
	}

	if rb.Metadata.Description != "" {
		rb.Description = rb.Metadata.Description
	}

	if opts.SkipValidation {
		return rb, nil
	}
	result := validator.Validate(rb.Steps)
	if result.HasErrors() {
		first := result.Errors[0]
		return nil, rderrors.Validation(first.Line, first.Message).
			InFile(opts.Filename).
			WithDetail("error_count", len(result.Errors))
	}
	return rb, nil
}

// Name derives a runbook name from its filename: deploy.runbook.md -> deploy.
func Name(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".runbook.md")
	return strings.TrimSuffix(base, ".md")
}

var (
	nestedRunbookPattern = regexp.MustCompile(`([A-Za-z0-9_./-]+\.runbook\.md)$`)
	agentTypePattern     = regexp.MustCompile(`^(.*?)\s*\(([A-Za-z0-9_-]+)\)$`)
)

// section accumulates the content of the open step or substep.
type section struct {
	prompt      []string
	command     *runbook.Command
	runbooks    []string
	transitions transitionSet

	// sealedBy names the content that ends the prompt; prose after it is fatal.
	sealedBy string
}

type docParser struct {
	src        []byte
	lineStarts []int
	rb         *runbook.Runbook

	step    *runbook.Step
	substep *runbook.Substep
	content *section

	description []string
	lastLine    int
}

func newDocParser(src []byte, rb *runbook.Runbook) *docParser {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &docParser{src: src, lineStarts: starts, rb: rb}
}

func (p *docParser) run() error {
	reader := text.NewReader(p.src)
	doc := markdown().Parser().Parse(reader)

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if line := p.nodeLine(node); line > 0 {
			p.lastLine = line
		}
		if err := p.visit(node); err != nil {
			return err
		}
	}
	if err := p.closeSection(); err != nil {
		return err
	}

	if len(p.description) > 0 {
		p.rb.Description = strings.Join(p.description, "\n\n")
	}
	return nil
}

func (p *docParser) visit(node ast.Node) error {
	switch n := node.(type) {
	case *ast.Heading:
		return p.visitHeading(n)
	case *ast.FencedCodeBlock:
		return p.visitFencedCode(n)
	case *ast.List:
		return p.visitList(n)
	default:
		return p.addProse(p.rawText(node), p.lastLine)
	}
}

func (p *docParser) visitHeading(n *ast.Heading) error {
	line := p.nodeLine(n)
	title := strings.TrimSpace(p.rawText(n))

	switch {
	case n.Level == 1:
		token, _ := splitHeader(title)
		if isStepLikeToken(token) {
			return rderrors.Syntax(rderrors.CodeParseHeadingLevel, line,
				"level-1 heading %q cannot be a step; use ## for steps", title)
		}
		if p.step != nil {
			return rderrors.Syntax(rderrors.CodeParseHeadingLevel, line,
				"level-1 heading %q after the first step; only the document title may use #", title)
		}
		if p.rb.Title != "" {
			return rderrors.Syntax(rderrors.CodeParseHeadingLevel, line,
				"second level-1 heading %q; a runbook has a single title", title)
		}
		p.rb.Title = title
		return nil

	case n.Level == 2:
		if err := p.closeSection(); err != nil {
			return err
		}
		step, err := parseStepHeader(title, line)
		if err != nil {
			return err
		}
		p.rb.Steps = append(p.rb.Steps, step)
		p.step = step
		p.substep = nil
		p.content = &section{}
		return nil

	case n.Level == 3:
		if p.step == nil {
			return rderrors.Syntax(rderrors.CodeParseStepReference, line,
				"substep heading %q appears before any step", title)
		}
		if err := p.closeSection(); err != nil {
			return err
		}
		sub, err := parseSubstepHeader(title, line, p.step)
		if err != nil {
			return err
		}
		if err := addSubstep(p.step, sub); err != nil {
			return err
		}
		p.substep = sub
		p.content = &section{}
		return nil
	}

	return rderrors.Syntax(rderrors.CodeParseHeadingLevel, line,
		"level-%d heading %q is not allowed; use ## for steps and ### for substeps", n.Level, title)
}

func (p *docParser) visitFencedCode(n *ast.FencedCodeBlock) error {
	line := p.codeLine(n)
	lang := strings.ToLower(strings.TrimSpace(string(n.Language(p.src))))
	code := strings.TrimRight(p.codeContent(n), "\n")

	switch lang {
	case "bash", "sh", "shell", "prompt":
	default:
		fence := "```" + lang + "\n" + code + "\n```"
		return p.addProse(fence, line)
	}

	if p.content == nil {
		// Executable blocks before the first step are documentation.
		return nil
	}
	if p.content.command != nil {
		return rderrors.Syntax(rderrors.CodeParseMultipleCode, line,
			"%s has more than one code block (first at line %d)", p.currentLabel(), p.content.command.Line)
	}

	cmd := &runbook.Command{Code: code, Language: lang, Line: line}
	if lang == "prompt" {
		cmd.Code = runbook.DisplayCommand + " " + shellQuote(code)
		cmd.Display = true
	}
	p.content.command = cmd
	if p.content.sealedBy == "" {
		p.content.sealedBy = fmt.Sprintf("the code block at line %d", line)
	}
	return nil
}

func (p *docParser) visitList(n *ast.List) error {
	var prose []string
	flushProse := func(line int) error {
		if len(prose) == 0 {
			return nil
		}
		err := p.addProse(strings.Join(prose, "\n"), line)
		prose = nil
		return err
	}

	marker := "-"
	if n.IsOrdered() {
		marker = "1."
	}

	for item := n.FirstChild(); item != nil; item = item.NextSibling() {
		line := p.nodeLine(item)
		if line == 0 {
			line = p.lastLine
		}
		plain := strings.TrimSpace(p.inlineText(item.FirstChild()))

		if p.content != nil {
			tl, ok, err := runbook.ParseTransitionLine(plain)
			if ok {
				if err != nil {
					return actionError(err, line, plain)
				}
				if err := flushProse(line); err != nil {
					return err
				}
				if err := p.content.transitions.add(tl, line); err != nil {
					return err
				}
				continue
			}

			if ref := p.nestedRunbookRef(item, plain); ref != "" {
				if err := flushProse(line); err != nil {
					return err
				}
				p.content.runbooks = append(p.content.runbooks, ref)
				if p.content.sealedBy == "" {
					p.content.sealedBy = fmt.Sprintf("the nested runbook list at line %d", line)
				}
				continue
			}
		}

		prose = append(prose, marker+" "+strings.TrimSpace(p.rawText(item)))
	}
	return flushProse(p.lastLine)
}

// addProse appends free text to the open section's prompt, or to the
// document description before the first step.
func (p *docParser) addProse(s string, line int) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if p.content == nil {
		p.description = append(p.description, s)
		return nil
	}
	if p.content.sealedBy != "" {
		return rderrors.Syntax(rderrors.CodeParsePromptOrder, line,
			"text in %s appears after %s and would be ignored; move it before", p.currentLabel(), p.content.sealedBy)
	}
	p.content.prompt = append(p.content.prompt, s)
	return nil
}

// closeSection moves the accumulated content into the open step or substep.
func (p *docParser) closeSection() error {
	if p.content == nil {
		return nil
	}
	c := p.content
	p.content = nil

	transitions, err := c.transitions.build()
	if err != nil {
		return err
	}
	prompt := strings.Join(c.prompt, "\n\n")

	if p.substep != nil {
		p.substep.Command = c.command
		p.substep.Prompt = prompt
		p.substep.NestedRunbooks = c.runbooks
		p.substep.Transitions = transitions
		return nil
	}
	p.step.Command = c.command
	p.step.Prompt = prompt
	p.step.NestedRunbooks = c.runbooks
	p.step.Transitions = transitions
	return nil
}

func (p *docParser) currentLabel() string {
	if p.substep != nil {
		return "substep " + p.step.ID.WithSubstep(p.substep.ID).String()
	}
	if p.step != nil {
		return "step " + p.step.ID.String()
	}
	return "document"
}

func (p *docParser) nestedRunbookRef(item ast.Node, plain string) string {
	var ref string
	_ = ast.Walk(item, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if link, ok := n.(*ast.Link); ok && entering {
			if m := nestedRunbookPattern.FindString(string(link.Destination)); m != "" {
				ref = m
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	if ref != "" {
		return ref
	}
	return nestedRunbookPattern.FindString(strings.Trim(plain, "`"))
}

// --- Text and position helpers ---

// lineOf converts a byte offset into a 1-based line number.
func (p *docParser) lineOf(offset int) int {
	return sort.Search(len(p.lineStarts), func(i int) bool {
		return p.lineStarts[i] > offset
	})
}

// nodeLine returns the line of the first source segment under node.
func (p *docParser) nodeLine(node ast.Node) int {
	if node == nil {
		return 0
	}
	if node.Type() == ast.TypeBlock {
		if lines := node.Lines(); lines != nil && lines.Len() > 0 {
			return p.lineOf(lines.At(0).Start)
		}
	}
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		if line := p.nodeLine(c); line > 0 {
			return line
		}
	}
	return 0
}

// codeLine returns the line of the opening fence.
func (p *docParser) codeLine(n *ast.FencedCodeBlock) int {
	if n.Info != nil {
		return p.lineOf(n.Info.Segment.Start)
	}
	if lines := n.Lines(); lines.Len() > 0 {
		return p.lineOf(lines.At(0).Start) - 1
	}
	return p.lastLine
}

func (p *docParser) codeContent(n *ast.FencedCodeBlock) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(p.src))
	}
	return b.String()
}

// rawText returns the source text of a block, preserving inline markup.
func (p *docParser) rawText(node ast.Node) string {
	if node == nil {
		return ""
	}
	if node.Type() == ast.TypeBlock {
		if lines := node.Lines(); lines != nil && lines.Len() > 0 {
			var b strings.Builder
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(p.src))
			}
			return strings.TrimRight(b.String(), "\n")
		}
	}
	if _, ok := node.(*ast.ThematicBreak); ok {
		return "---"
	}

	var parts []string
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		if s := p.rawText(c); s != "" {
			parts = append(parts, s)
		}
	}
	if _, ok := node.(*ast.Blockquote); ok {
		joined := strings.Join(parts, "\n\n")
		return "> " + strings.ReplaceAll(joined, "\n", "\n> ")
	}
	return strings.Join(parts, "\n")
}

// inlineText returns the plain text of a block with inline markup removed.
func (p *docParser) inlineText(node ast.Node) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(p.src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// --- Header parsing ---

// splitHeader splits a heading into its address token and description.
func splitHeader(title string) (token, rest string) {
	title = strings.TrimSpace(title)
	i := strings.IndexAny(title, " \t")
	if i < 0 {
		return title, ""
	}
	return title[:i], strings.TrimSpace(title[i+1:])
}

func isStepLikeToken(token string) bool {
	token = strings.TrimSuffix(token, ".")
	if token == runbook.DynamicStepToken {
		return true
	}
	stepPart, _, _ := strings.Cut(token, ".")
	if stepPart == "" {
		return false
	}
	for _, r := range stepPart {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseStepHeader(title string, line int) (*runbook.Step, error) {
	token, description := splitHeader(title)
	if token == "" {
		return nil, rderrors.Syntax(rderrors.CodeParseHeader, line, "empty step heading")
	}
	address := strings.TrimSuffix(token, ".")

	if strings.Contains(address, ".") {
		return nil, rderrors.Syntax(rderrors.CodeParseHeader, line,
			"step heading %q looks like a substep; use ### for substeps", title)
	}

	step := &runbook.Step{Description: description, Line: line}
	switch {
	case address == runbook.DynamicStepToken:
		step.ID = runbook.DynamicStep()
		step.IsDynamic = true
	case isStepLikeToken(address):
		id, err := runbook.ParseStepID(address)
		if err != nil {
			return nil, rderrors.Syntax(rderrors.CodeParseHeader, line, "step heading %q: %v", title, err)
		}
		step.ID = id
	case runbook.IsIdentifier(address):
		step.ID = runbook.NamedStep(address)
	case runbook.IsReserved(address):
		return nil, rderrors.Syntax(rderrors.CodeParseHeader, line,
			"step heading %q uses reserved word %q as a step name", title, address)
	default:
		return nil, rderrors.Syntax(rderrors.CodeParseHeader, line,
			"step heading %q must start with a step number, {N} or an identifier", title)
	}
	return step, nil
}

func parseSubstepHeader(title string, line int, parent *runbook.Step) (*runbook.Substep, error) {
	token, description := splitHeader(title)
	address := strings.TrimSuffix(token, ".")

	stepRef, substepRef, ok := strings.Cut(address, ".")
	if !ok {
		return nil, rderrors.Syntax(rderrors.CodeParseHeader, line,
			"substep heading %q must be <step>.<substep>", title)
	}
	if stepRef != parent.ID.StepString() {
		return nil, rderrors.Syntax(rderrors.CodeParseStepReference, line,
			"substep heading %q does not belong to step %s", title, parent.ID)
	}

	id, err := runbook.ParseSubstepPart(substepRef)
	if err != nil {
		return nil, rderrors.Syntax(rderrors.CodeParseHeader, line, "substep heading %q: %v", title, err)
	}

	sub := &runbook.Substep{
		ID:          id,
		Description: description,
		IsDynamic:   id == runbook.DynamicSubstepToken,
		Line:        line,
	}
	if m := agentTypePattern.FindStringSubmatch(description); m != nil {
		sub.Description = m[1]
		sub.AgentType = m[2]
	}
	return sub, nil
}

func addSubstep(step *runbook.Step, sub *runbook.Substep) error {
	if existing := step.Substep(sub.ID); existing != nil {
		return rderrors.Syntax(rderrors.CodeParseDuplicate, sub.Line,
			"duplicate substep %s (first at line %d)", step.ID.WithSubstep(sub.ID), existing.Line)
	}
	if len(step.Substeps) > 0 && step.HasDynamicSubstep() != sub.IsDynamic {
		return rderrors.Syntax(rderrors.CodeParseMixedSubsteps, sub.Line,
			"step %s mixes static and dynamic ({n}) substeps", step.ID)
	}
	step.Substeps = append(step.Substeps, sub)
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
