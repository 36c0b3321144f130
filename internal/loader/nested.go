package loader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/meow-stack/rundown/internal/parser"
	"github.com/meow-stack/rundown/internal/runbook"
)

// LoadContext tracks the chain of runbooks being loaded so that a runbook
// referencing itself, directly or through others, is reported instead of
// followed forever.
type LoadContext struct {
	// Location is the runbook currently being loaded.
	Location *Location

	visited map[string]bool
	stack   []string
}

// NewLoadContext creates a LoadContext rooted at loc.
func NewLoadContext(loc *Location) *LoadContext {
	return &LoadContext{
		Location: loc,
		visited:  make(map[string]bool),
	}
}

// Enter marks ref as being loaded. It fails if ref is already on the chain.
func (c *LoadContext) Enter(ref string) error {
	if c.visited[ref] {
		cyclePath := make([]string, len(c.stack)+1)
		copy(cyclePath, c.stack)
		cyclePath[len(c.stack)] = ref
		return &CircularReferenceError{Reference: ref, Path: cyclePath}
	}
	c.visited[ref] = true
	c.stack = append(c.stack, ref)
	return nil
}

// Exit pops ref. The same runbook may be entered again from a different
// branch, so diamonds (A->B, A->C->B) are not cycles.
func (c *LoadContext) Exit(ref string) {
	if len(c.stack) > 0 && c.stack[len(c.stack)-1] == ref {
		c.stack = c.stack[:len(c.stack)-1]
		delete(c.visited, ref)
	}
}

// Child creates the context for a referenced runbook. The visited set is
// shared and the stack copied.
func (c *LoadContext) Child(loc *Location) *LoadContext {
	stackCopy := make([]string, len(c.stack))
	copy(stackCopy, c.stack)
	return &LoadContext{
		Location: loc,
		visited:  c.visited,
		stack:    stackCopy,
	}
}

// Depth returns the current nesting depth.
func (c *LoadContext) Depth() int {
	return len(c.stack)
}

// CircularReferenceError is returned when nested runbooks form a cycle.
type CircularReferenceError struct {
	Reference string   // The reference that closed the cycle
	Path      []string // The full chain, ending with Reference
}

func (e *CircularReferenceError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("circular runbook reference: %s", e.Reference)
	}
	return fmt.Sprintf("circular runbook reference: %s (path: %s)",
		e.Reference, strings.Join(e.Path, " -> "))
}

// NestedError reports a nested runbook that could not be loaded.
type NestedError struct {
	Parent string
	Ref    string
	Err    error
}

func (e *NestedError) Error() string {
	return fmt.Sprintf("%s: nested runbook %s: %v", e.Parent, e.Ref, e.Err)
}

func (e *NestedError) Unwrap() error {
	return e.Err
}

// NestedRefs returns every nested runbook reference in document order.
func NestedRefs(rb *runbook.Runbook) []string {
	var refs []string
	for _, step := range rb.Steps {
		refs = append(refs, step.NestedRunbooks...)
		for _, sub := range step.Substeps {
			refs = append(refs, sub.NestedRunbooks...)
		}
	}
	return refs
}

// CheckNested loads every runbook reachable through nested references from
// loaded and reports the first that is missing, invalid, or part of a cycle.
func (l *Loader) CheckNested(loaded *Loaded) error {
	ctx := NewLoadContext(&loaded.Location)
	if err := ctx.Enter(key(&loaded.Location)); err != nil {
		return err
	}
	return l.checkNested(ctx, loaded.Runbook)
}

func (l *Loader) checkNested(ctx *LoadContext, rb *runbook.Runbook) error {
	for _, ref := range NestedRefs(rb) {
		loc, err := l.ResolveNested(ctx.Location, ref)
		if err != nil {
			return &NestedError{Parent: ctx.Location.Path, Ref: ref, Err: err}
		}

		k := key(loc)
		child := ctx.Child(loc)
		if err := child.Enter(k); err != nil {
			return err
		}
		nested, err := l.parse(loc, parser.Options{})
		if err != nil {
			return &NestedError{Parent: ctx.Location.Path, Ref: ref, Err: err}
		}
		if err := l.checkNested(child, nested); err != nil {
			return err
		}
		child.Exit(k)
	}
	return nil
}

func key(loc *Location) string {
	if loc.Source == SourceEmbedded {
		return "<embedded>/" + loc.Path
	}
	if abs, err := filepath.Abs(loc.Path); err == nil {
		return abs
	}
	return loc.Path
}
