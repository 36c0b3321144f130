// Package validator checks parsed runbook steps against the dialect's
// structural and semantic rules. It collects every violation instead of
// stopping at the first one.
package validator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meow-stack/rundown/internal/runbook"
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Line    int    // Source line, 0 if unknown
	Message string // Error message
}

func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Result holds all validation errors.
type Result struct {
	Errors []ValidationError
}

// HasErrors returns true if there are any validation errors.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error implements the error interface.
func (r *Result) Error() string {
	if len(r.Errors) == 0 {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("validation failed with %d error(s):\n  - %s",
		len(r.Errors), strings.Join(msgs, "\n  - "))
}

func (r *Result) add(line int, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{
		Line:    line,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate runs every rule over steps. It never modifies steps, so repeated
// calls return identical results.
func Validate(steps []*runbook.Step) *Result {
	result := &Result{}

	if len(steps) == 0 {
		result.add(0, "runbook must have at least one step")
		return result
	}

	validateSchema(steps, result)
	validateAddressing(steps, result)
	validateSequence(steps, result)
	validateExclusivity(steps, result)
	validateGotos(steps, result)

	return result
}

// validateSchema checks that addresses and actions are well formed.
func validateSchema(steps []*runbook.Step, result *Result) {
	for _, step := range steps {
		switch step.ID.Kind {
		case runbook.StepNumeric:
			if step.ID.Number < 1 {
				result.add(step.Line, "step number must be a positive integer, got %d", step.ID.Number)
			}
		case runbook.StepNamed:
			if !runbook.IsIdentifier(step.ID.Name) {
				result.add(step.Line, "invalid step name %q", step.ID.Name)
			}
		case runbook.StepDynamic:
		default:
			result.add(step.Line, "step has invalid address %s", step.ID)
		}
		if step.ID.Substep != "" {
			result.add(step.Line, "step address %s must not include a substep", step.ID)
		}
		if step.IsDynamic != step.ID.IsDynamic() {
			result.add(step.Line, "step %s dynamic flag does not match its address", step.ID)
		}
		validateTransitionsShape(label(step, nil), step.Transitions, step.Line, result)

		seen := make(map[string]bool)
		for _, sub := range step.Substeps {
			if _, err := runbook.ParseSubstepPart(sub.ID); err != nil {
				result.add(sub.Line, "substep %s: %v", step.ID.WithSubstep(sub.ID), err)
			}
			if seen[sub.ID] {
				result.add(sub.Line, "duplicate substep %s", step.ID.WithSubstep(sub.ID))
			}
			seen[sub.ID] = true
			if sub.IsDynamic != (sub.ID == runbook.DynamicSubstepToken) {
				result.add(sub.Line, "substep %s dynamic flag does not match its address", step.ID.WithSubstep(sub.ID))
			}
			validateTransitionsShape(label(step, sub), sub.Transitions, sub.Line, result)
		}

		dynamicSubs := 0
		for _, sub := range step.Substeps {
			if sub.IsDynamic {
				dynamicSubs++
			}
		}
		if dynamicSubs > 0 && dynamicSubs < len(step.Substeps) {
			result.add(step.Line, "step %s mixes static and dynamic ({n}) substeps", step.ID)
		}
	}
}

func validateTransitionsShape(where string, t *runbook.Transitions, line int, result *Result) {
	if t == nil {
		return
	}
	if !t.Aggregation.Valid() {
		result.add(line, "%s: invalid aggregation %q (use ALL or ANY)", where, t.Aggregation)
	}
	validateActionShape(where, "PASS", t.Pass, line, false, result)
	validateActionShape(where, "FAIL", t.Fail, line, false, result)
}

func validateActionShape(where, outcome string, action runbook.Action, line int, inRetry bool, result *Result) {
	switch a := action.(type) {
	case nil:
		result.add(line, "%s: %s action is missing", where, outcome)
	case runbook.Continue, runbook.Complete, runbook.Stop:
	case runbook.Goto:
		if a.Target.Kind == runbook.StepNext && a.Target.Substep != "" {
			result.add(line, "%s: %s target %s is malformed", where, outcome, a.Target)
		}
	case runbook.Retry:
		if inRetry {
			result.add(line, "%s: %s RETRY cannot be nested inside RETRY", where, outcome)
			return
		}
		if a.Max < 1 {
			result.add(line, "%s: %s RETRY count must be a positive integer, got %d", where, outcome, a.Max)
		}
		if a.Then == nil {
			result.add(line, "%s: %s RETRY has no follow-up action", where, outcome)
			return
		}
		validateActionShape(where, outcome, a.Then, line, true, result)
	default:
		result.add(line, "%s: %s has unknown action type %T", where, outcome, action)
	}
}

// validateAddressing enforces the numeric/dynamic exclusion and unique names.
func validateAddressing(steps []*runbook.Step, result *Result) {
	var numeric, dynamic []*runbook.Step
	names := make(map[string]int)

	for _, step := range steps {
		switch {
		case step.IsDynamic:
			dynamic = append(dynamic, step)
		case step.IsNumeric():
			numeric = append(numeric, step)
		case step.IsNamed():
			if first, ok := names[step.ID.Name]; ok {
				result.add(step.Line, "duplicate step name %q (first at line %d)", step.ID.Name, first)
				continue
			}
			names[step.ID.Name] = step.Line
		}
	}

	for _, extra := range dynamic[min(1, len(dynamic)):] {
		result.add(extra.Line, "only one dynamic step ({N}) is allowed per runbook")
	}
	if len(dynamic) > 0 && len(numeric) > 0 {
		result.add(dynamic[0].Line, "numeric steps and a dynamic step ({N}) cannot be combined")
	}

	validateStateIDs(steps, result)
}

// validateStateIDs rejects distinct addresses that flatten to the same
// state id, such as a.b_c and a_b.c. Repeated addresses are reported as
// duplicates elsewhere.
func validateStateIDs(steps []*runbook.Step, result *Result) {
	type seen struct {
		address runbook.StepID
		line    int
	}
	ids := make(map[string]seen)

	check := func(address runbook.StepID, line int) {
		id := address.StateID()
		first, ok := ids[id]
		switch {
		case !ok:
			ids[id] = seen{address: address, line: line}
		case !first.address.SameAddress(address):
			result.add(line, "%s and %s (line %d) both flatten to state id %q",
				address, first.address, first.line, id)
		}
	}

	for _, step := range steps {
		if len(step.Substeps) == 0 {
			check(step.ID, step.Line)
			continue
		}
		for _, sub := range step.Substeps {
			check(step.ID.WithSubstep(sub.ID), sub.Line)
		}
	}
}

// validateSequence requires numeric steps, ignoring named steps, to be
// numbered 1, 2, 3, ... and numeric substeps likewise within their step.
func validateSequence(steps []*runbook.Step, result *Result) {
	expected := 1
	for _, step := range steps {
		if !step.IsNumeric() {
			continue
		}
		if step.ID.Number != expected {
			result.add(step.Line, "steps must be numbered sequentially: expected step %d, found step %d",
				expected, step.ID.Number)
		}
		expected = step.ID.Number + 1
	}

	for _, step := range steps {
		expectedSub := 1
		for _, sub := range step.Substeps {
			n, err := strconv.Atoi(sub.ID)
			if err != nil {
				continue
			}
			if n != expectedSub {
				result.add(sub.Line, "substeps of step %s must be numbered sequentially: expected %s, found %s",
					step.ID, step.ID.WithSubstep(strconv.Itoa(expectedSub)), step.ID.WithSubstep(sub.ID))
			}
			expectedSub = n + 1
		}
	}
}

// validateExclusivity allows at most one of body, substeps and nested
// runbooks per step, and at most one of body and nested runbooks per substep.
func validateExclusivity(steps []*runbook.Step, result *Result) {
	for _, step := range steps {
		hasSubsteps := len(step.Substeps) > 0
		hasRunbooks := len(step.NestedRunbooks) > 0

		if step.HasBody() && hasSubsteps {
			result.add(step.Line, "step %s cannot have both a command/prompt and substeps", step.ID)
		}
		if step.HasBody() && hasRunbooks {
			result.add(step.Line, "step %s cannot have both a command/prompt and nested runbooks", step.ID)
		}
		if hasSubsteps && hasRunbooks {
			result.add(step.Line, "step %s cannot have both substeps and nested runbooks", step.ID)
		}

		for _, sub := range step.Substeps {
			if sub.HasBody() && len(sub.NestedRunbooks) > 0 {
				result.add(sub.Line, "substep %s cannot have both a command/prompt and nested runbooks",
					step.ID.WithSubstep(sub.ID))
			}
		}
	}
}

func label(step *runbook.Step, sub *runbook.Substep) string {
	if sub != nil {
		return "substep " + step.ID.WithSubstep(sub.ID).String()
	}
	return "step " + step.ID.String()
}
