package parser

import (
	"errors"

	rderrors "github.com/meow-stack/rundown/internal/errors"
	"github.com/meow-stack/rundown/internal/runbook"
)

// transitionSet collects the PASS and FAIL bullets of one section.
type transitionSet struct {
	pass     *runbook.TransitionLine
	fail     *runbook.TransitionLine
	passLine int
	failLine int
}

func (ts *transitionSet) add(tl runbook.TransitionLine, line int) error {
	switch tl.Outcome {
	case runbook.OutcomePass:
		if ts.pass != nil {
			return rderrors.Syntax(rderrors.CodeParseTransition, line,
				"duplicate PASS transition (first at line %d)", ts.passLine)
		}
		ts.pass, ts.passLine = &tl, line
	case runbook.OutcomeFail:
		if ts.fail != nil {
			return rderrors.Syntax(rderrors.CodeParseTransition, line,
				"duplicate FAIL transition (first at line %d)", ts.failLine)
		}
		ts.fail, ts.failLine = &tl, line
	}
	return nil
}

// build returns nil when the section declared no transitions.
func (ts *transitionSet) build() (*runbook.Transitions, error) {
	if ts.pass == nil && ts.fail == nil {
		return nil, nil
	}

	// PASS ALL pairs with FAIL ANY, PASS ANY with FAIL ALL.
	var fromPass, fromFail runbook.Aggregation
	if ts.pass != nil {
		fromPass = ts.pass.Modifier
	}
	if ts.fail != nil {
		switch ts.fail.Modifier {
		case runbook.AggregateAny:
			fromFail = runbook.AggregateAll
		case runbook.AggregateAll:
			fromFail = runbook.AggregateAny
		}
	}
	if fromPass != "" && fromFail != "" && fromPass != fromFail {
		return nil, rderrors.Syntax(rderrors.CodeParseTransition, ts.failLine,
			"PASS %s conflicts with FAIL %s: PASS ALL pairs with FAIL ANY and PASS ANY with FAIL ALL",
			ts.pass.Modifier, ts.fail.Modifier)
	}

	t := runbook.DefaultTransitions()
	switch {
	case fromPass != "":
		t.Aggregation = fromPass
	case fromFail != "":
		t.Aggregation = fromFail
	}
	if ts.pass != nil {
		t.Pass = ts.pass.Action
	}
	if ts.fail != nil {
		t.Fail = ts.fail.Action
	}
	return t, nil
}

// actionError classifies an action grammar failure.
func actionError(err error, line int, text string) error {
	if errors.Is(err, runbook.ErrNestedRetry) {
		return rderrors.Syntax(rderrors.CodeParseNestedRetry, line, "%q: %v", text, err)
	}
	return rderrors.Syntax(rderrors.CodeParseAction, line, "invalid transition %q: %v", text, err)
}
