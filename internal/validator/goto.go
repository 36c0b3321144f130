package validator

import (
	"fmt"

	"github.com/meow-stack/rundown/internal/runbook"
)

// gotoContext is the position an action is evaluated from.
type gotoContext struct {
	steps   []*runbook.Step
	step    *runbook.Step
	substep *runbook.Substep // nil for steps without substeps
	line    int

	// allowSelf accepts a target that resolves to the current address.
	allowSelf bool
}

func (c gotoContext) address() runbook.StepID {
	if c.substep != nil {
		return c.step.ID.WithSubstep(c.substep.ID)
	}
	return c.step.ID
}

func (c gotoContext) inDynamicStep() bool {
	return c.step.IsDynamic
}

func (c gotoContext) inDynamicSubstep() bool {
	return c.substep != nil && c.substep.IsDynamic
}

// validateGotos checks every GOTO target, including those inside RETRY.
func validateGotos(steps []*runbook.Step, result *Result) {
	for _, step := range steps {
		if len(step.Substeps) == 0 {
			checkTransitions(gotoContext{steps: steps, step: step, line: step.Line}, step.Transitions, result)
			continue
		}
		// Step-level transitions on a step with substeps govern its last substep.
		last := step.Substeps[len(step.Substeps)-1]
		checkTransitions(gotoContext{steps: steps, step: step, substep: last, line: step.Line}, step.Transitions, result)

		for _, sub := range step.Substeps {
			checkTransitions(gotoContext{steps: steps, step: step, substep: sub, line: sub.Line}, sub.Transitions, result)
		}
	}
}

func checkTransitions(ctx gotoContext, t *runbook.Transitions, result *Result) {
	if t == nil {
		return
	}
	checkAction(ctx, t.Pass, result)
	checkAction(ctx, t.Fail, result)
}

func checkAction(ctx gotoContext, action runbook.Action, result *Result) {
	switch a := action.(type) {
	case runbook.Retry:
		checkAction(ctx, a.Then, result)
	case runbook.Goto:
		if reason := gotoError(ctx.steps, ctx.step, ctx.substep, a.Target); reason != "" {
			where := "step " + ctx.step.ID.String()
			if ctx.substep != nil {
				where = "substep " + ctx.address().String()
			}
			result.add(ctx.line, "%s: GOTO %s: %s", where, a.Target, reason)
		}
	}
}

// gotoError returns why target is not a legal GOTO from step/substep, or ""
// when it is. substep is nil for steps without substeps.
func gotoError(steps []*runbook.Step, step *runbook.Step, substep *runbook.Substep, target runbook.StepID) string {
	return checkGoto(gotoContext{steps: steps, step: step, substep: substep}, target)
}

// JumpError applies the GOTO rules to a GOTO event sent to a running
// machine from step/substep. Unlike a written GOTO, a jump to the current
// address is legal; the machine treats it as a retry.
func JumpError(steps []*runbook.Step, step *runbook.Step, substep *runbook.Substep, target runbook.StepID) string {
	return checkGoto(gotoContext{steps: steps, step: step, substep: substep, allowSelf: true}, target)
}

func checkGoto(ctx gotoContext, target runbook.StepID) string {
	switch {
	case target.IsNext():
		return nextError(ctx, target)
	case target.IsDynamic():
		return dynamicTargetError(ctx, target)
	}

	ts := runbook.FindStep(ctx.steps, target)
	if ts == nil {
		return "target step does not exist"
	}
	if target.HasSubstep() {
		if reason := substepError(ts, target); reason != "" {
			return reason
		}
	}
	return selfError(ctx, landing(ts, target))
}

// landing is the address a GOTO to target enters: a step with substeps is
// entered at its first substep.
func landing(ts *runbook.Step, target runbook.StepID) runbook.StepID {
	if !target.HasSubstep() && len(ts.Substeps) > 0 {
		return ts.ID.WithSubstep(ts.Substeps[0].ID)
	}
	return target
}

func selfError(ctx gotoContext, address runbook.StepID) string {
	if !ctx.allowSelf && address.SameAddress(ctx.address()) {
		return "GOTO self creates infinite loop (use RETRY instead)"
	}
	return ""
}

func nextError(ctx gotoContext, target runbook.StepID) string {
	if target.Qualifier == nil {
		if !ctx.inDynamicStep() && !ctx.inDynamicSubstep() {
			return "GOTO NEXT is only valid within dynamic step context"
		}
		return ""
	}

	q := *target.Qualifier
	if q.IsDynamic() {
		dyn := runbook.DynamicStepOf(ctx.steps)
		if dyn == nil {
			return "target step {N} does not exist"
		}
		if !ctx.inDynamicStep() {
			return "cannot GOTO into dynamic step from outside; NEXT {N} is only valid within dynamic step context"
		}
		if q.SubstepIsDynamic() && dyn.Substep(runbook.DynamicSubstepToken) == nil {
			return "substep does not exist"
		}
		return ""
	}

	ts := runbook.FindStep(ctx.steps, q)
	if ts == nil {
		return "target step does not exist"
	}
	if ts.Substep(runbook.DynamicSubstepToken) == nil {
		return "substep does not exist"
	}
	if !q.SameStep(ctx.step.ID) {
		return fmt.Sprintf("NEXT %s is only valid within step %s", q, q.StepString())
	}
	return ""
}

func dynamicTargetError(ctx gotoContext, target runbook.StepID) string {
	if !target.HasSubstep() {
		return "GOTO {N} alone is invalid (use GOTO NEXT)"
	}
	if !ctx.inDynamicStep() {
		return "GOTO {N}.<substep> is only valid within dynamic step context; cannot GOTO into dynamic step from outside"
	}
	if reason := substepError(ctx.step, target); reason != "" {
		return reason
	}
	return selfError(ctx, target)
}

func substepError(ts *runbook.Step, target runbook.StepID) string {
	sub := ts.Substep(target.Substep)
	if sub == nil {
		return "substep does not exist"
	}
	if sub.IsDynamic {
		return fmt.Sprintf("cannot target dynamic substep directly (use GOTO NEXT %s)", target)
	}
	return ""
}
