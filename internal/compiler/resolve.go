package compiler

import (
	rderrors "github.com/meow-stack/rundown/internal/errors"
	"github.com/meow-stack/rundown/internal/runbook"
	"github.com/meow-stack/rundown/internal/validator"
)

// resolution is a GOTO target bound to a concrete state.
type resolution struct {
	stateID             string
	retry               RetryEffect
	nextInstance        bool
	nextSubstepInstance bool
}

func (r resolution) transition(target runbook.StepID) Transition {
	return Transition{
		Target:              r.stateID,
		Retry:               r.retry,
		NextInstance:        r.nextInstance,
		NextSubstepInstance: r.nextSubstepInstance,
		LastAction:          string(runbook.ActionGoto) + " " + target.String(),
	}
}

// jump resolves a GOTO event sent from the state from. The target must be
// one a written GOTO in that state could name; the current address is also
// accepted and counts as a retry.
func (d *Definition) jump(from *State, target runbook.StepID) (resolution, error) {
	step := runbook.FindStep(d.steps, from.Address)
	if step == nil {
		return resolution{}, rderrors.MachineBadTarget(target.String(), from.ID, "state has no source step")
	}
	var sub *runbook.Substep
	if from.Address.HasSubstep() {
		sub = step.Substep(from.Address.Substep)
	}
	if reason := validator.JumpError(d.steps, step, sub, target); reason != "" {
		return resolution{}, rderrors.MachineBadTarget(target.String(), from.ID, reason)
	}
	return d.resolve(from, target)
}

// resolve binds target to a state as seen from the state from. It checks
// only that the target exists; legality is the validator's concern, or
// jump's for externally supplied GOTO events.
func (d *Definition) resolve(from *State, target runbook.StepID) (resolution, error) {
	if target.IsNext() {
		return d.resolveNext(from, target)
	}

	var id string
	if target.HasSubstep() {
		id = StateID(target)
		if _, ok := d.index[id]; !ok {
			return resolution{}, rderrors.MachineBadTarget(target.String(), from.ID, "no such substep")
		}
	} else {
		first, ok := d.firstState(target)
		if !ok {
			return resolution{}, rderrors.MachineBadTarget(target.String(), from.ID, "no such step")
		}
		id = first
	}

	res := resolution{stateID: id, retry: RetryReset}
	if id == from.ID {
		// Re-entering the same state behaves as an implicit retry.
		res.retry = RetryIncrement
	}
	return res, nil
}

// resolveNext handles NEXT targets. Every NEXT starts a fresh instance, so
// the retry count is reset even when the state does not change.
func (d *Definition) resolveNext(from *State, target runbook.StepID) (resolution, error) {
	q := target.Qualifier
	res := resolution{retry: RetryReset}

	switch {
	case q == nil && from.Address.SubstepIsDynamic():
		res.stateID = from.ID
		res.nextSubstepInstance = true

	case q == nil && from.Address.IsDynamic():
		first, ok := d.firstState(runbook.DynamicStep())
		if !ok {
			return resolution{}, rderrors.MachineBadTarget(target.String(), from.ID, "no dynamic step")
		}
		res.stateID = first
		res.nextInstance = true

	case q == nil:
		return resolution{}, rderrors.MachineBadTarget(target.String(), from.ID, "NEXT outside a dynamic step or substep")

	case q.IsDynamic() && !q.HasSubstep():
		first, ok := d.firstState(runbook.DynamicStep())
		if !ok {
			return resolution{}, rderrors.MachineBadTarget(target.String(), from.ID, "no dynamic step")
		}
		res.stateID = first
		res.nextInstance = true

	default:
		id := StateID(*q)
		if _, ok := d.index[id]; !ok {
			return resolution{}, rderrors.MachineBadTarget(target.String(), from.ID, "no such dynamic substep")
		}
		res.stateID = id
		res.nextSubstepInstance = true
	}
	return res, nil
}

func (d *Definition) firstState(step runbook.StepID) (string, bool) {
	ids := d.stepStates[step.StepString()]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}
