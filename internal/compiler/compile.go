package compiler

import (
	"fmt"

	rderrors "github.com/meow-stack/rundown/internal/errors"
	"github.com/meow-stack/rundown/internal/runbook"
)

// leaf is one entry of the flattened step/substep list.
type leaf struct {
	step        *runbook.Step
	substep     *runbook.Substep
	transitions *runbook.Transitions
	state       *State
}

type compiler struct {
	def    *Definition
	leaves []leaf
}

// Compile lowers validated steps into a machine definition. Steps must have
// passed validator.Validate; the only failures reported here are targets
// that do not resolve to a state.
func Compile(steps []*runbook.Step) (*Definition, error) {
	if len(steps) == 0 {
		return nil, rderrors.New(rderrors.CodeValidation, "runbook must have at least one step")
	}

	c := &compiler{
		def: &Definition{
			index:      make(map[string]*State),
			stepStates: make(map[string][]string),
			steps:      steps,
		},
	}
	c.flatten(steps)

	for _, l := range c.leaves {
		if err := c.addState(l.state); err != nil {
			return nil, err
		}
		key := l.step.ID.StepString()
		c.def.stepStates[key] = append(c.def.stepStates[key], l.state.ID)
	}
	for _, id := range []string{StateComplete, StateStopped} {
		if err := c.addState(&State{ID: id, Final: true}); err != nil {
			return nil, err
		}
	}

	for i := range c.leaves {
		if err := c.lowerLeaf(i); err != nil {
			return nil, err
		}
	}

	c.def.Initial = c.leaves[0].state.ID
	return c.def, nil
}

// flatten produces one leaf per step without substeps and one per substep
// otherwise. Step-level transitions on a step with substeps govern its last
// substep when that substep declares none.
func (c *compiler) flatten(steps []*runbook.Step) {
	for _, step := range steps {
		if len(step.Substeps) == 0 {
			c.leaves = append(c.leaves, leaf{
				step:        step,
				transitions: step.Transitions,
				state: &State{
					ID:             StateID(step.ID),
					Address:        step.ID,
					Description:    step.Description,
					Command:        step.Command,
					Prompt:         step.Prompt,
					NestedRunbooks: step.NestedRunbooks,
				},
			})
			continue
		}

		for i, sub := range step.Substeps {
			t := sub.Transitions
			if t == nil && i == len(step.Substeps)-1 {
				t = step.Transitions
			}
			address := step.ID.WithSubstep(sub.ID)
			c.leaves = append(c.leaves, leaf{
				step:        step,
				substep:     sub,
				transitions: t,
				state: &State{
					ID:             StateID(address),
					Address:        address,
					Description:    sub.Description,
					AgentType:      sub.AgentType,
					Command:        sub.Command,
					Prompt:         sub.Prompt,
					NestedRunbooks: sub.NestedRunbooks,
				},
			})
		}
	}
}

func (c *compiler) addState(s *State) error {
	if _, exists := c.def.index[s.ID]; exists {
		return rderrors.Newf(rderrors.CodeValidation, "two addresses flatten to the same state id %q", s.ID).
			WithDetail("state", s.ID)
	}
	c.def.states = append(c.def.states, s)
	c.def.index[s.ID] = s
	return nil
}

func (c *compiler) lowerLeaf(i int) error {
	l := c.leaves[i]
	t := l.transitions
	if t == nil {
		t = runbook.DefaultTransitions()
	}
	l.state.Aggregation = t.Aggregation

	var err error
	if l.state.Pass, err = c.lower(i, t.Pass); err != nil {
		return err
	}
	if l.state.Fail, err = c.lower(i, t.Fail); err != nil {
		return err
	}
	return nil
}

// lower turns one action into the ordered transitions for an outcome.
func (c *compiler) lower(i int, action runbook.Action) ([]Transition, error) {
	self := c.leaves[i].state

	switch a := action.(type) {
	case runbook.Continue:
		return []Transition{{
			Target:     c.continueTarget(i),
			Retry:      RetryReset,
			LastAction: string(runbook.ActionContinue),
		}}, nil

	case runbook.Complete:
		return []Transition{{
			Target:     StateComplete,
			Retry:      RetryKeep,
			LastAction: string(runbook.ActionComplete),
			Message:    a.Message,
		}}, nil

	case runbook.Stop:
		return []Transition{{
			Target:     StateStopped,
			Retry:      RetryKeep,
			LastAction: string(runbook.ActionStop),
			Message:    a.Message,
		}}, nil

	case runbook.Goto:
		res, err := c.def.resolve(self, a.Target)
		if err != nil {
			return nil, err
		}
		return []Transition{res.transition(a.Target)}, nil

	case runbook.Retry:
		then := a.Then
		if then == nil {
			then = runbook.DefaultRetryThen()
		}
		if _, nested := then.(runbook.Retry); nested {
			return nil, rderrors.Newf(rderrors.CodeValidation, "%s: %v", self.ID, runbook.ErrNestedRetry)
		}
		rest, err := c.lower(i, then)
		if err != nil {
			return nil, err
		}
		loop := Transition{
			Target:     self.ID,
			MaxRetries: a.Max,
			Retry:      RetryIncrement,
			LastAction: string(runbook.ActionRetry),
		}
		return append([]Transition{loop}, rest...), nil
	}

	return nil, fmt.Errorf("%s: unsupported action %T", self.ID, action)
}

// continueTarget is the next sibling substep, or else the first state of
// the next numbered or dynamic step. Named steps are only reached by GOTO.
func (c *compiler) continueTarget(i int) string {
	cur := c.leaves[i]
	if i+1 < len(c.leaves) && c.leaves[i+1].step == cur.step {
		return c.leaves[i+1].state.ID
	}
	for _, l := range c.leaves[i+1:] {
		if l.step.IsNumeric() || l.step.IsDynamic {
			return l.state.ID
		}
	}
	return StateComplete
}
