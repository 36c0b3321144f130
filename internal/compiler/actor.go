package compiler

import (
	"sync"

	rderrors "github.com/meow-stack/rundown/internal/errors"
	"github.com/meow-stack/rundown/internal/runbook"
)

// Actor drives one execution of a Definition. Each event is applied
// atomically; the definition itself is never touched.
type Actor struct {
	mu      sync.Mutex
	def     *Definition
	state   string
	ctx     Context
	message string
}

// NewActor starts a fresh execution at the definition's initial state.
func NewActor(def *Definition) *Actor {
	a := &Actor{
		def:   def,
		state: def.Initial,
		ctx:   Context{Variables: make(map[string]any)},
	}
	if s, ok := def.State(def.Initial); ok {
		a.ctx.Substep = s.Address.Substep
	}
	return a
}

// NewActorFromSnapshot resumes an execution from a checkpoint. The snapshot
// is copied, so later changes to it do not affect the actor.
func NewActorFromSnapshot(def *Definition, snap Snapshot) (*Actor, error) {
	if _, ok := def.State(snap.StateID); !ok {
		return nil, rderrors.Newf(rderrors.CodeMachineSnapshot, "snapshot state %q is not part of this runbook", snap.StateID).
			WithDetail("state", snap.StateID)
	}
	if snap.Context.RetryCount < 0 {
		return nil, rderrors.Newf(rderrors.CodeMachineSnapshot, "snapshot retry count %d is negative", snap.Context.RetryCount)
	}
	for name, value := range snap.Context.Variables {
		if !isScalar(value) {
			return nil, rderrors.Newf(rderrors.CodeMachineSnapshot, "snapshot variable %q is not a scalar (%T)", name, value)
		}
	}

	return &Actor{
		def:     def,
		state:   snap.StateID,
		ctx:     snap.Context.clone(),
		message: snap.Message,
	}, nil
}

// Definition returns the definition the actor runs.
func (a *Actor) Definition() *Definition {
	return a.def
}

// State returns the current state id.
func (a *Actor) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done reports whether the actor reached COMPLETE or STOPPED.
func (a *Actor) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.def.index[a.state]
	return s != nil && s.Final
}

// Snapshot returns a copy of the current state and context.
func (a *Actor) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		StateID: a.state,
		Context: a.ctx.clone(),
		Message: a.message,
	}
}

// SetVariable stores a scalar (string, bool, integer or float) in the
// context.
func (a *Actor) SetVariable(name string, value any) error {
	if name == "" {
		return rderrors.New(rderrors.CodeMachineVariable, "variable name is empty")
	}
	if !isScalar(value) {
		return rderrors.Newf(rderrors.CodeMachineVariable, "variable %q must be a scalar, got %T", name, value).
			WithDetail("variable", name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx.Variables[name] = value
	return nil
}

// Send applies one event.
func (a *Actor) Send(ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.def.index[a.state]
	if !ok {
		return rderrors.Newf(rderrors.CodeMachineSnapshot, "actor is in unknown state %q", a.state)
	}
	if current.Final {
		return rderrors.MachineFinal(current.ID, string(ev.Type))
	}

	switch ev.Type {
	case EventPass:
		return a.fire(current, current.Pass)
	case EventFail:
		return a.fire(current, current.Fail)
	case EventRetry:
		a.apply(Transition{
			Target:     current.ID,
			Retry:      RetryIncrement,
			LastAction: string(runbook.ActionRetry),
		})
		return nil
	case EventGoto:
		res, err := a.def.jump(current, ev.Target)
		if err != nil {
			return err
		}
		a.apply(res.transition(ev.Target))
		return nil
	}

	return rderrors.Newf(rderrors.CodeMachineUnknownEvent, "unknown event type %q", ev.Type).
		WithDetail("event", string(ev.Type))
}

// fire applies the first transition whose retry guard holds.
func (a *Actor) fire(current *State, transitions []Transition) error {
	for _, t := range transitions {
		if t.Guarded() && a.ctx.RetryCount >= t.MaxRetries {
			continue
		}
		a.apply(t)
		return nil
	}
	return rderrors.Newf(rderrors.CodeMachineBadTarget, "state %s has no enabled transition", current.ID)
}

func (a *Actor) apply(t Transition) {
	switch t.Retry {
	case RetryReset:
		a.ctx.RetryCount = 0
	case RetryIncrement:
		a.ctx.RetryCount++
	}

	a.ctx.NextInstance = t.NextInstance
	a.ctx.NextSubstepInstance = t.NextSubstepInstance
	a.ctx.LastAction = t.LastAction

	target := a.def.index[t.Target]
	if target.Final {
		a.message = t.Message
	} else {
		a.ctx.Substep = target.Address.Substep
		a.message = ""
	}
	a.state = t.Target
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}
