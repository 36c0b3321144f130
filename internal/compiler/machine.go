// Package compiler lowers validated runbook steps into an immutable
// finite-state machine definition and drives it with an Actor.
//
// A Definition is safe to share between any number of actors. All mutable
// execution state lives in the actor's Context, which is a plain record that
// round-trips through Snapshot.
package compiler

import (
	"github.com/meow-stack/rundown/internal/runbook"
)

// Terminal state ids.
const (
	StateComplete = "COMPLETE"
	StateStopped  = "STOPPED"
)

// EventType names an event the machine accepts.
type EventType string

const (
	EventPass  EventType = "PASS"
	EventFail  EventType = "FAIL"
	EventRetry EventType = "RETRY"
	EventGoto  EventType = "GOTO"
)

// Valid returns true if this is a recognized event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPass, EventFail, EventRetry, EventGoto:
		return true
	}
	return false
}

// Event is one input to the machine. Target is only read for GOTO.
type Event struct {
	Type   EventType
	Target runbook.StepID
}

// Pass returns a PASS event.
func Pass() Event { return Event{Type: EventPass} }

// Fail returns a FAIL event.
func Fail() Event { return Event{Type: EventFail} }

// Retry returns a RETRY event.
func Retry() Event { return Event{Type: EventRetry} }

// Goto returns a GOTO event for target.
func Goto(target runbook.StepID) Event { return Event{Type: EventGoto, Target: target} }

// RetryEffect describes what a transition does to Context.RetryCount.
type RetryEffect int

const (
	RetryReset     RetryEffect = iota // set to 0
	RetryIncrement                    // add 1
	RetryKeep                         // leave unchanged
)

// Transition is one data-only edge out of a state. A state's transitions
// for an outcome are tried in order and the first whose guard holds fires.
type Transition struct {
	Target string // state id

	// MaxRetries guards the edge: when > 0 it fires only while
	// Context.RetryCount < MaxRetries.
	MaxRetries int

	Retry               RetryEffect
	NextInstance        bool
	NextSubstepInstance bool

	// LastAction is stamped into Context.LastAction when the edge fires.
	LastAction string

	// Message is the COMPLETE/STOP message, if any.
	Message string
}

// Guarded reports whether the transition carries a retry guard.
func (t Transition) Guarded() bool {
	return t.MaxRetries > 0
}

// State is one flattened step or leaf substep.
type State struct {
	ID      string
	Address runbook.StepID // zero for terminal states
	Final   bool

	// Body of the originating step or substep, kept for display.
	Description    string
	AgentType      string
	Command        *runbook.Command
	Prompt         string
	NestedRunbooks []string

	Aggregation runbook.Aggregation
	Pass        []Transition
	Fail        []Transition
}

// IsDynamic reports whether the state belongs to the {N} step or is a {n}
// substep.
func (s *State) IsDynamic() bool {
	return s.Address.IsDynamic() || s.Address.SubstepIsDynamic()
}

// Definition is a compiled runbook. It is never modified after Compile
// returns.
type Definition struct {
	Initial string
	states  []*State
	index   map[string]*State

	// stepStates lists the state ids of each step in order, keyed by
	// StepID.StepString().
	stepStates map[string][]string

	// steps are the validated steps the definition was compiled from. GOTO
	// events are checked against them.
	steps []*runbook.Step
}

// State returns the state with the given id.
func (d *Definition) State(id string) (*State, bool) {
	s, ok := d.index[id]
	return s, ok
}

// States returns every state in flattened order, followed by the terminal
// states.
func (d *Definition) States() []*State {
	out := make([]*State, len(d.states))
	copy(out, d.states)
	return out
}

// StateIDs returns every state id in flattened order.
func (d *Definition) StateIDs() []string {
	ids := make([]string, len(d.states))
	for i, s := range d.states {
		ids[i] = s.ID
	}
	return ids
}

// AddressOf returns the step address a state was compiled from. Terminal
// states have no address.
func (d *Definition) AddressOf(id string) (runbook.StepID, bool) {
	s, ok := d.index[id]
	if !ok || s.Final {
		return runbook.StepID{}, false
	}
	return s.Address, true
}

// StateID returns the flattened id of a step or step+substep address:
// step_1, step_2_1, step_{N}_{n}, step_Cleanup_verify.
func StateID(address runbook.StepID) string {
	return address.StateID()
}

// Context is the mutable execution record of one actor.
type Context struct {
	RetryCount          int            `json:"retryCount" yaml:"retry_count"`
	Substep             string         `json:"substep,omitempty" yaml:"substep,omitempty"`
	NextInstance        bool           `json:"nextInstance,omitempty" yaml:"next_instance,omitempty"`
	NextSubstepInstance bool           `json:"nextSubstepInstance,omitempty" yaml:"next_substep_instance,omitempty"`
	LastAction          string         `json:"lastAction,omitempty" yaml:"last_action,omitempty"`
	Variables           map[string]any `json:"variables" yaml:"variables"`
}

func (c Context) clone() Context {
	vars := make(map[string]any, len(c.Variables))
	for k, v := range c.Variables {
		vars[k] = v
	}
	c.Variables = vars
	return c
}

// Snapshot is the resumable checkpoint of an actor.
type Snapshot struct {
	StateID string  `json:"stateId" yaml:"state_id"`
	Context Context `json:"context" yaml:"context"`

	// Message is set when a COMPLETE or STOP carrying a message fired.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Done reports whether the snapshot is in a terminal state.
func (s Snapshot) Done() bool {
	return s.StateID == StateComplete || s.StateID == StateStopped
}
