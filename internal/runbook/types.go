// Package runbook defines the document model shared by the parser, the
// validator and the compiler: step addresses, the action language and the
// step/substep tree.
package runbook

// DisplayCommand is the fixed action a ```prompt block is rewritten to. The
// block content is passed to it as a single shell-escaped argument.
const DisplayCommand = "rundown echo"

// Command is the single executable code block of a step or substep.
type Command struct {
	Code     string // shell source, or the rewritten display invocation
	Language string // bash, sh, shell or prompt
	Display  bool   // true when produced from a ```prompt block
	Line     int
}

// Metadata is the optional YAML front-matter of a runbook file.
type Metadata struct {
	Name        string         `yaml:"name,omitempty" validate:"omitempty,runbookname"`
	Description string         `yaml:"description,omitempty"`
	Version     string         `yaml:"version,omitempty" validate:"omitempty,semverish"`
	Author      string         `yaml:"author,omitempty"`
	Tags        []string       `yaml:"tags,omitempty" validate:"dive,required"`
	Scenarios   map[string]any `yaml:"scenarios,omitempty"`
}

// Substep is a ### section of a step.
type Substep struct {
	ID             string // "1", "{n}", or an identifier
	Description    string
	AgentType      string
	IsDynamic      bool
	Command        *Command
	Prompt         string
	Transitions    *Transitions
	NestedRunbooks []string
	Line           int
}

// HasBody reports whether the substep carries a command or prompt.
func (s *Substep) HasBody() bool {
	return s.Command != nil || s.Prompt != ""
}

// Step is a ## section of a runbook.
type Step struct {
	ID             StepID // numeric, named or dynamic; never has a substep
	IsDynamic      bool
	Description    string
	Command        *Command
	Prompt         string
	Transitions    *Transitions
	Substeps       []*Substep
	NestedRunbooks []string
	Line           int
}

// HasBody reports whether the step carries a command or prompt.
func (s *Step) HasBody() bool {
	return s.Command != nil || s.Prompt != ""
}

// IsNumeric reports whether the step has a numeric address.
func (s *Step) IsNumeric() bool {
	return s.ID.Kind == StepNumeric
}

// IsNamed reports whether the step has a named address.
func (s *Step) IsNamed() bool {
	return s.ID.Kind == StepNamed
}

// Substep returns the substep with the given id, or nil if not found.
func (s *Step) Substep(id string) *Substep {
	for _, sub := range s.Substeps {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}

// HasDynamicSubstep reports whether the step's substeps are the {n} template.
func (s *Step) HasDynamicSubstep() bool {
	for _, sub := range s.Substeps {
		if sub.IsDynamic {
			return true
		}
	}
	return false
}

// Runbook is a parsed document. It is not modified after parsing.
type Runbook struct {
	Title       string
	Description string
	Filename    string
	Metadata    Metadata
	Steps       []*Step
}

// Name returns the front-matter name, falling back to the title.
func (r *Runbook) Name() string {
	if r.Metadata.Name != "" {
		return r.Metadata.Name
	}
	return r.Title
}

// FindStep returns the step addressed by id, ignoring any substep part.
func FindStep(steps []*Step, id StepID) *Step {
	for _, s := range steps {
		if s.ID.SameStep(id) {
			return s
		}
	}
	return nil
}

// DynamicStepOf returns the document's dynamic step, or nil.
func DynamicStepOf(steps []*Step) *Step {
	for _, s := range steps {
		if s.IsDynamic {
			return s
		}
	}
	return nil
}
