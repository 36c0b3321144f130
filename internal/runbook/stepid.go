package runbook

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StepKind classifies the step half of a StepID.
type StepKind int

const (
	StepNumeric StepKind = iota // 1, 2, 3
	StepDynamic                 // {N}
	StepNamed                   // Cleanup
	StepNext                    // NEXT, only valid as a transition target
)

// Reserved address tokens.
const (
	DynamicStepToken    = "{N}"
	DynamicSubstepToken = "{n}"
	NextToken           = "NEXT"
)

// reserved words can never be used as named step or substep identifiers.
var reserved = map[string]bool{
	NextToken:           true,
	DynamicStepToken:    true,
	DynamicSubstepToken: true,
	"ALL":               true,
	"ANY":               true,
	"PASS":              true,
	"FAIL":              true,
	"YES":               true,
	"NO":                true,
	"CONTINUE":          true,
	"COMPLETE":          true,
	"STOP":              true,
	"GOTO":              true,
	"RETRY":             true,
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// IsReserved reports whether s is a reserved address or keyword token.
func IsReserved(s string) bool {
	return reserved[s]
}

// IsIdentifier reports whether s is usable as a named step or substep id.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s) && !reserved[s]
}

// StepID addresses a step or a step+substep.
type StepID struct {
	Kind    StepKind
	Number  int    // StepNumeric only
	Name    string // StepNamed only
	Substep string // "", "{n}", "2", "verify"

	// Qualifier narrows a NEXT target: "NEXT {N}", "NEXT {N}.{n}", "NEXT 2.{n}".
	// Nil for unqualified NEXT and for every other kind.
	Qualifier *StepID
}

// NumericStep returns the address of numbered step n.
func NumericStep(n int) StepID {
	return StepID{Kind: StepNumeric, Number: n}
}

// NamedStep returns the address of a named step.
func NamedStep(name string) StepID {
	return StepID{Kind: StepNamed, Name: name}
}

// DynamicStep returns the address of the dynamic step template.
func DynamicStep() StepID {
	return StepID{Kind: StepDynamic}
}

// NextStep returns the unqualified NEXT target.
func NextStep() StepID {
	return StepID{Kind: StepNext}
}

// WithSubstep returns a copy of id addressing the given substep.
func (id StepID) WithSubstep(substep string) StepID {
	id.Substep = substep
	id.Qualifier = nil
	return id
}

// IsNext reports whether id is a NEXT target, qualified or not.
func (id StepID) IsNext() bool {
	return id.Kind == StepNext
}

// IsDynamic reports whether the step half is the {N} template.
func (id StepID) IsDynamic() bool {
	return id.Kind == StepDynamic
}

// HasSubstep reports whether id addresses a substep.
func (id StepID) HasSubstep() bool {
	return id.Substep != ""
}

// SubstepIsDynamic reports whether the substep half is the {n} template.
func (id StepID) SubstepIsDynamic() bool {
	return id.Substep == DynamicSubstepToken
}

// SameStep reports whether both ids address the same step, ignoring substeps.
func (id StepID) SameStep(other StepID) bool {
	if id.Kind != other.Kind {
		return false
	}
	switch id.Kind {
	case StepNumeric:
		return id.Number == other.Number
	case StepNamed:
		return id.Name == other.Name
	}
	return true
}

// SameAddress reports whether both ids address the same step and substep.
func (id StepID) SameAddress(other StepID) bool {
	return id.SameStep(other) && id.Substep == other.Substep
}

// StepString renders the step half only.
func (id StepID) StepString() string {
	switch id.Kind {
	case StepNumeric:
		return strconv.Itoa(id.Number)
	case StepDynamic:
		return DynamicStepToken
	case StepNamed:
		return id.Name
	case StepNext:
		return NextToken
	}
	return "?"
}

// StateID returns the flattened machine state id of a step or step+substep
// address: step_1, step_2_1, step_{N}_{n}, step_Cleanup_verify.
func (id StepID) StateID() string {
	flat := "step_" + id.StepString()
	if id.HasSubstep() {
		flat += "_" + id.Substep
	}
	return flat
}

// String renders id in the dialect's address syntax.
func (id StepID) String() string {
	if id.Kind == StepNext {
		if id.Qualifier != nil {
			return NextToken + " " + id.Qualifier.String()
		}
		return NextToken
	}
	if id.Substep != "" {
		return id.StepString() + "." + id.Substep
	}
	return id.StepString()
}

// ParseStepID parses a GOTO target: NEXT, {N}[.sub], <int>[.sub] or
// <identifier>[.sub]. Qualified NEXT targets are handled by ParseGotoTarget.
func ParseStepID(s string) (StepID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return StepID{}, fmt.Errorf("empty step reference")
	}
	if s == NextToken {
		return NextStep(), nil
	}

	stepPart, substepPart, hasSubstep := strings.Cut(s, ".")
	id, err := parseStepPart(stepPart)
	if err != nil {
		return StepID{}, fmt.Errorf("invalid step reference %q: %w", s, err)
	}
	if hasSubstep {
		sub, err := ParseSubstepPart(substepPart)
		if err != nil {
			return StepID{}, fmt.Errorf("invalid step reference %q: %w", s, err)
		}
		id.Substep = sub
	}
	return id, nil
}

func parseStepPart(s string) (StepID, error) {
	switch {
	case s == DynamicStepToken:
		return DynamicStep(), nil
	case isDigits(s):
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return StepID{}, fmt.Errorf("step number must be a positive integer")
		}
		return NumericStep(n), nil
	case IsIdentifier(s):
		return NamedStep(s), nil
	case reserved[s]:
		return StepID{}, fmt.Errorf("%q is reserved", s)
	}
	return StepID{}, fmt.Errorf("%q is not a step number, {N} or identifier", s)
}

// ParseSubstepPart normalises the substep half of an address.
func ParseSubstepPart(s string) (string, error) {
	switch {
	case s == DynamicSubstepToken:
		return s, nil
	case isDigits(s):
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return "", fmt.Errorf("substep number must be a positive integer")
		}
		return strconv.Itoa(n), nil
	case IsIdentifier(s):
		return s, nil
	case s == "":
		return "", fmt.Errorf("empty substep")
	}
	return "", fmt.Errorf("%q is not a substep number, {n} or identifier", s)
}

// parseNextQualifier accepts {N}, {N}.{n} or <step>.{n}.
func parseNextQualifier(s string) (*StepID, error) {
	q, err := ParseStepID(s)
	if err != nil {
		return nil, err
	}
	switch {
	case q.Kind == StepNext:
		return nil, fmt.Errorf("NEXT cannot qualify NEXT")
	case q.Kind == StepDynamic && (q.Substep == "" || q.SubstepIsDynamic()):
		return &q, nil
	case q.SubstepIsDynamic():
		return &q, nil
	}
	return nil, fmt.Errorf("NEXT can only be qualified by {N}, {N}.{n} or <step>.{n}, got %q", s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
