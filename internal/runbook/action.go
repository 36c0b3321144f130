package runbook

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ActionKind names an action variant. Its string form is the keyword used in
// the dialect and in the machine's lastAction stamp.
type ActionKind string

const (
	ActionContinue ActionKind = "CONTINUE"
	ActionComplete ActionKind = "COMPLETE"
	ActionStop     ActionKind = "STOP"
	ActionGoto     ActionKind = "GOTO"
	ActionRetry    ActionKind = "RETRY"
)

// Action is the consequence attached to a PASS or FAIL outcome. The set of
// implementations is closed: Continue, Complete, Stop, Goto and Retry.
type Action interface {
	Kind() ActionKind
	String() string
	isAction()
}

// Continue advances to the implicit next address.
type Continue struct{}

// Complete ends the run successfully.
type Complete struct {
	Message string
}

// Stop ends the run unsuccessfully.
type Stop struct {
	Message string
}

// Goto jumps to an explicit address.
type Goto struct {
	Target StepID
}

// Retry re-enters the current state up to Max times, then performs Then.
// Then is never a Retry.
type Retry struct {
	Max  int
	Then Action
}

func (Continue) isAction() {}
func (Complete) isAction() {}
func (Stop) isAction()     {}
func (Goto) isAction()     {}
func (Retry) isAction()    {}

func (Continue) Kind() ActionKind { return ActionContinue }
func (Complete) Kind() ActionKind { return ActionComplete }
func (Stop) Kind() ActionKind     { return ActionStop }
func (Goto) Kind() ActionKind     { return ActionGoto }
func (Retry) Kind() ActionKind    { return ActionRetry }

func (Continue) String() string { return string(ActionContinue) }

func (a Complete) String() string { return withMessage(ActionComplete, a.Message) }

func (a Stop) String() string { return withMessage(ActionStop, a.Message) }

func (a Goto) String() string { return string(ActionGoto) + " " + a.Target.String() }

func (a Retry) String() string {
	s := fmt.Sprintf("%s %d", ActionRetry, a.Max)
	if a.Then != nil {
		s += " " + a.Then.String()
	}
	return s
}

func withMessage(kind ActionKind, msg string) string {
	if msg == "" {
		return string(kind)
	}
	return fmt.Sprintf("%s %q", kind, msg)
}

// DefaultRetryThen is performed once a Retry without an explicit follow-up
// action is exhausted.
func DefaultRetryThen() Action {
	return Stop{}
}

// ErrNestedRetry is returned when a RETRY appears inside another RETRY.
var ErrNestedRetry = errors.New("RETRY cannot be nested inside RETRY")

// Outcome is the side of a transition line: PASS or FAIL.
type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeFail Outcome = "FAIL"
)

// Aggregation controls how parallel outcomes combine.
type Aggregation string

const (
	AggregateAll Aggregation = "ALL"
	AggregateAny Aggregation = "ANY"
)

// Valid returns true if this is a recognized aggregation.
func (a Aggregation) Valid() bool {
	return a == AggregateAll || a == AggregateAny
}

// Transitions holds the PASS and FAIL actions of a step or substep.
type Transitions struct {
	Aggregation Aggregation
	Pass        Action
	Fail        Action
}

// DefaultTransitions is used for steps that declare no transitions.
func DefaultTransitions() *Transitions {
	return &Transitions{
		Aggregation: AggregateAll,
		Pass:        Continue{},
		Fail:        Stop{},
	}
}

// TransitionLine is one parsed "- PASS ALL: ACTION" bullet.
type TransitionLine struct {
	Outcome  Outcome
	Modifier Aggregation // empty when no ALL/ANY modifier was given
	Action   Action
}

var transitionPattern = regexp.MustCompile(`^(PASS|FAIL|YES|NO)(?:\s+(ALL|ANY))?\s*:\s*(.*)$`)

// ParseTransitionLine parses a bullet's text as a transition. ok is false
// when the text is not a transition line at all.
func ParseTransitionLine(text string) (line TransitionLine, ok bool, err error) {
	m := transitionPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return TransitionLine{}, false, nil
	}

	line.Outcome = OutcomePass
	if m[1] == "FAIL" || m[1] == "NO" {
		line.Outcome = OutcomeFail
	}
	line.Modifier = Aggregation(m[2])

	if strings.TrimSpace(m[3]) == "" {
		return line, true, fmt.Errorf("%s transition has no action", line.Outcome)
	}
	line.Action, err = ParseAction(m[3])
	if err != nil {
		return line, true, err
	}
	return line, true, nil
}

// ParseAction parses the action grammar:
//
//	CONTINUE | COMPLETE [msg] | STOP [msg] | GOTO <target> | NEXT [qualifier]
//	| RETRY [n] [msg | action]
func ParseAction(s string) (Action, error) {
	tokens, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty action")
	}
	return parseAction(tokens, true)
}

type token struct {
	text   string
	quoted bool
}

func (t token) is(keyword string) bool {
	return !t.quoted && t.text == keyword
}

func parseAction(tokens []token, allowRetry bool) (Action, error) {
	head, rest := tokens[0], tokens[1:]
	if head.quoted {
		return nil, fmt.Errorf("expected action keyword, got quoted string %q", head.text)
	}

	switch head.text {
	case string(ActionContinue):
		if len(rest) > 0 {
			return nil, fmt.Errorf("CONTINUE takes no arguments")
		}
		return Continue{}, nil

	case string(ActionComplete), string(ActionStop):
		msg, err := parseMessage(head.text, rest)
		if err != nil {
			return nil, err
		}
		if head.text == string(ActionComplete) {
			return Complete{Message: msg}, nil
		}
		return Stop{Message: msg}, nil

	case string(ActionGoto):
		if len(rest) == 0 {
			return nil, fmt.Errorf("GOTO requires a target")
		}
		target, err := parseTarget(rest)
		if err != nil {
			return nil, err
		}
		return Goto{Target: target}, nil

	case NextToken:
		target, err := parseTarget(tokens)
		if err != nil {
			return nil, err
		}
		return Goto{Target: target}, nil

	case string(ActionRetry):
		if !allowRetry {
			return nil, ErrNestedRetry
		}
		return parseRetry(rest)
	}

	return nil, fmt.Errorf("unknown action %q (expected CONTINUE, COMPLETE, STOP, GOTO, NEXT or RETRY)", head.text)
}

func parseMessage(keyword string, rest []token) (string, error) {
	switch {
	case len(rest) == 0:
		return "", nil
	case len(rest) > 1:
		return "", fmt.Errorf("%s message must be a quoted string or a single word", keyword)
	case rest[0].quoted:
		return rest[0].text, nil
	case identifierPattern.MatchString(rest[0].text):
		return rest[0].text, nil
	}
	return "", fmt.Errorf("%s message %q must be a quoted string or identifier", keyword, rest[0].text)
}

// ParseGotoTarget parses a GOTO target as written after GOTO, including
// qualified forms such as "NEXT {N}" and "NEXT 2.{n}".
func ParseGotoTarget(s string) (StepID, error) {
	tokens, err := tokenize(s)
	if err != nil {
		return StepID{}, err
	}
	if len(tokens) == 0 {
		return StepID{}, fmt.Errorf("empty step reference")
	}
	return parseTarget(tokens)
}

// parseTarget parses the tokens following GOTO.
func parseTarget(tokens []token) (StepID, error) {
	first := tokens[0]
	if first.quoted {
		return StepID{}, fmt.Errorf("GOTO target cannot be quoted")
	}

	if first.is(NextToken) {
		switch len(tokens) {
		case 1:
			return NextStep(), nil
		case 2:
			q, err := parseNextQualifier(tokens[1].text)
			if err != nil {
				return StepID{}, err
			}
			return StepID{Kind: StepNext, Qualifier: q}, nil
		}
		return StepID{}, fmt.Errorf("unexpected tokens after NEXT target")
	}

	if len(tokens) > 1 {
		return StepID{}, fmt.Errorf("unexpected tokens after GOTO target %q", first.text)
	}
	return ParseStepID(first.text)
}

func parseRetry(rest []token) (Action, error) {
	r := Retry{Max: 1}
	if len(rest) > 0 && !rest[0].quoted && isDigits(rest[0].text) {
		n, err := strconv.Atoi(rest[0].text)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("RETRY count must be a positive integer, got %q", rest[0].text)
		}
		r.Max = n
		rest = rest[1:]
	}

	switch {
	case len(rest) == 0:
		r.Then = DefaultRetryThen()
	case rest[0].quoted || !isActionKeyword(rest[0].text):
		msg, err := parseMessage(string(ActionRetry), rest)
		if err != nil {
			return nil, err
		}
		r.Then = Stop{Message: msg}
	default:
		then, err := parseAction(rest, false)
		if err != nil {
			return nil, err
		}
		r.Then = then
	}
	return r, nil
}

func isActionKeyword(s string) bool {
	switch s {
	case string(ActionContinue), string(ActionComplete), string(ActionStop),
		string(ActionGoto), string(ActionRetry), NextToken:
		return true
	}
	return false
}

// tokenize splits on whitespace, keeping double-quoted strings intact.
func tokenize(s string) ([]token, error) {
	var tokens []token
	var cur strings.Builder
	inWord := false

	runes := []rune(strings.TrimSpace(s))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' && !inWord:
			var quoted strings.Builder
			closed := false
			for i++; i < len(runes); i++ {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
					quoted.WriteRune(runes[i])
					continue
				}
				if runes[i] == '"' {
					closed = true
					break
				}
				quoted.WriteRune(runes[i])
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted string in %q", s)
			}
			tokens = append(tokens, token{text: quoted.String(), quoted: true})
		case r == ' ' || r == '\t':
			if inWord {
				tokens = append(tokens, token{text: cur.String()})
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		tokens = append(tokens, token{text: cur.String()})
	}
	return tokens, nil
}
