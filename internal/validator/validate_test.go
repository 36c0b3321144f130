package validator

import (
	"reflect"
	"strings"
	"testing"

	"github.com/meow-stack/rundown/internal/runbook"
)

func numeric(n int, line int) *runbook.Step {
	return &runbook.Step{ID: runbook.NumericStep(n), Line: line, Prompt: "do it"}
}

func named(name string, line int) *runbook.Step {
	return &runbook.Step{ID: runbook.NamedStep(name), Line: line, Prompt: "do it"}
}

func dynamic(line int) *runbook.Step {
	return &runbook.Step{ID: runbook.DynamicStep(), IsDynamic: true, Line: line, Prompt: "do it"}
}

func sub(id string, line int) *runbook.Substep {
	return &runbook.Substep{ID: id, IsDynamic: id == runbook.DynamicSubstepToken, Line: line, Prompt: "do it"}
}

func withSubsteps(step *runbook.Step, subs ...*runbook.Substep) *runbook.Step {
	step.Prompt = ""
	step.Substeps = subs
	return step
}

func passAction(action runbook.Action) *runbook.Transitions {
	t := runbook.DefaultTransitions()
	t.Pass = action
	return t
}

func gotoTarget(t *testing.T, s string) runbook.Action {
	t.Helper()
	action, err := runbook.ParseAction("GOTO " + s)
	if err != nil {
		t.Fatalf("ParseAction(GOTO %s) error = %v", s, err)
	}
	return action
}

func containsError(result *Result, substr string) bool {
	for _, e := range result.Errors {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidate_Empty(t *testing.T) {
	result := Validate(nil)
	if !containsError(result, "at least one step") {
		t.Errorf("expected at least-one-step error, got %v", result.Errors)
	}
}

func TestValidate_Sequencing(t *testing.T) {
	t.Run("contiguous", func(t *testing.T) {
		steps := []*runbook.Step{numeric(1, 1), named("Cleanup", 3), numeric(2, 5), numeric(3, 7)}
		result := Validate(steps)
		if result.HasErrors() {
			t.Errorf("expected no errors, got %v", result.Errors)
		}
	})

	t.Run("gap", func(t *testing.T) {
		steps := []*runbook.Step{numeric(1, 1), numeric(3, 5)}
		result := Validate(steps)

		var seqErrors []ValidationError
		for _, e := range result.Errors {
			if strings.Contains(e.Message, "numbered sequentially") {
				seqErrors = append(seqErrors, e)
			}
		}
		if len(seqErrors) != 1 {
			t.Fatalf("expected exactly 1 sequencing error, got %v", result.Errors)
		}
		if !strings.Contains(seqErrors[0].Message, "expected step 2") {
			t.Errorf("sequencing error should reference step 2: %q", seqErrors[0].Message)
		}
		if seqErrors[0].Line != 5 {
			t.Errorf("sequencing error line = %d, want 5", seqErrors[0].Line)
		}
	})

	t.Run("repeat", func(t *testing.T) {
		steps := []*runbook.Step{numeric(1, 1), numeric(1, 3)}
		result := Validate(steps)
		if !containsError(result, "expected step 2, found step 1") {
			t.Errorf("expected repeat error, got %v", result.Errors)
		}
	})

	t.Run("not starting at one", func(t *testing.T) {
		result := Validate([]*runbook.Step{numeric(2, 1)})
		if !containsError(result, "expected step 1, found step 2") {
			t.Errorf("expected start error, got %v", result.Errors)
		}
	})

	t.Run("substeps", func(t *testing.T) {
		steps := []*runbook.Step{withSubsteps(numeric(1, 1), sub("1", 2), sub("3", 4))}
		result := Validate(steps)
		if !containsError(result, "expected 1.2, found 1.3") {
			t.Errorf("expected substep sequencing error, got %v", result.Errors)
		}
	})
}

func TestValidate_Addressing(t *testing.T) {
	t.Run("numeric and dynamic", func(t *testing.T) {
		result := Validate([]*runbook.Step{numeric(1, 1), dynamic(3)})
		if !containsError(result, "cannot be combined") {
			t.Errorf("expected exclusion error, got %v", result.Errors)
		}
	})

	t.Run("two dynamic", func(t *testing.T) {
		result := Validate([]*runbook.Step{dynamic(1), dynamic(3)})
		if !containsError(result, "only one dynamic step") {
			t.Errorf("expected single-dynamic error, got %v", result.Errors)
		}
	})

	t.Run("dynamic with named", func(t *testing.T) {
		result := Validate([]*runbook.Step{dynamic(1), named("Cleanup", 3)})
		if result.HasErrors() {
			t.Errorf("expected no errors, got %v", result.Errors)
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		result := Validate([]*runbook.Step{numeric(1, 1), named("Cleanup", 3), named("Cleanup", 5)})
		if !containsError(result, `duplicate step name "Cleanup"`) {
			t.Errorf("expected duplicate name error, got %v", result.Errors)
		}
	})

	t.Run("mixed substeps", func(t *testing.T) {
		result := Validate([]*runbook.Step{withSubsteps(dynamic(1), sub("1", 2), sub("{n}", 4))})
		if !containsError(result, "mixes static and dynamic") {
			t.Errorf("expected mixed substeps error, got %v", result.Errors)
		}
	})
}

func TestValidate_Exclusivity(t *testing.T) {
	t.Run("command and substeps", func(t *testing.T) {
		step := withSubsteps(numeric(1, 1), sub("1", 3))
		step.Command = &runbook.Command{Code: "make", Language: "bash"}
		result := Validate([]*runbook.Step{step})
		if !containsError(result, "both a command/prompt and substeps") {
			t.Errorf("expected exclusivity error, got %v", result.Errors)
		}
	})

	t.Run("substeps and runbooks", func(t *testing.T) {
		step := withSubsteps(numeric(1, 1), sub("1", 3))
		step.NestedRunbooks = []string{"child.runbook.md"}
		result := Validate([]*runbook.Step{step})
		if !containsError(result, "both substeps and nested runbooks") {
			t.Errorf("expected exclusivity error, got %v", result.Errors)
		}
	})

	t.Run("substep body and runbooks", func(t *testing.T) {
		s := sub("1", 3)
		s.NestedRunbooks = []string{"child.runbook.md"}
		result := Validate([]*runbook.Step{withSubsteps(numeric(1, 1), s)})
		if !containsError(result, "substep 1.1 cannot have both") {
			t.Errorf("expected substep exclusivity error, got %v", result.Errors)
		}
	})

	for _, tc := range []struct {
		name string
		step *runbook.Step
	}{
		{"body only", numeric(1, 1)},
		{"substeps only", withSubsteps(numeric(1, 1), sub("1", 2))},
		{"runbooks only", &runbook.Step{ID: runbook.NumericStep(1), Line: 1, NestedRunbooks: []string{"a.runbook.md"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			result := Validate([]*runbook.Step{tc.step})
			if result.HasErrors() {
				t.Errorf("expected no errors, got %v", result.Errors)
			}
		})
	}
}

func TestValidate_Schema(t *testing.T) {
	t.Run("nested retry", func(t *testing.T) {
		step := numeric(1, 1)
		step.Transitions = &runbook.Transitions{
			Aggregation: runbook.AggregateAll,
			Pass:        runbook.Continue{},
			Fail:        runbook.Retry{Max: 2, Then: runbook.Retry{Max: 1, Then: runbook.Stop{}}},
		}
		result := Validate([]*runbook.Step{step})
		if !containsError(result, "cannot be nested") {
			t.Errorf("expected nested retry error, got %v", result.Errors)
		}
	})

	t.Run("bad aggregation", func(t *testing.T) {
		step := numeric(1, 1)
		step.Transitions = &runbook.Transitions{Aggregation: "SOME", Pass: runbook.Continue{}, Fail: runbook.Stop{}}
		result := Validate([]*runbook.Step{step})
		if !containsError(result, "invalid aggregation") {
			t.Errorf("expected aggregation error, got %v", result.Errors)
		}
	})

	t.Run("missing action", func(t *testing.T) {
		step := numeric(1, 1)
		step.Transitions = &runbook.Transitions{Aggregation: runbook.AggregateAll, Pass: runbook.Continue{}}
		result := Validate([]*runbook.Step{step})
		if !containsError(result, "FAIL action is missing") {
			t.Errorf("expected missing action error, got %v", result.Errors)
		}
	})

	t.Run("zero retry", func(t *testing.T) {
		step := numeric(1, 1)
		step.Transitions = &runbook.Transitions{
			Aggregation: runbook.AggregateAll,
			Pass:        runbook.Continue{},
			Fail:        runbook.Retry{Max: 0, Then: runbook.Stop{}},
		}
		result := Validate([]*runbook.Step{step})
		if !containsError(result, "RETRY count must be a positive integer") {
			t.Errorf("expected retry count error, got %v", result.Errors)
		}
	})
}

func TestValidate_GotoSelf(t *testing.T) {
	t.Run("step self", func(t *testing.T) {
		step := numeric(1, 1)
		step.Transitions = passAction(gotoTarget(t, "1"))
		result := Validate([]*runbook.Step{step})
		if !containsError(result, "GOTO self creates infinite loop") {
			t.Errorf("expected self-loop error, got %v", result.Errors)
		}
	})

	t.Run("substep self", func(t *testing.T) {
		s := sub("2", 4)
		s.Transitions = passAction(gotoTarget(t, "1.2"))
		result := Validate([]*runbook.Step{withSubsteps(numeric(1, 1), sub("1", 2), s)})
		if !containsError(result, "substep 1.2: GOTO 1.2: GOTO self") {
			t.Errorf("expected substep self-loop error, got %v", result.Errors)
		}
	})

	t.Run("sibling substep allowed", func(t *testing.T) {
		s := sub("2", 4)
		s.Transitions = passAction(gotoTarget(t, "1.1"))
		result := Validate([]*runbook.Step{withSubsteps(numeric(1, 1), sub("1", 2), s)})
		if result.HasErrors() {
			t.Errorf("expected no errors, got %v", result.Errors)
		}
	})

	t.Run("retry accepted", func(t *testing.T) {
		step := numeric(1, 1)
		step.Transitions = passAction(runbook.Retry{Max: 3, Then: runbook.Stop{}})
		result := Validate([]*runbook.Step{step})
		if result.HasErrors() {
			t.Errorf("expected no errors, got %v", result.Errors)
		}
	})

	t.Run("self inside retry", func(t *testing.T) {
		step := numeric(1, 1)
		step.Transitions = passAction(runbook.Retry{Max: 3, Then: runbook.Goto{Target: runbook.NumericStep(1)}})
		result := Validate([]*runbook.Step{step})
		if !containsError(result, "GOTO self") {
			t.Errorf("expected self-loop error through RETRY, got %v", result.Errors)
		}
	})
}

func TestValidate_GotoMatrix(t *testing.T) {
	tests := []struct {
		name    string
		steps   func() []*runbook.Step
		from    func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep)
		target  string
		wantErr string
	}{
		{
			name:    "NEXT from static step",
			steps:   func() []*runbook.Step { return []*runbook.Step{numeric(1, 1), numeric(2, 3)} },
			target:  "NEXT",
			wantErr: "NEXT is only valid within dynamic step context",
		},
		{
			name:   "NEXT from dynamic step",
			steps:  func() []*runbook.Step { return []*runbook.Step{dynamic(1)} },
			target: "NEXT",
		},
		{
			name: "NEXT from dynamic substep",
			steps: func() []*runbook.Step {
				return []*runbook.Step{withSubsteps(numeric(1, 1), sub("{n}", 2))}
			},
			from: func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep) {
				return steps[0], steps[0].Substeps[0]
			},
			target: "NEXT",
		},
		{
			name:    "{N} alone",
			steps:   func() []*runbook.Step { return []*runbook.Step{dynamic(1)} },
			target:  "{N}",
			wantErr: "GOTO {N} alone is invalid",
		},
		{
			name: "{N}.x from inside",
			steps: func() []*runbook.Step {
				return []*runbook.Step{withSubsteps(dynamic(1), sub("1", 2), sub("2", 4))}
			},
			from: func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep) {
				return steps[0], steps[0].Substeps[1]
			},
			target: "{N}.1",
		},
		{
			name: "{N}.x from outside",
			steps: func() []*runbook.Step {
				return []*runbook.Step{withSubsteps(dynamic(1), sub("1", 2)), named("Cleanup", 5)}
			},
			from: func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep) {
				return steps[1], nil
			},
			target:  "{N}.1",
			wantErr: "only valid within dynamic step context",
		},
		{
			name: "{N}.{n} directly",
			steps: func() []*runbook.Step {
				return []*runbook.Step{withSubsteps(dynamic(1), sub("{n}", 2))}
			},
			from: func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep) {
				return steps[0], steps[0].Substeps[0]
			},
			target:  "{N}.{n}",
			wantErr: "cannot target dynamic substep directly",
		},
		{
			name:   "named step exists",
			steps:  func() []*runbook.Step { return []*runbook.Step{numeric(1, 1), named("Cleanup", 3)} },
			target: "Cleanup",
		},
		{
			name:    "named step missing",
			steps:   func() []*runbook.Step { return []*runbook.Step{numeric(1, 1)} },
			target:  "Cleanup",
			wantErr: "target step does not exist",
		},
		{
			name:    "numeric step missing",
			steps:   func() []*runbook.Step { return []*runbook.Step{numeric(1, 1)} },
			target:  "7",
			wantErr: "target step does not exist",
		},
		{
			name: "substep missing",
			steps: func() []*runbook.Step {
				return []*runbook.Step{numeric(1, 1), withSubsteps(numeric(2, 3), sub("1", 4))}
			},
			target:  "2.5",
			wantErr: "substep does not exist",
		},
		{
			name: "named substep",
			steps: func() []*runbook.Step {
				return []*runbook.Step{numeric(1, 1), withSubsteps(named("Cleanup", 3), sub("verify", 4))}
			},
			target: "Cleanup.verify",
		},
		{
			name: "dynamic substep of numeric step",
			steps: func() []*runbook.Step {
				return []*runbook.Step{numeric(1, 1), withSubsteps(numeric(2, 3), sub("{n}", 4))}
			},
			target:  "2.{n}",
			wantErr: "cannot target dynamic substep directly",
		},
		{
			name:    "NEXT {N} without dynamic step",
			steps:   func() []*runbook.Step { return []*runbook.Step{numeric(1, 1)} },
			target:  "NEXT {N}",
			wantErr: "target step {N} does not exist",
		},
		{
			name: "NEXT {N} from outside",
			steps: func() []*runbook.Step {
				return []*runbook.Step{dynamic(1), named("Cleanup", 3)}
			},
			from: func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep) {
				return steps[1], nil
			},
			target:  "NEXT {N}",
			wantErr: "cannot GOTO into dynamic step from outside",
		},
		{
			name: "NEXT {N}.{n} inside",
			steps: func() []*runbook.Step {
				return []*runbook.Step{withSubsteps(dynamic(1), sub("{n}", 2))}
			},
			from: func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep) {
				return steps[0], steps[0].Substeps[0]
			},
			target: "NEXT {N}.{n}",
		},
		{
			name: "NEXT 2.{n} inside step 2",
			steps: func() []*runbook.Step {
				return []*runbook.Step{numeric(1, 1), withSubsteps(numeric(2, 3), sub("{n}", 4))}
			},
			from: func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep) {
				return steps[1], steps[1].Substeps[0]
			},
			target: "NEXT 2.{n}",
		},
		{
			name: "NEXT 2.{n} from step 1",
			steps: func() []*runbook.Step {
				return []*runbook.Step{numeric(1, 1), withSubsteps(numeric(2, 3), sub("{n}", 4))}
			},
			target:  "NEXT 2.{n}",
			wantErr: "only valid within step 2",
		},
		{
			name: "NEXT 1.{n} without dynamic substep",
			steps: func() []*runbook.Step {
				return []*runbook.Step{withSubsteps(numeric(1, 1), sub("1", 2))}
			},
			from: func(steps []*runbook.Step) (*runbook.Step, *runbook.Substep) {
				return steps[0], steps[0].Substeps[0]
			},
			target:  "NEXT 1.{n}",
			wantErr: "substep does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := tt.steps()
			from, fromSub := steps[0], (*runbook.Substep)(nil)
			if tt.from != nil {
				from, fromSub = tt.from(steps)
			}

			action := gotoTarget(t, tt.target)
			if fromSub != nil {
				fromSub.Transitions = passAction(action)
			} else {
				from.Transitions = passAction(action)
			}

			result := Validate(steps)
			if tt.wantErr == "" {
				if result.HasErrors() {
					t.Errorf("expected no errors, got %v", result.Errors)
				}
				return
			}
			if !containsError(result, tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, result.Errors)
			}
		})
	}
}

func TestValidate_StepTransitionsOnSubstepParent(t *testing.T) {
	// Step-level transitions are checked from the last substep's position.
	step := withSubsteps(numeric(1, 1), sub("1", 2), sub("2", 4))
	step.Transitions = passAction(gotoTarget(t, "1.2"))

	result := Validate([]*runbook.Step{step})
	if !containsError(result, "GOTO self") {
		t.Errorf("expected self-loop error, got %v", result.Errors)
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	one := numeric(1, 1)
	one.Transitions = passAction(gotoTarget(t, "Missing"))
	three := withSubsteps(numeric(3, 5), sub("1", 6))
	three.Command = &runbook.Command{Code: "ls", Language: "sh"}

	result := Validate([]*runbook.Step{one, three})
	for _, want := range []string{"target step does not exist", "numbered sequentially", "both a command/prompt and substeps"} {
		if !containsError(result, want) {
			t.Errorf("expected error containing %q, got %v", want, result.Errors)
		}
	}
	if !strings.Contains(result.Error(), "validation failed with 3 error(s)") {
		t.Errorf("Error() = %q", result.Error())
	}
}

func TestValidate_Idempotent(t *testing.T) {
	one := numeric(1, 1)
	one.Transitions = passAction(gotoTarget(t, "NEXT"))
	steps := []*runbook.Step{one, numeric(3, 4), named("X", 6), named("X", 8)}

	first := Validate(steps)
	second := Validate(steps)
	if !first.HasErrors() {
		t.Fatal("expected errors")
	}
	if !reflect.DeepEqual(first.Errors, second.Errors) {
		t.Errorf("second validation differs:\nfirst:  %v\nsecond: %v", first.Errors, second.Errors)
	}
}

func TestValidationError_Error(t *testing.T) {
	if got := (ValidationError{Line: 4, Message: "bad"}).Error(); got != "line 4: bad" {
		t.Errorf("Error() = %q", got)
	}
	if got := (ValidationError{Message: "bad"}).Error(); got != "bad" {
		t.Errorf("Error() = %q", got)
	}
}

func TestValidate_GotoParentStepFromFirstSubstep(t *testing.T) {
	// GOTO 1 enters step 1 at 1.1, so from 1.1 it loops on itself.
	step := withSubsteps(numeric(1, 1), sub("1", 2), sub("2", 4))
	step.Substeps[0].Transitions = passAction(gotoTarget(t, "1"))

	result := Validate([]*runbook.Step{step})
	if !containsError(result, "GOTO self") {
		t.Errorf("expected self-loop error, got %v", result.Errors)
	}

	// From 1.2 the same GOTO restarts the step.
	step = withSubsteps(numeric(1, 1), sub("1", 2), sub("2", 4))
	step.Substeps[1].Transitions = passAction(gotoTarget(t, "1"))
	if result := Validate([]*runbook.Step{step}); result.HasErrors() {
		t.Errorf("expected no errors, got %v", result.Errors)
	}
}

func TestValidate_StateIDCollision(t *testing.T) {
	steps := []*runbook.Step{
		withSubsteps(named("a", 1), sub("b_c", 2)),
		withSubsteps(named("a_b", 5), sub("c", 6)),
	}

	result := Validate(steps)
	if len(result.Errors) != 1 {
		t.Fatalf("expected one error, got %v", result.Errors)
	}
	got := result.Errors[0]
	if got.Line != 6 || !strings.Contains(got.Message, `state id "step_a_b_c"`) {
		t.Errorf("error = %+v", got)
	}
}

func TestJumpError(t *testing.T) {
	steps := []*runbook.Step{
		withSubsteps(dynamic(1), sub("1", 2), sub("2", 4)),
		named("Cleanup", 6),
	}
	inside, cleanup := steps[0].Substeps[1], steps[1]

	tests := []struct {
		name    string
		step    *runbook.Step
		substep *runbook.Substep
		target  string
		wantErr string
	}{
		{"current address", steps[0], inside, "{N}.2", ""},
		{"sibling substep", steps[0], inside, "{N}.1", ""},
		{"named step", steps[0], inside, "Cleanup", ""},
		{"{N} alone", cleanup, nil, "{N}", "GOTO {N} alone is invalid"},
		{"into dynamic step", cleanup, nil, "{N}.1", "only valid within dynamic step context"},
		{"NEXT {N} from outside", cleanup, nil, "NEXT {N}", "cannot GOTO into dynamic step from outside"},
		{"NEXT from named step", cleanup, nil, "NEXT", "NEXT is only valid within dynamic step context"},
		{"self named step", cleanup, nil, "Cleanup", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := runbook.ParseGotoTarget(tt.target)
			if err != nil {
				t.Fatalf("ParseGotoTarget(%q) error = %v", tt.target, err)
			}
			got := JumpError(steps, tt.step, tt.substep, target)
			if tt.wantErr == "" {
				if got != "" {
					t.Errorf("JumpError = %q, want none", got)
				}
				return
			}
			if !strings.Contains(got, tt.wantErr) {
				t.Errorf("JumpError = %q, want %q", got, tt.wantErr)
			}
		})
	}
}
