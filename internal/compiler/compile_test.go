package compiler

import (
	"reflect"
	"strings"
	"testing"

	rderrors "github.com/meow-stack/rundown/internal/errors"
	"github.com/meow-stack/rundown/internal/parser"
	"github.com/meow-stack/rundown/internal/runbook"
)

func compileMarkdown(t *testing.T, src string) *Definition {
	t.Helper()
	rb, err := parser.Parse(src, parser.Options{})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	def, err := Compile(rb.Steps)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return def
}

func mustState(t *testing.T, def *Definition, id string) *State {
	t.Helper()
	s, ok := def.State(id)
	if !ok {
		t.Fatalf("state %q not found; have %v", id, def.StateIDs())
	}
	return s
}

func TestCompile_Flatten(t *testing.T) {
	def := compileMarkdown(t, `## 1 Prepare
Go.

## 2 Build

### 2.1 Compile
Compile.

### 2.2 Test (tester)
Test.

## Cleanup

### Cleanup.verify Check
Check.
`)

	want := []string{"step_1", "step_2_1", "step_2_2", "step_Cleanup_verify", StateComplete, StateStopped}
	if got := def.StateIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("StateIDs() = %v, want %v", got, want)
	}
	if def.Initial != "step_1" {
		t.Errorf("Initial = %q", def.Initial)
	}

	test := mustState(t, def, "step_2_2")
	if test.AgentType != "tester" || test.Description != "Test" || test.Prompt != "Test." {
		t.Errorf("state body = %+v", test)
	}
	addr, ok := def.AddressOf("step_2_2")
	if !ok || addr.String() != "2.2" {
		t.Errorf("AddressOf(step_2_2) = %v, %v", addr, ok)
	}
	if _, ok := def.AddressOf(StateComplete); ok {
		t.Error("terminal state should have no address")
	}
	if !mustState(t, def, StateStopped).Final {
		t.Error("STOPPED should be final")
	}
}

func TestCompile_DynamicStateIDs(t *testing.T) {
	def := compileMarkdown(t, `## {N} Item

### {N}.{n} Part
Do.

- PASS: GOTO NEXT
`)
	if got := def.StateIDs(); got[0] != "step_{N}_{n}" {
		t.Errorf("StateIDs() = %v", got)
	}
	if !mustState(t, def, "step_{N}_{n}").IsDynamic() {
		t.Error("state should be dynamic")
	}
}

func TestCompile_Continue(t *testing.T) {
	def := compileMarkdown(t, `## 1 A
Go.

## Named
Only via GOTO.

## 2 B

### 2.1 First
Go.

### 2.2 Second
Go.
`)

	tests := []struct {
		state string
		want  string
	}{
		{"step_1", "step_2_1"},
		{"step_Named", "step_2_1"},
		{"step_2_1", "step_2_2"},
		{"step_2_2", StateComplete},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			s := mustState(t, def, tt.state)
			if len(s.Pass) != 1 || s.Pass[0].Target != tt.want {
				t.Errorf("PASS = %+v, want target %s", s.Pass, tt.want)
			}
			if s.Pass[0].LastAction != "CONTINUE" || s.Pass[0].Retry != RetryReset {
				t.Errorf("PASS = %+v", s.Pass[0])
			}
			if len(s.Fail) != 1 || s.Fail[0].Target != StateStopped {
				t.Errorf("FAIL = %+v, want STOPPED", s.Fail)
			}
		})
	}
}

func TestCompile_Retry(t *testing.T) {
	def := compileMarkdown(t, `## 1 A
Go.

- FAIL: RETRY 3 GOTO Recover

## Recover
Fix it.
`)
	fail := mustState(t, def, "step_1").Fail
	if len(fail) != 2 {
		t.Fatalf("FAIL transitions = %+v, want guarded loop plus fallback", fail)
	}
	if fail[0].Target != "step_1" || fail[0].MaxRetries != 3 || fail[0].Retry != RetryIncrement || fail[0].LastAction != "RETRY" {
		t.Errorf("loop = %+v", fail[0])
	}
	if fail[1].Target != "step_Recover" || fail[1].Guarded() || fail[1].LastAction != "GOTO Recover" {
		t.Errorf("fallback = %+v", fail[1])
	}
}

func TestCompile_StepTransitionsGovernLastSubstep(t *testing.T) {
	def := compileMarkdown(t, `## 1 A

### 1.1 X
Go.

### 1.2 Y
Go.

- FAIL: COMPLETE "good enough"
`)
	if got := mustState(t, def, "step_1_1").Fail[0].Target; got != StateStopped {
		t.Errorf("1.1 FAIL target = %s, want STOPPED", got)
	}
	last := mustState(t, def, "step_1_2").Fail[0]
	if last.Target != StateComplete || last.Message != "good enough" {
		t.Errorf("1.2 FAIL = %+v", last)
	}
}

func TestCompile_NextResolution(t *testing.T) {
	def := compileMarkdown(t, `## {N} Item

### {N}.1 Fetch
Fetch.

- FAIL: NEXT {N}

### {N}.2 Apply
Apply.

- PASS: GOTO NEXT
- FAIL: GOTO {N}.1
`)

	fetchFail := mustState(t, def, "step_{N}_1").Fail[0]
	if fetchFail.Target != "step_{N}_1" || !fetchFail.NextInstance || fetchFail.NextSubstepInstance {
		t.Errorf("NEXT {N} = %+v", fetchFail)
	}
	if fetchFail.Retry != RetryReset {
		t.Errorf("NEXT should reset retries, got %v", fetchFail.Retry)
	}

	apply := mustState(t, def, "step_{N}_2")
	if p := apply.Pass[0]; p.Target != "step_{N}_1" || !p.NextInstance || p.LastAction != "GOTO NEXT" {
		t.Errorf("GOTO NEXT = %+v", p)
	}
	if f := apply.Fail[0]; f.Target != "step_{N}_1" || f.NextInstance || f.LastAction != "GOTO {N}.1" {
		t.Errorf("GOTO {N}.1 = %+v", f)
	}
}

func TestCompile_SubstepNext(t *testing.T) {
	def := compileMarkdown(t, `## 1 Setup
Go.

## 2 Fan out

### 2.{n} Worker
Work.

- PASS: GOTO NEXT
- FAIL: NEXT 2.{n}
`)
	worker := mustState(t, def, "step_2_{n}")
	for _, tr := range []Transition{worker.Pass[0], worker.Fail[0]} {
		if tr.Target != "step_2_{n}" || !tr.NextSubstepInstance || tr.NextInstance {
			t.Errorf("transition = %+v, want same state with nextSubstepInstance", tr)
		}
	}
	if worker.Fail[0].LastAction != "GOTO NEXT 2.{n}" {
		t.Errorf("LastAction = %q", worker.Fail[0].LastAction)
	}
}

func TestCompile_Aggregation(t *testing.T) {
	def := compileMarkdown(t, "## 1 A\nGo.\n\n- PASS ANY: CONTINUE\n")
	if got := mustState(t, def, "step_1").Aggregation; got != runbook.AggregateAny {
		t.Errorf("Aggregation = %s, want ANY", got)
	}
}

func TestCompile_Errors(t *testing.T) {
	t.Run("no steps", func(t *testing.T) {
		if _, err := Compile(nil); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unresolvable target", func(t *testing.T) {
		step := &runbook.Step{
			ID:          runbook.NumericStep(1),
			Prompt:      "x",
			Transitions: &runbook.Transitions{Aggregation: runbook.AggregateAll, Pass: runbook.Goto{Target: runbook.NamedStep("Nowhere")}, Fail: runbook.Stop{}},
		}
		_, err := Compile([]*runbook.Step{step})
		if !rderrors.HasCode(err, rderrors.CodeMachineBadTarget) {
			t.Errorf("expected bad target error, got %v", err)
		}
	})

	t.Run("state id collision", func(t *testing.T) {
		steps := []*runbook.Step{
			{ID: runbook.NamedStep("A"), Substeps: []*runbook.Substep{{ID: "b", Prompt: "x"}}},
			{ID: runbook.NamedStep("A_b"), Prompt: "x"},
		}
		_, err := Compile(steps)
		if err == nil || !strings.Contains(err.Error(), "step_A_b") {
			t.Errorf("expected collision error, got %v", err)
		}
	})
}

func TestStateID(t *testing.T) {
	tests := map[string]string{
		"1":              "step_1",
		"2.1":            "step_2_1",
		"{N}":            "step_{N}",
		"{N}.{n}":        "step_{N}_{n}",
		"Cleanup.verify": "step_Cleanup_verify",
	}
	for in, want := range tests {
		id, err := runbook.ParseStepID(in)
		if err != nil {
			t.Fatalf("ParseStepID(%q) error = %v", in, err)
		}
		if got := StateID(id); got != want {
			t.Errorf("StateID(%s) = %q, want %q", in, got, want)
		}
	}
}
