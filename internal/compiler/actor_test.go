package compiler

import (
	"encoding/json"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"

	rderrors "github.com/meow-stack/rundown/internal/errors"
	"github.com/meow-stack/rundown/internal/runbook"
)

func send(t *testing.T, a *Actor, ev Event) {
	t.Helper()
	if err := a.Send(ev); err != nil {
		t.Fatalf("Send(%s) error = %v", ev.Type, err)
	}
}

func target(t *testing.T, s string) runbook.StepID {
	t.Helper()
	id, err := runbook.ParseStepID(s)
	if err != nil {
		t.Fatalf("ParseStepID(%q) error = %v", s, err)
	}
	return id
}

func TestActor_ContinueSkipsNamedStep(t *testing.T) {
	def := compileMarkdown(t, `## 1 First
Go.

- PASS: CONTINUE

## Named
Off the main path.

## 2 Second
Go.
`)
	a := NewActor(def)
	send(t, a, Pass())

	snap := a.Snapshot()
	if snap.StateID != "step_2" {
		t.Errorf("state = %s, want step_2", snap.StateID)
	}
	if snap.Context.LastAction != "CONTINUE" {
		t.Errorf("lastAction = %q, want CONTINUE", snap.Context.LastAction)
	}

	send(t, a, Pass())
	if !a.Done() || a.State() != StateComplete {
		t.Errorf("state = %s, want COMPLETE", a.State())
	}
}

func TestActor_RetryExhaustion(t *testing.T) {
	def := compileMarkdown(t, "## 1 Flaky\nTry.\n\n- FAIL: RETRY 2\n")
	a := NewActor(def)

	send(t, a, Fail())
	send(t, a, Fail())
	snap := a.Snapshot()
	if snap.StateID != "step_1" || snap.Context.RetryCount != 2 {
		t.Fatalf("after two FAILs: state=%s retryCount=%d, want step_1 and 2", snap.StateID, snap.Context.RetryCount)
	}
	if snap.Context.LastAction != "RETRY" {
		t.Errorf("lastAction = %q, want RETRY", snap.Context.LastAction)
	}

	send(t, a, Fail())
	snap = a.Snapshot()
	if snap.StateID != StateStopped {
		t.Errorf("after third FAIL: state = %s, want STOPPED", snap.StateID)
	}
	if snap.Context.LastAction != "STOP" {
		t.Errorf("lastAction = %q, want STOP", snap.Context.LastAction)
	}
}

func TestActor_RetryMessage(t *testing.T) {
	def := compileMarkdown(t, "## 1 Flaky\nTry.\n\n- FAIL: RETRY \"gave up\"\n")
	a := NewActor(def)
	send(t, a, Fail())
	send(t, a, Fail())

	snap := a.Snapshot()
	if snap.StateID != StateStopped || snap.Message != "gave up" {
		t.Errorf("snapshot = %+v, want STOPPED with message", snap)
	}
}

func TestActor_PassResetsRetryCount(t *testing.T) {
	def := compileMarkdown(t, "## 1 A\nGo.\n\n- FAIL: RETRY 3\n\n## 2 B\nGo.\n")
	a := NewActor(def)
	send(t, a, Fail())
	send(t, a, Pass())

	snap := a.Snapshot()
	if snap.StateID != "step_2" || snap.Context.RetryCount != 0 {
		t.Errorf("snapshot = %+v, want step_2 with retryCount 0", snap)
	}
}

func TestActor_DynamicNext(t *testing.T) {
	def := compileMarkdown(t, `## {N} Process item
Handle the item.

- PASS: GOTO NEXT
- FAIL: STOP
`)
	a := NewActor(def)
	send(t, a, Pass())

	snap := a.Snapshot()
	if snap.StateID != "step_{N}" {
		t.Errorf("state = %s, want step_{N}", snap.StateID)
	}
	if !snap.Context.NextInstance || snap.Context.NextSubstepInstance {
		t.Errorf("context = %+v, want nextInstance only", snap.Context)
	}
	if snap.Context.LastAction != "GOTO NEXT" {
		t.Errorf("lastAction = %q", snap.Context.LastAction)
	}

	send(t, a, Fail())
	snap = a.Snapshot()
	if snap.StateID != StateStopped || snap.Context.NextInstance {
		t.Errorf("snapshot = %+v, want STOPPED with flags cleared", snap)
	}
}

func TestActor_DynamicSubstepNext(t *testing.T) {
	def := compileMarkdown(t, `## 1 Setup
Go.

## 2 Workers

### 2.{n} Worker
Work.

- PASS: GOTO NEXT
- FAIL: CONTINUE
`)
	a := NewActor(def)
	send(t, a, Pass())
	if a.Snapshot().Context.Substep != "{n}" {
		t.Errorf("substep = %q, want {n}", a.Snapshot().Context.Substep)
	}

	send(t, a, Pass())
	snap := a.Snapshot()
	if snap.StateID != "step_2_{n}" || !snap.Context.NextSubstepInstance || snap.Context.NextInstance {
		t.Errorf("snapshot = %+v, want same state with nextSubstepInstance", snap)
	}

	send(t, a, Fail())
	snap = a.Snapshot()
	if snap.StateID != StateComplete || snap.Context.NextSubstepInstance {
		t.Errorf("snapshot = %+v, want COMPLETE with flags cleared", snap)
	}
}

func TestActor_RetryEvent(t *testing.T) {
	def := compileMarkdown(t, "## 1 A\nGo.\n")
	a := NewActor(def)
	send(t, a, Retry())
	send(t, a, Retry())

	snap := a.Snapshot()
	if snap.StateID != "step_1" || snap.Context.RetryCount != 2 || snap.Context.LastAction != "RETRY" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestActor_GotoEvent(t *testing.T) {
	def := compileMarkdown(t, `## {N} Item

### {N}.1 Fetch
Fetch.

### {N}.2 Apply
Apply.

## Cleanup
Tidy.
`)
	a := NewActor(def)

	send(t, a, Goto(target(t, "{N}.2")))
	if a.State() != "step_{N}_2" || a.Snapshot().Context.Substep != "2" {
		t.Errorf("state = %s", a.State())
	}

	send(t, a, Goto(target(t, "{N}.2")))
	if got := a.Snapshot().Context.RetryCount; got != 1 {
		t.Errorf("same-state GOTO retryCount = %d, want 1", got)
	}

	send(t, a, Goto(runbook.NextStep()))
	snap := a.Snapshot()
	if snap.StateID != "step_{N}_1" || !snap.Context.NextInstance || snap.Context.RetryCount != 0 {
		t.Errorf("GOTO NEXT snapshot = %+v", snap)
	}

	err := a.Send(Goto(target(t, "Missing")))
	if !rderrors.HasCode(err, rderrors.CodeMachineBadTarget) {
		t.Errorf("expected bad target error, got %v", err)
	}
	if a.State() != "step_{N}_1" {
		t.Errorf("failed GOTO changed state to %s", a.State())
	}

	send(t, a, Goto(target(t, "Cleanup")))
	snap = a.Snapshot()
	if snap.StateID != "step_Cleanup" || snap.Context.LastAction != "GOTO Cleanup" || snap.Context.Substep != "" {
		t.Errorf("snapshot = %+v", snap)
	}

	// The dynamic step is only entered from inside it.
	for _, tgt := range []string{"{N}.2", "{N}"} {
		err := a.Send(Goto(target(t, tgt)))
		if !rderrors.HasCode(err, rderrors.CodeMachineBadTarget) {
			t.Errorf("GOTO %s from Cleanup: expected bad target error, got %v", tgt, err)
		}
	}
	qualified, err := runbook.ParseGotoTarget("NEXT {N}")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Send(Goto(qualified)); !rderrors.HasCode(err, rderrors.CodeMachineBadTarget) {
		t.Errorf("GOTO NEXT {N} from Cleanup: expected bad target error, got %v", err)
	}
	if a.State() != "step_Cleanup" {
		t.Errorf("rejected GOTO changed state to %s", a.State())
	}
}

func TestActor_GotoEventDynamicSubstep(t *testing.T) {
	def := compileMarkdown(t, `## 1 Build

### 1.{n} Part
Build one part.

- PASS: GOTO NEXT

## Cleanup
Tidy.
`)
	a := NewActor(def)

	err := a.Send(Goto(target(t, "1.{n}")))
	if !rderrors.HasCode(err, rderrors.CodeMachineBadTarget) {
		t.Errorf("GOTO 1.{n}: expected bad target error, got %v", err)
	}

	next, err := runbook.ParseGotoTarget("NEXT 1.{n}")
	if err != nil {
		t.Fatal(err)
	}
	send(t, a, Goto(next))
	if snap := a.Snapshot(); snap.StateID != "step_1_{n}" || !snap.Context.NextSubstepInstance {
		t.Errorf("GOTO NEXT 1.{n} snapshot = %+v", snap)
	}

	send(t, a, Goto(target(t, "Cleanup")))
	if err := a.Send(Goto(next)); !rderrors.HasCode(err, rderrors.CodeMachineBadTarget) {
		t.Errorf("GOTO NEXT 1.{n} from Cleanup: expected bad target error, got %v", err)
	}
	if err := a.Send(Goto(target(t, "1.{n}"))); !rderrors.HasCode(err, rderrors.CodeMachineBadTarget) {
		t.Errorf("GOTO 1.{n} from Cleanup: expected bad target error, got %v", err)
	}

	// Entering the step lands on its first substep without advancing the
	// instance.
	send(t, a, Goto(target(t, "1")))
	if snap := a.Snapshot(); snap.StateID != "step_1_{n}" || snap.Context.NextSubstepInstance {
		t.Errorf("GOTO 1 snapshot = %+v", snap)
	}
}

func TestActor_FinalAndUnknownEvents(t *testing.T) {
	def := compileMarkdown(t, "## 1 A\nGo.\n\n- PASS: COMPLETE \"shipped\"\n")
	a := NewActor(def)

	err := a.Send(Event{Type: "JUMP"})
	if !rderrors.HasCode(err, rderrors.CodeMachineUnknownEvent) {
		t.Errorf("expected unknown event error, got %v", err)
	}

	send(t, a, Pass())
	if snap := a.Snapshot(); snap.StateID != StateComplete || snap.Message != "shipped" || !snap.Done() {
		t.Errorf("snapshot = %+v", snap)
	}

	err = a.Send(Pass())
	if !rderrors.HasCode(err, rderrors.CodeMachineFinal) {
		t.Errorf("expected final state error, got %v", err)
	}
}

func TestActor_SharedDefinition(t *testing.T) {
	def := compileMarkdown(t, "## 1 A\nGo.\n\n- FAIL: RETRY 5\n\n## 2 B\nGo.\n")
	before := def.StateIDs()

	var wg sync.WaitGroup
	results := make([]Snapshot, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := NewActor(def)
			for j := 0; j < i%4; j++ {
				_ = a.Send(Fail())
			}
			_ = a.SetVariable("worker", i)
			results[i] = a.Snapshot()
		}(i)
	}
	wg.Wait()

	for i, snap := range results {
		if snap.Context.RetryCount != i%4 {
			t.Errorf("actor %d retryCount = %d, want %d", i, snap.Context.RetryCount, i%4)
		}
		if snap.Context.Variables["worker"] != i {
			t.Errorf("actor %d variables = %v", i, snap.Context.Variables)
		}
	}
	if after := def.StateIDs(); len(after) != len(before) {
		t.Errorf("definition changed: %v -> %v", before, after)
	}
}

func TestActor_SetVariable(t *testing.T) {
	a := NewActor(compileMarkdown(t, "## 1 A\nGo.\n"))

	for _, v := range []any{"text", true, 3, int64(4), 2.5} {
		if err := a.SetVariable("v", v); err != nil {
			t.Errorf("SetVariable(%v) error = %v", v, err)
		}
	}
	for _, v := range []any{nil, []string{"x"}, map[string]any{}, struct{}{}} {
		err := a.SetVariable("v", v)
		if !rderrors.HasCode(err, rderrors.CodeMachineVariable) {
			t.Errorf("SetVariable(%#v) error = %v, want variable error", v, err)
		}
	}
	if err := a.SetVariable("", "x"); err == nil {
		t.Error("expected error for empty name")
	}

	snap := a.Snapshot()
	snap.Context.Variables["v"] = "mutated"
	if a.Snapshot().Context.Variables["v"] == "mutated" {
		t.Error("Snapshot() must return a copy")
	}
}

func TestActor_SnapshotRoundTrip(t *testing.T) {
	def := compileMarkdown(t, "## 1 A\nGo.\n\n- FAIL: RETRY 3\n\n## 2 B\nGo.\n")
	a := NewActor(def)
	send(t, a, Fail())
	if err := a.SetVariable("branch", "main"); err != nil {
		t.Fatal(err)
	}

	t.Run("json", func(t *testing.T) {
		data, err := json.Marshal(a.Snapshot())
		if err != nil {
			t.Fatal(err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatal(err)
		}
		resumed, err := NewActorFromSnapshot(def, snap)
		if err != nil {
			t.Fatalf("NewActorFromSnapshot() error = %v", err)
		}
		send(t, resumed, Fail())
		if got := resumed.Snapshot().Context.RetryCount; got != 2 {
			t.Errorf("retryCount = %d, want 2", got)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := yaml.Marshal(a.Snapshot())
		if err != nil {
			t.Fatal(err)
		}
		var snap Snapshot
		if err := yaml.Unmarshal(data, &snap); err != nil {
			t.Fatal(err)
		}
		resumed, err := NewActorFromSnapshot(def, snap)
		if err != nil {
			t.Fatalf("NewActorFromSnapshot() error = %v", err)
		}
		if resumed.Snapshot().Context.Variables["branch"] != "main" {
			t.Errorf("variables = %v", resumed.Snapshot().Context.Variables)
		}
	})

	t.Run("unknown state", func(t *testing.T) {
		_, err := NewActorFromSnapshot(def, Snapshot{StateID: "step_9"})
		if !rderrors.HasCode(err, rderrors.CodeMachineSnapshot) {
			t.Errorf("expected snapshot error, got %v", err)
		}
	})

	t.Run("non-scalar variable", func(t *testing.T) {
		snap := Snapshot{StateID: "step_1", Context: Context{Variables: map[string]any{"x": []any{1}}}}
		_, err := NewActorFromSnapshot(def, snap)
		if !rderrors.HasCode(err, rderrors.CodeMachineSnapshot) {
			t.Errorf("expected snapshot error, got %v", err)
		}
	})
}
