package status

import (
	"time"

	"github.com/meow-stack/rundown/internal/compiler"
	"github.com/meow-stack/rundown/internal/runstore"
)

// RunSummary contains computed information about a run for display.
type RunSummary struct {
	ID          string             `json:"id"`
	Runbook     string             `json:"runbook"`
	Name        string             `json:"name,omitempty"`
	Status      runstore.RunStatus `json:"status"`
	StateID     string             `json:"state"`
	Address     string             `json:"address,omitempty"`
	Description string             `json:"description,omitempty"`
	Command     string             `json:"command,omitempty"`
	Language    string             `json:"language,omitempty"`
	Prompt      string             `json:"prompt,omitempty"`
	Nested      []string           `json:"nested_runbooks,omitempty"`
	RetryCount  int                `json:"retry_count"`
	LastAction  string             `json:"last_action,omitempty"`
	Message     string             `json:"message,omitempty"`
	Variables   map[string]any     `json:"variables,omitempty"`
	Progress    Progress           `json:"progress"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
	Events      int                `json:"events"`
}

// Progress is the position of the current state in flattened order. For the
// dynamic step the position counts template states, not instances.
type Progress struct {
	Position int `json:"position"`
	Total    int `json:"total"`
}

// NewRunSummary creates a summary from a run. def may be nil when the
// runbook could not be compiled; state details are then omitted.
func NewRunSummary(run *runstore.Run, def *compiler.Definition) *RunSummary {
	summary := &RunSummary{
		ID:         run.ID,
		Runbook:    run.Runbook,
		Name:       run.Name,
		Status:     run.Status,
		StateID:    run.Snapshot.StateID,
		RetryCount: run.Snapshot.Context.RetryCount,
		LastAction: run.Snapshot.Context.LastAction,
		Message:    run.Snapshot.Message,
		Variables:  run.Snapshot.Context.Variables,
		StartedAt:  run.CreatedAt,
		EndedAt:    run.EndedAt,
		Events:     len(run.History),
	}
	if def == nil {
		return summary
	}

	summary.Progress = computeProgress(def, run.Snapshot.StateID)
	if state, ok := def.State(run.Snapshot.StateID); ok && !state.Final {
		summary.Address = state.Address.String()
		summary.Description = state.Description
		summary.Prompt = state.Prompt
		summary.Nested = state.NestedRunbooks
		if state.Command != nil {
			summary.Command = state.Command.Code
			summary.Language = state.Command.Language
		}
	}
	return summary
}

// computeProgress counts non-final states up to and including stateID.
// Terminal states report full progress.
func computeProgress(def *compiler.Definition, stateID string) Progress {
	var p Progress
	for _, state := range def.States() {
		if state.Final {
			continue
		}
		p.Total++
		if state.ID == stateID {
			p.Position = p.Total
		}
	}
	if stateID == compiler.StateComplete || stateID == compiler.StateStopped {
		p.Position = p.Total
	}
	return p
}
