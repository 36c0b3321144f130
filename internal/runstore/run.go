// Package runstore persists runbook runs: the runbook a run executes and the
// machine snapshot it has reached.
package runstore

import (
	"time"

	"github.com/google/uuid"

	"github.com/meow-stack/rundown/internal/compiler"
)

// RunStatus represents the lifecycle of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
)

// Valid returns true if this is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusStopped:
		return true
	}
	return false
}

// IsTerminal returns true if the run has ended.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusStopped
}

// StatusOf maps a snapshot to the run status it implies.
func StatusOf(snap compiler.Snapshot) RunStatus {
	switch snap.StateID {
	case compiler.StateComplete:
		return RunStatusCompleted
	case compiler.StateStopped:
		return RunStatusStopped
	}
	return RunStatusRunning
}

// HistoryEntry records one event applied to a run.
type HistoryEntry struct {
	At     time.Time `json:"at" yaml:"at"`
	Event  string    `json:"event" yaml:"event"`
	Target string    `json:"target,omitempty" yaml:"target,omitempty"`
	From   string    `json:"from" yaml:"from"`
	To     string    `json:"to" yaml:"to"`
}

// Run is the persisted record of one execution of a runbook.
type Run struct {
	ID       string            `yaml:"id"`
	Runbook  string            `yaml:"runbook"`          // Absolute path, or path within the embedded set
	Source   string            `yaml:"source,omitempty"` // Loader source the runbook came from
	Name     string            `yaml:"name,omitempty"`
	Status   RunStatus         `yaml:"status"`
	Snapshot compiler.Snapshot `yaml:"snapshot"`
	History  []HistoryEntry    `yaml:"history,omitempty"`

	CreatedAt time.Time  `yaml:"created_at"`
	UpdatedAt time.Time  `yaml:"updated_at"`
	EndedAt   *time.Time `yaml:"ended_at,omitempty"`
}

// NewRun creates a running record positioned at snap.
func NewRun(runbookPath, name string, snap compiler.Snapshot) *Run {
	now := time.Now()
	return &Run{
		ID:        uuid.NewString(),
		Runbook:   runbookPath,
		Name:      name,
		Status:    StatusOf(snap),
		Snapshot:  snap,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ShortID returns the first block of the run id for display.
func (r *Run) ShortID() string {
	if len(r.ID) > 8 {
		return r.ID[:8]
	}
	return r.ID
}

// Record stores the snapshot reached after ev and appends it to the history.
func (r *Run) Record(ev compiler.Event, snap compiler.Snapshot) {
	now := time.Now()
	entry := HistoryEntry{
		At:    now,
		Event: string(ev.Type),
		From:  r.Snapshot.StateID,
		To:    snap.StateID,
	}
	if ev.Type == compiler.EventGoto {
		entry.Target = ev.Target.String()
	}
	r.History = append(r.History, entry)

	r.Snapshot = snap
	r.Status = StatusOf(snap)
	r.UpdatedAt = now
	if r.Status.IsTerminal() && r.EndedAt == nil {
		r.EndedAt = &now
	}
}
