package runstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meow-stack/rundown/internal/compiler"
	rderrors "github.com/meow-stack/rundown/internal/errors"
	"github.com/meow-stack/rundown/internal/logging"
)

// RunLock is an exclusive lock on one run. Events for a run are applied
// under its lock so two processes never interleave load-send-save.
type RunLock struct {
	runID    string
	lockFile *os.File
	lockPath string
}

// Release releases the run lock and cleans up the lock file.
func (l *RunLock) Release() error {
	if l.lockFile == nil {
		return nil
	}
	syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	err := l.lockFile.Close()
	l.lockFile = nil
	os.Remove(l.lockPath)
	return err
}

// Filter narrows List results.
type Filter struct {
	Status RunStatus
	Name   string
}

// Store persists runs as YAML files with atomic writes.
// Multiple stores can be created for the same directory; locking is per run.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, rderrors.IOWriteError(dir, err)
	}
	if logger == nil {
		logger = logging.NewForTest()
	}

	if err := recoverInterruptedWrites(dir, logger); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}

	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the directory runs are stored in.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// Lock acquires an exclusive lock for a run without blocking.
func (s *Store) Lock(runID string) (*RunLock, error) {
	lockPath := s.path(runID) + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, rderrors.IOWriteError(lockPath, err)
	}

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, rderrors.RunLocked(runID, err)
	}

	return &RunLock{runID: runID, lockFile: lockFile, lockPath: lockPath}, nil
}

// IsLocked reports whether another holder has the run's lock.
func (s *Store) IsLocked(runID string) bool {
	lockFile, err := os.OpenFile(s.path(runID)+".lock", os.O_RDWR, 0644)
	if err != nil {
		return false
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return true
	}
	syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	return false
}

// recoverInterruptedWrites handles .tmp files left from crashed writes.
func recoverInterruptedWrites(dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}

		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")

		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
			logger.Debug("removed orphan temp file", "path", tmpPath)
		} else {
			os.Rename(tmpPath, mainPath)
			logger.Info("promoted interrupted write", "path", mainPath)
		}
	}
	return nil
}

// Create persists a new run.
func (s *Store) Create(ctx context.Context, run *Run) error {
	if _, err := os.Stat(s.path(run.ID)); err == nil {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	if err := s.Save(ctx, run); err != nil {
		return err
	}
	s.logger.Debug("run created", "run_id", run.ID, "runbook", run.Runbook, "state", run.Snapshot.StateID)
	return nil
}

// Get retrieves a run by full id.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rderrors.RunNotFound(id)
		}
		return nil, rderrors.IOReadError(s.path(id), err)
	}

	var run Run
	if err := yaml.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run %s: %w", id, err)
	}
	return &run, nil
}

// Find resolves a full id or a unique id prefix. An empty ref selects the
// most recently updated run that is still running.
func (s *Store) Find(ctx context.Context, ref string) (*Run, error) {
	if ref == "" {
		runs, err := s.List(ctx, Filter{Status: RunStatusRunning})
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, rderrors.New(rderrors.CodeRunNotFound, "no active run")
		}
		return runs[0], nil
	}

	if run, err := s.Get(ctx, ref); err == nil {
		return run, nil
	} else if !rderrors.HasCode(err, rderrors.CodeRunNotFound) {
		return nil, err
	}

	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return nil, rderrors.RunNotFound(ref)
	case 1:
		return s.Get(ctx, matches[0])
	}
	return nil, rderrors.Newf(rderrors.CodeRunNotFound, "run id prefix %q is ambiguous", ref).
		WithDetail("matches", matches)
}

// Save persists run state atomically (write-then-rename).
func (s *Store) Save(ctx context.Context, run *Run) error {
	data, err := yaml.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	mainPath := s.path(run.ID)
	tmpPath := mainPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return rderrors.IOWriteError(tmpPath, err)
	}
	if err := os.Rename(tmpPath, mainPath); err != nil {
		os.Remove(tmpPath)
		return rderrors.IOWriteError(mainPath, err)
	}
	return nil
}

// Delete removes a run.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return rderrors.RunNotFound(id)
		}
		return rderrors.IOWriteError(s.path(id), err)
	}
	os.Remove(s.path(id) + ".lock")
	return nil
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, rderrors.IOReadError(s.dir, err)
	}
	var ids []string
	for _, entry := range entries {
		// .yaml.tmp and .yaml.lock do not end in .yaml
		if name := entry.Name(); strings.HasSuffix(name, ".yaml") {
			ids = append(ids, strings.TrimSuffix(name, ".yaml"))
		}
	}
	return ids, nil
}

// List returns all runs matching filter, most recently updated first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Run, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	var runs []*Run
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable run", "run_id", id, "error", err)
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Name != "" && run.Name != filter.Name {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
	return runs, nil
}

// PruneCandidates returns finished, unlocked runs whose last update is
// older than olderThan relative to now.
func (s *Store) PruneCandidates(ctx context.Context, olderThan time.Duration, now time.Time) ([]*Run, error) {
	runs, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-olderThan)
	var out []*Run
	for _, run := range runs {
		if !run.Status.IsTerminal() || run.UpdatedAt.After(cutoff) {
			continue
		}
		if s.IsLocked(run.ID) {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// Prune deletes the runs PruneCandidates selects and returns their ids.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, now time.Time) ([]string, error) {
	candidates, err := s.PruneCandidates(ctx, olderThan, now)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, run := range candidates {
		if err := s.Delete(ctx, run.ID); err != nil {
			return pruned, err
		}
		pruned = append(pruned, run.ID)
		s.logger.Debug("run pruned", "run_id", run.ID, "status", run.Status)
	}
	return pruned, nil
}

// Advance applies ev to a run under its lock: load, resume the actor from
// the stored snapshot, send, record, save. def must be compiled from the
// run's runbook.
func (s *Store) Advance(ctx context.Context, id string, def *compiler.Definition, ev compiler.Event) (*Run, error) {
	lock, err := s.Lock(id)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	actor, err := compiler.NewActorFromSnapshot(def, run.Snapshot)
	if err != nil {
		return nil, err
	}
	from := actor.State()
	if err := actor.Send(ev); err != nil {
		return nil, err
	}

	run.Record(ev, actor.Snapshot())
	if err := s.Save(ctx, run); err != nil {
		return nil, err
	}

	logging.WithState(logging.WithRun(s.logger, run.ID), from).Debug("event applied",
		"event", ev.Type,
		"to", run.Snapshot.StateID,
		"retry_count", run.Snapshot.Context.RetryCount)
	return run, nil
}
