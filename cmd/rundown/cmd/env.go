package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/meow-stack/rundown/internal/compiler"
	"github.com/meow-stack/rundown/internal/config"
	"github.com/meow-stack/rundown/internal/loader"
	"github.com/meow-stack/rundown/internal/logging"
	"github.com/meow-stack/rundown/internal/parser"
	"github.com/meow-stack/rundown/internal/runstore"
	"github.com/meow-stack/rundown/internal/status"
)

// env is the per-invocation project context shared by commands.
type env struct {
	dir    string
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
	loader *loader.Loader
}

// loadEnv reads configuration for the working directory and sets up logging
// and runbook resolution.
func loadEnv() (*env, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	if !verbose && cfg.Logging.File == "" {
		// Keep the terminal for command output unless asked.
		logger = logging.NewForTest()
	}

	l := loader.New(cfg, dir)
	l.Embedded = embeddedFS()

	return &env{dir: dir, cfg: cfg, logger: logger, closer: closer, loader: l}, nil
}

// Close releases the log file, if any.
func (e *env) Close() {
	if e.closer != nil {
		e.closer.Close()
	}
}

func (e *env) store() (*runstore.Store, error) {
	return runstore.New(e.cfg.RunsDir(e.dir), e.logger)
}

func (e *env) styles(w io.Writer) *status.Styles {
	return status.NewStyles(w, noColor)
}

// runLogger returns the per-run event log. Failing to open it is not fatal.
func (e *env) runLogger(runID string) (*slog.Logger, io.Closer) {
	logger, closer, err := logging.NewForRun(e.cfg, e.dir, runID)
	if err != nil {
		e.logger.Warn("cannot open run log", "run_id", runID, "error", err)
		return logging.WithRun(e.logger, runID), nil
	}
	return logger, closer
}

// compile loads a runbook reference, checks its nested runbooks and compiles
// it.
func (e *env) compile(ref string) (*loader.Loaded, *compiler.Definition, error) {
	loaded, err := e.loader.Load(ref, parser.Options{})
	if err != nil {
		return nil, nil, err
	}
	if err := e.loader.CheckNested(loaded); err != nil {
		return nil, nil, err
	}
	def, err := compiler.Compile(loaded.Runbook.Steps)
	if err != nil {
		return nil, nil, err
	}
	logging.WithRunbook(e.logger, loaded.Path).Debug("runbook compiled",
		"source", loaded.Source,
		"states", len(def.StateIDs()))
	return loaded, def, nil
}

// definitionFor recompiles the runbook a run was started from.
func (e *env) definitionFor(run *runstore.Run) (*compiler.Definition, error) {
	ref := run.Runbook
	l := e.loader
	if run.Source == loader.SourceEmbedded {
		l = l.WithScope(loader.ScopeEmbedded)
		ref = strings.TrimSuffix(ref, loader.Extension)
	}

	loaded, err := l.Load(ref, parser.Options{})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ShortID(), err)
	}
	return compiler.Compile(loaded.Runbook.Steps)
}

// parseVars parses key=value pairs. Values that read as booleans or numbers
// are stored as such.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q (use key=value)", pair)
		}
		vars[key] = parseScalar(value)
	}
	return vars, nil
}

func parseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
