package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	rderrors "github.com/meow-stack/rundown/internal/errors"
)

// DirName is the per-project and per-user configuration directory.
const DirName = ".rundown"

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Valid returns true if this is a recognized log level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// PathsConfig holds path configuration. Relative paths are resolved against
// the project directory.
type PathsConfig struct {
	RunbooksDir string `toml:"runbooks_dir"`
	RunsDir     string `toml:"runs_dir"`
	LogsDir     string `toml:"logs_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// RunsConfig holds run retention settings.
type RunsConfig struct {
	// PruneAfter is how long a finished run is kept before `rundown prune`
	// removes it.
	PruneAfter time.Duration `toml:"prune_after"`
}

// Config is the main configuration struct for rundown.
type Config struct {
	Version string        `toml:"version"`
	Paths   PathsConfig   `toml:"paths"`
	Logging LoggingConfig `toml:"logging"`
	Runs    RunsConfig    `toml:"runs"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			RunbooksDir: DirName + "/runbooks",
			RunsDir:     DirName + "/runs",
			LogsDir:     DirName + "/logs",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
			File:   "", // Per-run logs in .rundown/logs/<run-id>.log
		},
		Runs: RunsConfig{
			PruneAfter: 7 * 24 * time.Hour,
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.rundown/config.toml -> .rundown/config.toml
// Later configs override earlier ones (project-level takes precedence).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		if err := decodeFile(filepath.Join(home, DirName, "config.toml"), cfg); err != nil {
			return nil, fmt.Errorf("parsing global config: %w", err)
		}
	}

	if err := decodeFile(filepath.Join(dir, DirName, "config.toml"), cfg); err != nil {
		return nil, fmt.Errorf("parsing project config: %w", err)
	}

	return cfg, nil
}

// decodeFile overlays path onto cfg. A missing file is not an error.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	_, err = toml.Decode(string(data), cfg)
	return err
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return rderrors.ConfigMissingField("version")
	}
	if c.Paths.RunbooksDir == "" {
		return rderrors.ConfigMissingField("paths.runbooks_dir")
	}
	if c.Paths.RunsDir == "" {
		return rderrors.ConfigMissingField("paths.runs_dir")
	}
	if c.Logging.Level != "" && !c.Logging.Level.Valid() {
		return rderrors.ConfigInvalidValue("logging.level", string(c.Logging.Level), "must be debug, info, warn or error")
	}
	if c.Runs.PruneAfter < 0 {
		return rderrors.ConfigInvalidValue("runs.prune_after", c.Runs.PruneAfter.String(), "must not be negative")
	}
	return nil
}

// RunbooksDir returns the absolute project runbooks directory path.
func (c *Config) RunbooksDir(baseDir string) string {
	return resolve(baseDir, c.Paths.RunbooksDir)
}

// RunsDir returns the absolute runs directory path.
func (c *Config) RunsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.RunsDir)
}

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.LogsDir)
}

// LogFile returns the absolute path of the configured log file.
func (c *Config) LogFile(baseDir string) string {
	return resolve(baseDir, c.Logging.File)
}

// UserRunbooksDir returns ~/.rundown/runbooks, or "" if the home directory
// cannot be determined.
func UserRunbooksDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DirName, "runbooks")
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
