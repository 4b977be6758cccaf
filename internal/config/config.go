package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/g960059/paneflow/internal/resize"
)

// Duration wraps time.Duration so YAML config files can use "16ms"
// style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Planner holds the tunables the daemon feeds into every planning
// call. The pane's geometry supplies the rest of the planner input.
type Planner struct {
	OverscanLines    uint32 `yaml:"overscan_lines"`
	MaxBatchLines    uint32 `yaml:"max_batch_lines"`
	LinesPerWorkUnit uint32 `yaml:"lines_per_work_unit"`
	FrameBudgetUnits uint32 `yaml:"frame_budget_units"`
}

// Telemetry controls the SQLite history store.
type Telemetry struct {
	Enabled bool `yaml:"enabled"`
	// MaxFrameSamples and MaxLifecycleEvents cap the retained rows;
	// the retention loop deletes the oldest rows past the cap.
	MaxFrameSamples    int `yaml:"max_frame_samples"`
	MaxLifecycleEvents int `yaml:"max_lifecycle_events"`
}

type Config struct {
	SocketPath    string        `yaml:"socket_path"`
	DBPath        string        `yaml:"db_path"`
	FrameInterval Duration      `yaml:"frame_interval"`
	Planner       Planner       `yaml:"planner"`
	Scheduler     resize.Config `yaml:"scheduler"`
	Telemetry     Telemetry     `yaml:"telemetry"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:    defaultSocketPath(),
		DBPath:        defaultDBPath(),
		FrameInterval: Duration(16 * time.Millisecond),
		Planner: Planner{
			OverscanLines:    128,
			MaxBatchLines:    2048,
			LinesPerWorkUnit: 512,
			FrameBudgetUnits: 8,
		},
		Scheduler: resize.DefaultConfig(),
		Telemetry: Telemetry{
			Enabled:            true,
			MaxFrameSamples:    100_000,
			MaxLifecycleEvents: 200_000,
		},
	}
}

// LoadFile overlays the YAML file at path onto base. A missing file is
// not an error; the base config is returned unchanged.
func LoadFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return base, nil
}

// Normalize clamps degenerate values the same way the core does:
// silently-safe defaults instead of failure, because resize handling
// must never become unavailable over a bad parameter.
func (c Config) Normalize() Config {
	defaults := DefaultConfig()
	if c.SocketPath == "" {
		c.SocketPath = defaults.SocketPath
	}
	if c.DBPath == "" {
		c.DBPath = defaults.DBPath
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = defaults.FrameInterval
	}
	if c.Planner.MaxBatchLines == 0 {
		c.Planner.MaxBatchLines = 1
	}
	if c.Planner.LinesPerWorkUnit == 0 {
		c.Planner.LinesPerWorkUnit = 1
	}
	if c.Planner.FrameBudgetUnits == 0 {
		c.Planner.FrameBudgetUnits = 1
	}
	if c.Telemetry.MaxFrameSamples <= 0 {
		c.Telemetry.MaxFrameSamples = defaults.Telemetry.MaxFrameSamples
	}
	if c.Telemetry.MaxLifecycleEvents <= 0 {
		c.Telemetry.MaxLifecycleEvents = defaults.Telemetry.MaxLifecycleEvents
	}
	return c
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "paneflow", "paneflowd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".paneflowd.sock"
	}
	return filepath.Join(home, ".local", "state", "paneflow", "paneflowd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "paneflow.db"
	}
	return filepath.Join(home, ".local", "state", "paneflow", "telemetry.db")
}
