// Package config loads sceneforge settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sceneforge/internal/domain"
)

const (
	DefaultFileName          = "sceneforge.yaml"
	DefaultTTL               = 30 * time.Minute
	DefaultMaxEntries        = 256
	DefaultSweepSchedule     = "@every 1m"
	DefaultScaleMPerPx       = 0.01
	DefaultMaxToolIterations = 12
	DefaultOracleTimeout     = 60 * time.Second
	DefaultEngineTimeout     = 30 * time.Second
	DefaultFrameRate         = 60
	DefaultDurationS         = 5.0
)

var storeDrivers = []string{"memory", "sqlite", "mysql", "postgres", "mongo"}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Builder  BuilderConfig  `yaml:"builder"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Engine   EngineConfig   `yaml:"engine"`
	Audit    AuditConfig    `yaml:"audit"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database,omitempty"` // mongo only
}

type RegistryConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type BuilderConfig struct {
	DefaultScaleMPerPx float64 `yaml:"default_scale_m_per_px"`
	GravityMS2         float64 `yaml:"gravity_m_s2"`
	TimeStepS          float64 `yaml:"time_step_s"`
	MaxToolIterations  int     `yaml:"max_tool_iterations"`
}

type OracleConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type EngineConfig struct {
	Command   []string      `yaml:"command"`
	Timeout   time.Duration `yaml:"timeout"`
	FrameRate int           `yaml:"frame_rate"`
	DurationS float64       `yaml:"duration_s"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(DefaultDir(), "sceneforge.db"),
		},
		Registry: RegistryConfig{
			TTL:           DefaultTTL,
			MaxEntries:    DefaultMaxEntries,
			SweepSchedule: DefaultSweepSchedule,
		},
		Builder: BuilderConfig{
			DefaultScaleMPerPx: DefaultScaleMPerPx,
			GravityMS2:         domain.DefaultGravity,
			TimeStepS:          domain.DefaultTimeStep,
			MaxToolIterations:  DefaultMaxToolIterations,
		},
		Oracle: OracleConfig{Timeout: DefaultOracleTimeout},
		Engine: EngineConfig{
			Timeout:   DefaultEngineTimeout,
			FrameRate: DefaultFrameRate,
			DurationS: DefaultDurationS,
		},
	}
}

// DefaultDir is where sceneforge keeps its database and config when no
// path is given.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sceneforge")
	}
	return ".sceneforge"
}

// DefaultPath returns the config file path used when --config is not set.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), DefaultFileName)
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s: %w", field, fmt.Sprintf(format, args...), domain.ErrInvalidArgument))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	known := false
	for _, d := range storeDrivers {
		if c.Store.Driver == d {
			known = true
		}
	}
	switch {
	case !known:
		bad("store.driver", "%q is not one of %s", c.Store.Driver, strings.Join(storeDrivers, "|"))
	case c.Store.Driver != "memory" && c.Store.DSN == "":
		bad("store.dsn", "required for driver %s", c.Store.Driver)
	}

	if c.Registry.TTL < 0 {
		bad("registry.ttl", "must not be negative")
	}
	if c.Registry.MaxEntries < 0 {
		bad("registry.max_entries", "must not be negative")
	}

	b := c.Builder
	if !positive(b.DefaultScaleMPerPx) {
		bad("builder.default_scale_m_per_px", "must be positive")
	}
	if !positive(b.GravityMS2) {
		bad("builder.gravity_m_s2", "must be positive")
	}
	if !positive(b.TimeStepS) || b.TimeStepS > domain.MaxTimeStep {
		bad("builder.time_step_s", "must be in (0, %g]", domain.MaxTimeStep)
	}
	if b.MaxToolIterations <= 0 {
		bad("builder.max_tool_iterations", "must be positive")
	}

	if c.Oracle.Timeout < 0 {
		bad("oracle.timeout", "must not be negative")
	}
	if c.Engine.Timeout < 0 {
		bad("engine.timeout", "must not be negative")
	}
	if c.Engine.FrameRate < 0 {
		bad("engine.frame_rate", "must not be negative")
	}
	if c.Engine.DurationS < 0 || math.IsNaN(c.Engine.DurationS) {
		bad("engine.duration_s", "must not be negative")
	}
	return errors.Join(errs...)
}

// World returns the world settings new conversations start from.
func (c *Config) World() domain.World {
	return domain.World{GravityMS2: c.Builder.GravityMS2, TimeStepS: c.Builder.TimeStepS}
}

// ParseLevel maps the configured level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, domain.ErrInvalidArgument)
	}
	return lvl, nil
}

func positive(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}
