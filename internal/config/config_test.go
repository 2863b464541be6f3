package config_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sceneforge/internal/config"
	"sceneforge/internal/domain"
)

// ───────────────────────────────────────────────────────────────
// Load / Save
// ───────────────────────────────────────────────────────────────

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(config.DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sceneforge.yaml")
	body := `
store:
  driver: postgres
  dsn: postgres://localhost/scenes
registry:
  ttl: 5m
builder:
  gravity_m_s2: 3.71
engine:
  command: [python3, -m, physics_worker]
  timeout: 10s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://localhost/scenes" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Registry.TTL != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m", cfg.Registry.TTL)
	}
	if cfg.Registry.MaxEntries != config.DefaultMaxEntries {
		t.Errorf("max_entries = %d, want default %d", cfg.Registry.MaxEntries, config.DefaultMaxEntries)
	}
	if want := (domain.World{GravityMS2: 3.71, TimeStepS: domain.DefaultTimeStep}); cfg.World() != want {
		t.Errorf("World() = %+v, want %+v", cfg.World(), want)
	}
	if diff := cmp.Diff([]string{"python3", "-m", "physics_worker"}, cfg.Engine.Command); diff != "" {
		t.Errorf("engine.command (-want +got):\n%s", diff)
	}
	if cfg.Engine.Timeout != 10*time.Second {
		t.Errorf("engine.timeout = %v", cfg.Engine.Timeout)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sceneforge.yaml")
	want := config.DefaultConfig()
	want.Oracle.URL = "http://localhost:8080/v1/oracle"
	want.Oracle.Model = "vision-large"
	want.Audit.Path = "/var/log/sceneforge/audit.jsonl"
	want.Engine.Command = []string{"physics-worker", "--json"}

	if err := config.Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sceneforge.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: cassandra\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := config.Load(path)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Load err = %v, want ErrInvalidArgument", err)
	}
}

// ───────────────────────────────────────────────────────────────
// Validate
// ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*config.Config)
		field string
	}{
		{"log level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
		{"driver", func(c *config.Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"dsn", func(c *config.Config) { c.Store.Driver = "mysql"; c.Store.DSN = "" }, "store.dsn"},
		{"ttl", func(c *config.Config) { c.Registry.TTL = -time.Second }, "registry.ttl"},
		{"scale", func(c *config.Config) { c.Builder.DefaultScaleMPerPx = 0 }, "builder.default_scale_m_per_px"},
		{"gravity", func(c *config.Config) { c.Builder.GravityMS2 = -9.81 }, "builder.gravity_m_s2"},
		{"time step", func(c *config.Config) { c.Builder.TimeStepS = 0.5 }, "builder.time_step_s"},
		{"iterations", func(c *config.Config) { c.Builder.MaxToolIterations = 0 }, "builder.max_tool_iterations"},
		{"frame rate", func(c *config.Config) { c.Engine.FrameRate = -1 }, "engine.frame_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.edit(cfg)
			err := cfg.Validate()
			if !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("Validate() = %v, want ErrInvalidArgument", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestValidateMemoryStoreNeedsNoDSN(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store = config.StoreConfig{Driver: "memory"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError} {
		got, err := config.ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

// ───────────────────────────────────────────────────────────────
// Watch
// ───────────────────────────────────────────────────────────────

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sceneforge.yaml")
	if err := config.Save(path, config.DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *config.Config, 4)
	if err := config.Watch(ctx, path, nil, func(c *config.Config) { changes <- c }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Unrelated files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	next := config.DefaultConfig()
	next.Registry.MaxEntries = 7
	if err := config.Save(path, next); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changes:
		if got.Registry.MaxEntries != 7 {
			t.Errorf("reloaded max_entries = %d, want 7", got.Registry.MaxEntries)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatchSkipsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sceneforge.yaml")
	if err := config.Save(path, config.DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *config.Config, 4)
	if err := config.Watch(ctx, path, nil, func(c *config.Config) { changes <- c }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("builder:\n  max_tool_iterations: -3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-changes:
		t.Fatalf("invalid config delivered: %+v", got.Builder)
	case <-time.After(3 * config.ReloadDelay):
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := config.Watch(context.Background(), filepath.Join(t.TempDir(), "gone", "sceneforge.yaml"), nil, func(*config.Config) {})
	if err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
