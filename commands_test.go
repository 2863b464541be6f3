package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sceneforge/internal/builder"
	"sceneforge/internal/config"
	"sceneforge/internal/domain"
)

func setupTest(t *testing.T) {
	t.Helper()
	cfg = config.DefaultConfig()
	cfg.Store = config.StoreConfig{Driver: "memory"}
	log = slog.New(slog.DiscardHandler)
	configFile = filepath.Join(t.TempDir(), config.DefaultFileName)
}

const pulleyJSON = `{
  "image": {"width_px": 200, "height_px": 100},
  "segments": [
    {"id": "s1", "bbox_px": [20, 40, 20, 20]},
    {"id": "s2", "bbox_px": [160, 40, 20, 20]},
    {"id": "s3", "bbox_px": [105, 15, 10, 10]}
  ],
  "entities": [
    {"segment_id": "s1", "type": "mass", "props": {}},
    {"segment_id": "s2", "type": "mass", "props": {"mass_guess_kg": 2}},
    {"segment_id": "s3", "type": "pulley", "props": {"wheel_radius_m": 0.05}}
  ],
  "scale_m_per_px": 0.01
}`

// ─── universal ──────────────────────────────────────────────

func TestUniversalCommand(t *testing.T) {
	setupTest(t)
	in := filepath.Join(t.TempDir(), "request.json")
	if err := os.WriteFile(in, []byte(pulleyJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := universalCmd()
	cmd.SetArgs([]string{"-i", in})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("universal: %v", err)
	}

	var res builder.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if res.Meta.BodyCount != 3 || res.Meta.ConstraintCount != 1 {
		t.Errorf("meta = %+v, want 3 bodies and 1 rope", res.Meta)
	}
}

func TestUniversalCommandBadInput(t *testing.T) {
	setupTest(t)
	in := filepath.Join(t.TempDir(), "request.json")
	os.WriteFile(in, []byte("{not json"), 0o644)

	cmd := universalCmd()
	cmd.SetArgs([]string{"-i", in})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	if err := cmd.Execute(); err == nil {
		t.Error("expected a parse error")
	}
}

// ─── simulate helpers ───────────────────────────────────────

func TestParseScene(t *testing.T) {
	var req builder.Request
	if err := json.Unmarshal([]byte(pulleyJSON), &req); err != nil {
		t.Fatal(err)
	}
	res := builder.Build(req)

	wrapped, _ := json.Marshal(res)
	bare, _ := json.Marshal(res.Scene)

	for name, data := range map[string][]byte{"wrapped": wrapped, "bare": bare} {
		sc, err := parseScene(data)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(sc.Bodies) != 3 || len(sc.Constraints) != 1 {
			t.Errorf("%s: %d bodies, %d constraints", name, len(sc.Bodies), len(sc.Constraints))
		}
	}
}

func TestPlotBody(t *testing.T) {
	frames := make([]domain.Frame, 20)
	for i := range frames {
		frames[i] = domain.Frame{
			T:         float64(i) / 10,
			Positions: map[string]domain.Vec2{"m1": {0, 1 - 0.5*9.81*float64(i*i)/100}},
		}
	}

	var out bytes.Buffer
	cmd := simulateCmd()
	cmd.SetOut(&out)
	if err := plotBody(cmd, frames, "m1"); err != nil {
		t.Fatalf("plotBody: %v", err)
	}
	if !strings.Contains(out.String(), "m1 height (m) over 20 frames") {
		t.Errorf("caption missing:\n%s", out.String())
	}

	if err := plotBody(cmd, frames, "ghost"); !errors.Is(err, domain.ErrBodyNotFound) {
		t.Errorf("unknown body: err = %v", err)
	}
}

// ─── config ─────────────────────────────────────────────────

func TestConfigInit(t *testing.T) {
	setupTest(t)

	run := func(args ...string) error {
		cmd := configCmd()
		cmd.SetArgs(args)
		cmd.SetOut(new(bytes.Buffer))
		cmd.SetErr(new(bytes.Buffer))
		return cmd.Execute()
	}

	if err := run("init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := config.Load(configFile); err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if err := run("init"); err == nil {
		t.Error("second init without --force should fail")
	}
	if err := run("init", "--force"); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

func TestConfigShow(t *testing.T) {
	setupTest(t)
	var out bytes.Buffer
	cmd := configCmd()
	cmd.SetArgs([]string{"show"})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "driver: memory") {
		t.Errorf("show output missing store driver:\n%s", out.String())
	}
}
