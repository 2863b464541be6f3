package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sceneforge/internal/domain"
	"sceneforge/internal/engine"
)

func shWorker(t *testing.T, script string, timeout time.Duration) *engine.Worker {
	t.Helper()
	w, err := engine.NewWorker(engine.Options{Command: []string{"sh", "-c", script}, Timeout: timeout})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

var scene = domain.Scene{
	Version: domain.SceneVersion,
	World:   domain.DefaultWorld(),
	Bodies:  []domain.Body{{ID: "box", Type: domain.BodyTypeDynamic}},
}

func TestSimulate(t *testing.T) {
	// The fake engine checks it received the scene, then answers with two frames.
	script := `input=$(cat); case "$input" in *'"frame_rate":30'*'"box"'*|*'"box"'*'"frame_rate":30'*) ;; *) echo "bad input" >&2; exit 3;; esac
echo '{"frames":[{"t":0,"positions":{"box":[0,1]}},{"t":0.5,"positions":{"box":[0,0.2]}}],"meta":{"engine":"fake"}}'`
	w := shWorker(t, script, 5*time.Second)

	frames, err := w.Simulate(context.Background(), scene, domain.SimulationRequest{DurationS: 1, FrameRate: 30})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d", len(frames))
	}
	if got := frames[1].Positions["box"]; got != (domain.Vec2{0, 0.2}) {
		t.Errorf("frame 1 box = %v", got)
	}
}

func TestSimulateErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		want    string
	}{
		{"exit status", `echo "solver diverged" >&2; exit 2`, 5 * time.Second, "solver diverged"},
		{"bad output", `echo not-json`, 5 * time.Second, "decode output"},
		{"no frames", `echo '{"meta":{}}'`, 5 * time.Second, "no frames"},
		{"timeout", `sleep 5`, 50 * time.Millisecond, "deadline exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shWorker(t, tt.script, tt.timeout).Simulate(context.Background(), scene, domain.SimulationRequest{DurationS: 1, FrameRate: 10})
			if !errors.Is(err, domain.ErrEngine) {
				t.Fatalf("err = %v, want ErrEngine", err)
			}
			var engErr *engine.Error
			if !errors.As(err, &engErr) {
				t.Fatalf("err is not *engine.Error: %T", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNewWorkerRejectsEmptyCommand(t *testing.T) {
	if _, err := engine.NewWorker(engine.Options{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("err = %v", err)
	}
}
