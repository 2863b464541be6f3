// Package engine bridges to the external physics engine. The engine runs as
// a subprocess that reads one JSON request on stdin and writes one JSON
// response on stdout.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"sceneforge/internal/domain"
)

const DefaultTimeout = 60 * time.Second

const waitDelay = 500 * time.Millisecond

// maxStderr caps how much engine stderr is kept on an Error.
const maxStderr = 4096

type request struct {
	Scene     domain.Scene `json:"scene"`
	DurationS float64      `json:"duration_s"`
	FrameRate int          `json:"frame_rate"`
}

type response struct {
	Frames []domain.Frame  `json:"frames"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

// Error reports an engine run that failed. Stderr holds the tail of the
// engine's diagnostic output.
type Error struct {
	Command string
	Err     error
	Stderr  string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("engine %s: %v", e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() []error { return []error{domain.ErrEngine, e.Err} }

// Worker launches one engine process per simulation.
type Worker struct {
	command []string
	timeout time.Duration
	env     []string
	log     *slog.Logger
}

type Options struct {
	// Command is the engine argv, e.g. ["python3", "-m", "engine"].
	Command []string
	Timeout time.Duration
	Env     []string
	Logger  *slog.Logger
}

func NewWorker(opts Options) (*Worker, error) {
	if len(opts.Command) == 0 || strings.TrimSpace(opts.Command[0]) == "" {
		return nil, fmt.Errorf("engine command is empty: %w", domain.ErrInvalidArgument)
	}
	w := &Worker{
		command: append([]string{resolveCommand(opts.Command[0])}, opts.Command[1:]...),
		timeout: opts.Timeout,
		env:     opts.Env,
		log:     opts.Logger,
	}
	if w.timeout <= 0 {
		w.timeout = DefaultTimeout
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	return w, nil
}

// Simulate runs the scene for req.DurationS seconds and returns the frames
// the engine produced.
func (w *Worker) Simulate(ctx context.Context, sc domain.Scene, req domain.SimulationRequest) ([]domain.Frame, error) {
	payload, err := json.Marshal(request{Scene: sc, DurationS: req.DurationS, FrameRate: req.FrameRate})
	if err != nil {
		return nil, fmt.Errorf("marshal engine request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.command[0], w.command[1:]...)
	cmd.Env = append(os.Environ(), w.env...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren may hold the pipes open after the engine is killed
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	if ctx.Err() != nil {
		runErr = fmt.Errorf("after %s: %w", w.timeout, ctx.Err())
	}
	if runErr != nil {
		return nil, &Error{Command: filepath.Base(w.command[0]), Err: runErr, Stderr: tail(stderr.String(), maxStderr)}
	}

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, &Error{Command: filepath.Base(w.command[0]), Err: fmt.Errorf("decode output: %w", err), Stderr: tail(stderr.String(), maxStderr)}
	}
	if resp.Frames == nil {
		return nil, &Error{Command: filepath.Base(w.command[0]), Err: errors.New("output has no frames")}
	}

	w.log.Info("engine run",
		"bodies", len(sc.Bodies),
		"frames", len(resp.Frames),
		"duration_s", req.DurationS,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp.Frames, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// resolveCommand finds the engine binary on PATH or in common install
// locations, falling back to the name as given.
func resolveCommand(name string) string {
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	candidates := []string{
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/opt/homebrew/bin", name),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".local/bin", name))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return name
}
