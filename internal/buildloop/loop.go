// Package buildloop drives iterative, oracle-guided scene construction: each
// round the oracle sees the transcript and the edit catalogue, picks tool
// calls, and receives the updated scene and a rendered preview back.
package buildloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"sceneforge/internal/domain"
	"sceneforge/internal/geometry"
	"sceneforge/internal/render"
	"sceneforge/internal/service"
	"sceneforge/internal/tools"
)

const (
	DefaultMaxToolIterations = 12

	SummaryIterationLimit = "Iteration limit reached; returning best scene."
	WarningNoTools        = "Builder completed without invoking scene editing tools; verify prompts and tool availability."
	WarningEmptyReply     = "Oracle returned neither tool calls nor text in round %d."
)

type Options struct {
	MaxToolIterations int
	// OracleTimeout bounds each oracle call. Zero means no per-round limit.
	OracleTimeout time.Duration
	World         domain.World
	// ScaleMPerPx seeds the default mapping when the input has none.
	ScaleMPerPx float64
	Model       string
	Emitter     service.EventEmitter
	Logger      *slog.Logger
}

// Input starts a build for an existing conversation.
type Input struct {
	ConversationID string
	ImageID        string
	Image          domain.ImageMeta
	// Diagram is the source image, shown to the oracle in the first entry.
	Diagram []byte
	Prompt  string
	Mapping *domain.Mapping
	World   *domain.World
}

type Output struct {
	ConversationID string       `json:"conversation_id"`
	Scene          domain.Scene `json:"scene"`
	Summary        string       `json:"summary"`
	Warnings       []string     `json:"warnings"`
	FinalState     string       `json:"final_state"`
	Rounds         int          `json:"rounds"`
	ToolCalls      int          `json:"tool_calls"`
	ToolErrors     int          `json:"tool_errors"`
	Render         []byte       `json:"-"`
	Transcript     []Entry      `json:"-"`
}

// Loop runs builds. One Loop serves many conversations; the guard keeps a
// single build per conversation.
type Loop struct {
	svc       *service.SceneService
	catalogue *tools.Catalogue
	oracle    Oracle
	guard     *service.BuildGuard
	opts      Options
	emit      service.EventEmitter
	log       *slog.Logger
}

func New(svc *service.SceneService, catalogue *tools.Catalogue, oracle Oracle, opts Options) *Loop {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = DefaultMaxToolIterations
	}
	if opts.World == (domain.World{}) {
		opts.World = domain.DefaultWorld()
	}
	l := &Loop{
		svc:       svc,
		catalogue: catalogue,
		oracle:    oracle,
		guard:     &service.BuildGuard{},
		opts:      opts,
		emit:      opts.Emitter,
		log:       opts.Logger,
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.emit == nil {
		l.emit = service.LogEmitter{Logger: l.log}
	}
	return l
}

// Running lists conversations with a build in progress.
func (l *Loop) Running() []string { return l.guard.Running() }

// Wait blocks until every running build returns or ctx ends.
func (l *Loop) Wait(ctx context.Context) { l.guard.WaitAll(ctx) }

// run is the mutable state of one build.
type run struct {
	in         Input
	img        *domain.ImageMeta
	state      State
	round      int
	transcript []Entry
	warnings   []string
	summary    string
	pending    []ToolCall
	invoked    int
	failed     int
}

// Run resets the conversation's scene and builds it round by round until
// the oracle converges or the iteration budget is spent. Only oracle
// failures abort the build; tool failures are fed back to the oracle.
func (l *Loop) Run(ctx context.Context, in Input) (*Output, error) {
	if !l.guard.TryAcquire(in.ConversationID) {
		return nil, fmt.Errorf("conversation %s: %w", in.ConversationID, domain.ErrBuildInProgress)
	}
	defer l.guard.Release(in.ConversationID)

	if err := l.seed(ctx, in); err != nil {
		return nil, err
	}

	img, err := l.svc.Image(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	r := &run{in: in, img: img, state: StateAwaitingOracle}
	r.transcript = append(r.transcript, Entry{Kind: KindDiagram, Text: in.Prompt, Image: img, PNG: in.Diagram})
	l.log.Info("build started", "conversation", in.ConversationID, "max_rounds", l.opts.MaxToolIterations)

	for !r.state.Terminal() {
		var (
			ev  Event
			err error
		)
		switch r.state {
		case StateAwaitingOracle:
			ev, err = l.awaitOracle(ctx, r)
		case StateExecutingTools:
			l.execute(ctx, r)
			ev = EventToolsDone
		}
		if err != nil {
			return nil, err
		}
		next, err := Next(r.state, ev)
		if err != nil {
			return nil, err
		}
		r.state = next
	}

	if r.state == StateBudgetExhausted {
		r.summary = SummaryIterationLimit
	}
	r.transcript = append(r.transcript, Entry{Kind: KindFinalSummary, Text: r.summary})
	return l.finish(ctx, r)
}

func (l *Loop) seed(ctx context.Context, in Input) error {
	world := l.opts.World
	if in.World != nil {
		world = *in.World
	}
	if err := world.Validate(); err != nil {
		return err
	}
	img := in.Image
	if img.Valid() {
		if err := l.svc.SetImage(ctx, in.ConversationID, in.ImageID, img); err != nil {
			return err
		}
	} else if cur, err := l.svc.Image(ctx, in.ConversationID); err != nil {
		return err
	} else if cur.Valid() {
		img = *cur
	} else {
		img = domain.DefaultImage()
	}
	mapping := in.Mapping
	if mapping == nil {
		m := geometry.MappingFor(img, l.opts.ScaleMPerPx)
		mapping = &m
	}
	return l.svc.ResetScene(ctx, in.ConversationID, world, mapping, &img)
}

// awaitOracle asks for the next reply and classifies it.
func (l *Loop) awaitOracle(ctx context.Context, r *run) (Event, error) {
	if r.round >= l.opts.MaxToolIterations {
		return EventBudgetSpent, nil
	}
	r.round++

	reply, err := l.ask(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("round %d: %w: %w", r.round, domain.ErrOracle, err)
	}
	l.emit.Emit(ctx, service.EventBuildRound, map[string]any{
		"conversationId": r.in.ConversationID,
		"round":          r.round,
		"toolCalls":      len(reply.ToolCalls),
	})

	switch {
	case len(reply.ToolCalls) > 0:
		if reply.Text != "" {
			r.transcript = append(r.transcript, Entry{Kind: KindAssistantText, Text: reply.Text})
		}
		r.pending = reply.ToolCalls
		return EventToolCalls, nil
	case reply.Text != "":
		r.summary = reply.Text
		return EventFinalText, nil
	default:
		r.warnings = append(r.warnings, fmt.Sprintf(WarningEmptyReply, r.round))
		return EventEmptyReply, nil
	}
}

func (l *Loop) ask(ctx context.Context, r *run) (*Reply, error) {
	if l.opts.OracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.OracleTimeout)
		defer cancel()
	}
	reply, err := l.oracle.Next(ctx, Request{
		Model:      l.opts.Model,
		Transcript: append([]Entry(nil), r.transcript...),
		Tools:      l.catalogue.Definitions(),
	})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return &Reply{}, nil
	}
	return reply, nil
}

// execute runs the pending calls in order. A failing call becomes a
// TOOL_ERROR entry and the remaining calls still run.
func (l *Loop) execute(ctx context.Context, r *run) {
	calls := r.pending
	r.pending = nil
	for _, call := range calls {
		r.invoked++
		r.transcript = append(r.transcript, Entry{Kind: KindToolCall, CallID: call.ID, Tool: call.Name, Arguments: call.Arguments})

		res, err := l.catalogue.Execute(ctx, r.in.ConversationID, call.Name, call.Arguments)
		if err != nil {
			r.failed++
			l.svc.RecordToolCall(ctx, r.in.ConversationID, call.Name, call.Arguments, err, "")
			r.transcript = append(r.transcript, Entry{Kind: KindToolError, CallID: call.ID, Tool: call.Name, Text: err.Error()})
			l.log.Warn("tool call failed", "conversation", r.in.ConversationID, "round", r.round, "tool", call.Name, "err", err)
			continue
		}
		l.svc.RecordToolCall(ctx, r.in.ConversationID, call.Name, call.Arguments, nil, res.Message)

		sc := res.Scene
		png, rerr := render.PNG(sc, r.img)
		if rerr != nil {
			l.log.Warn("render failed", "conversation", r.in.ConversationID, "err", rerr)
		}
		r.transcript = append(r.transcript, Entry{Kind: KindToolResult, CallID: call.ID, Tool: call.Name, Text: res.Message, Scene: &sc, PNG: png})
	}
}

func (l *Loop) finish(ctx context.Context, r *run) (*Output, error) {
	sc, err := l.svc.Snapshot(ctx, r.in.ConversationID)
	if err != nil {
		return nil, err
	}
	png, err := render.PNG(sc, r.img)
	if err != nil {
		return nil, fmt.Errorf("final render: %w", err)
	}
	if err := l.svc.StoreRender(ctx, r.in.ConversationID, png); err != nil {
		l.log.Warn("store render failed", "conversation", r.in.ConversationID, "err", err)
	}

	if r.invoked == 0 {
		r.warnings = append(r.warnings, WarningNoTools)
	}
	if r.warnings == nil {
		r.warnings = []string{}
	}

	l.log.Info("build finished",
		"conversation", r.in.ConversationID,
		"state", r.state.String(),
		"rounds", r.round,
		"tool_calls", r.invoked,
		"tool_errors", r.failed,
		"bodies", len(sc.Bodies),
	)
	return &Output{
		ConversationID: r.in.ConversationID,
		Scene:          sc,
		Summary:        r.summary,
		Warnings:       r.warnings,
		FinalState:     r.state.String(),
		Rounds:         r.round,
		ToolCalls:      r.invoked,
		ToolErrors:     r.failed,
		Render:         png,
		Transcript:     r.transcript,
	}, nil
}

// EncodeTranscript renders the transcript as indented JSON without images.
func EncodeTranscript(entries []Entry) ([]byte, error) {
	slim := make([]Entry, len(entries))
	for i, e := range entries {
		e.PNG = nil
		slim[i] = e
	}
	return json.MarshalIndent(slim, "", "  ")
}
