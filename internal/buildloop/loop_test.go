package buildloop_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sceneforge/internal/buildloop"
	"sceneforge/internal/domain"
	"sceneforge/internal/service"
	"sceneforge/internal/tools"
)

// ─────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────

var testImage = domain.ImageMeta{WidthPx: 800, HeightPx: 600}

type fixture struct {
	svc *service.SceneService
	reg *service.Registry
	id  string
	em  *service.MockEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	em := &service.MockEmitter{}
	reg := service.NewRegistry(service.RegistryOptions{Emitter: em})
	rec, err := reg.Create(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	svc := service.NewSceneService(reg, service.SceneServiceOptions{Emitter: em})
	return &fixture{svc: svc, reg: reg, id: rec.ID, em: em}
}

func (f *fixture) loop(oracle buildloop.Oracle, opts buildloop.Options) *buildloop.Loop {
	opts.Emitter = f.em
	return buildloop.New(f.svc, tools.New(f.svc), oracle, opts)
}

func (f *fixture) input() buildloop.Input {
	return buildloop.Input{ConversationID: f.id, ImageID: "img-1", Image: testImage, Prompt: "two blocks on a pulley"}
}

func blockCall(id string) buildloop.ScriptCall {
	return buildloop.ScriptCall{Name: "create_block", Arguments: map[string]any{
		"body_id":    id,
		"position_m": []any{0.0, 0.5},
		"size_m":     []any{0.5, 0.5},
	}}
}

func kinds(entries []buildloop.Entry) []buildloop.EntryKind {
	out := make([]buildloop.EntryKind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

// blockingOracle waits for release or context cancellation.
type blockingOracle struct {
	entered chan struct{}
	release chan struct{}
}

func (o *blockingOracle) Next(ctx context.Context, _ buildloop.Request) (*buildloop.Reply, error) {
	select {
	case o.entered <- struct{}{}:
	default:
	}
	select {
	case <-o.release:
		return &buildloop.Reply{Text: "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ─────────────────────────────────────────────────────────────
// State machine
// ─────────────────────────────────────────────────────────────

func TestTransitions(t *testing.T) {
	tests := []struct {
		from    buildloop.State
		event   buildloop.Event
		want    buildloop.State
		wantErr bool
	}{
		{buildloop.StateAwaitingOracle, buildloop.EventToolCalls, buildloop.StateExecutingTools, false},
		{buildloop.StateAwaitingOracle, buildloop.EventFinalText, buildloop.StateConverged, false},
		{buildloop.StateAwaitingOracle, buildloop.EventEmptyReply, buildloop.StateAwaitingOracle, false},
		{buildloop.StateAwaitingOracle, buildloop.EventBudgetSpent, buildloop.StateBudgetExhausted, false},
		{buildloop.StateExecutingTools, buildloop.EventToolsDone, buildloop.StateAwaitingOracle, false},
		{buildloop.StateExecutingTools, buildloop.EventFinalText, buildloop.StateExecutingTools, true},
		{buildloop.StateConverged, buildloop.EventToolCalls, buildloop.StateConverged, true},
	}
	for _, tt := range tests {
		got, err := buildloop.Next(tt.from, tt.event)
		if (err != nil) != tt.wantErr {
			t.Errorf("Next(%s, %d) err = %v, wantErr %v", tt.from, tt.event, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("Next(%s, %d) = %s, want %s", tt.from, tt.event, got, tt.want)
		}
	}
}

// ─────────────────────────────────────────────────────────────
// Run
// ─────────────────────────────────────────────────────────────

func TestRunConverges(t *testing.T) {
	f := newFixture(t)
	oracle := buildloop.NewScriptedOracle(
		buildloop.ScriptStep{ToolCalls: []buildloop.ScriptCall{blockCall("box")}},
		buildloop.ScriptStep{Text: "One block placed."},
	)

	out, err := f.loop(oracle, buildloop.Options{}).Run(context.Background(), f.input())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Summary != "One block placed." || out.FinalState != "converged" {
		t.Errorf("summary=%q state=%s", out.Summary, out.FinalState)
	}
	if out.Rounds != 2 || out.ToolCalls != 1 || out.ToolErrors != 0 {
		t.Errorf("rounds=%d calls=%d errors=%d", out.Rounds, out.ToolCalls, out.ToolErrors)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("warnings = %v", out.Warnings)
	}
	if _, ok := out.Scene.Body("box"); !ok {
		t.Error("box missing from final scene")
	}
	if len(out.Render) == 0 {
		t.Error("final render missing")
	}

	want := []buildloop.EntryKind{buildloop.KindDiagram, buildloop.KindToolCall, buildloop.KindToolResult, buildloop.KindFinalSummary}
	if diff := cmp.Diff(want, kinds(out.Transcript)); diff != "" {
		t.Errorf("transcript kinds (-want +got):\n%s", diff)
	}
	result := out.Transcript[2]
	if result.Scene == nil || len(result.PNG) == 0 {
		t.Error("tool result should carry scene and render")
	}

	// second round sees the first round's result
	reqs := oracle.Requests()
	if len(reqs) != 2 || len(reqs[1].Transcript) != 3 {
		t.Fatalf("oracle requests = %d", len(reqs))
	}
	if len(reqs[0].Tools) != 7 {
		t.Errorf("catalogue size = %d, want 7", len(reqs[0].Tools))
	}
	if f.em.Count(service.EventBuildRound) != 2 {
		t.Errorf("build:round events = %d", f.em.Count(service.EventBuildRound))
	}
}

func TestRunIterationLimit(t *testing.T) {
	f := newFixture(t)
	var steps []buildloop.ScriptStep
	for _, id := range []string{"a", "b", "c", "d"} {
		steps = append(steps, buildloop.ScriptStep{ToolCalls: []buildloop.ScriptCall{blockCall(id)}})
	}

	out, err := f.loop(buildloop.NewScriptedOracle(steps...), buildloop.Options{MaxToolIterations: 3}).
		Run(context.Background(), f.input())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Summary != buildloop.SummaryIterationLimit {
		t.Errorf("summary = %q", out.Summary)
	}
	if out.FinalState != "budget_exhausted" || out.Rounds != 3 {
		t.Errorf("state=%s rounds=%d", out.FinalState, out.Rounds)
	}
	if len(out.Scene.Bodies) != 3 {
		t.Errorf("bodies = %d, want 3 (best scene so far)", len(out.Scene.Bodies))
	}
}

func TestRunToolErrorsFeedBack(t *testing.T) {
	f := newFixture(t)
	oracle := buildloop.NewScriptedOracle(
		buildloop.ScriptStep{ToolCalls: []buildloop.ScriptCall{
			{Name: "launch_rocket"},
			{Name: "create_block", Arguments: map[string]any{"position_m": []any{0.0, 0.0}}},
			blockCall("ok"),
		}},
		buildloop.ScriptStep{Text: "Done despite errors."},
	)

	out, err := f.loop(oracle, buildloop.Options{}).Run(context.Background(), f.input())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ToolCalls != 3 || out.ToolErrors != 2 {
		t.Errorf("calls=%d errors=%d", out.ToolCalls, out.ToolErrors)
	}

	var errorsSeen []string
	for _, e := range oracle.Requests()[1].Transcript {
		if e.Kind == buildloop.KindToolError {
			errorsSeen = append(errorsSeen, e.Text)
		}
	}
	if len(errorsSeen) != 2 {
		t.Fatalf("TOOL_ERROR entries = %v", errorsSeen)
	}
	if !strings.Contains(errorsSeen[0], domain.ErrUnsupportedTool.Error()) {
		t.Errorf("first error = %q", errorsSeen[0])
	}
	if !strings.Contains(errorsSeen[1], "size_m") {
		t.Errorf("second error = %q", errorsSeen[1])
	}

	rec, err := f.reg.Get(context.Background(), f.id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rec.ToolCalls) != 3 {
		t.Fatalf("audit entries = %d", len(rec.ToolCalls))
	}
	statuses := []domain.ToolCallStatus{rec.ToolCalls[0].Status, rec.ToolCalls[1].Status, rec.ToolCalls[2].Status}
	if diff := cmp.Diff([]domain.ToolCallStatus{domain.ToolCallError, domain.ToolCallError, domain.ToolCallOK}, statuses); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}

func TestRunWithoutTools(t *testing.T) {
	f := newFixture(t)
	oracle := buildloop.NewScriptedOracle(buildloop.ScriptStep{Text: "Nothing to do."})

	out, err := f.loop(oracle, buildloop.Options{}).Run(context.Background(), f.input())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{buildloop.WarningNoTools}, out.Warnings); diff != "" {
		t.Errorf("warnings (-want +got):\n%s", diff)
	}
}

func TestRunEmptyReplies(t *testing.T) {
	f := newFixture(t)
	out, err := f.loop(buildloop.NewScriptedOracle(), buildloop.Options{MaxToolIterations: 2}).
		Run(context.Background(), f.input())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.FinalState != "budget_exhausted" {
		t.Errorf("state = %s", out.FinalState)
	}
	// two empty-reply warnings plus the no-tools warning
	if len(out.Warnings) != 3 {
		t.Errorf("warnings = %v", out.Warnings)
	}
}

func TestRunResetsScene(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateBlock(ctx, f.id, service.CreateBlockInput{BodyID: "stale", SizeM: domain.Vec2{1, 1}}); err != nil {
		t.Fatalf("seed block: %v", err)
	}

	oracle := buildloop.NewScriptedOracle(buildloop.ScriptStep{Text: "done"})
	mapping := &domain.Mapping{OriginPx: domain.Vec2{0, 600}, ScaleMPerPx: 0.02}
	in := f.input()
	in.Mapping = mapping

	out, err := f.loop(oracle, buildloop.Options{}).Run(ctx, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Scene.Bodies) != 0 {
		t.Errorf("stale bodies survived reset: %d", len(out.Scene.Bodies))
	}
	if diff := cmp.Diff(mapping, out.Scene.Mapping); diff != "" {
		t.Errorf("mapping (-want +got):\n%s", diff)
	}
	img, _ := f.svc.Image(ctx, f.id)
	if img == nil || *img != testImage {
		t.Errorf("image = %v", img)
	}
}

func TestRunWithoutImageUsesDefaultFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oracle := buildloop.NewScriptedOracle(buildloop.ScriptStep{Text: "done"})

	out, err := f.loop(oracle, buildloop.Options{}).Run(ctx, buildloop.Input{ConversationID: f.id})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := &domain.Mapping{OriginPx: domain.Vec2{400, 300}, ScaleMPerPx: 0.01}
	if diff := cmp.Diff(want, out.Scene.Mapping); diff != "" {
		t.Errorf("mapping (-want +got):\n%s", diff)
	}
	img, _ := f.svc.Image(ctx, f.id)
	if img == nil || *img != domain.DefaultImage() {
		t.Errorf("image = %v, want the default frame", img)
	}

	// bodies placed outside the default frame are clamped back in
	res, err := f.svc.CreateBlock(ctx, f.id, service.CreateBlockInput{BodyID: "far", PositionM: domain.Vec2{50, 0}, SizeM: domain.Vec2{0.5, 0.5}})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	b, ok := res.Scene.Body("far")
	if !ok || b.PositionM.X() > 4 {
		t.Errorf("block outside the 8 m frame was not clamped: %v", b.PositionM)
	}
}

func TestRunWithoutImageKeepsConversationImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.SetImage(ctx, f.id, "img-1", domain.ImageMeta{WidthPx: 400, HeightPx: 200}); err != nil {
		t.Fatal(err)
	}
	oracle := buildloop.NewScriptedOracle(buildloop.ScriptStep{Text: "done"})

	out, err := f.loop(oracle, buildloop.Options{ScaleMPerPx: 0.02}).Run(ctx, buildloop.Input{ConversationID: f.id})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := &domain.Mapping{OriginPx: domain.Vec2{200, 100}, ScaleMPerPx: 0.02}
	if diff := cmp.Diff(want, out.Scene.Mapping); diff != "" {
		t.Errorf("mapping (-want +got):\n%s", diff)
	}
}

func TestRunRejectsInvalidWorld(t *testing.T) {
	tests := []struct {
		name  string
		world domain.World
	}{
		{"negative gravity", domain.World{GravityMS2: -3, TimeStepS: 0.016}},
		{"zero time step", domain.World{GravityMS2: 9.81, TimeStepS: 0}},
		{"time step too large", domain.World{GravityMS2: 9.81, TimeStepS: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			oracle := buildloop.NewScriptedOracle(buildloop.ScriptStep{Text: "done"})
			in := f.input()
			in.World = &tt.world

			_, err := f.loop(oracle, buildloop.Options{}).Run(context.Background(), in)
			if !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
			sc, _ := f.svc.Snapshot(context.Background(), f.id)
			if sc.World == tt.world {
				t.Errorf("invalid world %+v reached the document", tt.world)
			}
		})
	}
}

func TestRunOracleFailure(t *testing.T) {
	f := newFixture(t)
	oracle := buildloop.NewScriptedOracle(buildloop.ScriptStep{Error: "model overloaded"})

	_, err := f.loop(oracle, buildloop.Options{}).Run(context.Background(), f.input())
	if !errors.Is(err, domain.ErrOracle) {
		t.Fatalf("err = %v, want ErrOracle", err)
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("err = %v", err)
	}
}

func TestRunOracleTimeout(t *testing.T) {
	f := newFixture(t)
	oracle := &blockingOracle{entered: make(chan struct{}, 1), release: make(chan struct{})}

	_, err := f.loop(oracle, buildloop.Options{OracleTimeout: 20 * time.Millisecond}).Run(context.Background(), f.input())
	if !errors.Is(err, domain.ErrOracle) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRejectsConcurrentBuild(t *testing.T) {
	f := newFixture(t)
	oracle := &blockingOracle{entered: make(chan struct{}, 1), release: make(chan struct{})}
	loop := f.loop(oracle, buildloop.Options{})

	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), f.input())
		done <- err
	}()
	<-oracle.entered

	if diff := cmp.Diff([]string{f.id}, loop.Running()); diff != "" {
		t.Errorf("running (-want +got):\n%s", diff)
	}
	if _, err := loop.Run(context.Background(), f.input()); !errors.Is(err, domain.ErrBuildInProgress) {
		t.Errorf("second Run err = %v, want ErrBuildInProgress", err)
	}

	close(oracle.release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	loop.Wait(ctx)
	if len(loop.Running()) != 0 {
		t.Errorf("guard not released")
	}
}

func TestRunUnknownConversation(t *testing.T) {
	f := newFixture(t)
	in := f.input()
	in.ConversationID = "missing"
	_, err := f.loop(buildloop.NewScriptedOracle(), buildloop.Options{}).Run(context.Background(), in)
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("err = %v", err)
	}
}

// ─────────────────────────────────────────────────────────────
// Oracles
// ─────────────────────────────────────────────────────────────

func TestParseScript(t *testing.T) {
	oracle, err := buildloop.ParseScript([]byte(`
rounds:
  - tool_calls:
      - name: set_world
        arguments: {gravity_m_s2: 9.81, time_step_s: 0.01}
  - text: finished
`))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	ctx := context.Background()

	first, err := oracle.Next(ctx, buildloop.Request{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(first.ToolCalls) != 1 || first.ToolCalls[0].Name != "set_world" || first.ToolCalls[0].ID != "call_1_1" {
		t.Fatalf("first = %+v", first)
	}
	var args map[string]float64
	if err := json.Unmarshal(first.ToolCalls[0].Arguments, &args); err != nil {
		t.Fatalf("arguments: %v", err)
	}
	if args["gravity_m_s2"] != 9.81 || args["time_step_s"] != 0.01 {
		t.Errorf("args = %v", args)
	}

	second, _ := oracle.Next(ctx, buildloop.Request{})
	if second.Text != "finished" {
		t.Errorf("second = %+v", second)
	}
	third, _ := oracle.Next(ctx, buildloop.Request{})
	if third.Text != "" || len(third.ToolCalls) != 0 {
		t.Errorf("exhausted script should return empty reply, got %+v", third)
	}
}

func TestHTTPOracle(t *testing.T) {
	var got buildloop.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tool_calls":[{"id":"c1","name":"remove_block","arguments":{"body_id":"x"}}]}`))
	}))
	defer srv.Close()

	oracle := buildloop.NewHTTPOracle(srv.URL, "physics-1", time.Second)
	reply, err := oracle.Next(context.Background(), buildloop.Request{
		Transcript: []buildloop.Entry{{Kind: buildloop.KindDiagram, Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Model != "physics-1" || len(got.Transcript) != 1 {
		t.Errorf("server saw %+v", got)
	}
	if len(reply.ToolCalls) != 1 || reply.ToolCalls[0].Name != "remove_block" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestHTTPOracleError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := buildloop.NewHTTPOracle(srv.URL, "", time.Second).Next(context.Background(), buildloop.Request{})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v", err)
	}
}
