package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sceneforge/internal/domain"
	"sceneforge/internal/service"
	"sceneforge/internal/storage"
)

func openSQLite(t *testing.T) *storage.SQLStore {
	t.Helper()
	s, err := storage.OpenSQL(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "db", "scenes.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func snapshot(i int, note string) domain.Snapshot {
	return domain.Snapshot{
		Timestamp: t0.Add(time.Duration(i) * time.Second),
		Note:      note,
		Scene: domain.Scene{
			Version:     domain.SceneVersion,
			World:       domain.DefaultWorld(),
			Bodies:      []domain.Body{{ID: note, Type: domain.BodyTypeStatic, Collider: domain.Collider{Type: domain.ColliderCircle, RadiusM: 0.1}}},
			Constraints: []domain.Constraint{},
		},
	}
}

func record(history ...domain.Snapshot) *domain.ConversationRecord {
	rec := &domain.ConversationRecord{
		ID:        "conv-1",
		ImageID:   "img-1",
		Image:     &domain.ImageMeta{WidthPx: 640, HeightPx: 480},
		Scene:     domain.Scene{Version: domain.SceneVersion, World: domain.DefaultWorld(), Bodies: []domain.Body{}, Constraints: []domain.Constraint{}},
		History:   history,
		ToolCalls: []domain.ToolCallRecord{{ID: "c1", Tool: "create_block", Status: domain.ToolCallOK, Message: "ok", At: t0}},
		Frames:    []domain.Frame{{T: 0.5, Positions: map[string]domain.Vec2{"a": {1, 2}}}},
		CreatedAt: t0,
		UpdatedAt: t0.Add(time.Minute),
	}
	if len(history) > 0 {
		rec.Scene = history[len(history)-1].Scene
	}
	return rec
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	want := record(snapshot(0, "a"), snapshot(1, "b"))
	if err := s.SaveConversation(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadConversation(ctx, want.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteHistorySync(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		history []domain.Snapshot
	}{
		{"initial", []domain.Snapshot{snapshot(0, "a")}},
		{"append", []domain.Snapshot{snapshot(0, "a"), snapshot(1, "b"), snapshot(2, "c")}},
		{"reset shrinks", []domain.Snapshot{snapshot(10, "x")}},
		{"reset regrows", []domain.Snapshot{snapshot(20, "p"), snapshot(21, "q"), snapshot(22, "r"), snapshot(23, "s")}},
		{"cleared", []domain.Snapshot{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SaveConversation(ctx, record(tt.history...)); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := s.LoadConversation(ctx, "conv-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if diff := cmp.Diff(tt.history, got.History); diff != "" {
				t.Errorf("history mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSQLiteDeleteAndList(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		rec := record(snapshot(0, "x"))
		rec.ID = id
		if err := s.SaveConversation(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	ids, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}

	if err := s.DeleteConversation(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.LoadConversation(ctx, "b"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("load deleted: err = %v", err)
	}
	if err := s.DeleteConversation(ctx, "b"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := storage.Open(ctx, storage.DriverMemory, "", "")
	if err != nil || s != nil {
		t.Errorf("memory: store=%v err=%v", s, err)
	}
	if _, err := storage.Open(ctx, "cassandra", "x", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("unknown driver: err = %v", err)
	}
	if _, err := storage.Open(ctx, storage.DriverPostgres, "", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("missing dsn: err = %v", err)
	}

	s, err = storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "s.db"), "")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer s.Close()
	if _, err := s.ListConversations(ctx); err != nil {
		t.Errorf("list: %v", err)
	}
}

func TestRegistryRehydratesFromSQLite(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := t0
	reg := service.NewRegistry(service.RegistryOptions{TTL: time.Minute, Store: s})
	reg.SetClock(func() time.Time { return now })
	svc := service.NewSceneService(reg, service.SceneServiceOptions{})

	rec, err := reg.Create(ctx, "img", &domain.ImageMeta{WidthPx: 400, HeightPx: 400})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateBlock(ctx, rec.ID, service.CreateBlockInput{BodyID: "box", SizeM: domain.Vec2{0.5, 0.5}}); err != nil {
		t.Fatalf("create block: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if evicted := reg.Sweep(ctx); len(evicted) != 1 || reg.Len() != 0 {
		t.Fatalf("evicted = %v, resident = %d", evicted, reg.Len())
	}

	sc, err := svc.Snapshot(ctx, rec.ID)
	if err != nil {
		t.Fatalf("snapshot after eviction: %v", err)
	}
	if _, ok := sc.Body("box"); !ok {
		t.Error("box lost across eviction")
	}
	history, err := svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Note != "create_block:box" {
		t.Errorf("history = %+v", history)
	}
}
