// Package storage persists conversations for the registry: a SQL store over
// sqlite, MySQL or Postgres, and a MongoDB document store.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"sceneforge/internal/domain"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

var conversationCols = []string{"id", "image_id", "image_json", "scene_json", "tool_calls_json", "frames_json", "created_at", "updated_at"}

// SQLStore keeps one row per conversation and appends snapshots to a
// separate table, so a save only writes the history added since the last one.
type SQLStore struct {
	conn *sql.DB
	d    dialect
}

// OpenSQL connects and migrates. For sqlite, dsn is a file path.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	}

	conn, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// single writer
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &SQLStore{conn: conn, d: d}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.conn.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, m := range s.d.migrations() {
		if _, err := s.conn.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %s: %w", strings.Join(strings.Fields(m)[:6], " "), err)
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, s.d.rebind(query), args...)
}

// SaveConversation upserts the conversation row and syncs its snapshots.
func (s *SQLStore) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	image, err := json.Marshal(rec.Image)
	if err != nil {
		return fmt.Errorf("marshal image: %w", err)
	}
	sc, err := json.Marshal(rec.Scene)
	if err != nil {
		return fmt.Errorf("marshal scene: %w", err)
	}
	calls, err := json.Marshal(rec.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	frames, err := json.Marshal(rec.Frames)
	if err != nil {
		return fmt.Errorf("marshal frames: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = s.exec(ctx, tx, s.d.upsert("conversations", conversationCols, "id"),
		rec.ID, rec.ImageID, string(image), string(sc), string(calls), string(frames),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := s.syncHistory(ctx, tx, rec.ID, rec.History); err != nil {
		return err
	}
	return tx.Commit()
}

// syncHistory appends snapshots not yet stored. When the stored history no
// longer agrees with the in-memory one (after a reset), it is rewritten.
func (s *SQLStore) syncHistory(ctx context.Context, tx *sql.Tx, id string, history []domain.Snapshot) error {
	var stored int
	err := tx.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM scene_snapshots WHERE conversation_id = ?`), id).Scan(&stored)
	if err != nil {
		return fmt.Errorf("count snapshots: %w", err)
	}

	from := stored
	if stored > len(history) {
		from = 0
	} else if stored > 0 {
		var takenAt int64
		err := tx.QueryRowContext(ctx, s.d.rebind(`SELECT taken_at FROM scene_snapshots WHERE conversation_id = ? AND seq = ?`), id, stored-1).Scan(&takenAt)
		if err != nil || takenAt != history[stored-1].Timestamp.UnixNano() {
			from = 0
		}
	}
	if from == 0 && stored > 0 {
		if _, err := s.exec(ctx, tx, `DELETE FROM scene_snapshots WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("clear snapshots: %w", err)
		}
	}

	for seq := from; seq < len(history); seq++ {
		snap := history[seq]
		data, err := json.Marshal(snap.Scene)
		if err != nil {
			return fmt.Errorf("marshal snapshot %d: %w", seq, err)
		}
		_, err = s.exec(ctx, tx,
			`INSERT INTO scene_snapshots (conversation_id, seq, note, taken_at, scene_json) VALUES (?, ?, ?, ?, ?)`,
			id, seq, snap.Note, snap.Timestamp.UnixNano(), string(data),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot %d: %w", seq, err)
		}
	}
	return nil
}

func (s *SQLStore) LoadConversation(ctx context.Context, id string) (*domain.ConversationRecord, error) {
	var (
		rec                      domain.ConversationRecord
		image, sc, calls, frames string
		createdAt, updatedAt     int64
	)
	err := s.conn.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, image_id, image_json, scene_json, tool_calls_json, frames_json, created_at, updated_at
		 FROM conversations WHERE id = ?`), id,
	).Scan(&rec.ID, &rec.ImageID, &image, &sc, &calls, &frames, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	for _, f := range []struct {
		name string
		data string
		dst  any
	}{
		{"image", image, &rec.Image},
		{"scene", sc, &rec.Scene},
		{"tool calls", calls, &rec.ToolCalls},
		{"frames", frames, &rec.Frames},
	} {
		if err := json.Unmarshal([]byte(f.data), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()

	history, err := s.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.History = history
	return &rec, nil
}

func (s *SQLStore) loadHistory(ctx context.Context, id string) ([]domain.Snapshot, error) {
	rows, err := s.conn.QueryContext(ctx, s.d.rebind(
		`SELECT note, taken_at, scene_json FROM scene_snapshots WHERE conversation_id = ? ORDER BY seq ASC`), id,
	)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	history := []domain.Snapshot{}
	for rows.Next() {
		var (
			snap    domain.Snapshot
			takenAt int64
			data    string
		)
		if err := rows.Scan(&snap.Note, &takenAt, &data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &snap.Scene); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		snap.Timestamp = time.Unix(0, takenAt).UTC()
		history = append(history, snap)
	}
	return history, rows.Err()
}

func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `DELETE FROM scene_snapshots WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	res, err := s.exec(ctx, tx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	return tx.Commit()
}

func (s *SQLStore) ListConversations(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM conversations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
