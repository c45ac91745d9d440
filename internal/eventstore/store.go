package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-midi/internal/config"
)

// Render statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a render is not in the journal.
var ErrNotFound = errors.New("render not found")

// Render is one journaled render session.
type Render struct {
	SessionID    string
	Path         string
	EngineMode   string
	ReverbPreset int
	ReverbWet    int
	Status       string
	Blocks       int64
	Bytes        int64
	DurationMs   int64
	Error        string
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// Outcome is the result recorded when a render ends.
type Outcome struct {
	Status     string
	Blocks     int64
	Bytes      int64
	DurationMs int64
	Err        error
}

// Event is a timeline entry attached to a render.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store is the SQLite-backed render journal. In ephemeral mode every write
// is a no-op and nothing touches disk.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "render-journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_time_format=sqlite", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS renders (
    session_id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    engine_mode TEXT,
    reverb_preset INTEGER NOT NULL DEFAULT 0,
    reverb_wet INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    blocks INTEGER NOT NULL DEFAULT 0,
    bytes INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS render_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES renders(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_render_events_session ON render_events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether renders are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRender records a render as running.
func (s *Store) BeginRender(ctx context.Context, r Render) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO renders(session_id, path, engine_mode, reverb_preset, reverb_wet, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Path, r.EngineMode, r.ReverbPreset, r.ReverbWet, StatusRunning, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("insert render %s: %w", r.SessionID, err)
	}
	return nil
}

// FinishRender stores the outcome of a render.
func (s *Store) FinishRender(ctx context.Context, sessionID string, out Outcome) error {
	if !s.Enabled() {
		return nil
	}
	status := out.Status
	if status == "" {
		status = StatusCompleted
		if out.Err != nil {
			status = StatusFailed
		}
	}
	var msg string
	if out.Err != nil {
		msg = out.Err.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE renders SET status = ?, blocks = ?, bytes = ?, duration_ms = ?, error = ?, finished_at = ?
		 WHERE session_id = ?`,
		status, out.Blocks, out.Bytes, out.DurationMs, msg, s.clock().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update render %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// GetRender loads one render.
func (s *Store) GetRender(ctx context.Context, sessionID string) (Render, error) {
	if !s.Enabled() {
		return Render{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	var (
		r                 Render
		created, finished any
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, path, engine_mode, reverb_preset, reverb_wet, status, blocks, bytes, duration_ms, error, created_at, finished_at
		 FROM renders WHERE session_id = ?`, sessionID).
		Scan(&r.SessionID, &r.Path, &r.EngineMode, &r.ReverbPreset, &r.ReverbWet, &r.Status,
			&r.Blocks, &r.Bytes, &r.DurationMs, &r.Error, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Render{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return Render{}, err
	}
	r.CreatedAt = scanTime(created)
	r.FinishedAt = scanTime(finished)
	return r, nil
}

// AppendEvent writes an event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO render_events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListRenderEvents retrieves up to limit events for a render ordered by time.
func (s *Store) ListRenderEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM render_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created any
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = scanTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM render_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM renders WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM renders WHERE session_id IN (
			SELECT session_id FROM renders ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}
