// Package sqlite persists decoded frames and events to a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
	"github.com/banshee-data/eventcam.bridge/internal/timeutil"
)

// ErrNoSession is returned by WriteEvents before StartSession.
var ErrNoSession = errors.New("no active session")

// pragmas are applied to every connection pool the store opens.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Options tunes what the store records.
type Options struct {
	// StoreEvents writes every event row; otherwise only per-frame
	// summaries are kept.
	StoreEvents bool
	// Clock stamps frame receive times; nil uses the real clock.
	Clock timeutil.Clock
}

// Store is the event store. WriteEvents makes it a pipeline sink.
type Store struct {
	db          *sql.DB
	path        string
	storeEvents bool
	clock       timeutil.Clock

	mu       sync.Mutex
	session  string
	interval time.Duration
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// A single writer connection avoids SQLITE_BUSY between the pipeline
	// and admin queries.
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Store{db: db, path: path, storeEvents: opts.StoreEvents, clock: clock}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for admin tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SessionMeta describes a converter run.
type SessionMeta struct {
	Geometry      eventcam.Geometry
	Layout        eventcam.Layout
	FrameInterval time.Duration
	Protocol      string
	SourceAddress string
}

// Session is a stored converter run.
type Session struct {
	ID            string
	StartedAt     time.Time
	EndedAt       *time.Time
	Width         int
	Height        int
	Layout        string
	FrameInterval time.Duration
	Protocol      string
	SourceAddress string
}

// StartSession records a new run and makes it the target of WriteEvents.
func (s *Store) StartSession(ctx context.Context, meta SessionMeta) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, started_unix_nanos, width, height, layout, frame_interval_us, protocol, source_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.clock.Now().UnixNano(), meta.Geometry.Width, meta.Geometry.Height,
		meta.Layout.String(), meta.FrameInterval.Microseconds(), meta.Protocol, meta.SourceAddress)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}

	s.mu.Lock()
	s.session = id
	s.interval = meta.FrameInterval
	s.mu.Unlock()
	monitoring.Logf("Recording session %s to %s", id, s.path)
	return id, nil
}

// EndSession stamps the active session's end time.
func (s *Store) EndSession(ctx context.Context) error {
	s.mu.Lock()
	id := s.session
	s.session = ""
	s.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_unix_nanos = ? WHERE session_id = ?`,
		s.clock.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	return nil
}

// SessionID is the active session, or "".
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// WriteEvents stores one frame summary and, when enabled, its events in a
// single transaction.
func (s *Store) WriteEvents(frameIndex uint64, events []eventcam.Event) error {
	s.mu.Lock()
	id, interval := s.session, s.interval
	s.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}

	// Frames without events still carry their slot time.
	ts := int64(frameIndex) * interval.Microseconds()
	pos, neg := eventcam.CountPolarity(events)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO frames (session_id, frame_index, timestamp_us, positive_count, negative_count, received_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, int64(frameIndex), ts, pos, neg, s.clock.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to insert frame %d: %w", frameIndex, err)
	}

	if s.storeEvents && len(events) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO events (session_id, frame_index, timestamp_us, x, y, polarity)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare event insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range events {
			if _, err := stmt.Exec(id, int64(frameIndex), e.Timestamp, e.X, e.Y, e.Polarity); err != nil {
				return fmt.Errorf("failed to insert event %v: %w", e, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit frame %d: %w", frameIndex, err)
	}
	return nil
}

// Sessions lists runs, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, started_unix_nanos, ended_unix_nanos, width, height, layout, frame_interval_us, protocol, source_address
		FROM sessions ORDER BY started_unix_nanos DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		var intervalUS int64
		if err := rows.Scan(&sess.ID, &started, &ended, &sess.Width, &sess.Height, &sess.Layout,
			&intervalUS, &sess.Protocol, &sess.SourceAddress); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			sess.EndedAt = &t
		}
		sess.FrameInterval = time.Duration(intervalUS) * time.Microsecond
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FrameSummary is one stored frame row.
type FrameSummary struct {
	FrameIndex     uint64
	TimestampUS    int64
	PositiveEvents int
	NegativeEvents int
	ReceivedAt     time.Time
}

// Frames returns up to limit frames of a session in index order
// (limit <= 0 returns all).
func (s *Store) Frames(ctx context.Context, sessionID string, limit int) ([]FrameSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame_index, timestamp_us, positive_count, negative_count, received_unix_nanos
		FROM frames WHERE session_id = ? ORDER BY frame_index LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var out []FrameSummary
	for rows.Next() {
		var f FrameSummary
		var idx, received int64
		if err := rows.Scan(&idx, &f.TimestampUS, &f.PositiveEvents, &f.NegativeEvents, &received); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		f.FrameIndex = uint64(idx)
		f.ReceivedAt = time.Unix(0, received)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Events returns the stored events of one frame in insertion (scan) order.
func (s *Store) Events(ctx context.Context, sessionID string, frameIndex uint64) ([]eventcam.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_us, x, y, polarity FROM events
		WHERE session_id = ? AND frame_index = ? ORDER BY rowid`, sessionID, int64(frameIndex))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []eventcam.Event
	for rows.Next() {
		var e eventcam.Event
		if err := rows.Scan(&e.Timestamp, &e.X, &e.Y, &e.Polarity); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
