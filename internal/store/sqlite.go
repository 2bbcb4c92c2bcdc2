// Package store keeps finished relaxation sessions per user in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relabs-tech/shake_relax/internal/session"
)

var (
	ErrNotSignedIn = errors.New("store: not signed in")
	ErrNotFound    = errors.New("store: session not found")
)

// Session is a stored record.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"uid"`
	StartedAt     time.Time `json:"startedAt"`
	RelaxedAt     time.Time `json:"relaxedAt"`
	DurationMs    int64     `json:"durationMs"`
	TimeToRelaxMs int64     `json:"timeToRelaxMs"`
	PeakPct       *float64  `json:"peakPct"` // nil when the measured peak was not a number
	Notes         string    `json:"notes"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates) the database at path. ":memory:" keeps it
// in memory.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, now: time.Now}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  uid TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  relaxed_at INTEGER NOT NULL,
  duration_ms INTEGER NOT NULL,
  time_to_relax_ms INTEGER NOT NULL,
  peak_pct REAL,
  notes TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_uid_started ON sessions (uid, started_at DESC);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func clampPeak(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: math.Max(0, math.Min(1, v)), Valid: true}
}

func nonNegative(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms
}

// Create stores rec for uid and returns the new id.
func (s *SQLite) Create(ctx context.Context, uid string, rec session.Record) (string, error) {
	if uid == "" {
		return "", ErrNotSignedIn
	}
	id := uuid.NewString()
	now := s.now().UnixMilli()
	const stmt = `
INSERT INTO sessions (id, uid, started_at, relaxed_at, duration_ms, time_to_relax_ms, peak_pct, notes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, stmt,
		id,
		uid,
		rec.StartedAt.UnixMilli(),
		rec.RelaxedAt.UnixMilli(),
		nonNegative(rec.DurationMs),
		nonNegative(rec.TimeToRelaxMs),
		clampPeak(rec.PeakPct),
		rec.Notes,
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

const selectColumns = `id, uid, started_at, relaxed_at, duration_ms, time_to_relax_ms, peak_pct, notes, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		out                                Session
		started, relaxed, created, updated int64
		peak                               sql.NullFloat64
	)
	if err := row.Scan(&out.ID, &out.UserID, &started, &relaxed, &out.DurationMs, &out.TimeToRelaxMs, &peak, &out.Notes, &created, &updated); err != nil {
		return Session{}, err
	}
	out.StartedAt = time.UnixMilli(started).UTC()
	out.RelaxedAt = time.UnixMilli(relaxed).UTC()
	out.CreatedAt = time.UnixMilli(created).UTC()
	out.UpdatedAt = time.UnixMilli(updated).UTC()
	if peak.Valid {
		p := peak.Float64
		out.PeakPct = &p
	}
	return out, nil
}

// List returns uid's sessions, newest first.
func (s *SQLite) List(ctx context.Context, uid string) ([]Session, error) {
	if uid == "" {
		return nil, ErrNotSignedIn
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE uid = ? ORDER BY started_at DESC, created_at DESC`, uid)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, uid, id string) (Session, error) {
	if uid == "" {
		return Session{}, ErrNotSignedIn
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE uid = ? AND id = ?`, uid, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateNotes is the only edit a stored session allows.
func (s *SQLite) UpdateNotes(ctx context.Context, uid, id, notes string) error {
	if uid == "" {
		return ErrNotSignedIn
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET notes = ?, updated_at = ? WHERE uid = ? AND id = ?`,
		notes, s.now().UnixMilli(), uid, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return expectOne(res)
}

func (s *SQLite) Delete(ctx context.Context, uid, id string) error {
	if uid == "" {
		return ErrNotSignedIn
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE uid = ? AND id = ?`, uid, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserSessions binds the store to one signed-in user so a session
// controller can save into it.
type UserSessions struct {
	Store  *SQLite
	UserID string
}

func (u UserSessions) CreateSession(ctx context.Context, rec session.Record) (string, error) {
	return u.Store.Create(ctx, u.UserID, rec)
}
