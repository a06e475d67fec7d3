// Package storage keeps a local SQLite ledger of session lifecycles.
// Recorded actions are not stored here; they only go to the hub.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sessionsTable = "sessions"

// Session ledger states.
const (
	SessionStarted = "started"
	SessionBegan   = "began"
	SessionEnded   = "ended"
	SessionFailed  = "failed"
)

// SessionRecord is one row of the ledger.
type SessionRecord struct {
	ID           string
	UDID         string
	Kind         string
	HubSessionID string
	State        string
	StartedAt    time.Time
	BeganAt      time.Time
	EndedAt      time.Time
	LastError    string
}

// SessionRecorder captures session lifecycle transitions.
type SessionRecorder interface {
	SessionStarted(ctx context.Context, udid, kind string) (string, error)
	SessionBegan(ctx context.Context, id, hubSessionID string) error
	SessionEnded(ctx context.Context, id string, sessionErr error) error
}

// NoopRecorder is used when the ledger is disabled.
type NoopRecorder struct{}

func (NoopRecorder) SessionStarted(ctx context.Context, udid, kind string) (string, error) {
	return "", nil
}
func (NoopRecorder) SessionBegan(ctx context.Context, id, hubSessionID string) error { return nil }
func (NoopRecorder) SessionEnded(ctx context.Context, id string, sessionErr error) error {
	return nil
}

// Ledger is the SQLite SessionRecorder.
type Ledger struct {
	db    *sql.DB
	path  string
	clock func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// OpenLedger opens (creating when needed) the ledger at path. An empty path
// returns a NoopRecorder so callers can always use the result.
func OpenLedger(path string) (SessionRecorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NoopRecorder{}, nil
	}
	return openLedger(path)
}

func openLedger(path string) (*Ledger, error) {
	if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite ledger failed")
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("session ledger opened")
	return &Ledger{db: db, path: path, clock: time.Now}, nil
}

func (l *Ledger) SessionStarted(ctx context.Context, udid, kind string) (string, error) {
	id := uuid.NewString()
	stmt := `INSERT INTO sessions (id, udid, kind, state, started_at) VALUES (?, ?, ?, ?, ?)`
	if err := execWithRetry(ctx, l.db, stmt, id, udid, kind, SessionStarted, l.now().UnixMilli()); err != nil {
		return "", pkgerrors.Wrap(err, "storage: insert session row failed")
	}
	return id, nil
}

func (l *Ledger) SessionBegan(ctx context.Context, id, hubSessionID string) error {
	if id == "" {
		return nil
	}
	stmt := `UPDATE sessions SET state=?, hub_session_id=?, began_at=? WHERE id=?`
	return pkgerrors.Wrap(execWithRetry(ctx, l.db, stmt, SessionBegan, hubSessionID, l.now().UnixMilli(), id),
		"storage: mark session began failed")
}

func (l *Ledger) SessionEnded(ctx context.Context, id string, sessionErr error) error {
	if id == "" {
		return nil
	}
	state, lastErr := SessionEnded, sql.NullString{}
	if sessionErr != nil {
		state = SessionFailed
		lastErr = sql.NullString{String: truncateError(sessionErr), Valid: true}
	}
	stmt := `UPDATE sessions SET state=?, ended_at=?, last_error=? WHERE id=?`
	return pkgerrors.Wrap(execWithRetry(ctx, l.db, stmt, state, l.now().UnixMilli(), lastErr, id),
		"storage: mark session ended failed")
}

// Get loads one ledger row.
func (l *Ledger) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT id, udid, kind, COALESCE(hub_session_id, ''), state,
		started_at, COALESCE(began_at, 0), COALESCE(ended_at, 0), COALESCE(last_error, '')
		FROM sessions WHERE id=?`, id)
	var (
		rec                     SessionRecord
		started, began, endedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.UDID, &rec.Kind, &rec.HubSessionID, &rec.State,
		&started, &began, &endedAt, &rec.LastError); err != nil {
		return nil, pkgerrors.Wrapf(err, "storage: load session %s failed", id)
	}
	rec.StartedAt = fromMillis(started)
	rec.BeganAt = fromMillis(began)
	rec.EndedAt = fromMillis(endedAt)
	return &rec, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close releases the database handle. Safe to call more than once.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		l.closeErr = l.db.Close()
	})
	return l.closeErr
}

func (l *Ledger) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}
