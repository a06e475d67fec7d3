package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

const maxErrorLength = 512

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=10000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	// 单连接写入，避免多个连接争抢 WAL 写锁。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + sessionsTable + ` (
			id TEXT PRIMARY KEY,
			udid TEXT NOT NULL,
			kind TEXT NOT NULL,
			hub_session_id TEXT,
			state TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			began_at INTEGER,
			ended_at INTEGER,
			last_error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_udid_started ON ` + sessionsTable + `(udid, started_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: prepare ledger schema failed")
		}
	}
	return nil
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}
