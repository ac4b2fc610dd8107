package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

type SQLiteStorage struct {
	*sqlStore
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLite opens a SQLite database. Every transaction begins IMMEDIATE, so
// admissions and resolutions hold the write lock from their first read.
func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{sqlStore: &sqlStore{db: db, d: sqliteDialect{}}}, nil
}

type sqliteDialect struct{}

func (sqliteDialect) rebind(query string) string {
	return query
}

func (sqliteDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS hubs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nudge_logs (
			id TEXT PRIMARY KEY,
			hub_id TEXT NOT NULL,
			member_id TEXT NOT NULL,
			recipe_name TEXT NOT NULL,
			channel TEXT NOT NULL,
			message TEXT NOT NULL,
			message_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			attempt INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			scheduled_at INTEGER NOT NULL,
			sent_at INTEGER,
			day_bucket TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			log_id TEXT,
			hub_id TEXT NOT NULL,
			member_id TEXT NOT NULL,
			recipe_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			available_at INTEGER NOT NULL,
			locked_at INTEGER,
			locked_by TEXT,
			lease_expires_at INTEGER,
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_nudge_logs_dedup ON nudge_logs(hub_id, member_id, recipe_name, message_hash, day_bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_nudge_logs_member ON nudge_logs(hub_id, member_id, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_nudge_logs_status ON nudge_logs(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON queue_items(available_at, locked_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_hub ON queue_items(hub_id)`,
	}
}

// claimStatement relies on SQLite running the whole UPDATE under one write
// lock: no other connection can observe the rows between select and update.
func (sqliteDialect) claimStatement(p ClaimParams) (string, []any) {
	now := toMillis(p.Now)
	query := `UPDATE queue_items
		SET locked_at = ?, locked_by = ?, lease_expires_at = ?
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE available_at <= ? AND (locked_at IS NULL OR lease_expires_at <= ?)
			ORDER BY available_at ASC, id ASC
			LIMIT ?
		)
		RETURNING ` + qualified("", queueColumns)
	return query, []any{now, p.WorkerID, toMillis(p.LeaseUntil), now, now, p.BatchSize}
}

func (sqliteDialect) lockMember(context.Context, *sql.Tx, string, string) error {
	// _txlock=immediate already serialises every writer
	return nil
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
