package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

type PostgresStorage struct {
	*sqlStore
}

var _ Storage = (*PostgresStorage)(nil)

type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewPostgres(dsn string, opts PostgresOptions) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &PostgresStorage{sqlStore: &sqlStore{db: db, d: postgresDialect{}}}, nil
}

type postgresDialect struct{}

// rebind turns '?' placeholders into $1..$n.
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS hubs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
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
			scheduled_at BIGINT NOT NULL,
			sent_at BIGINT,
			day_bucket TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			log_id TEXT,
			hub_id TEXT NOT NULL,
			member_id TEXT NOT NULL,
			recipe_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			available_at BIGINT NOT NULL,
			locked_at BIGINT,
			locked_by TEXT,
			lease_expires_at BIGINT,
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_nudge_logs_dedup ON nudge_logs(hub_id, member_id, recipe_name, message_hash, day_bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_nudge_logs_member ON nudge_logs(hub_id, member_id, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_nudge_logs_status ON nudge_logs(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON queue_items(available_at) WHERE locked_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_lease ON queue_items(lease_expires_at) WHERE locked_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_hub ON queue_items(hub_id)`,
	}
}

// claimStatement locks candidates with SKIP LOCKED, so concurrent claimers
// walk past each other's rows instead of blocking or double-claiming.
func (postgresDialect) claimStatement(p ClaimParams) (string, []any) {
	now := toMillis(p.Now)
	query := `WITH candidates AS (
			SELECT id FROM queue_items
			WHERE available_at <= $1 AND (locked_at IS NULL OR lease_expires_at <= $1)
			ORDER BY available_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_items q
		SET locked_at = $1, locked_by = $3, lease_expires_at = $4
		FROM candidates c
		WHERE q.id = c.id
		RETURNING ` + qualified("q", queueColumns)
	return query, []any{now, p.BatchSize, p.WorkerID, toMillis(p.LeaseUntil)}
}

func (postgresDialect) lockMember(ctx context.Context, tx *sql.Tx, hubID, memberID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, hubID+"/"+memberID)
	return err
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var perr *pq.Error
	if errors.As(err, &perr) {
		return perr.Code == "23505"
	}
	return false
}
