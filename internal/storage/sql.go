package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shohag/nudgequeue/internal/models"
)

// dialect isolates what differs between backends. Shared queries are written
// with '?' placeholders and passed through rebind.
type dialect interface {
	rebind(query string) string
	migrations() []string
	// claimStatement returns one atomic statement that locks and returns up
	// to p.BatchSize eligible items.
	claimStatement(p ClaimParams) (string, []any)
	// lockMember serialises admissions for one member inside tx.
	lockMember(ctx context.Context, tx *sql.Tx, hubID, memberID string) error
	isUniqueViolation(err error) bool
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

var queueColumns = []string{
	"id", "log_id", "hub_id", "member_id", "recipe_name", "payload",
	"available_at", "locked_at", "locked_by", "lease_expires_at", "attempt", "created_at",
}

const logColumns = `id, hub_id, member_id, recipe_name, channel, message, message_hash, status, attempt, error, scheduled_at, sent_at, day_bucket, created_at`

func qualified(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		if alias == "" {
			out[i] = c
		} else {
			out[i] = alias + "." + c
		}
	}
	return strings.Join(out, ", ")
}

func (s *sqlStore) q(query string) string {
	return s.d.rebind(query)
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	for _, q := range s.d.migrations() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Hubs ---

func (s *sqlStore) CreateHub(ctx context.Context, hub *models.Hub) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO hubs (id, name, api_key, webhook_url, webhook_secret, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		hub.ID, hub.Name, hub.APIKey, hub.WebhookURL, hub.WebhookSecret, toMillis(hub.CreatedAt), toMillis(hub.UpdatedAt),
	)
	return err
}

func scanHub(row interface{ Scan(...any) error }) (*models.Hub, error) {
	var hub models.Hub
	var createdAt, updatedAt int64
	if err := row.Scan(&hub.ID, &hub.Name, &hub.APIKey, &hub.WebhookURL, &hub.WebhookSecret, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	hub.CreatedAt = fromMillis(createdAt)
	hub.UpdatedAt = fromMillis(updatedAt)
	return &hub, nil
}

const hubColumns = `id, name, api_key, webhook_url, webhook_secret, created_at, updated_at`

func (s *sqlStore) GetHub(ctx context.Context, id string) (*models.Hub, error) {
	hub, err := scanHub(s.db.QueryRowContext(ctx, s.q(`SELECT `+hubColumns+` FROM hubs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return hub, err
}

func (s *sqlStore) GetHubByAPIKey(ctx context.Context, apiKey string) (*models.Hub, error) {
	hub, err := scanHub(s.db.QueryRowContext(ctx, s.q(`SELECT `+hubColumns+` FROM hubs WHERE api_key = ?`), apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return hub, err
}

func (s *sqlStore) ListHubs(ctx context.Context) ([]models.Hub, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hubColumns+` FROM hubs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hubs []models.Hub
	for rows.Next() {
		hub, err := scanHub(rows)
		if err != nil {
			return nil, err
		}
		hubs = append(hubs, *hub)
	}
	return hubs, rows.Err()
}

func (s *sqlStore) DeleteHub(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM hubs WHERE id = ?`), id)
	return err
}

func (s *sqlStore) UpdateHubAPIKey(ctx context.Context, id, newKey string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE hubs SET api_key = ?, updated_at = ? WHERE id = ?`),
		newKey, toMillis(time.Now()), id)
	return err
}

func (s *sqlStore) UpdateHubWebhook(ctx context.Context, id, url, secret string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE hubs SET webhook_url = ?, webhook_secret = ?, updated_at = ? WHERE id = ?`),
		url, secret, toMillis(time.Now()), id)
	if err != nil {
		return err
	}
	return expectRows(res, ErrNotFound)
}

// --- Admission ---

func (s *sqlStore) Admit(ctx context.Context, a Admission) (AdmitOutcome, error) {
	if a.Item == nil || a.Log == nil {
		return 0, errors.New("storage: admission requires an item and a log entry")
	}

	outcome := Admitted
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		lg := a.Log
		if err := s.d.lockMember(ctx, tx, lg.HubID, lg.MemberID); err != nil {
			return fmt.Errorf("lock member: %w", err)
		}

		dup, err := s.exists(ctx, tx,
			`SELECT 1 FROM nudge_logs
			 WHERE hub_id = ? AND member_id = ? AND recipe_name = ? AND message_hash = ? AND scheduled_at >= ?
			 LIMIT 1`,
			lg.HubID, lg.MemberID, lg.RecipeName, lg.MessageHash, toMillis(a.DayStart))
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			outcome = RejectedDuplicate
			return nil
		}

		cooling, err := s.exists(ctx, tx,
			`SELECT 1 FROM nudge_logs
			 WHERE hub_id = ? AND member_id = ? AND status IN ('queued', 'sent') AND scheduled_at > ?
			 LIMIT 1`,
			lg.HubID, lg.MemberID, toMillis(a.CooldownSince))
		if err != nil {
			return fmt.Errorf("cooldown check: %w", err)
		}
		if cooling {
			outcome = RejectedCooldown
			return nil
		}

		if err := s.insertLog(ctx, tx, lg); err != nil {
			if s.d.isUniqueViolation(err) {
				outcome = RejectedDuplicate
				return errUniqueRollback
			}
			return fmt.Errorf("insert log: %w", err)
		}
		if err := s.insertQueueItem(ctx, tx, a.Item); err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
		return nil
	})
	if errors.Is(err, errUniqueRollback) {
		return RejectedDuplicate, nil
	}
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

var errUniqueRollback = errors.New("storage: unique violation")

func (s *sqlStore) exists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, s.q(query), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) insertLog(ctx context.Context, tx *sql.Tx, lg *models.LogEntry) error {
	_, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO nudge_logs (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		lg.ID, lg.HubID, lg.MemberID, lg.RecipeName, lg.Channel, lg.Message, lg.MessageHash,
		string(lg.Status), lg.Attempt, lg.Error, toMillis(lg.ScheduledAt), nullMillis(lg.SentAt),
		lg.DayBucket, toMillis(lg.CreatedAt),
	)
	return err
}

func (s *sqlStore) insertQueueItem(ctx context.Context, tx *sql.Tx, it *models.QueueItem) error {
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO queue_items (`+qualified("", queueColumns)+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		it.ID, nullString(it.LogID), it.HubID, it.MemberID, it.RecipeName, string(payload),
		toMillis(it.AvailableAt), nullMillis(it.LockedAt), nullString(it.LockedBy), nullMillis(it.LeaseExpiresAt),
		it.Attempt, toMillis(it.CreatedAt),
	)
	return err
}

// --- Dispatch ---

func (s *sqlStore) ClaimQueueItems(ctx context.Context, p ClaimParams) ([]models.QueueItem, error) {
	if p.BatchSize <= 0 {
		return nil, nil
	}

	query, args := s.d.claimStatement(p)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]models.QueueItem, 0, p.BatchSize)
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not promise an order
	sort.Slice(items, func(i, j int) bool {
		if items[i].AvailableAt.Equal(items[j].AvailableAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].AvailableAt.Before(items[j].AvailableAt)
	})
	return items, nil
}

func scanQueueItem(row interface{ Scan(...any) error }) (*models.QueueItem, error) {
	var (
		it                   models.QueueItem
		logID, lockedBy      sql.NullString
		payload              string
		availableAt, created int64
		lockedAt, leaseExp   sql.NullInt64
	)
	err := row.Scan(&it.ID, &logID, &it.HubID, &it.MemberID, &it.RecipeName, &payload,
		&availableAt, &lockedAt, &lockedBy, &leaseExp, &it.Attempt, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", it.ID, err)
	}
	it.LogID = logID.String
	it.LockedBy = lockedBy.String
	it.AvailableAt = fromMillis(availableAt)
	it.LockedAt = timePtr(lockedAt)
	it.LeaseExpiresAt = timePtr(leaseExp)
	it.CreatedAt = fromMillis(created)
	return &it, nil
}

func (s *sqlStore) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	it, err := scanQueueItem(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+qualified("", queueColumns)+` FROM queue_items WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

type queueRef struct {
	logID    string
	hubID    string
	memberID string
	recipe   string
	attempt  int
	lockedBy string
	lockedAt sql.NullInt64
}

func (r *queueRef) heldBy(l models.Lease) bool {
	return r.lockedAt.Valid && r.lockedBy == l.WorkerID && r.lockedAt.Int64 == toMillis(l.LockedAt)
}

// lookupRef loads what resolution needs, checks that lease is the item's
// current claim and finds the item's log entry.
func (s *sqlStore) lookupRef(ctx context.Context, tx *sql.Tx, lease models.Lease) (*queueRef, error) {
	var ref queueRef
	var logID, lockedBy sql.NullString
	err := tx.QueryRowContext(ctx, s.q(
		`SELECT log_id, hub_id, member_id, recipe_name, attempt, locked_by, locked_at FROM queue_items WHERE id = ?`), lease.QueueID,
	).Scan(&logID, &ref.hubID, &ref.memberID, &ref.recipe, &ref.attempt, &lockedBy, &ref.lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ref.lockedBy = lockedBy.String
	if !ref.heldBy(lease) {
		return nil, ErrConflict
	}
	if logID.Valid && logID.String != "" {
		ref.logID = logID.String
		return &ref, nil
	}

	// Items written without a log id are matched to the newest queued entry
	// for the same member and recipe.
	err = tx.QueryRowContext(ctx, s.q(
		`SELECT id FROM nudge_logs
		 WHERE hub_id = ? AND member_id = ? AND recipe_name = ? AND status = 'queued'
		 ORDER BY created_at DESC, id DESC LIMIT 1`),
		ref.hubID, ref.memberID, ref.recipe,
	).Scan(&ref.logID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return &ref, nil
}

// leaseClause fences a write to the claim the caller holds. A reclaim
// changes locked_by or locked_at, so a lapsed worker matches no row.
const leaseClause = ` AND locked_by = ? AND locked_at = ?`

func (s *sqlStore) CompleteQueueItem(ctx context.Context, lease models.Lease, sentAt time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ref, err := s.lookupRef(ctx, tx, lease)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM queue_items WHERE id = ?`+leaseClause),
			lease.QueueID, lease.WorkerID, toMillis(lease.LockedAt))
		if err != nil {
			return err
		}
		if err := expectRows(res, ErrConflict); err != nil {
			return err
		}
		if ref.logID == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(
			`UPDATE nudge_logs SET status = 'sent', sent_at = ?, attempt = ? WHERE id = ? AND status = 'queued'`),
			toMillis(sentAt), ref.attempt+1, ref.logID)
		return err
	})
}

func (s *sqlStore) RescheduleQueueItem(ctx context.Context, r Reschedule) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ref, err := s.lookupRef(ctx, tx, r.Lease)
		if err != nil {
			return err
		}
		if ref.attempt != r.ExpectedAttempt {
			return ErrConflict
		}
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE queue_items
			 SET available_at = ?, attempt = attempt + 1, locked_at = NULL, locked_by = NULL, lease_expires_at = NULL
			 WHERE id = ? AND attempt = ?`+leaseClause),
			toMillis(r.AvailableAt), r.QueueID, r.ExpectedAttempt, r.WorkerID, toMillis(r.LockedAt))
		if err != nil {
			return err
		}
		if err := expectRows(res, ErrConflict); err != nil {
			return err
		}
		if ref.logID == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(
			`UPDATE nudge_logs SET attempt = ?, error = ? WHERE id = ? AND status = 'queued'`),
			r.ExpectedAttempt+1, r.Error, ref.logID)
		return err
	})
}

func (s *sqlStore) FailQueueItem(ctx context.Context, f Failure) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ref, err := s.lookupRef(ctx, tx, f.Lease)
		if err != nil {
			return err
		}
		if ref.attempt != f.ExpectedAttempt {
			return ErrConflict
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM queue_items WHERE id = ? AND attempt = ?`+leaseClause),
			f.QueueID, f.ExpectedAttempt, f.WorkerID, toMillis(f.LockedAt))
		if err != nil {
			return err
		}
		if err := expectRows(res, ErrConflict); err != nil {
			return err
		}
		if ref.logID == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(
			`UPDATE nudge_logs SET status = 'failed', attempt = ?, error = ? WHERE id = ? AND status = 'queued'`),
			f.ExpectedAttempt+1, f.Error, ref.logID)
		return err
	})
}

// --- Log ---

func scanLogEntry(row interface{ Scan(...any) error }) (*models.LogEntry, error) {
	var (
		lg                   models.LogEntry
		status               string
		scheduledAt, created int64
		sentAt               sql.NullInt64
	)
	err := row.Scan(&lg.ID, &lg.HubID, &lg.MemberID, &lg.RecipeName, &lg.Channel, &lg.Message, &lg.MessageHash,
		&status, &lg.Attempt, &lg.Error, &scheduledAt, &sentAt, &lg.DayBucket, &created)
	if err != nil {
		return nil, err
	}
	lg.Status = models.LogStatus(status)
	lg.ScheduledAt = fromMillis(scheduledAt)
	lg.SentAt = timePtr(sentAt)
	lg.CreatedAt = fromMillis(created)
	return &lg, nil
}

func (s *sqlStore) GetLogEntry(ctx context.Context, id string) (*models.LogEntry, error) {
	lg, err := scanLogEntry(s.db.QueryRowContext(ctx, s.q(`SELECT `+logColumns+` FROM nudge_logs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lg, err
}

func (s *sqlStore) ListLogEntries(ctx context.Context, f LogFilter) ([]models.LogEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.HubID != "" {
		add("hub_id = ?", f.HubID)
	}
	if f.MemberID != "" {
		add("member_id = ?", f.MemberID)
	}
	if f.RecipeName != "" {
		add("recipe_name = ?", f.RecipeName)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}

	query := `SELECT ` + logColumns + ` FROM nudge_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		lg, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *lg)
	}
	return entries, rows.Err()
}

func (s *sqlStore) PruneLogEntries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM nudge_logs WHERE status IN ('sent', 'failed') AND scheduled_at < ?`), toMillis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Stats ---

func (s *sqlStore) GetStats(ctx context.Context, hubID string, now time.Time) (*Stats, error) {
	stats := &Stats{}
	ms := toMillis(now)

	queueQuery := `SELECT
		COALESCE(SUM(CASE WHEN available_at <= ? AND locked_at IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN available_at > ? AND locked_at IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN locked_at IS NOT NULL AND lease_expires_at > ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN locked_at IS NOT NULL AND lease_expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM queue_items`
	args := []any{ms, ms, ms, ms}
	if hubID != "" {
		queueQuery += ` WHERE hub_id = ?`
		args = append(args, hubID)
	}
	err := s.db.QueryRowContext(ctx, s.q(queueQuery), args...).
		Scan(&stats.ReadyItems, &stats.DelayedItems, &stats.LockedItems, &stats.ExpiredLeases)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	logQuery := `SELECT status, COUNT(*) FROM nudge_logs`
	var logArgs []any
	if hubID != "" {
		logQuery += ` WHERE hub_id = ?`
		logArgs = append(logArgs, hubID)
	}
	logQuery += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, s.q(logQuery), logArgs...)
	if err != nil {
		return nil, fmt.Errorf("log stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch models.LogStatus(status) {
		case models.LogQueued:
			stats.QueuedLogs = n
		case models.LogSent:
			stats.SentLogs = n
		case models.LogFailed:
			stats.FailedLogs = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if done := stats.SentLogs + stats.FailedLogs; done > 0 {
		stats.DeliveryRate = float64(stats.SentLogs) / float64(done) * 100
	}
	return stats, nil
}

// --- helpers ---

func expectRows(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return otherwise
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
