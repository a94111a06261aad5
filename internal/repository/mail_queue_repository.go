package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-adp-extension/internal/models"
)

const queueColumns = `id, status, enqueued_at, recipient_id, sent_batch_id, claimed_at, sent_at, headers, subject, body`

// MailQueueRepository persists digest queue entries.
type MailQueueRepository struct {
	db *sqlx.DB
}

// NewMailQueueRepository constructs the repository.
func NewMailQueueRepository(db *sqlx.DB) *MailQueueRepository {
	return &MailQueueRepository{db: db}
}

// Insert appends an entry and returns its id.
func (r *MailQueueRepository) Insert(ctx context.Context, entry *models.QueueEntry) (int64, error) {
	if entry.Status == "" {
		entry.Status = models.QueueStatusInvalid
	}
	query := `INSERT INTO digest_queue (status, enqueued_at, recipient_id, headers, subject, body)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	var id int64
	if err := r.db.QueryRowxContext(ctx, query, entry.Status, entry.EnqueuedAt, entry.RecipientID,
		entry.Headers, entry.Subject, entry.Body).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert queue entry: %w", err)
	}
	entry.ID = id
	return id, nil
}

// Get fetches a single entry.
func (r *MailQueueRepository) Get(ctx context.Context, id int64) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := r.db.GetContext(ctx, &entry, `SELECT `+queueColumns+` FROM digest_queue WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Claim stamps up to limit queued entries with batchID. Entries already
// claimed by a batch older than staleBefore are taken over. Status stays
// queued; concurrent claimers skip rows locked by each other.
func (r *MailQueueRepository) Claim(ctx context.Context, batchID string, now, staleBefore time.Time, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `UPDATE digest_queue SET sent_batch_id = $1, claimed_at = $2
WHERE id IN (
    SELECT id FROM digest_queue
    WHERE status = $3 AND (claimed_at IS NULL OR claimed_at < $4)
    ORDER BY id ASC
    LIMIT $5
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + queueColumns
	var entries []models.QueueEntry
	if err := r.db.SelectContext(ctx, &entries, query, batchID, now, models.QueueStatusQueued, staleBefore, limit); err != nil {
		return nil, fmt.Errorf("claim queue entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// MarkSent flips claimed entries to sent in one statement. Entries no longer
// held by batchID, or already sent, are left untouched.
func (r *MailQueueRepository) MarkSent(ctx context.Context, batchID string, ids []int64, sentAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE digest_queue SET status = $1, sent_at = $2
WHERE sent_batch_id = $3 AND status = $4 AND id = ANY($5)`
	result, err := r.db.ExecContext(ctx, query, models.QueueStatusSent, sentAt, batchID, models.QueueStatusQueued, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("mark queue entries sent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check sent rows: %w", err)
	}
	return rows, nil
}

// Release drops batchID's claim so the entries are picked up by the next flush.
func (r *MailQueueRepository) Release(ctx context.Context, batchID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE digest_queue SET sent_batch_id = NULL, claimed_at = NULL
WHERE sent_batch_id = $1 AND status = $2 AND id = ANY($3)`
	if _, err := r.db.ExecContext(ctx, query, batchID, models.QueueStatusQueued, pq.Array(ids)); err != nil {
		return fmt.Errorf("release queue entries: %w", err)
	}
	return nil
}

type statusCount struct {
	Status models.QueueStatus `db:"status"`
	Count  int64              `db:"count"`
}

// CountByStatus reports the number of entries per status.
func (r *MailQueueRepository) CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error) {
	var rows []statusCount
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM digest_queue GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count queue entries: %w", err)
	}
	counts := make(map[models.QueueStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
