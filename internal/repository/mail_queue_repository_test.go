package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-extension/internal/models"
)

var queueRowColumns = []string{"id", "status", "enqueued_at", "recipient_id", "sent_batch_id", "claimed_at", "sent_at", "headers", "subject", "body"}

func TestMailQueueRepositoryInsertStoresRawHeaders(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	enqueued := time.Unix(1000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO digest_queue")).
		WithArgs("queued", enqueued, "user-1", "Another: bar\nCustom Header: foo", "Subject", "Body").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	entry := &models.QueueEntry{
		Status:      models.QueueStatusQueued,
		EnqueuedAt:  enqueued,
		RecipientID: "user-1",
		Headers:     models.MailHeaders{"Custom Header": "foo", "Another": "bar"},
		Subject:     "Subject",
		Body:        "Body",
	}
	id, err := NewMailQueueRepository(db).Insert(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int64(7), entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMailQueueRepositoryInsertDefaultsToInvalid(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO digest_queue")).
		WithArgs("invalid", sqlmock.AnyArg(), "", "", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	entry := &models.QueueEntry{}
	_, err := NewMailQueueRepository(db).Insert(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusInvalid, entry.Status)
}

func TestMailQueueRepositoryClaimSortsByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	now := time.Unix(2000, 0).UTC()
	stale := now.Add(-30 * time.Minute)
	rows := sqlmock.NewRows(queueRowColumns).
		AddRow(5, "queued", time.Unix(1500, 0), "user-2", "batch-1", now, nil, "", "b", "second").
		AddRow(3, "queued", time.Unix(1000, 0), "user-1", "batch-1", now, nil, "X: y", "a", "first")
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE digest_queue SET sent_batch_id = $1, claimed_at = $2")).
		WithArgs("batch-1", now, "queued", stale, 100).
		WillReturnRows(rows)

	entries, err := NewMailQueueRepository(db).Claim(context.Background(), "batch-1", now, stale, 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].ID)
	assert.Equal(t, "y", entries[0].Headers["X"])
	require.NotNil(t, entries[1].SentBatchID)
	assert.Equal(t, "batch-1", *entries[1].SentBatchID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMailQueueRepositoryMarkSentAndRelease(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	sentAt := time.Unix(2000, 0).UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE digest_queue SET status = $1, sent_at = $2")).
		WithArgs("sent", sentAt, "batch-1", "queued", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE digest_queue SET sent_batch_id = NULL, claimed_at = NULL")).
		WithArgs("batch-1", "queued", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewMailQueueRepository(db)
	n, err := repo.MarkSent(context.Background(), "batch-1", []int64{3, 4}, sentAt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, repo.Release(context.Background(), "batch-1", []int64{5}))

	n, err = repo.MarkSent(context.Background(), "batch-1", nil, sentAt)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMailQueueRepositoryCountByStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) AS count FROM digest_queue")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("queued", 4).AddRow("sent", 9))

	counts, err := NewMailQueueRepository(db).CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[models.QueueStatusQueued])
	assert.Equal(t, int64(9), counts[models.QueueStatusSent])
}

func TestQueueStatusesFitColumn(t *testing.T) {
	for _, status := range models.QueueStatuses() {
		assert.LessOrEqual(t, len(status), models.QueueStatusMaxLength, "status %q", status)
	}
}

func TestMailQueueRepositoryGet(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	sentAt := time.Unix(3000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM digest_queue WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(queueRowColumns).
			AddRow(9, "sent", time.Unix(1000, 0), "user-1", "batch-2", sentAt, sentAt, "", "s", "b"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM digest_queue WHERE id = $1")).
		WithArgs(int64(10)).
		WillReturnError(sql.ErrNoRows)

	repo := NewMailQueueRepository(db)
	entry, err := repo.Get(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSent, entry.Status)
	require.NotNil(t, entry.SentAt)
	assert.True(t, sentAt.Equal(*entry.SentAt))

	_, err = repo.Get(context.Background(), 10)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
