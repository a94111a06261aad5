package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/pkg/clock"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
	"github.com/noah-isme/sma-adp-extension/pkg/mail"
)

// Delivery modes used as metric labels.
const (
	MailModeImmediate = "immediate"
	MailModeDigest    = "digest"
)

const digestSeparator = "\n\n----------------------------------------\n\n"

type mailQueueStore interface {
	Insert(ctx context.Context, entry *models.QueueEntry) (int64, error)
	Claim(ctx context.Context, batchID string, now, staleBefore time.Time, limit int) ([]models.QueueEntry, error)
	MarkSent(ctx context.Context, batchID string, ids []int64, sentAt time.Time) (int64, error)
	Release(ctx context.Context, batchID string, ids []int64) error
	CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error)
}

// MailerConfig tunes delivery and digest flushing.
type MailerConfig struct {
	Disabled      bool
	DigestSubject string
	// ClaimTTL is how long a flush may hold entries before another flush takes them over.
	ClaimTTL   time.Duration
	BatchLimit int
}

// FlushReport summarises one digest flush.
type FlushReport struct {
	BatchID    string
	Claimed    int
	Recipients int
	Sent       int
	Failed     int
	Failures   map[string]error
	Duration   time.Duration
}

// Mailer sends rendered notifications immediately or through the persisted
// digest queue.
type Mailer struct {
	queue     mailQueueStore
	directory UserDirectory
	transport mail.Transport
	cfg       MailerConfig
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *MetricsService
	newBatch  func() string
}

// MailerOption customises the mailer.
type MailerOption func(*Mailer)

// WithMailerClock overrides the wall clock.
func WithMailerClock(c clock.Clock) MailerOption {
	return func(m *Mailer) { m.clock = c }
}

// WithMailerMetrics records delivery counters.
func WithMailerMetrics(metrics *MetricsService) MailerOption {
	return func(m *Mailer) { m.metrics = metrics }
}

// WithBatchIDs overrides batch id generation.
func WithBatchIDs(fn func() string) MailerOption {
	return func(m *Mailer) { m.newBatch = fn }
}

// NewMailer constructs a mailer.
func NewMailer(queue mailQueueStore, directory UserDirectory, transport mail.Transport, cfg MailerConfig, logger *zap.Logger, opts ...MailerOption) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DigestSubject == "" {
		cfg.DigestSubject = "Activity extension digest"
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	m := &Mailer{
		queue:     queue,
		directory: directory,
		transport: transport,
		cfg:       cfg,
		clock:     clock.Real{},
		logger:    logger,
		newBatch:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsEnabled reports whether outbound delivery is on.
func (m *Mailer) IsEnabled() bool {
	return !m.cfg.Disabled
}

// Send delivers one message now. Transport failures surface as ErrDelivery
// and are not retried.
func (m *Mailer) Send(ctx context.Context, msg models.MailMessage) error {
	if !m.IsEnabled() {
		m.metrics.RecordMail(MailModeImmediate, MailOutcomeDisabled, 1)
		return nil
	}
	to, err := m.address(ctx, msg.RecipientID)
	if err != nil {
		return err
	}
	if err := m.transport.SendMail(ctx, to, msg.Subject, msg.Body, msg.Headers); err != nil {
		m.metrics.RecordMail(MailModeImmediate, MailOutcomeFailed, 1)
		m.logger.Warn("mail delivery failed", zap.String("recipient_id", msg.RecipientID), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrDelivery.Code, appErrors.ErrDelivery.Status, "failed to deliver mail")
	}
	m.metrics.RecordMail(MailModeImmediate, MailOutcomeSent, 1)
	return nil
}

// Enqueue persists a message for the next digest. A message without a
// deliverable recipient is stored as invalid and reported as a validation
// error; it is never picked up by a flush.
func (m *Mailer) Enqueue(ctx context.Context, msg models.MailMessage) (int64, error) {
	entry := &models.QueueEntry{
		Status:      models.QueueStatusQueued,
		EnqueuedAt:  m.clock.Now(),
		RecipientID: msg.RecipientID,
		Headers:     msg.Headers,
		Subject:     msg.Subject,
		Body:        msg.Body,
	}

	var invalid error
	if msg.RecipientID == "" {
		invalid = appErrors.Clone(appErrors.ErrValidation, "digest entry has no recipient")
	} else if _, err := m.address(ctx, msg.RecipientID); err != nil {
		if !errors.Is(err, appErrors.ErrNotFound) && !errors.Is(err, appErrors.ErrValidation) {
			return 0, err
		}
		invalid = appErrors.Clone(appErrors.ErrValidation, "digest recipient "+msg.RecipientID+" is not deliverable")
	}
	if invalid != nil {
		entry.Status = models.QueueStatusInvalid
	}

	id, err := m.queue.Insert(ctx, entry)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to queue mail")
	}
	if invalid != nil {
		m.metrics.RecordMail(MailModeDigest, MailOutcomeInvalid, 1)
		m.logger.Warn("digest entry stored as invalid", zap.Int64("entry_id", id), zap.String("recipient_id", msg.RecipientID))
		return id, invalid
	}
	m.metrics.RecordMail(MailModeDigest, MailOutcomeQueued, 1)
	return id, nil
}

// Flush claims every queued entry under a fresh batch id, sends one digest per
// recipient and marks the entries sent only after the transport accepted the
// message. Failed recipients keep their entries queued for the next flush.
func (m *Mailer) Flush(ctx context.Context) (FlushReport, error) {
	report := FlushReport{Failures: map[string]error{}}
	if !m.IsEnabled() {
		return report, nil
	}
	start := time.Now()
	report.BatchID = m.newBatch()

	var released []int64
	defer func() {
		if len(released) > 0 {
			if err := m.queue.Release(context.WithoutCancel(ctx), report.BatchID, released); err != nil {
				m.logger.Error("release digest claim failed", zap.String("batch_id", report.BatchID), zap.Error(err))
			}
		}
	}()

	for {
		now := m.clock.Now()
		entries, err := m.queue.Claim(ctx, report.BatchID, now, now.Add(-m.cfg.ClaimTTL), m.cfg.BatchLimit)
		if err != nil {
			return report, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to claim digest entries")
		}
		report.Claimed += len(entries)

		for _, group := range groupByRecipient(entries) {
			report.Recipients++
			ids := entryIDs(group)
			if err := m.deliverDigest(ctx, group); err != nil {
				report.Failed += len(group)
				report.Failures[group[0].RecipientID] = err
				released = append(released, ids...)
				m.metrics.RecordMail(MailModeDigest, MailOutcomeFailed, len(group))
				continue
			}
			n, err := m.markSent(ctx, report.BatchID, ids)
			if err != nil {
				m.logger.Error("digest sent but not marked", zap.String("batch_id", report.BatchID),
					zap.String("recipient_id", group[0].RecipientID), zap.Int64s("entry_ids", ids), zap.Error(err))
				report.Failures[group[0].RecipientID] = err
				continue
			}
			report.Sent += int(n)
			m.metrics.RecordMail(MailModeDigest, MailOutcomeSent, int(n))
		}

		if len(entries) < m.cfg.BatchLimit || ctx.Err() != nil {
			break
		}
	}

	report.Duration = time.Since(start)
	m.metrics.ObserveFlush(report.Duration)
	if counts, err := m.queue.CountByStatus(ctx); err == nil {
		m.metrics.SetQueueDepth(counts)
	}
	m.logger.Info("digest flush finished",
		zap.String("batch_id", report.BatchID),
		zap.Int("claimed", report.Claimed),
		zap.Int("recipients", report.Recipients),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// markSent retries once outside the caller's cancellation; the mail has
// already left, so unmarked entries would be resent after the claim expires.
func (m *Mailer) markSent(ctx context.Context, batchID string, ids []int64) (int64, error) {
	n, err := m.queue.MarkSent(ctx, batchID, ids, m.clock.Now())
	if err == nil {
		return n, nil
	}
	m.logger.Warn("mark digest sent failed, retrying", zap.String("batch_id", batchID), zap.Error(err))
	return m.queue.MarkSent(context.WithoutCancel(ctx), batchID, ids, m.clock.Now())
}

func (m *Mailer) deliverDigest(ctx context.Context, group []models.QueueEntry) error {
	to, err := m.address(ctx, group[0].RecipientID)
	if err != nil {
		return err
	}
	subject, body, headers := m.composeDigest(group)
	if err := m.transport.SendMail(ctx, to, subject, body, headers); err != nil {
		m.logger.Warn("digest delivery failed", zap.String("recipient_id", group[0].RecipientID), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrDelivery.Code, appErrors.ErrDelivery.Status, "failed to deliver digest")
	}
	return nil
}

// composeDigest keeps a lone entry as-is and concatenates several under the
// digest subject.
func (m *Mailer) composeDigest(group []models.QueueEntry) (string, string, map[string]string) {
	if len(group) == 1 {
		return group[0].Subject, group[0].Body, group[0].Headers
	}
	parts := make([]string, len(group))
	for i, entry := range group {
		parts[i] = entry.Subject + "\n\n" + strings.TrimRight(entry.Body, "\n")
	}
	headers := map[string]string{"X-Extension-Digest": strconv.Itoa(len(group))}
	return m.cfg.DigestSubject, strings.Join(parts, digestSeparator) + "\n", headers
}

func (m *Mailer) address(ctx context.Context, recipientID string) (mail.Address, error) {
	if m.directory == nil {
		return mail.Address{}, appErrors.Clone(appErrors.ErrInternal, "user directory is not configured")
	}
	user, err := m.directory.User(ctx, recipientID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return mail.Address{}, err
		}
		return mail.Address{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve recipient")
	}
	to := mail.Address{Name: user.FullName, Email: user.Email}
	if !to.Valid() {
		return mail.Address{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("recipient %s: %v", recipientID, mail.ErrNoAddress))
	}
	return to, nil
}

// groupByRecipient splits id-ordered entries per recipient, keeping the order
// in which recipients first appear.
func groupByRecipient(entries []models.QueueEntry) [][]models.QueueEntry {
	index := map[string]int{}
	var groups [][]models.QueueEntry
	for _, entry := range entries {
		i, ok := index[entry.RecipientID]
		if !ok {
			i = len(groups)
			index[entry.RecipientID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], entry)
	}
	return groups
}

func entryIDs(entries []models.QueueEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}
