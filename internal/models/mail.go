package models

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
	"time"
)

// QueueStatus is stored in a VARCHAR(10) column; every value must fit.
type QueueStatus string

const (
	QueueStatusQueued  QueueStatus = "queued"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusInvalid QueueStatus = "invalid"
)

// QueueStatusMaxLength mirrors the width of the digest_queue.status column.
const QueueStatusMaxLength = 10

// QueueStatuses lists every persisted queue status.
func QueueStatuses() []QueueStatus {
	return []QueueStatus{QueueStatusQueued, QueueStatusSent, QueueStatusInvalid}
}

// MailHeaders are raw message headers persisted as "Name: value" lines.
type MailHeaders map[string]string

// String renders headers in a stable order.
func (h MailHeaders) String() string {
	if len(h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+h[k])
	}
	return strings.Join(lines, "\n")
}

// Value stores the raw header block.
func (h MailHeaders) Value() (driver.Value, error) {
	return h.String(), nil
}

// Scan parses a raw header block.
func (h *MailHeaders) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*h = MailHeaders{}
		return nil
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("unsupported type %T for MailHeaders", value)
	}
	*h = ParseMailHeaders(raw)
	return nil
}

// ParseMailHeaders reads "Name: value" lines, ignoring malformed ones.
func ParseMailHeaders(raw string) MailHeaders {
	out := MailHeaders{}
	for _, line := range strings.Split(raw, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

// QueueEntry is one pending or delivered digest item.
type QueueEntry struct {
	ID          int64       `db:"id" json:"id"`
	Status      QueueStatus `db:"status" json:"status"`
	EnqueuedAt  time.Time   `db:"enqueued_at" json:"enqueuedAt"`
	RecipientID string      `db:"recipient_id" json:"recipientId"`
	SentBatchID *string     `db:"sent_batch_id" json:"sentBatchId,omitempty"`
	ClaimedAt   *time.Time  `db:"claimed_at" json:"claimedAt,omitempty"`
	SentAt      *time.Time  `db:"sent_at" json:"sentAt,omitempty"`
	Headers     MailHeaders `db:"headers" json:"headers"`
	Subject     string      `db:"subject" json:"subject"`
	Body        string      `db:"body" json:"body"`
}

// MailMessage is a rendered notification ready for a recipient.
type MailMessage struct {
	RecipientID string
	Headers     MailHeaders
	Subject     string
	Body        string
}

// Recipient is the directory view of a notification target.
type Recipient struct {
	ID       string
	Email    string
	FullName string
	Locale   string
}

// UserPreference is a per-user key/value setting.
type UserPreference struct {
	UserID    string    `db:"user_id" json:"userId"`
	Name      string    `db:"name" json:"name"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// PreferenceMailDigest toggles digest delivery for a user.
const PreferenceMailDigest = "mail_digest"
