package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"text/template"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
)

type mailSender interface {
	Send(ctx context.Context, msg models.MailMessage) error
	Enqueue(ctx context.Context, msg models.MailMessage) (int64, error)
}

type digestPreferences interface {
	DigestUsers(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// DispatcherConfig tunes recipient selection.
type DispatcherConfig struct {
	// ExcludeActor keeps the acting user out of the recipients.
	ExcludeActor bool
	// SubjectPrefix is prepended to every rendered subject.
	SubjectPrefix string
}

// NotificationDispatcher renders payloads per recipient and routes each
// message to immediate delivery or the digest queue.
type NotificationDispatcher struct {
	mailer    mailSender
	prefs     digestPreferences
	directory UserDirectory
	cfg       DispatcherConfig
	logger    *zap.Logger
}

// NewNotificationDispatcher constructs the dispatcher.
func NewNotificationDispatcher(mailer mailSender, prefs digestPreferences, directory UserDirectory, cfg DispatcherConfig, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationDispatcher{mailer: mailer, prefs: prefs, directory: directory, cfg: cfg, logger: logger}
}

type renderedPayload struct {
	payload models.NotificationPayload
	subject *template.Template
	body    *template.Template
}

// Dispatch delivers every payload to the distinct interested users its
// audience selects. A failure for one recipient does not stop the others;
// all failures are returned together.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, payloads []models.NotificationPayload, interested []string, actorID string) error {
	if len(payloads) == 0 {
		return nil
	}
	recipients := d.recipients(interested)
	if len(recipients) == 0 {
		return nil
	}

	digest := map[string]bool{}
	if d.prefs != nil {
		var err error
		digest, err = d.prefs.DigestUsers(ctx, recipients)
		if err != nil {
			d.logger.Warn("digest preferences unavailable, sending immediately", zap.Error(err))
			digest = map[string]bool{}
		}
	}

	var errs error
	for _, payload := range payloads {
		rendered, err := parsePayload(payload)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, userID := range audience(payload, recipients) {
			if d.cfg.ExcludeActor && userID == actorID && !payload.KeepActor {
				continue
			}
			if err := d.deliver(ctx, rendered, userID, digest[userID]); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("notify %s: %w", userID, err))
			}
		}
	}
	if errs != nil {
		d.logger.Warn("notification dispatch incomplete", zap.Int("failures", len(multierr.Errors(errs))), zap.Error(errs))
	}
	return errs
}

func (d *NotificationDispatcher) deliver(ctx context.Context, rendered *renderedPayload, userID string, viaDigest bool) error {
	recipient := models.Recipient{ID: userID}
	if d.directory != nil {
		user, err := d.directory.User(ctx, userID)
		switch {
		case err == nil:
			recipient = user
		case !errors.Is(err, appErrors.ErrNotFound):
			return err
		}
	}
	msg, err := rendered.render(recipient)
	if err != nil {
		return err
	}
	msg.Subject = d.cfg.SubjectPrefix + msg.Subject
	if viaDigest {
		_, err = d.mailer.Enqueue(ctx, msg)
		return err
	}
	return d.mailer.Send(ctx, msg)
}

func (d *NotificationDispatcher) recipients(interested []string) []string {
	seen := make(map[string]struct{}, len(interested))
	out := make([]string, 0, len(interested))
	for _, id := range interested {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// audience narrows recipients for a payload. The requester audience is the
// requester alone; approvers are everyone else.
func audience(payload models.NotificationPayload, recipients []string) []string {
	switch payload.Audience {
	case models.AudienceRequester:
		for _, id := range recipients {
			if id == payload.RequesterID {
				return []string{id}
			}
		}
		return nil
	case models.AudienceApprovers:
		out := make([]string, 0, len(recipients))
		for _, id := range recipients {
			if id != payload.RequesterID {
				out = append(out, id)
			}
		}
		return out
	default:
		return recipients
	}
}

func parsePayload(payload models.NotificationPayload) (*renderedPayload, error) {
	subject, err := template.New("subject").Option("missingkey=zero").Parse(payload.Subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject template for request %s: %w", payload.RequestID, err)
	}
	body, err := template.New("body").Option("missingkey=zero").Parse(payload.Body)
	if err != nil {
		return nil, fmt.Errorf("parse body template for request %s: %w", payload.RequestID, err)
	}
	return &renderedPayload{payload: payload, subject: subject, body: body}, nil
}

func (r *renderedPayload) render(recipient models.Recipient) (models.MailMessage, error) {
	data := make(map[string]string, len(r.payload.Data)+4)
	for k, v := range r.payload.Data {
		data[k] = v
	}
	data["RecipientID"] = recipient.ID
	data["RecipientName"] = recipient.FullName
	data["RecipientEmail"] = recipient.Email
	data["RecipientLocale"] = recipient.Locale

	var subject, body bytes.Buffer
	if err := r.subject.Execute(&subject, data); err != nil {
		return models.MailMessage{}, fmt.Errorf("render subject: %w", err)
	}
	if err := r.body.Execute(&body, data); err != nil {
		return models.MailMessage{}, fmt.Errorf("render body: %w", err)
	}

	headers := models.MailHeaders{"X-Extension-Request": r.payload.RequestID}
	if r.payload.ModuleID != "" {
		headers["X-Extension-Module"] = r.payload.ModuleID
	}
	return models.MailMessage{
		RecipientID: recipient.ID,
		Headers:     headers,
		Subject:     subject.String(),
		Body:        body.String(),
	}, nil
}
