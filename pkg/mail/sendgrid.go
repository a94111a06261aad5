package mail

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendgridEndpoint = "/v3/mail/send"

// SendgridConfig configures the SendGrid v3 transport.
type SendgridConfig struct {
	APIKey        string
	Host          string
	FromName      string
	FromAddress   string
	SubjectPrefix string
}

// SendgridTransport delivers plain-text mail through the SendGrid API.
type SendgridTransport struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

// NewSendgridTransport builds the transport. An empty host uses the public API.
func NewSendgridTransport(cfg SendgridConfig) *SendgridTransport {
	host := cfg.Host
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	return &SendgridTransport{
		key:        cfg.APIKey,
		host:       host,
		from:       sgmail.NewEmail(cfg.FromName, cfg.FromAddress),
		subjPrefix: cfg.SubjectPrefix,
	}
}

func (t *SendgridTransport) prepare(to Address, subject, body string, headers map[string]string) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = t.subjPrefix + subject
	p.AddTos(sgmail.NewEmail(to.Name, to.Email))

	m := sgmail.NewV3Mail()
	m.SetFrom(t.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", body))
	for k, v := range headers {
		m.SetHeader(k, v)
	}
	return m
}

// SendMail implements Transport. Any non-2xx answer is a rejection.
func (t *SendgridTransport) SendMail(ctx context.Context, to Address, subject, body string, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !to.Valid() {
		return ErrNoAddress
	}

	req := sendgrid.GetRequest(t.key, sendgridEndpoint, t.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(t.prepare(to, subject, body, headers))

	res, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid rejected message: status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}
