package mail

import (
	"context"

	"go.uber.org/zap"
)

// LogTransport writes messages to the logger instead of delivering them.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport constructs a development transport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger}
}

// SendMail implements Transport.
func (t *LogTransport) SendMail(ctx context.Context, to Address, subject, body string, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !to.Valid() {
		return ErrNoAddress
	}
	t.logger.Info("mail delivered to log",
		zap.String("to", to.Email),
		zap.String("subject", subject),
		zap.Any("headers", headers),
		zap.String("body", body),
	)
	return nil
}
