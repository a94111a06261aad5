package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/pkg/jobs"
	"github.com/noah-isme/sma-adp-extension/pkg/mq"
)

const historyJobType = "extension.history"

// EventPublisher forwards committed history events to a broker topic through
// an in-process retrying job queue. Publishing never blocks the writer.
type EventPublisher struct {
	publisher mq.Publisher
	topic     string
	queue     *jobs.Queue[models.HistoryEvent]
	logger    *zap.Logger
}

// NewEventPublisher wires the queue handler to the broker publisher.
func NewEventPublisher(publisher mq.Publisher, topic string, cfg jobs.QueueConfig, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	p := &EventPublisher{publisher: publisher, topic: topic, logger: logger}
	p.queue = jobs.NewQueue[models.HistoryEvent]("history-events", p.handle, cfg)
	return p
}

// Start launches the workers.
func (p *EventPublisher) Start(ctx context.Context) {
	p.queue.Start(ctx)
}

// Stop drains buffered events and closes the broker connection.
func (p *EventPublisher) Stop() {
	p.queue.Stop()
	if err := p.publisher.Close(); err != nil {
		p.logger.Warn("close event publisher", zap.Error(err))
	}
}

// Publish queues events. Events that do not fit are dropped with a warning.
func (p *EventPublisher) Publish(_ context.Context, events []models.HistoryEvent) {
	for _, ev := range events {
		job := jobs.Job[models.HistoryEvent]{ID: ev.ID, Type: historyJobType, Payload: ev, Enqueued: time.Now().UTC()}
		if err := p.queue.Enqueue(job); err != nil {
			p.logger.Warn("history event dropped", zap.String("event_id", ev.ID), zap.String("request_id", ev.RequestID), zap.Error(err))
		}
	}
}

func (p *EventPublisher) handle(ctx context.Context, job jobs.Job[models.HistoryEvent]) error {
	value, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode history event: %w", err)
	}
	msg := mq.Message{
		Topic: p.topic,
		Key:   []byte(job.Payload.RequestID),
		Value: value,
		Headers: map[string]string{
			"event_id":   job.Payload.ID,
			"event_kind": string(job.Payload.Kind),
			"type":       job.Type,
		},
	}
	res, err := p.publisher.Publish(ctx, msg)
	if err != nil {
		return err
	}
	p.logger.Debug("history event published",
		zap.String("event_id", job.Payload.ID),
		zap.Int32("partition", res.Partition),
		zap.Int64("offset", res.Offset))
	return nil
}
