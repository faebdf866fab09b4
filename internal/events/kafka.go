// Package events announces corpus builds and index runs on a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/indexer"
	"github.com/vet-kb/backend/internal/storage/models"
)

const (
	TypeCorpusBuilt = "corpus.built"
	TypeIndexRun    = "index.completed"
)

var ErrPublisherClosed = errors.New("event publisher closed")

// Writer abstracts kafka.Writer for testing.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Event struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type IndexRun struct {
	Collection string        `json:"collection"`
	Stats      indexer.Stats `json:"stats"`
	Error      string        `json:"error,omitempty"`
}

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type Publisher struct {
	writer  Writer
	topic   string
	timeout time.Duration
	logger  *zap.Logger
	closed  atomic.Bool
}

func NewPublisher(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewPublisherWithWriter(w, cfg, logger), nil
}

func NewPublisherWithWriter(w Writer, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: w, topic: cfg.Topic, timeout: cfg.WriteTimeout, logger: logger}
}

// PublishRun sends a corpus build summary keyed by document id.
func (p *Publisher) PublishRun(ctx context.Context, summary models.RunSummary) error {
	return p.publish(ctx, TypeCorpusBuilt, summary.DocumentID, summary)
}

// PublishIndex sends the outcome of one indexing pass keyed by collection.
func (p *Publisher) PublishIndex(ctx context.Context, collection string, stats indexer.Stats, runErr error) error {
	run := IndexRun{Collection: collection, Stats: stats}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	return p.publish(ctx, TypeIndexRun, collection, run)
}

func (p *Publisher) publish(ctx context.Context, eventType, key string, payload any) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	value, err := json.Marshal(Event{Type: eventType, OccurredAt: time.Now().UTC(), Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("topic", p.topic),
			zap.String("type", eventType),
			zap.Error(err),
		)
		return &models.ExternalServiceError{Service: "kafka", Op: "write", Retryable: true, Cause: err}
	}

	p.logger.Debug("Event published", zap.String("topic", p.topic), zap.String("type", eventType), zap.String("key", key))
	return nil
}

func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.writer.Close()
}
