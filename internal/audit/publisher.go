// Package audit fans ledger audit events out to Kafka for downstream
// compliance consumers. The ledger's requests_audit table remains the source
// of truth; publishing is best-effort and never blocks engine progress.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"accessbridge/internal/domain"
)

// Emitter is the fan-out contract consumed by intake and the executors. A nil
// Emitter disables fan-out.
type Emitter interface {
	Emit(ctx context.Context, event domain.AuditEvent)
}

// KafkaPublisher publishes audit events to a single topic, keyed by
// correlation id so per-request event order is preserved within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

type Option func(*KafkaPublisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *KafkaPublisher) {
		p.logger = logger
	}
}

func NewKafkaPublisher(brokers []string, topic string, opts ...Option) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProduceRequestTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	p := &KafkaPublisher{client: client, topic: topic, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type wireEvent struct {
	CorrelationID string `json:"correlation_id"`
	OldStatus     string `json:"old_status"`
	NewStatus     string `json:"new_status"`
	Actor         string `json:"actor"`
	Detail        string `json:"detail,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Emit produces the event asynchronously. Delivery failures are logged, not
// propagated: the ledger row already committed.
func (p *KafkaPublisher) Emit(ctx context.Context, event domain.AuditEvent) {
	payload, err := json.Marshal(wireEvent{
		CorrelationID: event.CorrelationID.String(),
		OldStatus:     string(event.OldStatus),
		NewStatus:     string(event.NewStatus),
		Actor:         event.Actor,
		Detail:        event.Detail,
		Timestamp:     event.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		p.logger.Error("marshal audit event", "error", err, "correlation_id", event.CorrelationID)
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.CorrelationID),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("audit fan-out publish failed",
				"error", err,
				"correlation_id", event.CorrelationID,
			)
		}
	})
}

// Close flushes outstanding records and releases the client.
func (p *KafkaPublisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
