package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/platform/outbox"
)

// KafkaSink publishes outbox messages to the ledger-events topic, keyed by
// partition key so per-account ordering survives the broker.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 20 * time.Millisecond,
		},
	}
}

func (s *KafkaSink) Publish(ctx context.Context, msg outbox.Message) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: msg.Payload,
		Time:  msg.EnqueuedAt,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// KafkaSource reads the ledger-events topic and feeds decoded events to a
// handler. Offsets are committed only after the handler returns, giving
// at-least-once delivery; handlers dedupe on entry id.
type KafkaSource struct {
	reader *kafka.Reader
	logger *zap.Logger
}

func NewKafkaSource(brokers []string, topic, groupID string, logger *zap.Logger) *KafkaSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    1 << 20,
		}),
		logger: logger.Named("bus"),
	}
}

func (s *KafkaSource) Run(ctx context.Context, h Handler) error {
	defer s.reader.Close()
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var ev ledger.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			// Malformed payloads are logged and skipped; they would
			// otherwise wedge the partition forever.
			s.logger.Error("undecodable event", zap.Error(err), zap.Int64("offset", m.Offset))
		} else if err := h.HandleLedgerEvent(ctx, ev); err != nil {
			s.logger.Warn("handler failed, not committing", zap.Error(err))
			continue
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("commit failed", zap.Error(err))
		}
	}
}
