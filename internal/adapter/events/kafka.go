package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each committed fill to a topic, keyed by instrument
// so one instrument's fills keep their order within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

var _ port.Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) PublishFill(ctx context.Context, f domain.Fill) error {
	value, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("events: encode fill %s: %w", f.ID, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(f.Instrument),
		Value: value,
		Headers: []kafka.Header{
			{Key: "fill-id", Value: []byte(f.ID)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
