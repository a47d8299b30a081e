package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/olyamironova/trade-execution/internal/adapter/in_memory"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error { return nil }

type failingPublisher struct{}

func (failingPublisher) PublishFill(context.Context, domain.Fill) error { return errors.New("down") }

func TestKafkaPublisherKeysByInstrument(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w}
	fill := domain.Fill{ID: "f1", Instrument: "ABC", Price: decimal.NewFromInt(10), Quantity: 3}

	require.NoError(t, p.PublishFill(context.Background(), fill))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ABC", string(w.msgs[0].Key))

	var got domain.Fill
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "f1", got.ID)
	assert.Equal(t, int64(3), got.Quantity)
}

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	a, b := in_memory.NewPublisher(), in_memory.NewPublisher()
	f := Fanout{a, failingPublisher{}, nil, b}

	err := f.PublishFill(context.Background(), domain.Fill{ID: "f1"})
	assert.EqualError(t, err, "down")
	assert.Len(t, a.Fills(), 1)
	assert.Len(t, b.Fills(), 1)
}
