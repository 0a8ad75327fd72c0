package broadcaster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/domain/event"
	"orderflow/infra/metrics"
	"orderflow/infra/sequence"
)

var fixed = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPublish_StampsAndSends(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	id := uuid.New()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "orders.events" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != id.String() {
			return errors.New("wrong key " + string(key))
		}
		raw, _ := msg.Value.Encode()
		e, err := event.Unmarshal(raw)
		if err != nil {
			return err
		}
		if e.Seq != 42 || !e.At.Equal(fixed) || e.OrderID != id {
			return errors.New("event not stamped")
		}
		return nil
	})

	b := New(producer, "orders.events",
		WithSequencer(sequence.New(41)),
		WithClock(func() time.Time { return fixed }))
	require.NoError(t, b.Publish(context.Background(), event.Event{Kind: event.DroppedOrder, OrderID: id}))
	require.NoError(t, b.Close())
}

func TestPublish_ProducerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	reg := prometheus.NewRegistry()
	b := New(producer, "orders.events", WithMetrics(metrics.New(reg)))
	err := b.Publish(context.Background(), event.Event{Kind: event.StaleOrder, OrderID: uuid.New()})
	require.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)

	n, err := testutil.GatherAndCount(reg, "orderflow_events_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, b.Close())
}

func TestPublish_RejectsInvalid(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	b := New(producer, "orders.events")

	err := b.Publish(context.Background(), event.Event{Kind: event.TransactionConfirmed})
	require.ErrorIs(t, err, event.ErrMalformed)
	require.NoError(t, b.Close())
}

func TestPublish_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	b := New(producer, "orders.events")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Publish(ctx, event.Event{Kind: event.StaleOrder, OrderID: uuid.New()}), context.Canceled)
	require.NoError(t, b.Close())
}

func TestProducerConfig_Valid(t *testing.T) {
	cfg := ProducerConfig("orderflow")
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
}
