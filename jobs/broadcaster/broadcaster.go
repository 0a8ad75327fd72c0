// Package broadcaster publishes engine events to Kafka.
package broadcaster

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"orderflow/domain/event"
	"orderflow/infra/metrics"
	"orderflow/infra/sequence"
)

type Broadcaster struct {
	producer sarama.SyncProducer
	topic    string
	seq      *sequence.Sequencer
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Broadcaster)

func WithLogger(log *zap.Logger) Option { return func(b *Broadcaster) { b.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Broadcaster) { b.metrics = m } }

func WithClock(now func() time.Time) Option { return func(b *Broadcaster) { b.now = now } }

func WithSequencer(s *sequence.Sequencer) Option { return func(b *Broadcaster) { b.seq = s } }

// ProducerConfig is the sarama configuration used for event publishing:
// every send waits for all in-sync replicas.
func ProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

// Dial connects a SyncProducer to brokers and wraps it.
func Dial(brokers []string, topic, clientID string, opts ...Option) (*Broadcaster, error) {
	producer, err := sarama.NewSyncProducer(brokers, ProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return New(producer, topic, opts...), nil
}

func New(producer sarama.SyncProducer, topic string, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		producer: producer,
		topic:    topic,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.seq == nil {
		b.seq = sequence.FromClock(b.now)
	}
	return b
}

// Publish stamps e with the next sequence number, and with the current
// time unless it already carries one, then sends it synchronously.
func (b *Broadcaster) Publish(ctx context.Context, e event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Seq = b.seq.Next()
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}

	err := b.send(e)
	b.metrics.ObservePublish(string(e.Kind), err)
	if err != nil {
		b.log.Warn("publish failed",
			zap.String("kind", string(e.Kind)),
			zap.Uint64("seq", e.Seq),
			zap.Error(err))
		return err
	}
	return nil
}

func (b *Broadcaster) send(e event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := event.Marshal(e)
	if err != nil {
		return err
	}
	partition, offset, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(e.Key()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(e.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("send %s event %d: %w", e.Kind, e.Seq, err)
	}
	b.log.Debug("event published",
		zap.String("kind", string(e.Kind)),
		zap.Uint64("seq", e.Seq),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
