package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeadLetter parks messages the ingest loop could not decode or handle.
type DeadLetter struct {
	writer *kafka.Writer
}

func NewDeadLetter(brokers []string, topic string) *DeadLetter {
	return &DeadLetter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Park copies msg to the dead letter topic with the failure reason as a
// header.
func (d *DeadLetter) Park(ctx context.Context, msg kafka.Message, reason error) error {
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "error", Value: []byte(reason.Error())},
		kafka.Header{Key: "source_topic", Value: []byte(msg.Topic)},
	)
	return d.writer.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

func (d *DeadLetter) Close() error {
	return d.writer.Close()
}
