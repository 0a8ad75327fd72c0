// Package kafka builds the kafka-go clients used by the ingest loop.
package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

type ReaderConfig struct {
	Brokers []string
	Topics  []string
	GroupID string
}

// NewReader returns a consumer-group reader over every topic in cfg, with
// explicit commits: offsets only move once a message has been handled.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	rc := kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}
	if len(cfg.Topics) == 1 {
		rc.Topic = cfg.Topics[0]
	} else {
		rc.GroupTopics = cfg.Topics
	}
	return kafka.NewReader(rc)
}
