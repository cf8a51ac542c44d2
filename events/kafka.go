package events

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/driftsync/driftsync/cfg"
)

const (
	defaultKafkaBatchSize  = 100
	defaultKafkaBatchBytes = 1 << 20
)

func init() {
	RegisterSink("kafka", func(c cfg.EventsConfiguration) (Sink, error) {
		return NewKafkaSink(c.KafkaBrokers)
	})
}

// KafkaSink publishes events to Kafka, partitioned by key.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              defaultKafkaBatchSize,
		BatchBytes:             defaultKafkaBatchBytes,
		Compression:            kafka.Snappy,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer}, nil
}

func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	return k.writer.WriteMessages(context.Background(), msg)
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
