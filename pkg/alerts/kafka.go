package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/HatiCode/vigil/pkg/severity"
)

const defaultKafkaWriteTimeout = 10 * time.Second

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type kafkaWriteMessage interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink publishes records as JSON to a topic. Messages are keyed by
// source so records of one source stay ordered within a partition.
type KafkaSink struct {
	topic  string
	writer kafkaWriteMessage
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink requires a topic")
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultKafkaWriteTimeout
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		WriteTimeout: writeTimeout,
		BatchTimeout: batchTimeout,
	}
	return &KafkaSink{topic: cfg.Topic, writer: w}, nil
}

// Topic returns the destination topic.
func (k *KafkaSink) Topic() string { return k.topic }

func (k *KafkaSink) Send(ctx context.Context, rec severity.Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := rec.Source
	if key == "" {
		key = rec.Stream
	}
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Time:  rec.Timestamp,
		Headers: []kafkago.Header{
			{Key: "severity", Value: []byte(rec.Severity.String())},
			{Key: "stream", Value: []byte(rec.Stream)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
