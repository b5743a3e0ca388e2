package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds the report topic settings
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	Compression  string
	RequiredAcks int
	MaxAttempts  int
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications to a Kafka topic keyed by cycle id,
// so all reports of one cycle land on the same partition.
type KafkaNotifier struct {
	writer  messageWriter
	topic   string
	enabled bool
}

// NewKafkaNotifier creates the Kafka sink
func NewKafkaNotifier(config KafkaConfig) (*KafkaNotifier, error) {
	if !config.Enabled {
		return &KafkaNotifier{}, nil
	}
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	acks := config.RequiredAcks
	if acks == 0 {
		acks = -1
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(acks),
		Compression:  parseCompression(config.Compression),
		MaxAttempts:  maxAttempts,
		WriteTimeout: writeTimeout,
		BatchTimeout: 100 * time.Millisecond,
	}
	return newKafkaNotifier(writer, config.Topic), nil
}

func newKafkaNotifier(w messageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic, enabled: true}
}

func (k *KafkaNotifier) Name() string {
	return "kafka"
}

func (k *KafkaNotifier) IsEnabled() bool {
	return k.enabled
}

func (k *KafkaNotifier) Send(ctx context.Context, notification *Notification) error {
	if !k.enabled {
		return nil
	}

	value, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal kafka payload: %w", err)
	}
	key := notification.CycleID
	if key == "" {
		key = string(notification.Type)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  notification.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(notification.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaNotifier) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
