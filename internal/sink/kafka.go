package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSink hands messages to a mailer service through a Kafka topic. The
// dispatch key is the message key so a consumer can deduplicate.
type KafkaSink struct {
	writer kafkaWriter
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireAll,
	}
	return &KafkaSink{writer: w}, nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

func (s *KafkaSink) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return Permanent(err)
	}
	err = s.writer.WriteMessages(ctx, kgo.Message{
		Key:   []byte(msg.DispatchKey),
		Value: b,
		Time:  time.Now(),
	})
	if err != nil {
		return classifyKafka(err)
	}
	return nil
}

func classifyKafka(err error) error {
	var writeErrs kgo.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				return classifyKafka(e)
			}
		}
	}
	var tooLarge kgo.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return Permanent(fmt.Errorf("kafka: %w", err))
	}
	var kerr kgo.Error
	if errors.As(err, &kerr) && !kerr.Temporary() && !kerr.Timeout() {
		return Permanent(fmt.Errorf("kafka: %w", err))
	}
	return Transient(fmt.Errorf("kafka: %w", err))
}
