package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/promoterlink/linkchat/model"
)

const (
	kafkaWriteTimeout = 3 * time.Second

	// Messages are capped well below this by content validation; the limit
	// guards against a malformed frame blowing up the topic.
	maxPublishBytes = 8192
)

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Publisher mirrors every delivered message onto a kafka topic for
// downstream consumers (archival, moderation).
type Publisher struct {
	writer IKafkaWriter
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		}),
	}
}

func (p *Publisher) Publish(msg *model.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error marshal message: %q, err: %v", msg.ServerId, err)
	}
	if len(value) > maxPublishBytes {
		return fmt.Errorf("publisher: msg exceeds max limit: %d bytes", maxPublishBytes)
	}

	km := kafka.Message{
		Key:   []byte(msg.ConvKey()),
		Value: value,
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("error write to kafka: %s", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
