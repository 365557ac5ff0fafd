package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/pairchat/internal/types"
	"github.com/segmentio/kafka-go"
)

// MessageSink receives every message the relay accepts.
type MessageSink interface {
	PublishMessage(ctx context.Context, m types.Message) error
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes accepted messages to a Kafka topic, keyed by room id so
// that a room's messages stay ordered within one partition.
type Producer struct {
	writer writer
	topic  string
}

func NewProducer(brokers []string, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}

	return &Producer{writer: w, topic: topic}
}

func (p *Producer) PublishMessage(ctx context.Context, m types.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message %q: %w", m.Id, err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.RoomId()),
		Value: b,
		Time:  m.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("publish message %q to %s: %w", m.Id, p.topic, err)
	}

	return nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NopSink discards messages. It is used when no broker is configured.
type NopSink struct{}

func (NopSink) PublishMessage(context.Context, types.Message) error { return nil }
func (NopSink) Close() error                                        { return nil }
