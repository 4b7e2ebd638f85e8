// Package kafka carries event envelopes over Kafka topics. Messages are
// keyed by the envelope key so every event for one alias or account lands
// on the same partition and keeps its order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/alias-ledger/internal/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes envelopes to Kafka.
type Publisher struct {
	writer messageWriter
}

// NewPublisher returns a publisher for brokers. The topic is chosen per
// message, so one publisher serves every topic.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish writes env to topic, keyed by env.Key.
func (p *Publisher) Publish(ctx context.Context, topic string, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(env.Key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Type, topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
