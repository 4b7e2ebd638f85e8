package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/example/alias-ledger/internal/events"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SubscriberConfig configures a consumer-group subscriber.
type SubscriberConfig struct {
	Brokers []string
	GroupID string
	// MaxElapsed bounds how long one message is retried before Subscribe
	// gives up and returns. The offset is left uncommitted, so the message
	// is redelivered to whichever member picks the partition up next.
	MaxElapsed time.Duration
	Logger     *slog.Logger
}

// Subscriber consumes topics as a member of a Kafka consumer group and
// commits an offset only after the handler has acknowledged the message.
type Subscriber struct {
	cfg        SubscriberConfig
	newReader  func(topic string) messageReader
	newBackOff func() backoff.BackOff
}

func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Subscriber{
		cfg:        cfg,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	s.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return s
}

// Subscribe blocks, delivering topic's messages to handler, until ctx is
// done (returns nil) or a message cannot be handled within MaxElapsed.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, handler events.Handler) error {
	reader := s.newReader(topic)
	defer reader.Close()

	logger := s.cfg.Logger.With("topic", topic, "group_id", s.cfg.GroupID)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", topic, err)
		}

		if err := s.handle(ctx, logger, msg, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d on %s: %w", msg.Offset, topic, err)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, logger *slog.Logger, msg kafka.Message, handler events.Handler) error {
	var env events.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		logger.Error("dropping malformed message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := handler(ctx, env)
		var perm *events.Permanent
		if errors.As(err, &perm) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxElapsedTime(s.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("event handler failed, retrying",
				"event_id", env.ID, "type", env.Type, "offset", msg.Offset, "retry_in", next, "error", err)
		}),
	)
	if err == nil {
		return nil
	}

	var perm *events.Permanent
	if errors.As(err, &perm) {
		logger.Error("dropping undeliverable event", "event_id", env.ID, "type", env.Type, "offset", msg.Offset, "error", err)
		return nil
	}
	return fmt.Errorf("handle event %s at offset %d: %w", env.ID, msg.Offset, err)
}
