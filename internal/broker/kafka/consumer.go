package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/FixDispatch/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r messageReader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{
		r: kafka.NewReader(cfg),
	}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume hands messages to handler and commits each one after it is handled.
// A handler error stops the loop without a commit. The reader does not rewind
// by itself, so the caller closes this Consumer and opens a new one to get the
// message again from the last committed offset.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

// ConsumeEvents decodes booking events. Undecodable payloads are committed and skipped.
func (c *Consumer) ConsumeEvents(ctx context.Context, handler func(ctx context.Context, ev messages.BookingEvent) error) error {
	return c.Consume(ctx, func(key, value []byte) error {
		var ev messages.BookingEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			slog.Warn("skip malformed booking event", "key", string(key), "error", err.Error())
			return nil
		}
		return handler(ctx, ev)
	})
}
