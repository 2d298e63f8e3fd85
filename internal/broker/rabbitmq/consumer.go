package rabbitmq

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/BearBump/FixDispatch/internal/broker/messages"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ReleaseEventKeys are the routing keys of events that can free an agent.
var ReleaseEventKeys = []string{messages.EventBookingCancelled, messages.EventBookingCompleted}

type deliveryChannel interface {
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Consumer читает события бронирований из durable очереди, привязанной к exchange.
// Несколько воркеров с одной очередью делят поток между собой.
type Consumer struct {
	conn  io.Closer
	ch    deliveryChannel
	queue string
}

func NewConsumer(url, exchange, queue string, keys []string) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return nil, errors.Wrap(err, "declare exchange")
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		closeAll()
		return nil, errors.Wrap(err, "declare queue")
	}
	for _, rk := range keys {
		if err := ch.QueueBind(q.Name, rk, exchange, false, nil); err != nil {
			closeAll()
			return nil, errors.Wrapf(err, "bind %s", rk)
		}
	}
	return &Consumer{conn: conn, ch: ch, queue: q.Name}, nil
}

func newConsumerWithChannel(ch deliveryChannel, queue string) *Consumer {
	return &Consumer{ch: ch, queue: queue}
}

// ConsumeEvents acks a delivery after the handler succeeds. On a handler error
// the delivery is requeued and the error returned. Undecodable payloads are
// acked and skipped.
func (c *Consumer) ConsumeEvents(ctx context.Context, handler func(ctx context.Context, ev messages.BookingEvent) error) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq deliveries closed")
			}
			var ev messages.BookingEvent
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				slog.Warn("skip malformed booking event", "routing_key", d.RoutingKey, "error", err.Error())
				_ = d.Ack(false)
				continue
			}
			if err := handler(ctx, ev); err != nil {
				_ = d.Nack(false, true)
				return err
			}
			if err := d.Ack(false); err != nil {
				return errors.Wrap(err, "ack delivery")
			}
		}
	}
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
