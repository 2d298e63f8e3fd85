package kafka

import (
	"context"
	"encoding/json"

	"github.com/BearBump/FixDispatch/internal/broker/messages"
	"github.com/pkg/errors"
)

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// EventPublisher writes booking events keyed by booking id, so all events of
// one booking land in one partition and keep their order.
type EventPublisher struct {
	p     publisher
	topic string
}

func NewEventPublisher(p publisher, topic string) *EventPublisher {
	return &EventPublisher{p: p, topic: topic}
}

func (e *EventPublisher) Notify(ctx context.Context, ev messages.BookingEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal booking event")
	}
	return e.p.Publish(ctx, e.topic, []byte(ev.BookingID), b)
}
