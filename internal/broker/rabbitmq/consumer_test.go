package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BearBump/FixDispatch/internal/broker/messages"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeAcker struct {
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeDeliveries struct {
	ch     chan amqp.Delivery
	queue  string
	closed bool
}

func (f *fakeDeliveries) ConsumeWithContext(_ context.Context, queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("manual ack expected")
	}
	f.queue = queue
	return f.ch, nil
}

func (f *fakeDeliveries) Close() error {
	f.closed = true
	return nil
}

func delivery(t *testing.T, acker amqp.Acknowledger, tag uint64, body []byte) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: tag, RoutingKey: messages.EventBookingCancelled, Body: body}
}

func TestConsumer_ConsumeEvents_AcksHandled(t *testing.T) {
	acker := &fakeAcker{}
	agent := "agent-1"
	body, err := json.Marshal(messages.BookingEvent{Event: messages.EventBookingCancelled, BookingID: "b-1", ReleasedAgentID: &agent})
	require.NoError(t, err)

	fd := &fakeDeliveries{ch: make(chan amqp.Delivery, 2)}
	fd.ch <- delivery(t, acker, 1, []byte("{broken"))
	fd.ch <- delivery(t, acker, 2, body)
	close(fd.ch)

	c := newConsumerWithChannel(fd, "dispatch-worker")
	var got []messages.BookingEvent
	err = c.ConsumeEvents(context.Background(), func(ctx context.Context, ev messages.BookingEvent) error {
		got = append(got, ev)
		return nil
	})
	require.Error(t, err, "closed deliveries end the loop")
	require.Equal(t, "dispatch-worker", fd.queue)
	require.Len(t, got, 1)
	require.True(t, got[0].ReleasesAgent())
	require.Equal(t, []uint64{1, 2}, acker.acked)
	require.Empty(t, acker.nacked)
}

func TestConsumer_ConsumeEvents_HandlerErrorRequeues(t *testing.T) {
	acker := &fakeAcker{}
	body, _ := json.Marshal(messages.BookingEvent{Event: messages.EventBookingCompleted, BookingID: "b-2"})
	fd := &fakeDeliveries{ch: make(chan amqp.Delivery, 1)}
	fd.ch <- delivery(t, acker, 7, body)

	c := newConsumerWithChannel(fd, "q")
	want := errors.New("pg down")
	err := c.ConsumeEvents(context.Background(), func(ctx context.Context, ev messages.BookingEvent) error { return want })
	require.ErrorIs(t, err, want)
	require.Equal(t, []uint64{7}, acker.nacked)
	require.Empty(t, acker.acked)
}

func TestConsumer_ConsumeEvents_StopsOnCancel(t *testing.T) {
	fd := &fakeDeliveries{ch: make(chan amqp.Delivery)}
	c := newConsumerWithChannel(fd, "q")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.ConsumeEvents(ctx, func(ctx context.Context, ev messages.BookingEvent) error { return nil })
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, c.Close())
	require.True(t, fd.closed)
}
