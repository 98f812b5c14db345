package rabbitmq_test

import (
	"context"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-pos-bridge/adapters/rabbitmq"
	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

func receive(t *testing.T, ch <-chan cbus.Delivery) cbus.Delivery {
	t.Helper()

	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-ctxWithTimeout(t).Done():
		t.Fatal("no delivery")
	}

	return cbus.Delivery{}
}

func requireClosed(t *testing.T, ch <-chan cbus.Delivery) {
	t.Helper()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, waitFor, tick)
}

func TestSubscriber_NotConnected(t *testing.T) {
	s := rabbitmq.NewSubscriber(newManager(&broker{}), "", nil)

	_, err := s.Subscribe(context.Background())
	require.ErrorIs(t, err, berr.ErrNotConnected)
}

func TestSubscriber_ManualAckWithPrefetchOne(t *testing.T) {
	b := &broker{}
	m := newManager(b)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Connect(context.Background()))

	s := rabbitmq.NewSubscriber(m, "", nil)

	out, err := s.Subscribe(ctxWithTimeout(t))
	require.NoError(t, err)

	ch := b.last().ch
	tag, autoAck, _ := ch.consumer()
	assert.True(t, strings.HasPrefix(tag, rabbitmq.DefaultConsumerTag+"-"))
	assert.False(t, autoAck)
	assert.Equal(t, []int{1}, ch.prefetch())

	acker := &fakeAcker{}
	ch.deliveries <- amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  7,
		RoutingKey:   "pos.sale.created",
		MessageId:    "m-1",
		Redelivered:  true,
		Headers:      amqp.Table{"traceparent": "00-abc", "attempt": int32(2)},
		Body:         []byte(`{"externalId":"S-1"}`),
	}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 8, RoutingKey: "pos.sale.created", Body: []byte(`{`)}

	d := receive(t, out)
	assert.Equal(t, "pos.sale.created", d.RoutingKey)
	assert.Equal(t, "m-1", d.MessageID)
	assert.EqualValues(t, 7, d.DeliveryTag)
	assert.True(t, d.Redelivered)
	assert.Equal(t, map[string]string{"traceparent": "00-abc", "attempt": "2"}, d.Headers)
	require.NoError(t, d.Ack())

	d = receive(t, out)
	require.NoError(t, d.Reject())

	assert.Equal(t, []uint64{7}, acker.acks)
	assert.Equal(t, []bool{false}, acker.multi)
	assert.Equal(t, []uint64{8}, acker.rejects)
	assert.Equal(t, []bool{false}, acker.requeue)
}

func TestSubscriber_CancelOnContextDone(t *testing.T) {
	b := &broker{}
	m := newManager(b)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())

	out, err := rabbitmq.NewSubscriber(m, "pos", nil).Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	requireClosed(t, out)

	tag, _, cancelled := b.last().ch.consumer()
	assert.Equal(t, []string{tag}, cancelled)
	assert.True(t, strings.HasPrefix(tag, "pos-"))
}

func TestSubscriber_ClosesWhenSessionEnds(t *testing.T) {
	b := &broker{}
	m := newManager(b)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Connect(context.Background()))

	out, err := rabbitmq.NewSubscriber(m, "", nil).Subscribe(ctxWithTimeout(t))
	require.NoError(t, err)

	b.last().forceClose()
	requireClosed(t, out)
	assert.False(t, m.Connected())
}
