//go:build integration

package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/next-trace/scg-pos-bridge/adapters/rabbitmq"
)

const (
	testRabbitMQImage  = "rabbitmq:3-management-alpine"
	testStartupTimeout = 60 * time.Second
	testDeadline       = 10 * time.Second
)

func setupRabbitMQContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcrabbit.Run(ctx,
		testRabbitMQImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(testStartupTimeout),
		),
	)
	require.NoError(t, err, "failed to start RabbitMQ container")

	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	return url
}

func TestIntegration_RabbitMQ_CommandAndEventFlow(t *testing.T) {
	url := setupRabbitMQContainer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tr, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: url, ReconnectDelay: 100 * time.Millisecond})
	require.NoError(t, err)

	go func() { _ = tr.Run(ctx) }()

	require.NoError(t, tr.Manager().WaitConnected(ctx))

	raw, err := amqp.Dial(url)
	require.NoError(t, err)
	defer raw.Close()

	ch, err := raw.Channel()
	require.NoError(t, err)

	probe, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(probe.Name, "command.#", "commands", false, nil))

	body := []byte(`{"entity":"order","action":"create","payload":{"a": 1}}`)
	require.NoError(t, tr.Publish(ctx, "command.softrestaurant.v1", body))

	msg := getOne(t, ch, probe.Name)
	assert.Equal(t, body, msg.Body)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.NotEmpty(t, msg.MessageId)

	deliveries, err := tr.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, ch.PublishWithContext(ctx, "events", "pos.sale.created", false, false, amqp.Publishing{
		MessageId: "evt-1",
		Body:      []byte(`{"externalId":"S-1"}`),
	}))

	select {
	case d := <-deliveries:
		assert.Equal(t, "pos.sale.created", d.RoutingKey)
		assert.Equal(t, "evt-1", d.MessageID)
		require.NoError(t, d.Reject())
	case <-time.After(testDeadline):
		t.Fatal("no event delivered")
	}

	dead := getOne(t, ch, "dead-letter")
	assert.Equal(t, "evt-1", dead.MessageId)

	require.NoError(t, tr.Close())
	assert.False(t, tr.Connected())
}

func getOne(t *testing.T, ch *amqp.Channel, queue string) amqp.Delivery {
	t.Helper()

	var msg amqp.Delivery

	require.Eventually(t, func() bool {
		d, ok, err := ch.Get(queue, true)
		if err != nil || !ok {
			return false
		}

		msg = d

		return true
	}, testDeadline, 50*time.Millisecond)

	return msg
}
