package rabbitmq_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-pos-bridge/adapters/rabbitmq"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newManager(b *broker) *rabbitmq.Manager {
	return rabbitmq.NewManager(b.dial, rabbitmq.WithBackoff(rabbitmq.ConstantBackoff(time.Millisecond)))
}

func TestManager_ChannelBeforeConnect(t *testing.T) {
	m := newManager(&broker{})

	_, err := m.Channel()
	require.ErrorIs(t, err, berr.ErrNotConnected)
	assert.Equal(t, rabbitmq.StateDisconnected, m.State())
	assert.False(t, m.Connected())
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	b := &broker{}
	m := newManager(b)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.EqualValues(t, 1, b.dials.Load())
	assert.Equal(t, rabbitmq.StateConnected, m.State())

	ch, err := m.Channel()
	require.NoError(t, err)
	assert.Same(t, b.last().ch, ch)
	assert.True(t, b.last().ch.confirm)
}

func TestManager_ConnectFailure(t *testing.T) {
	b := &broker{}
	b.failing.Store(true)
	m := newManager(b)

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, berr.ErrConnectivity)
	assert.Equal(t, rabbitmq.StateDisconnected, m.State())
}

func TestManager_DeclareFailureTearsDown(t *testing.T) {
	b := &broker{setup: func(ch *fakeChannel) { ch.declareErr = errors.New("precondition failed") }}
	m := newManager(b)

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, berr.ErrConnectivity)
	assert.Equal(t, []string{"channel.close", "connection.close"}, b.evt.all())
	assert.False(t, m.Connected())
}

func TestManager_RunReconnectsAfterConnectionLoss(t *testing.T) {
	b := &broker{}
	m := newManager(b)

	var hooks atomic.Int32
	m.OnConnected(func(context.Context) { hooks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return hooks.Load() == 1 }, waitFor, tick)

	first := b.last()
	first.forceClose()

	require.Eventually(t, func() bool { return hooks.Load() == 2 && m.Connected() }, waitFor, tick)
	assert.EqualValues(t, 2, b.dials.Load())
	assert.True(t, first.IsClosed())

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}

	assert.False(t, m.Connected())
	assert.True(t, b.last().IsClosed())
}

func TestManager_RunRetriesFailedDials(t *testing.T) {
	b := &broker{}
	b.failing.Store(true)
	m := newManager(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool { return b.dials.Load() >= 3 }, waitFor, tick)
	assert.False(t, m.Connected())

	b.failing.Store(false)

	require.NoError(t, m.WaitConnected(ctxWithTimeout(t)))
	assert.True(t, m.Connected())
}

func TestManager_InvalidateIgnoresStaleSession(t *testing.T) {
	b := &broker{}
	m := newManager(b)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Connect(context.Background()))

	stale, err := m.Session()
	require.NoError(t, err)

	m.Invalidate(stale, errors.New("confirm timeout"))
	assert.False(t, m.Connected())

	select {
	case <-stale.Done():
	default:
		t.Fatal("invalidated session not ended")
	}

	require.NoError(t, m.Connect(context.Background()))

	m.Invalidate(stale, errors.New("late"))
	assert.True(t, m.Connected())
}

func TestManager_CloseOrderAndIdempotence(t *testing.T) {
	b := &broker{}
	m := newManager(b)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, []string{"channel.close", "connection.close"}, b.evt.all())

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, berr.ErrNotConnected)

	err = m.WaitConnected(context.Background())
	require.ErrorIs(t, err, berr.ErrNotConnected)
}

func TestManager_BlockedConnection(t *testing.T) {
	b := &broker{}
	m := newManager(b)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Connect(context.Background()))

	b.last().block(true)
	require.Eventually(t, m.Blocked, waitFor, tick)

	b.last().block(false)
	require.Eventually(t, func() bool { return !m.Blocked() }, waitFor, tick)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, rabbitmq.ConstantBackoff(time.Second)(7))

	exp := rabbitmq.ExponentialBackoff(10*time.Millisecond, 100*time.Millisecond)

	first := exp(0)
	assert.GreaterOrEqual(t, first, 10*time.Millisecond)
	assert.Less(t, first, 13*time.Millisecond)

	for attempt := range 20 {
		assert.LessOrEqual(t, exp(attempt), 100*time.Millisecond)
	}

	assert.GreaterOrEqual(t, exp(3), 80*time.Millisecond)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", rabbitmq.StateDisconnected.String())
	assert.Equal(t, "connecting", rabbitmq.StateConnecting.String())
	assert.Equal(t, "connected", rabbitmq.StateConnected.String())
	assert.Equal(t, "unknown", rabbitmq.State(9).String())
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)

	return ctx
}
