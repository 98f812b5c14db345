package inmemory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-pos-bridge/adapters/inmemory"
	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

func mustCommand(t *testing.T, venue string) *cbus.Command {
	t.Helper()

	c, err := cbus.NewCommand(venue, "Order", "CREATE", []byte(`{"items":[1]}`))
	require.NoError(t, err)

	return c
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := t.Context()
	s := inmemory.NewStore()

	c := mustCommand(t, "v1")
	require.NoError(t, s.Enqueue(ctx, c))

	ok, err := s.MarkProcessing(ctx, c.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkProcessing(ctx, c.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	require.NoError(t, s.MarkFailed(ctx, c.ID, "nack", time.Now()))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, cbus.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "nack", got.ErrorMessage)
	assert.NotNil(t, got.LastAttemptAt)

	require.NoError(t, s.Requeue(ctx, c.ID))
	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, cbus.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.ErrorMessage)
}

func TestStore_InvalidTransitions(t *testing.T) {
	ctx := t.Context()
	s := inmemory.NewStore()
	c := mustCommand(t, "v1")
	require.NoError(t, s.Enqueue(ctx, c))

	assert.ErrorIs(t, s.MarkFailed(ctx, c.ID, "x", time.Now()), berr.ErrInvalidTransition)
	assert.ErrorIs(t, s.Requeue(ctx, c.ID), berr.ErrInvalidTransition)
	assert.ErrorIs(t, s.Requeue(ctx, uuid.New()), berr.ErrCommandNotFound)

	_, err := s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, berr.ErrCommandNotFound)
}

func TestStore_ListPendingOrderAndCursor(t *testing.T) {
	ctx := t.Context()
	s := inmemory.NewStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := range 5 {
		c := mustCommand(t, "v1")
		c.CreatedAt = base.Add(time.Duration(5-i) * time.Second)
		require.NoError(t, s.Enqueue(ctx, c))
		ids = append(ids, c.ID)
	}

	page, err := s.ListPending(ctx, cbus.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, err = s.ListPending(ctx, cbus.CursorOf(page[1]), 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[0], page[2].ID)
}

func TestStore_VenueLookup(t *testing.T) {
	s := inmemory.NewStore()
	s.AddVenue(cbus.Venue{ID: "v1", PosType: "softrestaurant"})
	s.AddVenue(cbus.Venue{ID: "v2"})

	v, err := s.Venue(t.Context(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "softrestaurant", v.PosType)

	_, err = s.Venue(t.Context(), "v2")
	assert.ErrorIs(t, err, berr.ErrConfiguration)
	_, err = s.Venue(t.Context(), "nope")
	assert.ErrorIs(t, err, berr.ErrConfiguration)
}

func TestStore_ListenNotifiesAndDrops(t *testing.T) {
	s := inmemory.NewStore()

	ready := make(chan struct{})
	got := make(chan string, 4)
	done := make(chan error, 1)

	go func() {
		done <- s.Listen(t.Context(), func() { close(ready) }, func(p string) { got <- p })
	}()
	<-ready

	c := mustCommand(t, "v1")
	require.NoError(t, s.Enqueue(t.Context(), c))
	assert.Equal(t, c.ID.String(), <-got)

	s.Notify("manual")
	assert.Equal(t, "manual", <-got)

	s.DropListeners()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, berr.ErrConnectivity)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after drop")
	}
}

func TestBroker_PublishRecordsAndFails(t *testing.T) {
	b := inmemory.NewBroker()
	w := b.Watch(1)

	require.NoError(t, b.Publish(t.Context(), "command.x.v1", []byte(`{"a":1}`)))
	m := <-w
	assert.Equal(t, "command.x.v1", m.RoutingKey)
	assert.NotEmpty(t, m.MessageID)

	boom := errors.New("nack")
	b.FailPublishes(boom)
	assert.ErrorIs(t, b.Publish(t.Context(), "command.x.v1", nil), boom)
	b.FailPublishes(nil)

	b.SetConnected(false)
	assert.False(t, b.Connected())
	assert.ErrorIs(t, b.Publish(t.Context(), "command.x.v1", nil), berr.ErrNotConnected)

	assert.Len(t, b.Published(), 1)
}

func TestBroker_SubscribeAckReject(t *testing.T) {
	b := inmemory.NewBroker()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	b.Inject("pos.x.order.created", "m1", []byte(`{}`))
	b.Inject("pos.x.order.created", "m2", []byte(`{}`))

	d1 := <-ch
	require.NoError(t, d1.Ack())
	d2 := <-ch
	require.NoError(t, d2.Reject())

	assert.Error(t, d1.Ack(), "double settle must fail")
	require.Len(t, b.Acked(), 1)
	require.Len(t, b.DeadLetters(), 1)
	assert.Equal(t, "m2", b.DeadLetters()[0].Delivery.MessageID)
	assert.Zero(t, b.Unsettled())
}

func TestBroker_RedeliversUnsettledAfterDisconnect(t *testing.T) {
	b := inmemory.NewBroker()

	ch, err := b.Subscribe(t.Context())
	require.NoError(t, err)

	b.Inject("pos.x.order.created", "m1", []byte(`{}`))
	first := <-ch
	assert.False(t, first.Redelivered)

	b.SetConnected(false)
	_, open := <-ch
	assert.False(t, open, "subscription channel must close on disconnect")

	_, err = b.Subscribe(t.Context())
	assert.ErrorIs(t, err, berr.ErrNotConnected)

	b.SetConnected(true)
	ch, err = b.Subscribe(t.Context())
	require.NoError(t, err)

	again := <-ch
	assert.True(t, again.Redelivered)
	assert.Equal(t, first.DeliveryTag, again.DeliveryTag)
	assert.Equal(t, "m1", again.MessageID)
}

func TestAdapter_SatisfiesPorts(t *testing.T) {
	ad := inmemory.New()

	var (
		_ cbus.CommandStore     = ad
		_ cbus.CommandWriter    = ad
		_ cbus.CommandPublisher = ad
		_ cbus.EventSource      = ad
	)

	assert.True(t, ad.Connected())
}

func TestBroker_OnConnectedFiresOnRestore(t *testing.T) {
	b := inmemory.NewBroker()

	calls := 0
	b.OnConnected(func(context.Context) { calls++ })

	b.SetConnected(true)
	assert.Equal(t, 0, calls, "already connected")

	b.SetConnected(false)
	b.SetConnected(true)
	assert.Equal(t, 1, calls)
}
