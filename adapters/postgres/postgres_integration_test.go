//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/next-trace/scg-pos-bridge/adapters/postgres"
	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
)

func setupPostgresContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pos"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

func TestIntegration_Postgres_CommandLifecycle(t *testing.T) {
	dsn := setupPostgresContainer(t)
	ctx := context.Background()

	require.NoError(t, postgres.Migrate(dsn, nil))
	require.NoError(t, postgres.Migrate(dsn, nil), "second run is a no-op")

	pool, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := postgres.NewStore(pool)
	require.NoError(t, store.UpsertVenue(ctx, cbus.Venue{ID: "v1", PosType: "softrestaurant"}))

	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()

	notified := make(chan string, 4)
	ready := make(chan struct{})

	go func() {
		_ = postgres.NewListener(dsn).Listen(listenCtx, func() { close(ready) }, func(p string) { notified <- p })
	}()

	<-ready

	payload := []byte(`{"items": [ {"sku":"A<1>"} ]}`)
	cmd, err := cbus.NewCommand("v1", "Order", "CREATE", payload)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, cmd))

	assert.Equal(t, cmd.ID.String(), waitNotification(t, notified))

	got, err := store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, string(payload), string(got.Payload))
	assert.Equal(t, cbus.StatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(cmd.CreatedAt))

	pending, err := store.ListPending(ctx, cbus.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = store.ListPending(ctx, cbus.CursorOf(cmd), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	ok, err := store.MarkProcessing(ctx, cmd.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.MarkProcessing(ctx, cmd.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.MarkFailed(ctx, cmd.ID, "broker nack", time.Now()))

	got, err = store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, cbus.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "broker nack", got.ErrorMessage)
	require.NotNil(t, got.LastAttemptAt)

	require.NoError(t, store.Requeue(ctx, cmd.ID))
	assert.Equal(t, cmd.ID.String(), waitNotification(t, notified))

	got, err = store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, cbus.StatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 1, got.Attempts)
}

func TestIntegration_Postgres_EnqueueTxNotifiesOnCommit(t *testing.T) {
	dsn := setupPostgresContainer(t)
	ctx := context.Background()

	require.NoError(t, postgres.Migrate(dsn, nil))

	pool, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := postgres.NewStore(pool)

	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()

	notified := make(chan string, 4)
	ready := make(chan struct{})

	go func() {
		_ = postgres.NewListener(dsn).Listen(listenCtx, func() { close(ready) }, func(p string) { notified <- p })
	}()

	<-ready

	rolledBack := &cbus.Command{VenueID: "v1", EntityType: "Order", CommandType: "CANCEL", Payload: []byte(`{}`)}

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.EnqueueTx(ctx, tx, rolledBack))
	require.NoError(t, tx.Rollback(ctx))

	committed := &cbus.Command{ID: uuid.New(), VenueID: "v1", EntityType: "Order", CommandType: "CREATE", Payload: []byte(`{}`)}

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.EnqueueTx(ctx, tx, committed))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, committed.ID.String(), waitNotification(t, notified))

	_, err = store.Get(ctx, rolledBack.ID)
	require.Error(t, err)
}

func waitNotification(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case p := <-ch:
		return p
	case <-time.After(10 * time.Second):
		t.Fatal("no notification")
	}

	return ""
}
