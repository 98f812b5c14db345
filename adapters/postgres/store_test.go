package postgres_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-pos-bridge/adapters/postgres"
	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

type execCall struct {
	sql  string
	args []any
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// fakeDB answers Exec with a fixed row count and QueryRow with a scripted scan.
type fakeDB struct {
	mu       sync.Mutex
	execs    []execCall
	affected int64
	execErr  error
	row      scanFunc
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.execs = append(f.execs, execCall{sql, args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}

	verb := strings.Fields(strings.TrimSpace(sql))[0]
	if verb == "INSERT" {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}

	return pgconn.NewCommandTag(verb + " " + strconv.FormatInt(f.affected, 10)), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	if f.row == nil {
		return scanFunc(func(...any) error { return pgx.ErrNoRows })
	}

	return f.row
}

func statusRow(status string) scanFunc {
	return func(dest ...any) error {
		*(dest[0].(*string)) = status
		return nil
	}
}

func TestStore_EnqueueAssignsIdentity(t *testing.T) {
	db := &fakeDB{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	s := postgres.NewStore(db, postgres.WithStoreClock(func() time.Time { return at }))

	cmd := &cbus.Command{VenueID: "v1", EntityType: "Order", CommandType: "CREATE", Payload: []byte(`{"a": 1}`)}
	require.NoError(t, s.Enqueue(context.Background(), cmd))

	assert.NotEqual(t, uuid.Nil, cmd.ID)
	assert.Equal(t, cbus.StatusPending, cmd.Status)
	assert.Equal(t, at.Truncate(time.Microsecond), cmd.CreatedAt)

	require.Len(t, db.execs, 1)
	args := db.execs[0].args
	assert.Equal(t, cmd.ID, args[0])
	assert.Equal(t, `{"a": 1}`, args[4])
}

func TestStore_EnqueueRejectsInvalidPayload(t *testing.T) {
	s := postgres.NewStore(&fakeDB{})

	err := s.Enqueue(context.Background(), &cbus.Command{VenueID: "v1", Payload: []byte(`{`)})
	require.ErrorIs(t, err, berr.ErrSerializationFailed)

	err = s.Enqueue(context.Background(), nil)
	require.ErrorIs(t, err, berr.ErrConfiguration)
}

func TestStore_EnqueueDuplicateID(t *testing.T) {
	db := &fakeDB{execErr: &pgconn.PgError{Code: "23505"}}
	s := postgres.NewStore(db)

	err := s.Enqueue(context.Background(), &cbus.Command{ID: uuid.New(), VenueID: "v1", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, berr.ErrInvalidTransition)
}

func TestStore_MarkProcessingIsConditional(t *testing.T) {
	db := &fakeDB{affected: 1}
	s := postgres.NewStore(db)

	ok, err := s.MarkProcessing(context.Background(), uuid.New(), time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	db.affected = 0
	ok, err = s.MarkProcessing(context.Background(), uuid.New(), time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MarkFailedExplainsMiss(t *testing.T) {
	db := &fakeDB{}
	s := postgres.NewStore(db)

	err := s.MarkFailed(context.Background(), uuid.New(), "nack", time.Now())
	require.ErrorIs(t, err, berr.ErrCommandNotFound)

	db.row = statusRow("PENDING")
	err = s.MarkFailed(context.Background(), uuid.New(), "nack", time.Now())
	require.ErrorIs(t, err, berr.ErrInvalidTransition)
}

func TestStore_RequeueOnlyFromFailed(t *testing.T) {
	db := &fakeDB{affected: 1}
	s := postgres.NewStore(db)

	require.NoError(t, s.Requeue(context.Background(), uuid.New()))

	db.affected = 0
	db.row = statusRow("PROCESSING")
	err := s.Requeue(context.Background(), uuid.New())
	require.ErrorIs(t, err, berr.ErrInvalidTransition)
}

func TestStore_StoreFailuresAreConnectivity(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection reset by peer")}
	s := postgres.NewStore(db)

	_, err := s.MarkProcessing(context.Background(), uuid.New(), time.Now())
	require.ErrorIs(t, err, berr.ErrConnectivity)
	assert.True(t, berr.Retryable(err))
}

func TestStore_Venue(t *testing.T) {
	db := &fakeDB{}
	s := postgres.NewStore(db)

	_, err := s.Venue(context.Background(), "v1")
	require.ErrorIs(t, err, berr.ErrConfiguration)

	db.row = func(dest ...any) error {
		*(dest[0].(*string)) = "v1"
		*(dest[1].(*string)) = ""
		return nil
	}
	_, err = s.Venue(context.Background(), "v1")
	require.ErrorIs(t, err, berr.ErrConfiguration)

	db.row = func(dest ...any) error {
		*(dest[0].(*string)) = "v1"
		*(dest[1].(*string)) = "softrestaurant"
		return nil
	}
	v, err := s.Venue(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, cbus.Venue{ID: "v1", PosType: "softrestaurant"}, v)
}

func TestStore_GetNotFound(t *testing.T) {
	s := postgres.NewStore(&fakeDB{})

	_, err := s.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, berr.ErrCommandNotFound)
}
