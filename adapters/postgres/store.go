package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// DBTX is the query surface shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const commandColumns = `id, venue_id, entity_type, command_type, payload::text, status,
	attempts, error_message, last_attempt_at, created_at`

const (
	insertCommandSQL = `INSERT INTO pos_commands
	(id, venue_id, entity_type, command_type, payload, status, attempts, created_at)
	VALUES ($1, $2, $3, $4, $5::text::json, 'PENDING', $6, $7)`

	getCommandSQL = `SELECT ` + commandColumns + ` FROM pos_commands WHERE id = $1`

	statusSQL = `SELECT status FROM pos_commands WHERE id = $1`

	markProcessingSQL = `UPDATE pos_commands
	SET status = 'PROCESSING', last_attempt_at = $2
	WHERE id = $1 AND status = 'PENDING'`

	markFailedSQL = `UPDATE pos_commands
	SET status = 'FAILED', attempts = attempts + 1, error_message = $2, last_attempt_at = $3
	WHERE id = $1 AND status = 'PROCESSING'`

	requeueSQL = `UPDATE pos_commands
	SET status = 'PENDING', error_message = NULL
	WHERE id = $1 AND status = 'FAILED'`

	listPendingSQL = `SELECT ` + commandColumns + ` FROM pos_commands
	WHERE status = 'PENDING'
	ORDER BY created_at, id
	LIMIT $1`

	listPendingAfterSQL = `SELECT ` + commandColumns + ` FROM pos_commands
	WHERE status = 'PENDING' AND (created_at, id) > ($2, $3)
	ORDER BY created_at, id
	LIMIT $1`

	venueSQL = `SELECT id, COALESCE(pos_type, '') FROM venues WHERE id = $1`

	upsertVenueSQL = `INSERT INTO venues (id, pos_type) VALUES ($1, NULLIF($2, ''))
	ON CONFLICT (id) DO UPDATE SET pos_type = EXCLUDED.pos_type`
)

const uniqueViolation = "23505"

// Store is the pgx implementation of the command table and venue lookup.
type Store struct {
	db     DBTX
	now    func() time.Time
	logger *zap.Logger
}

var (
	_ cbus.CommandStore   = (*Store)(nil)
	_ cbus.CommandWriter  = (*Store)(nil)
	_ cbus.VenueDirectory = (*Store)(nil)
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStoreClock overrides the clock used for created_at.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore wraps db, usually a *pgxpool.Pool.
func NewStore(db DBTX, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		now:    time.Now,
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}

	s.logger = s.logger.Named("postgres")

	return s
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w: %w", berr.ErrConfiguration, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w: %w", berr.ErrConnectivity, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w: %w", berr.ErrConnectivity, err)
	}

	return pool, nil
}

// Enqueue inserts cmd as PENDING. The notify trigger wakes the relay.
func (s *Store) Enqueue(ctx context.Context, cmd *cbus.Command) error {
	return s.insert(ctx, s.db, cmd)
}

// EnqueueTx inserts cmd inside tx; the relay is only notified once tx commits.
func (s *Store) EnqueueTx(ctx context.Context, tx pgx.Tx, cmd *cbus.Command) error {
	return s.insert(ctx, tx, cmd)
}

func (s *Store) insert(ctx context.Context, db DBTX, cmd *cbus.Command) error {
	if cmd == nil {
		return fmt.Errorf("enqueue nil command: %w", berr.ErrConfiguration)
	}

	payload := cmd.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	if !json.Valid(payload) {
		return fmt.Errorf("enqueue %s: payload is not JSON: %w", cmd.ID, berr.ErrSerializationFailed)
	}

	id := cmd.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	// Postgres keeps microseconds; truncating keeps sweep cursors exact.
	createdAt := cmd.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	createdAt = createdAt.UTC().Truncate(time.Microsecond)

	_, err := db.Exec(ctx, insertCommandSQL,
		id, cmd.VenueID, cmd.EntityType, cmd.CommandType, string(payload), cmd.Attempts, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("enqueue %s: duplicate command id: %w", id, berr.ErrInvalidTransition)
		}

		return fmt.Errorf("enqueue %s: %w: %w", id, berr.ErrConnectivity, err)
	}

	cmd.ID, cmd.CreatedAt, cmd.Status, cmd.Payload = id, createdAt, cbus.StatusPending, payload

	s.logger.Debug("command enqueued",
		zap.String("command_id", id.String()),
		zap.String("venue_id", cmd.VenueID),
	)

	return nil
}

// Requeue moves a FAILED command back to PENDING; the trigger notifies the relay.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, requeueSQL, id)
	if err != nil {
		return fmt.Errorf("requeue %s: %w: %w", id, berr.ErrConnectivity, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	return s.transitionError(ctx, "requeue", id, cbus.StatusPending)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*cbus.Command, error) {
	cmd, err := scanCommand(s.db.QueryRow(ctx, getCommandSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", id, berr.ErrCommandNotFound)
		}

		return nil, fmt.Errorf("get %s: %w: %w", id, berr.ErrConnectivity, err)
	}

	return cmd, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, markProcessingSQL, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w: %w", id, berr.ErrConnectivity, err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	tag, err := s.db.Exec(ctx, markFailedSQL, id, errMsg, at.UTC())
	if err != nil {
		return fmt.Errorf("mark failed %s: %w: %w", id, berr.ErrConnectivity, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	return s.transitionError(ctx, "mark failed", id, cbus.StatusFailed)
}

func (s *Store) ListPending(ctx context.Context, after cbus.Cursor, limit int) ([]*cbus.Command, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		rows pgx.Rows
		err  error
	)

	if after.IsZero() {
		rows, err = s.db.Query(ctx, listPendingSQL, limit)
	} else {
		rows, err = s.db.Query(ctx, listPendingAfterSQL, limit, after.CreatedAt.UTC(), after.ID)
	}

	if err != nil {
		return nil, fmt.Errorf("list pending: %w: %w", berr.ErrConnectivity, err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*cbus.Command, error) {
		return scanCommand(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w: %w", berr.ErrConnectivity, err)
	}

	return out, nil
}

func (s *Store) Venue(ctx context.Context, id string) (cbus.Venue, error) {
	var v cbus.Venue

	err := s.db.QueryRow(ctx, venueSQL, id).Scan(&v.ID, &v.PosType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cbus.Venue{}, fmt.Errorf("venue %s not found: %w", id, berr.ErrConfiguration)
		}

		return cbus.Venue{}, fmt.Errorf("venue %s: %w: %w", id, berr.ErrConnectivity, err)
	}

	if v.PosType == "" {
		return cbus.Venue{}, fmt.Errorf("venue %s has no pos integration: %w", id, berr.ErrConfiguration)
	}

	return v, nil
}

// UpsertVenue records venue integration metadata. An empty PosType clears it.
func (s *Store) UpsertVenue(ctx context.Context, v cbus.Venue) error {
	if v.ID == "" {
		return fmt.Errorf("upsert venue: id required: %w", berr.ErrConfiguration)
	}

	if _, err := s.db.Exec(ctx, upsertVenueSQL, v.ID, v.PosType); err != nil {
		return fmt.Errorf("upsert venue %s: %w: %w", v.ID, berr.ErrConnectivity, err)
	}

	return nil
}

// transitionError explains why a conditional update touched no row.
func (s *Store) transitionError(ctx context.Context, op string, id uuid.UUID, to cbus.CommandStatus) error {
	var status string

	err := s.db.QueryRow(ctx, statusSQL, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", op, id, berr.ErrCommandNotFound)
		}

		return fmt.Errorf("%s %s: %w: %w", op, id, berr.ErrConnectivity, err)
	}

	if err := cbus.ValidateTransition(cbus.CommandStatus(status), to); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}

	return fmt.Errorf("%s %s: status changed concurrently: %w", op, id, berr.ErrInvalidTransition)
}

func scanCommand(row pgx.Row) (*cbus.Command, error) {
	var (
		c       cbus.Command
		payload string
		status  string
		errMsg  *string
	)

	if err := row.Scan(
		&c.ID, &c.VenueID, &c.EntityType, &c.CommandType, &payload, &status,
		&c.Attempts, &errMsg, &c.LastAttemptAt, &c.CreatedAt,
	); err != nil {
		return nil, err
	}

	c.Payload = json.RawMessage(payload)
	c.Status = cbus.CommandStatus(status)

	if errMsg != nil {
		c.ErrorMessage = *errMsg
	}

	return &c, nil
}
