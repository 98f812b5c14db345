package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// Store is a thread-safe in-memory command table, venue directory and notify channel.
// Enqueue and Requeue signal every active listener, mirroring the database trigger.
type Store struct {
	mu       sync.Mutex
	commands map[uuid.UUID]*cbus.Command
	venues   map[string]cbus.Venue
	subs     map[int]chan string
	nextSub  int
	now      func() time.Time
}

var (
	_ cbus.CommandStore         = (*Store)(nil)
	_ cbus.CommandWriter        = (*Store)(nil)
	_ cbus.VenueDirectory       = (*Store)(nil)
	_ cbus.CommandNotifications = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		commands: make(map[uuid.UUID]*cbus.Command),
		venues:   make(map[string]cbus.Venue),
		subs:     make(map[int]chan string),
		now:      time.Now,
	}
}

// SetClock overrides the store clock used for createdAt.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddVenue registers venue integration metadata.
func (s *Store) AddVenue(v cbus.Venue) {
	s.mu.Lock()
	s.venues[v.ID] = v
	s.mu.Unlock()
}

func (s *Store) Venue(_ context.Context, id string) (cbus.Venue, error) {
	s.mu.Lock()
	v, ok := s.venues[id]
	s.mu.Unlock()

	if !ok || v.PosType == "" {
		return cbus.Venue{}, fmt.Errorf("venue %s has no pos integration: %w", id, berr.ErrConfiguration)
	}

	return v, nil
}

// Enqueue stores a copy of cmd as PENDING and notifies listeners.
func (s *Store) Enqueue(_ context.Context, cmd *cbus.Command) error {
	if cmd == nil {
		return fmt.Errorf("enqueue nil command: %w", berr.ErrConfiguration)
	}

	s.mu.Lock()

	c := cloneCommand(cmd)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	c.Status = cbus.StatusPending
	s.commands[c.ID] = c
	cmd.ID, cmd.CreatedAt, cmd.Status = c.ID, c.CreatedAt, c.Status

	s.notifyLocked(c.ID.String())
	s.mu.Unlock()

	return nil
}

// Requeue resets a FAILED command to PENDING, keeping its attempt count.
func (s *Store) Requeue(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[id]
	if !ok {
		return fmt.Errorf("requeue %s: %w", id, berr.ErrCommandNotFound)
	}

	if err := cbus.ValidateTransition(c.Status, cbus.StatusPending); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}

	c.Status = cbus.StatusPending
	c.ErrorMessage = ""
	s.notifyLocked(id.String())

	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*cbus.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, berr.ErrCommandNotFound)
	}

	return cloneCommand(c), nil
}

func (s *Store) MarkProcessing(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[id]
	if !ok {
		return false, fmt.Errorf("mark processing %s: %w", id, berr.ErrCommandNotFound)
	}

	if c.Status != cbus.StatusPending {
		return false, nil
	}

	c.Status = cbus.StatusProcessing
	c.LastAttemptAt = &at

	return true, nil
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[id]
	if !ok {
		return fmt.Errorf("mark failed %s: %w", id, berr.ErrCommandNotFound)
	}

	if err := cbus.ValidateTransition(c.Status, cbus.StatusFailed); err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}

	c.Status = cbus.StatusFailed
	c.Attempts++
	c.ErrorMessage = errMsg
	c.LastAttemptAt = &at

	return nil
}

func (s *Store) ListPending(_ context.Context, after cbus.Cursor, limit int) ([]*cbus.Command, error) {
	s.mu.Lock()
	out := make([]*cbus.Command, 0)
	for _, c := range s.commands {
		if c.Status == cbus.StatusPending && after.After(c) {
			out = append(out, cloneCommand(c))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID.String() < out[j].ID.String()
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// Commands returns a snapshot of every stored command ordered by createdAt.
func (s *Store) Commands() []*cbus.Command {
	s.mu.Lock()
	out := make([]*cbus.Command, 0, len(s.commands))
	for _, c := range s.commands {
		out = append(out, cloneCommand(c))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

// Listen delivers notify payloads until ctx is done or DropListeners is called.
func (s *Store) Listen(ctx context.Context, ready func(), notify func(payload string)) error {
	ch := make(chan string, 256)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if cur, ok := s.subs[id]; ok && cur == ch {
			delete(s.subs, id)
		}
		s.mu.Unlock()
	}()

	if ready != nil {
		ready()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-ch:
			if !ok {
				return fmt.Errorf("listen %s: subscription dropped: %w", cbus.NotifyChannel, berr.ErrConnectivity)
			}

			if notify != nil {
				notify(p)
			}
		}
	}
}

// Notify sends payload to every listener, as a manual NOTIFY would.
func (s *Store) Notify(payload string) {
	s.mu.Lock()
	s.notifyLocked(payload)
	s.mu.Unlock()
}

// DropListeners ends every active Listen call with a connectivity error.
func (s *Store) DropListeners() {
	s.mu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()
}

// Listeners reports the number of active subscriptions.
func (s *Store) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subs)
}

func (s *Store) notifyLocked(payload string) {
	for _, ch := range s.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

func cloneCommand(c *cbus.Command) *cbus.Command {
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)

	if c.LastAttemptAt != nil {
		at := *c.LastAttemptAt
		cp.LastAttemptAt = &at
	}

	return &cp
}
