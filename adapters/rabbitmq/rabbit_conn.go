package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// DefaultReconnectDelay is the fixed pause between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// State is the connection state of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Backoff returns the delay before reconnect attempt n (0-based).
type Backoff func(attempt int) time.Duration

// ConstantBackoff waits d before every attempt.
func ConstantBackoff(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles from base up to maxDelay and adds up to 25% jitter.
func ExponentialBackoff(base, maxDelay time.Duration) Backoff {
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	var mu sync.Mutex

	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt && d < maxDelay; i++ {
			d *= 2
		}

		if d > maxDelay {
			d = maxDelay
		}

		if q := int64(d / 4); q > 0 {
			mu.Lock()
			d += time.Duration(rng.Int63n(q))
			mu.Unlock()
		}

		if d > maxDelay {
			d = maxDelay
		}

		return d
	}
}

// Session is one live channel. Done is closed when the session is torn down; after
// that the channel must not be used.
type Session struct {
	Channel  Channel
	Confirms <-chan amqp.Confirmation

	done chan struct{}
	once sync.Once
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) end() { s.once.Do(func() { close(s.done) }) }

// Manager owns the single broker connection and channel. Connect declares the topology;
// Run keeps the manager connected until its context ends.
type Manager struct {
	dial     Dialer
	topology Topology
	backoff  Backoff
	logger   *zap.Logger

	connectMu sync.Mutex

	mu     sync.RWMutex
	state  State
	conn   Connection
	sess   *Session
	ready  chan struct{} // closed while connected, replaced on disconnect
	hooks  []func(context.Context)
	closed chan struct{}

	blocked atomic.Bool
	paused  atomic.Bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTopology overrides the declared names. Empty fields keep their defaults.
func WithTopology(t Topology) ManagerOption {
	return func(m *Manager) { m.topology = t.withDefaults() }
}

// WithBackoff sets the reconnect delay policy.
func WithBackoff(b Backoff) ManagerOption {
	return func(m *Manager) {
		if b != nil {
			m.backoff = b
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager builds a disconnected manager.
func NewManager(dial Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:     dial,
		topology: DefaultTopology(),
		backoff:  ConstantBackoff(DefaultReconnectDelay),
		logger:   zap.NewNop(),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}

	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}

	m.logger = m.logger.Named("rabbitmq")

	return m
}

// Topology returns the declared names.
func (m *Manager) Topology() Topology { return m.topology }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// Connected reports whether a session is live.
func (m *Manager) Connected() bool { return m.State() == StateConnected }

// Blocked reports whether the broker asked publishers to hold off, either through a
// connection.blocked notification or channel flow control.
func (m *Manager) Blocked() bool { return m.blocked.Load() || m.paused.Load() }

// OnConnected registers fn to run after every successful connect, in registration order.
func (m *Manager) OnConnected(fn func(context.Context)) {
	if fn == nil {
		return
	}

	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Session returns the live session or ErrNotConnected.
func (m *Manager) Session() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.sess == nil {
		return nil, fmt.Errorf("rabbitmq session (%s): %w", m.state, berr.ErrNotConnected)
	}

	return m.sess, nil
}

// Channel returns the live channel or ErrNotConnected.
func (m *Manager) Channel() (Channel, error) {
	s, err := m.Session()
	if err != nil {
		return nil, err
	}

	return s.Channel, nil
}

// WaitConnected blocks until a session is live, ctx is done or the manager is closed.
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.RLock()
	ready := m.ready
	m.mu.RUnlock()

	select {
	case <-m.closed:
		return fmt.Errorf("rabbitmq manager closed: %w", berr.ErrNotConnected)
	default:
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return fmt.Errorf("rabbitmq manager closed: %w", berr.ErrNotConnected)
	}
}

// Connect dials, opens the channel, declares the topology and enables confirms.
// It is a no-op while connected. Concurrent calls are serialized.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	select {
	case <-m.closed:
		return fmt.Errorf("rabbitmq connect: manager closed: %w", berr.ErrNotConnected)
	default:
	}

	if m.Connected() {
		return nil
	}

	m.setState(StateConnecting)

	conn, sess, err := m.open(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.sess = sess
	m.state = StateConnected
	close(m.ready)
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	m.logger.Info("broker connected; topology declared",
		zap.String("events_exchange", m.topology.EventsExchange),
		zap.String("commands_exchange", m.topology.CommandsExchange),
		zap.String("events_queue", m.topology.EventsQueue),
	)

	for _, h := range hooks {
		h(ctx)
	}

	return nil
}

func (m *Manager) open(ctx context.Context) (Connection, *Session, error) {
	if m.dial == nil {
		return nil, nil, fmt.Errorf("no dialer: %w", berr.ErrConfiguration)
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w: %w", berr.ErrConnectivity, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w: %w", berr.ErrConnectivity, err)
	}

	teardown := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	if err := m.topology.Declare(ch); err != nil {
		teardown()
		return nil, nil, err
	}

	if err := ch.Confirm(false); err != nil {
		teardown()
		return nil, nil, fmt.Errorf("enable confirms: %w: %w", berr.ErrConnectivity, err)
	}

	sess := &Session{
		Channel:  ch,
		Confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		done:     make(chan struct{}),
	}

	m.blocked.Store(false)
	m.paused.Store(false)

	go m.watch(sess,
		ch.NotifyClose(make(chan *amqp.Error, 1)),
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		conn.NotifyBlocked(make(chan amqp.Blocking, 1)),
		ch.NotifyFlow(make(chan bool, 1)),
	)

	return conn, sess, nil
}

// watch ends sess on the first close notification and tracks flow control meanwhile.
// Blocked and flow channels must be drained or the client library stalls.
func (m *Manager) watch(
	sess *Session,
	chClose, connClose <-chan *amqp.Error,
	blocked <-chan amqp.Blocking,
	flow <-chan bool,
) {
	for {
		select {
		case <-sess.done:
			return
		case e, ok := <-chClose:
			m.drop(sess, closeCause("channel", e, ok))
			return
		case e, ok := <-connClose:
			m.drop(sess, closeCause("connection", e, ok))
			return
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}

			m.blocked.Store(b.Active)
			m.logger.Warn("broker connection blocked state changed", zap.Bool("blocked", b.Active), zap.String("reason", b.Reason))
		case active, ok := <-flow:
			if !ok {
				flow = nil
				continue
			}

			m.paused.Store(!active)
			m.logger.Warn("broker channel flow changed", zap.Bool("active", active))
		}
	}
}

func closeCause(what string, e *amqp.Error, ok bool) error {
	if !ok || e == nil {
		return fmt.Errorf("%s closed: %w", what, berr.ErrConnectivity)
	}

	return fmt.Errorf("%s closed: %w: %w", what, berr.ErrConnectivity, e)
}

// Invalidate tears down sess if it is still current. Publishers call it when the
// confirm stream can no longer be trusted.
func (m *Manager) Invalidate(sess *Session, cause error) {
	m.drop(sess, cause)
}

func (m *Manager) drop(sess *Session, cause error) {
	m.mu.Lock()
	if sess == nil || m.sess != sess {
		m.mu.Unlock()
		return
	}

	conn := m.conn
	m.sess = nil
	m.conn = nil
	m.state = StateDisconnected
	m.ready = make(chan struct{})
	m.mu.Unlock()

	sess.end()
	m.blocked.Store(false)
	m.paused.Store(false)

	_ = sess.Channel.Close()
	if conn != nil {
		_ = conn.Close()
	}

	m.logger.Warn("broker session ended", zap.Error(cause))
}

// Run connects and reconnects until ctx is done or Close is called. Each attempt after a
// failure or a lost session waits for the backoff delay first.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0

	for {
		err := m.Connect(ctx)
		if err == nil {
			attempt = 0

			sess, serr := m.Session()
			if serr == nil {
				select {
				case <-ctx.Done():
					return m.Close()
				case <-m.closed:
					return nil
				case <-sess.Done():
				}
			}
		} else {
			select {
			case <-m.closed:
				return nil
			default:
			}

			if ctx.Err() != nil {
				return m.Close()
			}
		}

		delay := m.backoff(attempt)
		attempt++

		m.logger.Warn("broker reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", attempt), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return m.Close()
		case <-m.closed:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Close releases the channel and then the connection. It is idempotent; a closed
// manager never reconnects.
func (m *Manager) Close() error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		return nil
	default:
		close(m.closed)
	}

	sess, conn := m.sess, m.conn
	m.sess = nil
	m.conn = nil
	m.state = StateDisconnected
	m.ready = make(chan struct{})
	m.mu.Unlock()

	var errs []error

	if sess != nil {
		sess.end()

		if err := sess.Channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	m.logger.Info("broker connection closed")

	return errors.Join(errs...)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
