package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rafaelmp2/chatlink/internal/bus"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while the connection is not
// established. Callers buffer; the supervisor never does.
var ErrNotConnected = errors.New("transport: not connected")

// ErrRetriesExhausted is surfaced when the consecutive-failure cap is
// reached. The supervisor stays disconnected until Connect is invoked
// again; it does not retry forever silently.
var ErrRetriesExhausted = errors.New("transport: reconnect attempts exhausted")

// State is the connection state owned exclusively by the supervisor.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateBackoff      State = "BACKOFF"
)

// StateChange is the payload of conn.state bus events.
type StateChange struct {
	From State
	To   State
	// Attempt is the consecutive-failure count when To is BACKOFF.
	Attempt int
	// ConnID identifies the physical connection when To is CONNECTED.
	ConnID string
	Err    error
}

// Conn is the narrow websocket surface the supervisor needs.
// *websocket.Conn satisfies it, and tests inject fakes.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes a physical connection.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// Clock abstracts timers so tests can drive backoff virtually.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func defaultDialer(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config tunes the supervisor.
type Config struct {
	Endpoint       string
	ConnectTimeout time.Duration
	// BackoffBase scales linearly with the consecutive-failure count:
	// the nth failure waits base*n.
	BackoffBase  time.Duration
	MaxAttempts  int
	PingInterval time.Duration
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option { return func(s *Supervisor) { s.dial = d } }

// WithClock replaces the timer source.
func WithClock(c Clock) Option { return func(s *Supervisor) { s.clock = c } }

// Supervisor owns the one physical connection: it dials, detects
// liveness loss, backs off linearly between attempts and feeds inbound
// frames to the registered handler. All other components observe
// ConnectionState through conn.* bus events.
type Supervisor struct {
	cfg     Config
	bus     *bus.Bus
	logger  *zap.Logger
	dial    Dialer
	clock   Clock
	handler func(frame []byte)

	mu      sync.Mutex
	state   State
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSupervisor creates a supervisor in the Disconnected state.
func NewSupervisor(cfg Config, b *bus.Bus, logger *zap.Logger, opts ...Option) *Supervisor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		dial:   defaultDialer,
		clock:  realClock{},
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFrameHandler registers the inbound frame sink. Must be called
// before Connect.
func (s *Supervisor) SetFrameHandler(h func(frame []byte)) {
	s.handler = h
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the supervision loop. Calling Connect while a loop is
// already running is a no-op; calling it after exhaustion or Disconnect
// starts a fresh loop with a zeroed failure counter.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx)
}

// Disconnect cancels any in-flight dial and pending backoff timer and
// closes the connection. Idempotent. Queued PendingSends are untouched;
// they belong to the outbound queue.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Send writes one frame. Fails fast with ErrNotConnected while the
// supervisor is connecting, backing off or disconnected.
func (s *Supervisor) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	if s.state != StateConnected || conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	fails := 0
	for {
		s.setState(StateConnecting, StateChange{Attempt: fails})

		dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, err := s.dial(dctx, s.cfg.Endpoint)
		cancel()

		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
			}
			s.setState(StateDisconnected, StateChange{})
			return
		}

		if err == nil {
			connID := uuid.NewString()
			fails = 0

			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.setState(StateConnected, StateChange{ConnID: connID})
			s.logger.Info("connected", zap.String("conn_id", connID))

			err = s.pump(ctx, conn)

			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()

			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				s.setState(StateDisconnected, StateChange{})
				return
			}
			_ = conn.Close(websocket.StatusGoingAway, "connection lost")
			s.logger.Warn("connection lost", zap.String("conn_id", connID), zap.Error(err))
		} else {
			s.logger.Warn("connect failed", zap.Error(err))
		}

		fails++
		if fails >= s.cfg.MaxAttempts {
			s.setState(StateDisconnected, StateChange{Attempt: fails, Err: ErrRetriesExhausted})
			s.bus.Publish(bus.Event{
				Kind:      bus.KindConnExhausted,
				Timestamp: s.clock.Now(),
				Payload:   ErrRetriesExhausted,
			})
			s.logger.Error("reconnect attempts exhausted", zap.Int("attempts", fails))
			return
		}

		s.setState(StateBackoff, StateChange{Attempt: fails})
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected, StateChange{})
			return
		case <-s.clock.After(s.cfg.BackoffBase * time.Duration(fails)):
		}
	}
}

// pump reads frames until the connection dies. A ping loop runs
// alongside it; a failed ping closes the connection, which unblocks the
// reader.
func (s *Supervisor) pump(ctx context.Context, conn Conn) error {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-pctx.Done():
				return
			case <-s.clock.After(s.cfg.PingInterval):
			}
			pingCtx, pingCancel := context.WithTimeout(pctx, s.cfg.ConnectTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if pctx.Err() == nil {
					s.logger.Warn("liveness ping failed", zap.Error(err))
					_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if s.handler != nil {
			s.handler(data)
		}
	}
}

func (s *Supervisor) setState(to State, change StateChange) {
	s.mu.Lock()
	change.From = s.state
	change.To = to
	s.state = to
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:      bus.KindConnState,
		Timestamp: s.clock.Now(),
		Payload:   change,
	})
}
