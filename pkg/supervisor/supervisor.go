// Package supervisor keeps one platform session alive. It dials, publishes
// the session, pumps inbound messages and reconnects with exponential
// backoff until its context is cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/circuitnotion/device-agent/pkg/cloud"
	"github.com/circuitnotion/device-agent/pkg/metrics"
)

// ErrAlreadyRunning is returned by a second concurrent Run
var ErrAlreadyRunning = errors.New("supervisor already running")

// State is the session state
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds reconnection settings (exponential backoff)
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // randomization factor, 0.25 = ±25%
	StableAfter  time.Duration
}

// DefaultConfig returns default reconnection settings
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
		StableAfter:  10 * time.Second,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	switch {
	case c.InitialDelay <= 0:
		return fmt.Errorf("initial delay %s must be positive", c.InitialDelay)
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("max delay %s is below initial delay %s", c.MaxDelay, c.InitialDelay)
	case c.Multiplier < 1:
		return fmt.Errorf("multiplier %v must be at least 1", c.Multiplier)
	case c.Jitter < 0 || c.Jitter >= 1:
		return fmt.Errorf("jitter %v must be in [0, 1)", c.Jitter)
	case c.StableAfter < 0:
		return fmt.Errorf("stable-after %s is negative", c.StableAfter)
	}
	return nil
}

// Option configures a Supervisor
type Option func(*Supervisor)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

type sessionRef struct {
	cloud.Session
}

// Supervisor owns the session lifecycle
type Supervisor struct {
	dialer  cloud.Dialer
	inbound chan<- []byte
	config  Config
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	state       atomic.Int32
	session     atomic.Pointer[sessionRef]
	running     atomic.Bool
	failures    atomic.Int64
	connectedAt atomic.Pointer[time.Time]

	mu       sync.Mutex
	onStatus func(connected bool)

	// sleep waits out a backoff delay; tests replace it
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a supervisor that forwards every inbound payload to inbound
func New(dialer cloud.Dialer, inbound chan<- []byte, config Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		dialer:  dialer,
		inbound: inbound,
		config:  config,
		logger:  zap.NewNop(),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sleep = s.wait
	return s
}

// SetStatusHandler sets the connection status callback; nil removes it
func (s *Supervisor) SetStatusHandler(fn func(connected bool)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// State returns the current session state
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Session returns the published session, or nil while not connected
func (s *Supervisor) Session() cloud.Session {
	ref := s.session.Load()
	if ref == nil {
		return nil
	}
	return ref.Session
}

// Failures returns the number of consecutive failed attempts
func (s *Supervisor) Failures() int64 {
	return s.failures.Load()
}

// ConnectedSince returns when the current session was established
func (s *Supervisor) ConnectedSince() (time.Time, bool) {
	at := s.connectedAt.Load()
	if at == nil {
		return time.Time{}, false
	}
	return *at, true
}

func (s *Supervisor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialDelay
	b.MaxInterval = s.config.MaxDelay
	b.Multiplier = s.config.Multiplier
	b.RandomizationFactor = s.config.Jitter
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()
	return &monotonicBackOff{b: b, max: s.config.MaxDelay}
}

// monotonicBackOff keeps the jittered delays of b between the previous delay
// and max, so the wait never shrinks and never passes the cap
type monotonicBackOff struct {
	b    backoff.BackOff
	max  time.Duration
	prev time.Duration
}

func (m *monotonicBackOff) NextBackOff() time.Duration {
	d := m.b.NextBackOff()
	if d < m.prev {
		d = m.prev
	}
	if d > m.max {
		d = m.max
	}
	m.prev = d
	return d
}

func (m *monotonicBackOff) Reset() {
	m.b.Reset()
	m.prev = 0
}

// Run dials and redials until ctx is cancelled. It returns nil on
// cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	b := s.newBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.setState(Connecting)
		s.metrics.ConnectAttempt()
		s.logger.Info("Connecting to platform", zap.Int64("attempt", s.failures.Load()+1))

		sess, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(Disconnected)
				return nil
			}
			failures := s.failures.Add(1)
			s.metrics.ConnectFailed()
			delay := b.NextBackOff()
			s.logger.Warn("Failed to connect to platform",
				zap.Error(err), zap.Int64("failures", failures), zap.Duration("retry_in", delay))
			s.enterDisconnected()

			if err := s.sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		s.failures.Store(0)
		start := s.clock.Now()
		s.publish(sess)

		err = s.receive(ctx, sess)

		s.setState(Closing)
		s.session.Store(nil)
		s.connectedAt.Store(nil)
		sess.Close()
		s.enterDisconnected()

		if ctx.Err() != nil {
			s.logger.Info("Disconnected from platform", zap.String("session", sess.ID()))
			return nil
		}

		if s.clock.Since(start) >= s.config.StableAfter {
			b.Reset()
		}
		delay := b.NextBackOff()
		s.logger.Warn("Lost platform session, reconnecting",
			zap.String("session", sess.ID()), zap.Error(err), zap.Duration("retry_in", delay))

		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// publish makes sess visible before the state flips to Connected
func (s *Supervisor) publish(sess cloud.Session) {
	s.session.Store(&sessionRef{Session: sess})
	now := s.clock.Now()
	s.connectedAt.Store(&now)
	s.setState(Connected)
	s.metrics.SetConnected(true)
	s.logger.Info("Connected to platform", zap.String("session", sess.ID()))
	s.notify(true)
}

func (s *Supervisor) enterDisconnected() {
	s.setState(Disconnected)
	s.metrics.SetConnected(false)
	s.notify(false)
}

func (s *Supervisor) receive(ctx context.Context, sess cloud.Session) error {
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	for {
		data, err := sess.Receive(ctx)
		if err != nil {
			return err
		}
		select {
		case s.inbound <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("Session state", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

func (s *Supervisor) notify(connected bool) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(connected)
	}
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
