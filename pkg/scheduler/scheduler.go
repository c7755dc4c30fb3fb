// Package scheduler polls registered sensors, each on its own timer, and
// emits their readings onto a channel.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/circuitnotion/device-agent/pkg/metrics"
	"github.com/circuitnotion/device-agent/pkg/registry"
)

// Event is one reading ready to be published
type Event struct {
	Kind     registry.Kind
	DeviceID string
	Location string
	Reading  registry.Reading
	At       time.Time
}

// ReadFailure wraps an error returned by a sensor read function
type ReadFailure struct {
	Key registry.Key
	Err error
}

func (e *ReadFailure) Error() string {
	return fmt.Sprintf("read %s: %v", e.Key, e.Err)
}

func (e *ReadFailure) Unwrap() error {
	return e.Err
}

// Option configures a Scheduler
type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type task struct {
	sensor *registry.Sensor
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs one timer task per sensor while started
type Scheduler struct {
	out     chan<- Event
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	mu      sync.Mutex
	ctx     context.Context // nil while stopped
	sensors map[registry.Key]*registry.Sensor
	tasks   map[registry.Key]*task
}

// New creates a scheduler emitting onto out. Sends to out never block; a
// full channel drops the reading.
func New(out chan<- Event, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:     out,
		logger:  zap.NewNop(),
		clock:   clock.New(),
		sensors: make(map[registry.Key]*registry.Sensor),
		tasks:   make(map[registry.Key]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add schedules a sensor. A sensor with the same key is replaced and its
// timer restarted.
func (s *Scheduler) Add(sensor *registry.Sensor) {
	key := sensor.Key()

	s.mu.Lock()
	prev := s.tasks[key]
	delete(s.tasks, key)
	s.sensors[key] = sensor
	if s.ctx != nil {
		s.tasks[key] = s.spawn(s.ctx, sensor)
	}
	s.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
}

// Remove unschedules a sensor and waits for its task to exit
func (s *Scheduler) Remove(key registry.Key) {
	s.mu.Lock()
	t := s.tasks[key]
	delete(s.tasks, key)
	delete(s.sensors, key)
	s.mu.Unlock()

	if t != nil {
		t.stop()
	}
}

// RemoveAll unschedules every sensor
func (s *Scheduler) RemoveAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[registry.Key]*task)
	s.sensors = make(map[registry.Key]*registry.Sensor)
	s.mu.Unlock()

	stopAll(tasks)
}

// Start launches a task for every scheduled sensor. Tasks end when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx = ctx
	for key, sensor := range s.sensors {
		s.tasks[key] = s.spawn(ctx, sensor)
	}
	s.logger.Info("Scheduler started", zap.Int("sensors", len(s.sensors)))
}

// Stop ends every task and waits for them. Sensors stay scheduled for the
// next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.ctx = nil
	tasks := s.tasks
	s.tasks = make(map[registry.Key]*task)
	s.mu.Unlock()

	stopAll(tasks)
}

// Active returns the number of running timer tasks
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func stopAll(tasks map[registry.Key]*task) {
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

func (t *task) stop() {
	t.cancel()
	<-t.done
}

// spawn creates the ticker before returning so simulated time advanced right
// after Add or Start is observed by the task
func (s *Scheduler) spawn(parent context.Context, sensor *registry.Sensor) *task {
	ctx, cancel := context.WithCancel(parent)
	t := &task{sensor: sensor, cancel: cancel, done: make(chan struct{})}
	ticker := s.clock.Ticker(sensor.Interval)

	go func() {
		defer close(t.done)
		defer ticker.Stop()
		s.poll(ctx, sensor, ticker)
	}()
	return t
}

func (s *Scheduler) poll(ctx context.Context, sensor *registry.Sensor, ticker *clock.Ticker) {
	key := sensor.Key()
	logger := s.logger.With(zap.Stringer("sensor", key))
	last := math.NaN()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !sensor.Enabled() {
			continue
		}

		reading, err := s.read(ctx, sensor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.metrics.ReadFailed()
			logger.Warn("Sensor read failed", zap.Error(&ReadFailure{Key: key, Err: err}))
			continue
		}

		if sensor.ChangeThreshold > 0 && !math.IsNaN(last) && math.Abs(reading.Value-last) < sensor.ChangeThreshold {
			s.metrics.ReadingUnchanged()
			continue
		}
		last = reading.Value

		ev := Event{
			Kind:     sensor.Kind,
			DeviceID: sensor.DeviceID,
			Location: sensor.Location,
			Reading:  reading,
			At:       s.clock.Now(),
		}
		select {
		case s.out <- ev:
		default:
			s.metrics.ReadingDropped(metrics.DropQueueFull)
			logger.Debug("Reading queue full, dropping reading")
		}
	}
}

// read calls the sensor read function, turning a panic into an error
func (s *Scheduler) read(ctx context.Context, sensor *registry.Sensor) (r registry.Reading, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("read function panicked: %v", p)
		}
	}()
	return sensor.Read(ctx)
}
