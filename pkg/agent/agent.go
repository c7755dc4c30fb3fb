// Package agent is the entry point of the device agent library. An Agent
// holds the device mappings and sensors of one microcontroller, keeps a
// session to the platform alive, publishes sensor readings and applies
// device control commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/circuitnotion/device-agent/internal/logging"
	"github.com/circuitnotion/device-agent/pkg/actuator"
	"github.com/circuitnotion/device-agent/pkg/cloud"
	"github.com/circuitnotion/device-agent/pkg/metrics"
	"github.com/circuitnotion/device-agent/pkg/protocol"
	"github.com/circuitnotion/device-agent/pkg/registry"
	"github.com/circuitnotion/device-agent/pkg/router"
	"github.com/circuitnotion/device-agent/pkg/scheduler"
	"github.com/circuitnotion/device-agent/pkg/supervisor"
)

// Version is the agent library version
const Version = "1.0.0"

// ErrRunning is returned by Begin and Run while Run is active
var ErrRunning = errors.New("agent is running")

// StateStore keeps the last commanded state of each device
type StateStore interface {
	LastState(deviceID string) (state string, ok bool, err error)
	SaveState(deviceID, state string) error
}

// Option configures an Agent
type Option func(*Agent)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) { a.baseLogger = logger }
}

func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithDialer overrides the transport chosen from Config
func WithDialer(d cloud.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

func WithActuatorDriver(d actuator.Driver) Option {
	return func(a *Agent) { a.driver = d }
}

func WithStateStore(s StateStore) Option {
	return func(a *Agent) { a.store = s }
}

// WithQueueSize sets the capacity of the readings and inbound queues
func WithQueueSize(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// Agent connects one microcontroller to the platform
type Agent struct {
	baseLogger *zap.Logger
	logger     *zap.Logger
	sink       logging.Sink
	clock      clock.Clock
	metrics    *metrics.Metrics
	dialer     cloud.Dialer
	driver     actuator.Driver
	store      StateStore
	queueSize  int

	registry  *registry.Registry
	actuators *actuator.Controller
	scheduler *scheduler.Scheduler
	readings  chan scheduler.Event
	inbound   chan []byte
	sup       atomic.Pointer[supervisor.Supervisor]

	sensorsMu sync.Mutex // keeps registry and scheduler in step

	mu              sync.Mutex
	config          *Config
	running         bool
	onDeviceControl func(deviceID, state string)
	onConnection    func(connected bool)
}

// New creates an agent. Call Begin before Run.
func New(opts ...Option) *Agent {
	a := &Agent{
		baseLogger: zap.NewNop(),
		clock:      clock.New(),
		metrics:    metrics.New(),
		queueSize:  64,
		registry:   registry.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.logger = a.sink.Attach(a.baseLogger, zap.InfoLevel)
	a.actuators = actuator.NewController(a.driver, a.logger.Named("actuator"))
	a.readings = make(chan scheduler.Event, a.queueSize)
	a.inbound = make(chan []byte, a.queueSize)
	a.scheduler = scheduler.New(a.readings,
		scheduler.WithLogger(a.logger.Named("scheduler")),
		scheduler.WithClock(a.clock),
		scheduler.WithMetrics(a.metrics),
	)
	return a
}

// Begin validates and stores the configuration
func (a *Agent) Begin(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if config.Transport == "" {
		config.Transport = TransportWebSocket
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrRunning
	}
	a.config = &config

	a.logger.Info("CircuitNotion configured",
		zap.String("client", config.Endpoint.ClientName),
		zap.String("host", config.Endpoint.Address()),
		zap.String("transport", string(config.Transport)))
	return nil
}

// Run connects, starts polling sensors and blocks until ctx is cancelled.
// All timers are stopped and the session is closed before it returns.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.config == nil {
		a.mu.Unlock()
		return &ConfigError{Field: "config", Reason: "Begin was not called"}
	}
	if a.running {
		a.mu.Unlock()
		return ErrRunning
	}
	a.running = true
	cfg := *a.config
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	sup := supervisor.New(a.newDialer(cfg), a.inbound, cfg.Reconnect,
		supervisor.WithLogger(a.logger.Named("supervisor")),
		supervisor.WithClock(a.clock),
		supervisor.WithMetrics(a.metrics),
	)
	sup.SetStatusHandler(a.connectionChanged)
	a.sup.Store(sup)

	rt := router.New(sup, cfg.Endpoint.ClientName, a.handleCommand,
		router.WithLogger(a.logger.Named("router")),
		router.WithMetrics(a.metrics),
	)

	var ping <-chan time.Time
	if cfg.PingInterval > 0 {
		t := a.clock.Ticker(cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	a.logger.Info("Connecting to CircuitNotion server",
		zap.String("transport", string(cfg.Transport)),
		zap.String("host", cfg.Endpoint.Address()))

	g, gctx := errgroup.WithContext(ctx)
	a.scheduler.Start(gctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return a.coordinate(gctx, rt, ping)
	})

	err := g.Wait()
	a.scheduler.Stop()
	a.drain()
	a.logger.Info("Disconnected from CircuitNotion server")
	return err
}

func (a *Agent) newDialer(cfg Config) cloud.Dialer {
	if a.dialer != nil {
		return a.dialer
	}
	logger := a.logger.Named("cloud")
	if cfg.Transport == TransportMQTT {
		return cloud.NewMQTTDialer(cfg.Endpoint, cfg.MQTT, logger)
	}
	return cloud.NewWebSocketDialer(cfg.Endpoint, cfg.WebSocket, logger)
}

// coordinate is the only goroutine that talks to the session
func (a *Agent) coordinate(ctx context.Context, rt *router.Router, ping <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-a.readings:
			err := rt.Publish(ctx, ev)
			if err != nil && !errors.Is(err, router.ErrNotConnected) {
				a.logger.Warn("Failed to send reading", zap.String("device", ev.DeviceID), zap.Error(err))
			}

		case data := <-a.inbound:
			_ = rt.Dispatch(ctx, data)

		case <-ping:
			err := rt.Ping(ctx)
			if err != nil && !errors.Is(err, router.ErrNotConnected) {
				a.logger.Warn("Failed to send ping", zap.Error(err))
			}
		}
	}
}

// drain discards readings and messages left from a finished run
func (a *Agent) drain() {
	for {
		select {
		case <-a.readings:
		case <-a.inbound:
		default:
			return
		}
	}
}

func (a *Agent) connectionChanged(connected bool) {
	a.mu.Lock()
	fn := a.onConnection
	a.mu.Unlock()
	if fn != nil {
		fn(connected)
	}
}

func (a *Agent) handleCommand(_ context.Context, cmd protocol.Command) {
	if m, ok := a.registry.Mapping(cmd.DeviceID); ok {
		if err := a.actuators.Apply(m, cmd.State); err != nil {
			a.logger.Warn("Failed to control device", zap.String("device", cmd.DeviceID), zap.Error(err))
		} else if a.store != nil {
			if err := a.store.SaveState(cmd.DeviceID, cmd.State); err != nil {
				a.logger.Warn("Failed to save device state", zap.String("device", cmd.DeviceID), zap.Error(err))
			}
		}
	}

	a.mu.Lock()
	fn := a.onDeviceControl
	a.mu.Unlock()
	if fn != nil {
		fn(cmd.DeviceID, cmd.State)
	}
	a.logger.Info(fmt.Sprintf("Device control: %s -> %s", cmd.DeviceID, cmd.State))
}

// =============================================================================
// Handlers
// =============================================================================

// OnDeviceControl sets the device control handler; nil removes it
func (a *Agent) OnDeviceControl(fn func(deviceID, state string)) {
	a.mu.Lock()
	a.onDeviceControl = fn
	a.mu.Unlock()
}

// OnConnection sets the connection status handler; nil removes it
func (a *Agent) OnConnection(fn func(connected bool)) {
	a.mu.Lock()
	a.onConnection = fn
	a.mu.Unlock()
}

// OnLog sets a handler receiving every log line; nil removes it
func (a *Agent) OnLog(fn func(line string)) {
	a.sink.Set(fn)
}

// =============================================================================
// Device Mappings
// =============================================================================

// MapDigitalDevice maps a platform device to a digital output pin and drives
// the pin to its last known state ("off" when none)
func (a *Agent) MapDigitalDevice(deviceID string, pin int, name string, inverted bool) error {
	m, err := a.registry.MapDigitalDevice(deviceID, pin, name, inverted)
	if err != nil {
		return err
	}
	a.initDevice(m)
	return nil
}

// MapAnalogDevice maps a platform device to an analog (PWM) output pin
func (a *Agent) MapAnalogDevice(deviceID string, pin int, name string) error {
	m, err := a.registry.MapAnalogDevice(deviceID, pin, name)
	if err != nil {
		return err
	}
	a.initDevice(m)
	return nil
}

func (a *Agent) initDevice(m registry.Mapping) {
	state := ""
	if a.store != nil {
		s, ok, err := a.store.LastState(m.DeviceID)
		if err != nil {
			a.logger.Warn("Failed to load device state", zap.String("device", m.DeviceID), zap.Error(err))
		} else if ok {
			state = s
		}
	}
	if err := a.actuators.Init(m, state); err != nil {
		a.logger.Warn("Failed to initialize device pin", zap.String("device", m.DeviceID), zap.Error(err))
	}
	a.logger.Info(fmt.Sprintf("Mapped %s device: %s -> Pin %d (%s)", m.Kind, m.DeviceID, m.Pin, m.Name))
}

// UnmapDevice removes a mapping, reporting whether it existed
func (a *Agent) UnmapDevice(deviceID string) bool {
	ok := a.registry.UnmapDevice(deviceID)
	if ok {
		a.logger.Info("Unmapped device", zap.String("device", deviceID))
	}
	return ok
}

// UnmapAllDevices removes every mapping
func (a *Agent) UnmapAllDevices() {
	a.registry.UnmapAllDevices()
	a.logger.Info("Unmapped all devices")
}

// Mappings returns the device mappings ordered by id
func (a *Agent) Mappings() []registry.Mapping {
	return a.registry.Mappings()
}

// =============================================================================
// Sensors
// =============================================================================

// SensorOption adjusts a sensor registration
type SensorOption func(*registry.Spec)

// WithChangeThreshold suppresses readings that moved less than threshold
// from the last one sent
func WithChangeThreshold(threshold float64) SensorOption {
	return func(s *registry.Spec) { s.ChangeThreshold = threshold }
}

// StartDisabled registers the sensor without polling it
func StartDisabled() SensorOption {
	return func(s *registry.Spec) { s.Disabled = true }
}

// AddSensor registers a sensor polled every interval. Registering the same
// kind and id again replaces the sensor and restarts its timer.
func (a *Agent) AddSensor(kind registry.Kind, deviceID, location string, interval time.Duration, read registry.ReadFunc, opts ...SensorOption) error {
	spec := registry.Spec{
		Kind:     kind,
		DeviceID: deviceID,
		Location: location,
		Interval: interval,
		Read:     read,
	}
	for _, opt := range opts {
		opt(&spec)
	}

	a.sensorsMu.Lock()
	defer a.sensorsMu.Unlock()

	added, replaced, err := a.registry.AddSensor(spec)
	if err != nil {
		return err
	}
	a.scheduler.Add(added)

	msg := "Added sensor"
	if replaced != nil {
		msg = "Replaced sensor"
	}
	a.logger.Info(msg,
		zap.String("kind", string(kind)),
		zap.String("device", deviceID),
		zap.String("location", location),
		zap.Duration("interval", interval))
	return nil
}

func (a *Agent) AddTemperatureSensor(deviceID, location string, interval time.Duration, read registry.ReadFunc, opts ...SensorOption) error {
	return a.AddSensor(registry.KindTemperature, deviceID, location, interval, read, opts...)
}

func (a *Agent) AddHumiditySensor(deviceID, location string, interval time.Duration, read registry.ReadFunc, opts ...SensorOption) error {
	return a.AddSensor(registry.KindHumidity, deviceID, location, interval, read, opts...)
}

func (a *Agent) AddLightSensor(deviceID, location string, interval time.Duration, read registry.ReadFunc, opts ...SensorOption) error {
	return a.AddSensor(registry.KindLight, deviceID, location, interval, read, opts...)
}

func (a *Agent) AddMotionSensor(deviceID, location string, interval time.Duration, read registry.ReadFunc, opts ...SensorOption) error {
	return a.AddSensor(registry.KindMotion, deviceID, location, interval, read, opts...)
}

// EnableSensor resumes polling a sensor
func (a *Agent) EnableSensor(kind registry.Kind, deviceID string) error {
	if err := a.registry.EnableSensor(kind, deviceID); err != nil {
		return err
	}
	a.logger.Info("Enabled sensor", zap.String("kind", string(kind)), zap.String("device", deviceID))
	return nil
}

// DisableSensor suspends polling a sensor; its timer keeps running
func (a *Agent) DisableSensor(kind registry.Kind, deviceID string) error {
	if err := a.registry.DisableSensor(kind, deviceID); err != nil {
		return err
	}
	a.logger.Info("Disabled sensor", zap.String("kind", string(kind)), zap.String("device", deviceID))
	return nil
}

// RemoveSensor unregisters a sensor and stops its timer
func (a *Agent) RemoveSensor(kind registry.Kind, deviceID string) bool {
	a.sensorsMu.Lock()
	defer a.sensorsMu.Unlock()

	s, ok := a.registry.RemoveSensor(kind, deviceID)
	if !ok {
		return false
	}
	a.scheduler.Remove(s.Key())
	a.logger.Info("Removed sensor", zap.String("kind", string(kind)), zap.String("device", deviceID))
	return true
}

// RemoveAllSensors unregisters every sensor. Calling it again is a no-op.
func (a *Agent) RemoveAllSensors() {
	a.sensorsMu.Lock()
	defer a.sensorsMu.Unlock()

	a.registry.RemoveAllSensors()
	a.scheduler.RemoveAll()
	a.logger.Info("Removed all sensors")
}

// Sensors returns the registered sensors ordered by id
func (a *Agent) Sensors() []*registry.Sensor {
	return a.registry.Sensors()
}

// =============================================================================
// Status
// =============================================================================

// Status returns the session state
func (a *Agent) Status() supervisor.State {
	if sup := a.sup.Load(); sup != nil {
		return sup.State()
	}
	return supervisor.Disconnected
}

// Connected reports whether a session is established
func (a *Agent) Connected() bool {
	return a.Status() == supervisor.Connected
}

// Uptime returns how long the current session has been up
func (a *Agent) Uptime() time.Duration {
	sup := a.sup.Load()
	if sup == nil {
		return 0
	}
	since, ok := sup.ConnectedSince()
	if !ok {
		return 0
	}
	return a.clock.Since(since)
}

// Metrics returns the Prometheus registry of this agent
func (a *Agent) Metrics() *prometheus.Registry {
	return a.metrics.Registry()
}

// Diagnostics is a point-in-time view of the agent
type Diagnostics struct {
	Version          string           `json:"version"`
	Status           string           `json:"status"`
	Client           string           `json:"client"`
	Host             string           `json:"host"`
	Transport        string           `json:"transport"`
	Sensors          int              `json:"sensors"`
	ActiveSensors    int              `json:"active_sensors"`
	Mappings         int              `json:"mappings"`
	ReadingsSent     uint64           `json:"readings_sent"`
	MessagesReceived uint64           `json:"messages_received"`
	UptimeSeconds    float64          `json:"uptime_seconds"`
	Metrics          metrics.Snapshot `json:"metrics"`
}

// Diagnostics collects the current diagnostics
func (a *Agent) Diagnostics() Diagnostics {
	sensors, mappings := a.registry.Counts()
	snap := a.metrics.Snapshot()

	d := Diagnostics{
		Version:          Version,
		Status:           a.Status().String(),
		Sensors:          sensors,
		ActiveSensors:    a.scheduler.Active(),
		Mappings:         mappings,
		ReadingsSent:     snap.ReadingsSent,
		MessagesReceived: snap.MessagesReceived,
		UptimeSeconds:    a.Uptime().Seconds(),
		Metrics:          snap,
	}

	a.mu.Lock()
	if a.config != nil {
		d.Client = a.config.Endpoint.ClientName
		d.Host = a.config.Endpoint.Address()
		d.Transport = string(a.config.Transport)
	}
	a.mu.Unlock()
	return d
}

// LogDiagnostics writes the diagnostics to the log
func (a *Agent) LogDiagnostics() {
	d := a.Diagnostics()
	a.logger.Info("=== CircuitNotion Diagnostics ===")
	a.logger.Info("Library Version: " + d.Version)
	a.logger.Info("Status: " + d.Status)
	a.logger.Info("Microcontroller: " + d.Client)
	a.logger.Info("Host: " + d.Host)
	a.logger.Info(fmt.Sprintf("Sensors: %d", d.Sensors))
	a.logger.Info(fmt.Sprintf("Device Mappings: %d", d.Mappings))
	a.logger.Info(fmt.Sprintf("Total Sensor Readings: %d", d.ReadingsSent))
	a.logger.Info(fmt.Sprintf("Total Messages Received: %d", d.MessagesReceived))
	a.logger.Info(fmt.Sprintf("Uptime: %.2fs", d.UptimeSeconds))
}
