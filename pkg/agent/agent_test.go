package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitnotion/device-agent/pkg/cloud"
	"github.com/circuitnotion/device-agent/pkg/cloud/cloudtest"
	"github.com/circuitnotion/device-agent/pkg/metrics"
	"github.com/circuitnotion/device-agent/pkg/protocol"
	"github.com/circuitnotion/device-agent/pkg/registry"
	"github.com/circuitnotion/device-agent/pkg/supervisor"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = cloud.Endpoint{
		Host:       "localhost",
		Port:       8080,
		Path:       "/ws",
		APIKey:     "key-123",
		ClientName: "greenhouse-pi",
	}
	cfg.PingInterval = 0
	return cfg
}

type pinWrite struct {
	pin  int
	high bool
}

type fakeDriver struct {
	mu     sync.Mutex
	writes []pinWrite
}

func (d *fakeDriver) Setup(int, registry.DeviceKind) error { return nil }

func (d *fakeDriver) WriteDigital(pin int, high bool) error {
	d.mu.Lock()
	d.writes = append(d.writes, pinWrite{pin, high})
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) WriteAnalog(int, float64) error { return nil }

func (d *fakeDriver) snapshot() []pinWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pinWrite(nil), d.writes...)
}

type memStore struct {
	mu     sync.Mutex
	states map[string]string
}

func newMemStore() *memStore {
	return &memStore{states: map[string]string{}}
}

func (s *memStore) LastState(id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok, nil
}

func (s *memStore) SaveState(id, state string) error {
	s.mu.Lock()
	s.states[id] = state
	s.mu.Unlock()
	return nil
}

func counting(calls *atomic.Int64) registry.ReadFunc {
	return func(context.Context) (registry.Reading, error) {
		n := calls.Add(1)
		return registry.Reading{Value: 20 + float64(n), Unit: "°C"}, nil
	}
}

// run starts the agent and stops it when the test ends
func run(t *testing.T, a *Agent) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errc:
			case <-time.After(2 * time.Second):
				err = errors.New("Run did not return after cancel")
			}
		})
		return err
	}
	t.Cleanup(func() { stop() })
	return stop
}

func TestBeginValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"empty host", func(c *Config) { c.Endpoint.Host = "" }, "host"},
		{"port zero", func(c *Config) { c.Endpoint.Port = 0 }, "port"},
		{"port too large", func(c *Config) { c.Endpoint.Port = 70000 }, "port"},
		{"relative path", func(c *Config) { c.Endpoint.Path = "ws" }, "path"},
		{"no api key", func(c *Config) { c.Endpoint.APIKey = "" }, "api key"},
		{"no client", func(c *Config) { c.Endpoint.ClientName = "" }, "microcontroller name"},
		{"bad transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "transport"},
		{"mqtt without topic", func(c *Config) { c.Transport = TransportMQTT; c.MQTT.BaseTopic = "" }, "mqtt base topic"},
		{"bad reconnect", func(c *Config) { c.Reconnect.InitialDelay = 0 }, "reconnect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			err := New().Begin(cfg)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}

	assert.NoError(t, New().Begin(testConfig()))
}

func TestRunRequiresBegin(t *testing.T) {
	err := New().Run(context.Background())
	var cerr *ConfigError
	assert.True(t, errors.As(err, &cerr))
}

func TestEndToEnd(t *testing.T) {
	mock := clock.NewMock()
	sess := cloudtest.NewSession("s1")
	driver := &fakeDriver{}
	store := newMemStore()
	a := New(
		WithClock(mock),
		WithDialer(cloudtest.NewDialer().Succeed(sess)),
		WithActuatorDriver(driver),
		WithStateStore(store),
	)
	require.NoError(t, a.Begin(testConfig()))

	var mu sync.Mutex
	var statuses []bool
	var controls []string
	var lines []string
	a.OnConnection(func(c bool) {
		mu.Lock()
		statuses = append(statuses, c)
		mu.Unlock()
	})
	a.OnDeviceControl(func(id, state string) {
		mu.Lock()
		controls = append(controls, id+"="+state)
		mu.Unlock()
	})
	a.OnLog(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	require.NoError(t, a.MapDigitalDevice("GT-001", 17, "Kitchen Light", false))
	var calls atomic.Int64
	require.NoError(t, a.AddTemperatureSensor("DHT22-01", "Kitchen", 5*time.Second, counting(&calls)))

	stop := run(t, a)
	require.Eventually(t, a.Connected, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return a.Diagnostics().ActiveSensors == 1 }, time.Second, time.Millisecond)

	// one tick, one reading on the wire
	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return len(sess.Sent()) == 1 }, time.Second, time.Millisecond)
	msg, err := protocol.DecodeReading(sess.Sent()[0])
	require.NoError(t, err)
	assert.Equal(t, "DHT22-01", msg.DeviceID)
	assert.Equal(t, 21.0, msg.Value)
	assert.Equal(t, "temperature", msg.SensorType)
	assert.Equal(t, "greenhouse-pi", msg.Microcontroller)

	// one command, one handler call
	require.True(t, sess.Deliver([]byte(`{"type":"command","deviceId":"GT-001","state":"ON"}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(controls) == 1
	}, time.Second, time.Millisecond)

	// ping is answered transparently
	require.True(t, sess.Deliver([]byte(`{"type":"ping"}`)))
	require.Eventually(t, func() bool { return len(sess.Sent()) == 2 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"pong"}`, string(sess.Sent()[1]))

	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"GT-001=ON"}, controls)
	assert.Equal(t, []bool{true, false}, statuses)
	assert.Equal(t, []pinWrite{{17, false}, {17, true}}, driver.snapshot())
	st, ok, _ := store.LastState("GT-001")
	assert.True(t, ok)
	assert.Equal(t, "ON", st)
	assert.True(t, sess.Closed())
	assert.Equal(t, 0, a.Diagnostics().ActiveSensors)

	found := false
	for _, l := range lines {
		if strings.Contains(l, "Device control: GT-001 -> ON") {
			found = true
		}
	}
	assert.True(t, found, "device control log line")
}

func TestDisconnectedDropsReadings(t *testing.T) {
	mock := clock.NewMock()
	dialer := cloudtest.NewDialer() // never connects
	a := New(WithClock(mock), WithDialer(dialer), WithQueueSize(4))
	require.NoError(t, a.Begin(testConfig()))

	var calls atomic.Int64
	require.NoError(t, a.AddLightSensor("LDR", "Hall", time.Second, counting(&calls)))

	run(t, a)
	require.Eventually(t, func() bool { return a.Diagnostics().ActiveSensors == 1 }, time.Second, time.Millisecond)

	const ticks = 10
	for i := 1; i <= ticks; i++ {
		mock.Add(time.Second)
		require.Eventually(t, func() bool { return calls.Load() == int64(i) }, time.Second, time.Millisecond)
	}

	assert.False(t, a.Connected())
	require.Eventually(t, func() bool {
		dropped := a.Diagnostics().Metrics.ReadingsDropped
		return dropped[metrics.DropDisconnected]+dropped[metrics.DropQueueFull] == ticks
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), a.Diagnostics().ReadingsSent)
	assert.LessOrEqual(t, len(a.readings), cap(a.readings))
}

func TestHandlerReplacement(t *testing.T) {
	a := New()

	var first, second int
	a.OnDeviceControl(func(string, string) { first++ })
	a.OnDeviceControl(func(string, string) { second++ })
	a.handleCommand(context.Background(), protocol.Command{DeviceID: "X", State: "ON"})
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	a.OnDeviceControl(nil)
	a.handleCommand(context.Background(), protocol.Command{DeviceID: "X", State: "ON"})
	assert.Equal(t, 1, second)
}

func TestUnmappedCommandStillNotifies(t *testing.T) {
	driver := &fakeDriver{}
	a := New(WithActuatorDriver(driver))

	var got []string
	a.OnDeviceControl(func(id, state string) { got = append(got, id+"="+state) })
	a.handleCommand(context.Background(), protocol.Command{DeviceID: "REMOTE", State: "OFF"})

	assert.Equal(t, []string{"REMOTE=OFF"}, got)
	assert.Empty(t, driver.snapshot())
}

func TestMappingRestoresLastState(t *testing.T) {
	driver := &fakeDriver{}
	store := newMemStore()
	require.NoError(t, store.SaveState("GT-002", "on"))
	a := New(WithActuatorDriver(driver), WithStateStore(store))

	require.NoError(t, a.MapDigitalDevice("GT-002", 22, "Pump", false))
	require.NoError(t, a.MapDigitalDevice("GT-003", 23, "Fan", true))

	assert.Equal(t, []pinWrite{{22, true}, {23, true}}, driver.snapshot())
	assert.Len(t, a.Mappings(), 2)

	assert.True(t, a.UnmapDevice("GT-003"))
	assert.False(t, a.UnmapDevice("GT-003"))
	a.UnmapAllDevices()
	assert.Empty(t, a.Mappings())
}

func TestSensorRegistration(t *testing.T) {
	a := New()
	read := func(context.Context) (registry.Reading, error) { return registry.Reading{}, nil }

	var verr *registry.ValidationError
	assert.True(t, errors.As(a.AddSensor(registry.KindCustom, "S", "", 0, read), &verr))
	assert.True(t, errors.As(a.AddHumiditySensor("", "", time.Second, read), &verr))

	require.NoError(t, a.AddMotionSensor("PIR", "Door", time.Second, read, StartDisabled()))
	require.NoError(t, a.AddTemperatureSensor("DS18B20", "Tank", time.Second, read, WithChangeThreshold(0.25)))
	assert.True(t, errors.As(a.AddHumiditySensor("DS18B20", "", time.Second, read), &verr))

	sensors := a.Sensors()
	require.Len(t, sensors, 2)
	assert.Equal(t, 0.25, sensors[0].ChangeThreshold)
	assert.False(t, sensors[1].Enabled())

	require.NoError(t, a.EnableSensor(registry.KindMotion, "PIR"))
	assert.ErrorIs(t, a.DisableSensor(registry.KindLight, "PIR"), registry.ErrSensorNotFound)

	assert.True(t, a.RemoveSensor(registry.KindMotion, "PIR"))
	assert.False(t, a.RemoveSensor(registry.KindMotion, "PIR"))
}

func TestRemoveAllSensorsWhileRunning(t *testing.T) {
	a := New(WithClock(clock.NewMock()), WithDialer(cloudtest.NewDialer()))
	require.NoError(t, a.Begin(testConfig()))

	read := func(context.Context) (registry.Reading, error) { return registry.Reading{}, nil }
	require.NoError(t, a.AddLightSensor("A", "", time.Second, read))
	require.NoError(t, a.AddLightSensor("B", "", 2*time.Second, read))

	run(t, a)
	require.Eventually(t, func() bool { return a.Diagnostics().ActiveSensors == 2 }, time.Second, time.Millisecond)

	// sensors added while running get a timer right away
	require.NoError(t, a.AddMotionSensor("C", "", time.Second, read))
	assert.Equal(t, 3, a.Diagnostics().ActiveSensors)

	a.RemoveAllSensors()
	a.RemoveAllSensors()
	assert.Equal(t, 0, a.Diagnostics().ActiveSensors)
	assert.Equal(t, 0, a.Diagnostics().Sensors)
}

func TestRunTwiceAndBeginWhileRunning(t *testing.T) {
	a := New(WithDialer(cloudtest.NewDialer()))
	require.NoError(t, a.Begin(testConfig()))

	run(t, a)
	require.Eventually(t, func() bool { return a.Status() == supervisor.Connecting }, time.Second, time.Millisecond)

	assert.ErrorIs(t, a.Run(context.Background()), ErrRunning)
	assert.ErrorIs(t, a.Begin(testConfig()), ErrRunning)
}

func TestKeepalivePing(t *testing.T) {
	mock := clock.NewMock()
	sess := cloudtest.NewSession("s1")
	a := New(WithClock(mock), WithDialer(cloudtest.NewDialer().Succeed(sess)))
	cfg := testConfig()
	cfg.PingInterval = 30 * time.Second
	require.NoError(t, a.Begin(cfg))

	run(t, a)
	require.Eventually(t, a.Connected, time.Second, time.Millisecond)

	mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return len(sess.Sent()) == 1 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"ping"}`, string(sess.Sent()[0]))
}

func TestDiagnostics(t *testing.T) {
	mock := clock.NewMock()
	sess := cloudtest.NewSession("s1")
	a := New(WithClock(mock), WithDialer(cloudtest.NewDialer().Succeed(sess)))
	require.NoError(t, a.Begin(testConfig()))
	require.NoError(t, a.MapDigitalDevice("GT-001", 17, "Light", false))

	d := a.Diagnostics()
	assert.Equal(t, Version, d.Version)
	assert.Equal(t, "Disconnected", d.Status)
	assert.Equal(t, "greenhouse-pi", d.Client)
	assert.Equal(t, "localhost:8080", d.Host)
	assert.Equal(t, 1, d.Mappings)
	assert.Zero(t, d.UptimeSeconds)

	run(t, a)
	require.Eventually(t, a.Connected, time.Second, time.Millisecond)
	mock.Add(90 * time.Second)

	d = a.Diagnostics()
	assert.Equal(t, "Connected", d.Status)
	assert.Equal(t, 90.0, d.UptimeSeconds)

	var mu sync.Mutex
	var lines []string
	a.OnLog(func(l string) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	})
	a.LogDiagnostics()
	a.OnLog(nil)

	mu.Lock()
	joined := strings.Join(lines, "\n")
	mu.Unlock()
	assert.Contains(t, joined, "=== CircuitNotion Diagnostics ===")
	assert.Contains(t, joined, "Microcontroller: greenhouse-pi")
	assert.Contains(t, joined, "Device Mappings: 1")
	assert.Contains(t, joined, "Uptime: 90.00s")

	families, err := a.Metrics().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestAgentsShareNothing(t *testing.T) {
	a, b := New(), New()
	read := func(context.Context) (registry.Reading, error) { return registry.Reading{}, nil }
	require.NoError(t, a.AddLightSensor("LDR", "", time.Second, read))
	require.NoError(t, a.MapDigitalDevice("GT-001", 1, "", false))

	assert.Empty(t, b.Sensors())
	assert.Empty(t, b.Mappings())
	assert.NotSame(t, a.Metrics(), b.Metrics())
}
