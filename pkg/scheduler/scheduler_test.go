package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitnotion/device-agent/pkg/metrics"
	"github.com/circuitnotion/device-agent/pkg/registry"
)

func sensor(t *testing.T, spec registry.Spec) *registry.Sensor {
	t.Helper()
	s, _, err := registry.New().AddSensor(spec)
	require.NoError(t, err)
	return s
}

// counting returns a read function that counts calls and reports the call
// number as the value
func counting(calls *atomic.Int64) registry.ReadFunc {
	return func(context.Context) (registry.Reading, error) {
		n := calls.Add(1)
		return registry.Reading{Value: float64(n), Unit: "u"}, nil
	}
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
}

func TestTicksOverSimulatedTime(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Event, 16)
	s := New(out, WithClock(mock))

	var calls atomic.Int64
	s.Add(sensor(t, registry.Spec{
		Kind: registry.KindTemperature, DeviceID: "DHT22", Location: "Kitchen",
		Interval: 5 * time.Second, Read: counting(&calls),
	}))
	startScheduler(t, s)
	assert.Equal(t, 1, s.Active())

	const k = 5
	for i := 1; i <= k; i++ {
		mock.Add(5 * time.Second)
		select {
		case ev := <-out:
			assert.Equal(t, registry.KindTemperature, ev.Kind)
			assert.Equal(t, "DHT22", ev.DeviceID)
			assert.Equal(t, "Kitchen", ev.Location)
			assert.Equal(t, float64(i), ev.Reading.Value)
			assert.Equal(t, mock.Now(), ev.At)
		case <-time.After(time.Second):
			t.Fatalf("tick %d produced no reading", i)
		}
	}
	assert.Equal(t, int64(k), calls.Load())
	assert.Empty(t, out)
}

func TestDisabledSensorIsNotRead(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Event, 16)
	s := New(out, WithClock(mock))

	var calls atomic.Int64
	sn := sensor(t, registry.Spec{
		Kind: registry.KindMotion, DeviceID: "PIR", Interval: time.Second,
		Read: counting(&calls), Disabled: true,
	})
	s.Add(sn)
	startScheduler(t, s)

	for i := 0; i < 5; i++ {
		mock.Add(time.Second)
	}
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, out)
	assert.Equal(t, 1, s.Active(), "disabled sensors keep their timer")
}

func TestIntervalsAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Event, 64)
	s := New(out, WithClock(mock))

	var fast, slow atomic.Int64
	s.Add(sensor(t, registry.Spec{Kind: registry.KindLight, DeviceID: "LDR", Interval: time.Second, Read: counting(&fast)}))
	s.Add(sensor(t, registry.Spec{Kind: registry.KindHumidity, DeviceID: "HUM", Interval: 2 * time.Second, Read: counting(&slow)}))
	startScheduler(t, s)

	for i := 1; i <= 4; i++ {
		mock.Add(time.Second)
		require.Eventually(t, func() bool {
			return fast.Load() == int64(i) && slow.Load() == int64(i/2)
		}, time.Second, time.Millisecond)
	}
}

func TestSlowReadDoesNotDelayOthers(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Event, 64)
	s := New(out, WithClock(mock))

	release := make(chan struct{})
	blocking := func(ctx context.Context) (registry.Reading, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return registry.Reading{}, ctx.Err()
	}

	var calls atomic.Int64
	s.Add(sensor(t, registry.Spec{Kind: registry.KindCustom, DeviceID: "STUCK", Interval: time.Second, Read: blocking}))
	s.Add(sensor(t, registry.Spec{Kind: registry.KindCustom, DeviceID: "OK", Interval: time.Second, Read: counting(&calls)}))
	startScheduler(t, s)
	defer close(release)

	for i := 1; i <= 3; i++ {
		mock.Add(time.Second)
		require.Eventually(t, func() bool { return calls.Load() == int64(i) }, time.Second, time.Millisecond)
	}
}

func TestReadFailureSkipsTick(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Event, 16)
	m := metrics.New()
	s := New(out, WithClock(mock), WithMetrics(m))

	var calls atomic.Int64
	flaky := func(context.Context) (registry.Reading, error) {
		if calls.Add(1) == 1 {
			return registry.Reading{}, errors.New("checksum mismatch")
		}
		return registry.Reading{Value: 42}, nil
	}
	s.Add(sensor(t, registry.Spec{Kind: registry.KindCustom, DeviceID: "FLAKY", Interval: time.Second, Read: flaky}))
	startScheduler(t, s)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	mock.Add(time.Second)

	select {
	case ev := <-out:
		assert.Equal(t, 42.0, ev.Reading.Value)
	case <-time.After(time.Second):
		t.Fatal("sensor stopped after a failed read")
	}
	assert.Equal(t, uint64(1), m.Snapshot().ReadFailures)
}

func TestReadPanicIsContained(t *testing.T) {
	mock := clock.NewMock()
	m := metrics.New()
	s := New(make(chan Event, 1), WithClock(mock), WithMetrics(m))

	var calls atomic.Int64
	s.Add(sensor(t, registry.Spec{Kind: registry.KindCustom, DeviceID: "BAD", Interval: time.Second,
		Read: func(context.Context) (registry.Reading, error) {
			calls.Add(1)
			panic("driver crashed")
		}}))
	startScheduler(t, s)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return m.Snapshot().ReadFailures == 1 }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestFullQueueDropsReading(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Event, 1)
	m := metrics.New()
	s := New(out, WithClock(mock), WithMetrics(m))

	var calls atomic.Int64
	s.Add(sensor(t, registry.Spec{Kind: registry.KindCustom, DeviceID: "S", Interval: time.Second, Read: counting(&calls)}))
	startScheduler(t, s)

	for i := 1; i <= 3; i++ {
		mock.Add(time.Second)
		require.Eventually(t, func() bool {
			return calls.Load() == int64(i) && m.Snapshot().ReadingsDropped[metrics.DropQueueFull] == uint64(i-1)
		}, time.Second, time.Millisecond)
	}

	ev := <-out
	assert.Equal(t, 1.0, ev.Reading.Value, "the oldest reading is kept")
	assert.Equal(t, uint64(2), m.Snapshot().ReadingsDropped[metrics.DropQueueFull])
}

func TestChangeThreshold(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Event, 16)
	m := metrics.New()
	s := New(out, WithClock(mock), WithMetrics(m))

	values := []float64{20, 20.1, 20.3, 21, 21}
	var calls atomic.Int64
	read := func(context.Context) (registry.Reading, error) {
		n := calls.Add(1)
		return registry.Reading{Value: values[n-1], Unit: "°C"}, nil
	}
	s.Add(sensor(t, registry.Spec{Kind: registry.KindTemperature, DeviceID: "T", Interval: time.Second, Read: read, ChangeThreshold: 0.5}))
	startScheduler(t, s)

	for i := 1; i <= len(values); i++ {
		mock.Add(time.Second)
		require.Eventually(t, func() bool { return calls.Load() == int64(i) }, time.Second, time.Millisecond)
	}

	var got []float64
	require.Eventually(t, func() bool {
		select {
		case ev := <-out:
			got = append(got, ev.Reading.Value)
		default:
		}
		return len(got) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []float64{20, 21}, got)
	require.Eventually(t, func() bool { return m.Snapshot().ReadingsUnchanged == 3 }, time.Second, time.Millisecond)
}

func TestAddReplacesTask(t *testing.T) {
	s := New(make(chan Event, 1), WithClock(clock.NewMock()))
	startScheduler(t, s)

	read := func(context.Context) (registry.Reading, error) { return registry.Reading{}, nil }
	s.Add(sensor(t, registry.Spec{Kind: registry.KindLight, DeviceID: "LDR", Interval: time.Second, Read: read}))
	s.Add(sensor(t, registry.Spec{Kind: registry.KindLight, DeviceID: "LDR", Interval: 2 * time.Second, Read: read}))
	assert.Equal(t, 1, s.Active())

	s.Remove(registry.Key{Kind: registry.KindLight, DeviceID: "LDR"})
	assert.Equal(t, 0, s.Active())
}

func TestRemoveAllIsIdempotent(t *testing.T) {
	s := New(make(chan Event, 1), WithClock(clock.NewMock()))
	read := func(context.Context) (registry.Reading, error) { return registry.Reading{}, nil }
	for _, id := range []string{"A", "B", "C"} {
		s.Add(sensor(t, registry.Spec{Kind: registry.KindCustom, DeviceID: id, Interval: time.Second, Read: read}))
	}
	startScheduler(t, s)
	assert.Equal(t, 3, s.Active())

	s.RemoveAll()
	s.RemoveAll()
	assert.Equal(t, 0, s.Active())
}

func TestStopAndRestart(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Event, 4)
	s := New(out, WithClock(mock))

	var calls atomic.Int64
	s.Add(sensor(t, registry.Spec{Kind: registry.KindCustom, DeviceID: "S", Interval: time.Second, Read: counting(&calls)}))

	// nothing runs before Start
	mock.Add(time.Second)
	assert.Equal(t, 0, s.Active())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Stop()
	assert.Equal(t, 0, s.Active())

	s.Start(ctx)
	defer s.Stop()
	assert.Equal(t, 1, s.Active())
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestConcurrentAddRemove(t *testing.T) {
	s := New(make(chan Event, 64), WithClock(clock.NewMock()))
	startScheduler(t, s)

	read := func(context.Context) (registry.Reading, error) { return registry.Reading{}, nil }
	sensors := make([]*registry.Sensor, 4)
	for i := range sensors {
		sensors[i] = sensor(t, registry.Spec{Kind: registry.KindCustom, DeviceID: string(rune('A' + i)), Interval: time.Second, Read: read})
	}

	var wg sync.WaitGroup
	for _, sn := range sensors {
		wg.Add(1)
		go func(sn *registry.Sensor) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Add(sn)
				if j%2 == 0 {
					s.Remove(sn.Key())
				}
			}
		}(sn)
	}
	wg.Wait()
	assert.Equal(t, 4, s.Active())

	s.RemoveAll()
	assert.Equal(t, 0, s.Active())
}
