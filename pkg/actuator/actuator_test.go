package actuator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitnotion/device-agent/pkg/registry"
)

type write struct {
	pin   int
	high  bool
	level float64
}

type fakeDriver struct {
	setups []int
	writes []write
	fail   error
}

func (d *fakeDriver) Setup(pin int, _ registry.DeviceKind) error {
	d.setups = append(d.setups, pin)
	return d.fail
}

func (d *fakeDriver) WriteDigital(pin int, high bool) error {
	d.writes = append(d.writes, write{pin: pin, high: high})
	return nil
}

func (d *fakeDriver) WriteAnalog(pin int, level float64) error {
	d.writes = append(d.writes, write{pin: pin, level: level})
	return nil
}

func TestParseDigital(t *testing.T) {
	tests := []struct {
		state    string
		inverted bool
		high     bool
	}{
		{"ON", false, true},
		{"on", false, true},
		{"true", false, true},
		{"1", false, true},
		{"OFF", false, false},
		{"0", false, false},
		{"ON", true, false},
		{"off", true, true},
	}
	for _, tt := range tests {
		high, err := ParseDigital(tt.state, tt.inverted)
		require.NoError(t, err, tt.state)
		assert.Equal(t, tt.high, high, "%s inverted=%v", tt.state, tt.inverted)
	}

	_, err := ParseDigital("blink", false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestParseAnalog(t *testing.T) {
	tests := map[string]float64{
		"on":  1,
		"OFF": 0,
		"50":  0.5,
		"25%": 0.25,
		"100": 1,
		"0":   0,
		"1":   1,
		"1%":  0.01,
		"0%":  0,
	}
	for state, want := range tests {
		got, err := ParseAnalog(state)
		require.NoError(t, err, state)
		assert.InDelta(t, want, got, 1e-9, state)
	}

	for _, state := range []string{"-1", "101", "dim", "NaN", "nan%", "inf", "-Inf%"} {
		_, err := ParseAnalog(state)
		assert.ErrorIs(t, err, ErrInvalidState, state)
	}
}

func TestControllerApply(t *testing.T) {
	d := &fakeDriver{}
	c := NewController(d, nil)

	light := registry.Mapping{DeviceID: "GT-001", Pin: 17, Kind: registry.Digital}
	require.NoError(t, c.Init(light, ""))
	require.NoError(t, c.Apply(light, "ON"))
	require.NoError(t, c.Apply(light, "OFF"))

	assert.Equal(t, []int{17}, d.setups, "pins are set up once")
	assert.Equal(t, []write{{pin: 17}, {pin: 17, high: true}, {pin: 17}}, d.writes)

	err := c.Apply(light, "toggle")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Len(t, d.writes, 3)
}

func TestControllerAnalog(t *testing.T) {
	d := &fakeDriver{}
	c := NewController(d, nil)

	fan := registry.Mapping{DeviceID: "FAN", Pin: 12, Kind: registry.Analog}
	require.NoError(t, c.Init(fan, "40"))
	assert.Equal(t, []write{{pin: 12, level: 0.4}}, d.writes)
}

func TestControllerSetupFailure(t *testing.T) {
	d := &fakeDriver{fail: errors.New("pin busy")}
	c := NewController(d, nil)

	err := c.Apply(registry.Mapping{DeviceID: "GT-001", Pin: 4, Kind: registry.Digital}, "ON")
	assert.ErrorContains(t, err, "pin busy")
	assert.Empty(t, d.writes)
}

func TestLogDriver(t *testing.T) {
	c := NewController(nil, nil)
	assert.NoError(t, c.Apply(registry.Mapping{DeviceID: "GT-001", Pin: 4, Kind: registry.Digital}, "ON"))
}
