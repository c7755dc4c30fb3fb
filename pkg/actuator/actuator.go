// Package actuator drives the local output pins of mapped devices
package actuator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/circuitnotion/device-agent/pkg/registry"
)

// ErrInvalidState is wrapped when a command state cannot be applied
var ErrInvalidState = errors.New("invalid device state")

// Driver performs pin I/O. Implementations wrap GPIO libraries.
type Driver interface {
	Setup(pin int, kind registry.DeviceKind) error
	WriteDigital(pin int, high bool) error
	WriteAnalog(pin int, level float64) error // duty cycle 0..1
}

// ParseDigital maps a command state to a pin level. Inverted mappings drive
// the pin low for "on".
func ParseDigital(state string, inverted bool) (bool, error) {
	var on bool
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "on", "true", "1", "high":
		on = true
	case "off", "false", "0", "low":
		on = false
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return on != inverted, nil
}

// ParseAnalog maps a command state to a duty cycle. It accepts the same on/off
// words as ParseDigital, so a bare "1" is full duty and "0" is off, and a
// percentage from 0 to 100. Write "1%" for a 1% duty cycle.
func ParseAnalog(state string) (float64, error) {
	s := strings.ToLower(strings.TrimSpace(state))
	switch s {
	case "on", "true", "1", "high":
		return 1, nil
	case "off", "false", "0", "low":
		return 0, nil
	}

	pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || math.IsNaN(pct) || pct < 0 || pct > 100 {
		return 0, fmt.Errorf("%w: %q is not on, off or 0-100", ErrInvalidState, state)
	}
	return pct / 100, nil
}

// Controller applies command states to mapped pins
type Controller struct {
	driver Driver
	logger *zap.Logger

	mu    sync.Mutex
	ready map[int]registry.DeviceKind // pins already set up
}

// NewController creates a controller over driver. A nil driver only logs.
func NewController(driver Driver, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if driver == nil {
		driver = LogDriver{Logger: logger}
	}
	return &Controller{driver: driver, logger: logger, ready: make(map[int]registry.DeviceKind)}
}

// Init sets up the pin of a new mapping and drives it to state, "off" when
// state is empty
func (c *Controller) Init(m registry.Mapping, state string) error {
	if state == "" {
		state = "off"
	}
	if err := c.setup(m); err != nil {
		return err
	}
	return c.write(m, state)
}

// Apply drives the pin of m to state
func (c *Controller) Apply(m registry.Mapping, state string) error {
	if err := c.setup(m); err != nil {
		return err
	}
	return c.write(m, state)
}

func (c *Controller) setup(m registry.Mapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind, ok := c.ready[m.Pin]; ok && kind == m.Kind {
		return nil
	}
	if err := c.driver.Setup(m.Pin, m.Kind); err != nil {
		return fmt.Errorf("setup pin %d for %s: %w", m.Pin, m.DeviceID, err)
	}
	c.ready[m.Pin] = m.Kind
	return nil
}

func (c *Controller) write(m registry.Mapping, state string) error {
	switch m.Kind {
	case registry.Digital:
		high, err := ParseDigital(state, m.Inverted)
		if err != nil {
			return err
		}
		if err := c.driver.WriteDigital(m.Pin, high); err != nil {
			return fmt.Errorf("write pin %d for %s: %w", m.Pin, m.DeviceID, err)
		}
	case registry.Analog:
		level, err := ParseAnalog(state)
		if err != nil {
			return err
		}
		if err := c.driver.WriteAnalog(m.Pin, level); err != nil {
			return fmt.Errorf("write pin %d for %s: %w", m.Pin, m.DeviceID, err)
		}
	default:
		return fmt.Errorf("device %s: unsupported kind %s", m.DeviceID, m.Kind)
	}

	c.logger.Debug("Pin written", zap.String("device", m.DeviceID), zap.Int("pin", m.Pin), zap.String("state", state))
	return nil
}

// LogDriver is a Driver for hosts without GPIO. It logs every write.
type LogDriver struct {
	Logger *zap.Logger
}

func (d LogDriver) Setup(pin int, kind registry.DeviceKind) error {
	d.logger().Info("GPIO not available, simulating pin", zap.Int("pin", pin), zap.Stringer("kind", kind))
	return nil
}

func (d LogDriver) WriteDigital(pin int, high bool) error {
	d.logger().Info("Digital write", zap.Int("pin", pin), zap.Bool("high", high))
	return nil
}

func (d LogDriver) WriteAnalog(pin int, level float64) error {
	d.logger().Info("Analog write", zap.Int("pin", pin), zap.Float64("duty", level))
	return nil
}

func (d LogDriver) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
