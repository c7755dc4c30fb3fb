// Package registry holds the local device mappings (actuators) and sensor
// registrations of an agent.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is a sensor kind. Any non-empty value is accepted; the constants are
// the kinds the platform knows about.
type Kind string

const (
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
	KindLight       Kind = "light"
	KindMotion      Kind = "motion"
	KindCustom      Kind = "custom"
)

// DeviceKind tells how a mapped pin is driven
type DeviceKind int

const (
	Digital DeviceKind = iota
	Analog
)

func (k DeviceKind) String() string {
	switch k {
	case Digital:
		return "digital"
	case Analog:
		return "analog"
	default:
		return fmt.Sprintf("DeviceKind(%d)", int(k))
	}
}

// ErrSensorNotFound is returned when no sensor matches a (kind, id) pair
var ErrSensorNotFound = errors.New("sensor not found")

// ValidationError describes a rejected registration
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Mapping binds a platform device to a local output pin
type Mapping struct {
	DeviceID string
	Pin      int
	Name     string
	Kind     DeviceKind
	Inverted bool // digital only
}

// Reading is one sampled value
type Reading struct {
	Value    float64
	Unit     string
	Metadata map[string]any
}

// ReadFunc samples a sensor. It may block on hardware I/O.
type ReadFunc func(ctx context.Context) (Reading, error)

// Key identifies a sensor registration
type Key struct {
	Kind     Kind
	DeviceID string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.DeviceID
}

// Spec describes a sensor to register
type Spec struct {
	Kind            Kind
	DeviceID        string
	Location        string
	Interval        time.Duration
	Read            ReadFunc
	ChangeThreshold float64 // 0 sends every reading
	Disabled        bool
}

// Sensor is a registered sensor. Only the enabled flag changes after
// registration.
type Sensor struct {
	Kind            Kind
	DeviceID        string
	Location        string
	Interval        time.Duration
	Read            ReadFunc
	ChangeThreshold float64

	enabled atomic.Bool
}

// Key returns the registration key of the sensor
func (s *Sensor) Key() Key {
	return Key{Kind: s.Kind, DeviceID: s.DeviceID}
}

// Enabled reports whether the sensor should be polled
func (s *Sensor) Enabled() bool {
	return s.enabled.Load()
}

// Registry stores mappings and sensors. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	mappings map[string]Mapping
	sensors  map[string]*Sensor // by device id; ids are unique across kinds
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		mappings: make(map[string]Mapping),
		sensors:  make(map[string]*Sensor),
	}
}

// --- Device Mappings ---

// MapDigitalDevice maps a device to a digital output pin, replacing any
// previous mapping for the same device
func (r *Registry) MapDigitalDevice(deviceID string, pin int, name string, inverted bool) (Mapping, error) {
	return r.mapDevice(Mapping{DeviceID: deviceID, Pin: pin, Name: name, Kind: Digital, Inverted: inverted})
}

// MapAnalogDevice maps a device to an analog (PWM) output pin, replacing any
// previous mapping for the same device
func (r *Registry) MapAnalogDevice(deviceID string, pin int, name string) (Mapping, error) {
	return r.mapDevice(Mapping{DeviceID: deviceID, Pin: pin, Name: name, Kind: Analog})
}

func (r *Registry) mapDevice(m Mapping) (Mapping, error) {
	if m.DeviceID == "" {
		return Mapping{}, &ValidationError{Field: "device id", Reason: "must not be empty"}
	}
	if m.Pin < 0 {
		return Mapping{}, &ValidationError{Field: "pin", Reason: fmt.Sprintf("%d is negative", m.Pin)}
	}

	r.mu.Lock()
	r.mappings[m.DeviceID] = m
	r.mu.Unlock()
	return m, nil
}

// Mapping returns the mapping for a device
func (r *Registry) Mapping(deviceID string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[deviceID]
	return m, ok
}

// Mappings returns all mappings ordered by device id
func (r *Registry) Mappings() []Mapping {
	r.mu.RLock()
	out := make([]Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// UnmapDevice removes a mapping, reporting whether it existed
func (r *Registry) UnmapDevice(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mappings[deviceID]
	delete(r.mappings, deviceID)
	return ok
}

// UnmapAllDevices removes every mapping
func (r *Registry) UnmapAllDevices() {
	r.mu.Lock()
	r.mappings = make(map[string]Mapping)
	r.mu.Unlock()
}

// --- Sensors ---

// AddSensor registers a sensor. Registering the same kind and id again
// replaces the previous registration, which is returned as replaced. An id
// already used by a sensor of another kind is rejected.
func (r *Registry) AddSensor(spec Spec) (added, replaced *Sensor, err error) {
	switch {
	case spec.Kind == "":
		return nil, nil, &ValidationError{Field: "sensor kind", Reason: "must not be empty"}
	case spec.DeviceID == "":
		return nil, nil, &ValidationError{Field: "device id", Reason: "must not be empty"}
	case spec.Interval <= 0:
		return nil, nil, &ValidationError{Field: "interval", Reason: fmt.Sprintf("%s must be positive", spec.Interval)}
	case spec.Read == nil:
		return nil, nil, &ValidationError{Field: "read function", Reason: "must not be nil"}
	case spec.ChangeThreshold < 0:
		return nil, nil, &ValidationError{Field: "change threshold", Reason: "must not be negative"}
	}

	s := &Sensor{
		Kind:            spec.Kind,
		DeviceID:        spec.DeviceID,
		Location:        spec.Location,
		Interval:        spec.Interval,
		Read:            spec.Read,
		ChangeThreshold: spec.ChangeThreshold,
	}
	s.enabled.Store(!spec.Disabled)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sensors[spec.DeviceID]; ok {
		if prev.Kind != spec.Kind {
			return nil, nil, &ValidationError{
				Field:  "device id",
				Reason: fmt.Sprintf("%s is already registered as a %s sensor", spec.DeviceID, prev.Kind),
			}
		}
		replaced = prev
	}
	r.sensors[spec.DeviceID] = s
	return s, replaced, nil
}

// Sensor returns the sensor registered under kind and id
func (r *Registry) Sensor(kind Kind, deviceID string) (*Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(kind, deviceID)
}

func (r *Registry) lookup(kind Kind, deviceID string) (*Sensor, bool) {
	s, ok := r.sensors[deviceID]
	if !ok || s.Kind != kind {
		return nil, false
	}
	return s, true
}

// Sensors returns all sensors ordered by device id
func (r *Registry) Sensors() []*Sensor {
	r.mu.RLock()
	out := make([]*Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// EnableSensor resumes polling of a sensor
func (r *Registry) EnableSensor(kind Kind, deviceID string) error {
	return r.setEnabled(kind, deviceID, true)
}

// DisableSensor suspends polling of a sensor without removing it
func (r *Registry) DisableSensor(kind Kind, deviceID string) error {
	return r.setEnabled(kind, deviceID, false)
}

func (r *Registry) setEnabled(kind Kind, deviceID string, enabled bool) error {
	r.mu.RLock()
	s, ok := r.lookup(kind, deviceID)
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSensorNotFound, kind, deviceID)
	}
	s.enabled.Store(enabled)
	return nil
}

// RemoveSensor unregisters a sensor and returns it
func (r *Registry) RemoveSensor(kind Kind, deviceID string) (*Sensor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.lookup(kind, deviceID)
	if ok {
		delete(r.sensors, deviceID)
	}
	return s, ok
}

// RemoveAllSensors unregisters every sensor and returns the removed ones
func (r *Registry) RemoveAllSensors() []*Sensor {
	r.mu.Lock()
	removed := make([]*Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		removed = append(removed, s)
	}
	r.sensors = make(map[string]*Sensor)
	r.mu.Unlock()
	return removed
}

// Counts returns the number of sensors and mappings
func (r *Registry) Counts() (sensors, mappings int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sensors), len(r.mappings)
}
