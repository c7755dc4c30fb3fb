// Package storage provides SQLite database operations for the device agent.
package storage

import "time"

// ActuatorState is the last state commanded for a mapped device
type ActuatorState struct {
	DeviceID  string    `json:"device_id" yaml:"device_id"`
	State     string    `json:"state" yaml:"state"`
	Source    string    `json:"source" yaml:"source"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// StateChange is one entry of the actuator history
type StateChange struct {
	ID        int64     `json:"id" yaml:"id"`
	DeviceID  string    `json:"device_id" yaml:"device_id"`
	PrevState string    `json:"prev_state,omitempty" yaml:"prev_state,omitempty"`
	NewState  string    `json:"new_state" yaml:"new_state"`
	Source    string    `json:"source" yaml:"source"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Sources of a state change
const (
	SourceCommand = "command"
	SourceManual  = "manual"
)
