// Package protocol defines the JSON message formats exchanged between the
// device agent and the CircuitNotion platform.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Type identifies a wire message
type Type string

const (
	// Agent -> Platform messages
	TypeAuth    Type = "auth"    // Identification handshake
	TypeReading Type = "reading" // Sensor reading

	// Platform -> Agent messages
	TypeAuthSuccess Type = "auth_success" // Identification accepted
	TypeAuthError   Type = "auth_error"   // Identification rejected
	TypeCommand     Type = "command"      // Device control command

	// Bidirectional
	TypePing Type = "ping"
	TypePong Type = "pong"
)

// ErrMalformed is wrapped by every ProtocolError caused by bad input
var ErrMalformed = errors.New("malformed message")

// ProtocolError describes an inbound payload that could not be understood
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrMalformed
}

func malformed(reason string, err error) error {
	if err == nil {
		err = ErrMalformed
	} else {
		err = fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &ProtocolError{Reason: reason, Err: err}
}

// AuthMessage is sent once per session to identify the agent
type AuthMessage struct {
	Type                Type   `json:"type"`
	APIKey              string `json:"apiKey"`
	MicrocontrollerName string `json:"microcontrollerName"`
}

// ReadingMessage carries one sensor reading upstream
type ReadingMessage struct {
	Type            Type           `json:"type"`
	DeviceID        string         `json:"deviceId"`
	Value           float64        `json:"value"`
	Unit            string         `json:"unit"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	SensorType      string         `json:"sensorType,omitempty"`
	Location        string         `json:"location,omitempty"`
	Timestamp       int64          `json:"timestamp,omitempty"` // Unix milliseconds
	Microcontroller string         `json:"microcontroller,omitempty"`
}

// Command is a decoded device control instruction
type Command struct {
	DeviceID string `json:"deviceId"`
	State    string `json:"state"`
}

// Inbound is a decoded message received from the platform
type Inbound struct {
	Type    Type
	Command *Command // set for TypeCommand
	Message string   // set for TypeAuthError
}

// envelope is the union of all inbound fields
type envelope struct {
	Type     Type    `json:"type"`
	DeviceID *string `json:"deviceId"`
	State    *string `json:"state"`
	Message  string  `json:"message"`
}

// EncodeAuth serializes the identification message
func EncodeAuth(apiKey, microcontrollerName string) ([]byte, error) {
	return json.Marshal(AuthMessage{
		Type:                TypeAuth,
		APIKey:              apiKey,
		MicrocontrollerName: microcontrollerName,
	})
}

// EncodeReading serializes a reading message. The value must be finite.
func EncodeReading(m ReadingMessage) ([]byte, error) {
	if m.DeviceID == "" {
		return nil, errors.New("reading without device id")
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return nil, fmt.Errorf("reading %s: value %v is not a finite number", m.DeviceID, m.Value)
	}
	m.Type = TypeReading
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode reading %s: %w", m.DeviceID, err)
	}
	return data, nil
}

// EncodeCommand serializes a device control command
func EncodeCommand(c Command) ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
		Command
	}{TypeCommand, c})
}

// EncodePing returns a keepalive ping
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}

// EncodePong returns the reply to a ping
func EncodePong() []byte {
	return []byte(`{"type":"pong"}`)
}

// Decode parses an inbound payload. Unknown types and missing fields yield a
// *ProtocolError.
func Decode(data []byte) (*Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("invalid json", err)
	}

	switch env.Type {
	case "":
		return nil, malformed("missing type", nil)

	case TypeCommand:
		if env.DeviceID == nil || *env.DeviceID == "" {
			return nil, malformed("command without deviceId", nil)
		}
		if env.State == nil {
			return nil, malformed("command without state", nil)
		}
		return &Inbound{
			Type:    TypeCommand,
			Command: &Command{DeviceID: *env.DeviceID, State: *env.State},
		}, nil

	case TypeAuthError:
		msg := env.Message
		if msg == "" {
			msg = "unknown error"
		}
		return &Inbound{Type: TypeAuthError, Message: msg}, nil

	case TypePing, TypePong, TypeAuthSuccess:
		return &Inbound{Type: env.Type}, nil

	default:
		return nil, malformed(fmt.Sprintf("unknown type %q", env.Type), nil)
	}
}

// DecodeReading parses a reading message. It is the reference decoder used by
// tests and by the platform side of integration harnesses.
func DecodeReading(data []byte) (*ReadingMessage, error) {
	var m ReadingMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, malformed("invalid json", err)
	}
	if m.Type != TypeReading {
		return nil, malformed(fmt.Sprintf("unexpected type %q", m.Type), nil)
	}
	return &m, nil
}

// DecodeAuth parses an identification message
func DecodeAuth(data []byte) (*AuthMessage, error) {
	var m AuthMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, malformed("invalid json", err)
	}
	if m.Type != TypeAuth {
		return nil, malformed(fmt.Sprintf("unexpected type %q", m.Type), nil)
	}
	return &m, nil
}
