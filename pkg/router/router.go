// Package router turns sensor events into wire messages for the current
// session and dispatches inbound platform messages.
package router

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/circuitnotion/device-agent/pkg/cloud"
	"github.com/circuitnotion/device-agent/pkg/metrics"
	"github.com/circuitnotion/device-agent/pkg/protocol"
	"github.com/circuitnotion/device-agent/pkg/scheduler"
)

// ErrNotConnected is returned when no session is published. The message is
// dropped, never queued.
var ErrNotConnected = errors.New("not connected")

// SessionSource yields the current session, or nil while disconnected
type SessionSource interface {
	Session() cloud.Session
}

// CommandHandler receives device control commands
type CommandHandler func(ctx context.Context, cmd protocol.Command)

// Option configures a Router
type Option func(*Router)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router is used from a single coordinator goroutine
type Router struct {
	source    SessionSource
	client    string
	onCommand CommandHandler
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a router. client is the microcontroller name stamped on every
// reading.
func New(source SessionSource, client string, onCommand CommandHandler, opts ...Option) *Router {
	r := &Router{
		source:    source,
		client:    client,
		onCommand: onCommand,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish sends one reading through the current session
func (r *Router) Publish(ctx context.Context, ev scheduler.Event) error {
	sess := r.source.Session()
	if sess == nil {
		r.metrics.ReadingDropped(metrics.DropDisconnected)
		return ErrNotConnected
	}

	payload, err := protocol.EncodeReading(protocol.ReadingMessage{
		DeviceID:        ev.DeviceID,
		Value:           ev.Reading.Value,
		Unit:            ev.Reading.Unit,
		Metadata:        ev.Reading.Metadata,
		SensorType:      string(ev.Kind),
		Location:        ev.Location,
		Timestamp:       ev.At.UnixMilli(),
		Microcontroller: r.client,
	})
	if err != nil {
		r.metrics.ReadingDropped(metrics.DropEncode)
		r.logger.Warn("Failed to encode reading", zap.String("device", ev.DeviceID), zap.Error(err))
		return err
	}

	if err := sess.Send(ctx, payload); err != nil {
		r.metrics.ReadingDropped(metrics.DropSendFailed)
		return err
	}

	r.metrics.ReadingSent()
	r.logger.Debug("Sent reading",
		zap.String("kind", string(ev.Kind)),
		zap.String("device", ev.DeviceID),
		zap.Float64("value", ev.Reading.Value),
		zap.String("unit", ev.Reading.Unit))
	return nil
}

// Dispatch handles one inbound payload. Malformed payloads are logged and
// returned as *protocol.ProtocolError; they never reach a handler.
func (r *Router) Dispatch(ctx context.Context, data []byte) error {
	r.metrics.MessageReceived()

	msg, err := protocol.Decode(data)
	if err != nil {
		r.metrics.ProtocolError()
		r.logger.Warn("Discarding inbound message", zap.Error(err))
		return err
	}

	switch msg.Type {
	case protocol.TypeCommand:
		r.metrics.Command()
		if r.onCommand != nil {
			r.onCommand(ctx, *msg.Command)
		}

	case protocol.TypePing:
		if sess := r.source.Session(); sess != nil {
			if err := sess.Send(ctx, protocol.EncodePong()); err != nil {
				r.logger.Warn("Failed to answer ping", zap.Error(err))
			}
		}

	case protocol.TypePong:
		r.logger.Debug("Received pong")

	case protocol.TypeAuthSuccess:
		r.logger.Info("Authentication successful")

	case protocol.TypeAuthError:
		r.logger.Error("Authentication failed", zap.String("reason", msg.Message))
		if sess := r.source.Session(); sess != nil {
			sess.Close()
		}
	}
	return nil
}

// Ping sends a keepalive ping
func (r *Router) Ping(ctx context.Context) error {
	sess := r.source.Session()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(ctx, protocol.EncodePing())
}
