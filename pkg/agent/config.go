package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/circuitnotion/device-agent/pkg/cloud"
	"github.com/circuitnotion/device-agent/pkg/supervisor"
)

// Transport selects how sessions reach the platform
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportMQTT      Transport = "mqtt"
)

// Config holds agent configuration
type Config struct {
	Endpoint     cloud.Endpoint
	Transport    Transport
	WebSocket    cloud.WebSocketConfig
	MQTT         cloud.MQTTConfig
	Reconnect    supervisor.Config
	PingInterval time.Duration // 0 disables client pings
}

// DefaultConfig returns default agent configuration
func DefaultConfig() Config {
	return Config{
		Endpoint: cloud.Endpoint{
			Host:   "iot.circuitnotion.com",
			Port:   443,
			Path:   "/ws",
			UseTLS: true,
		},
		Transport:    TransportWebSocket,
		WebSocket:    cloud.DefaultWebSocketConfig(),
		MQTT:         cloud.DefaultMQTTConfig(),
		Reconnect:    supervisor.DefaultConfig(),
		PingInterval: 30 * time.Second,
	}
}

// ConfigError reports invalid startup parameters
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// Validate checks the configuration and returns a *ConfigError
func (c Config) Validate() error {
	ep := c.Endpoint
	switch {
	case strings.TrimSpace(ep.Host) == "":
		return &ConfigError{Field: "host", Reason: "must not be empty"}
	case ep.Port < 1 || ep.Port > 65535:
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is out of range 1-65535", ep.Port)}
	case !strings.HasPrefix(ep.Path, "/"):
		return &ConfigError{Field: "path", Reason: fmt.Sprintf("%q must start with /", ep.Path)}
	case ep.APIKey == "":
		return &ConfigError{Field: "api key", Reason: "must not be empty"}
	case ep.ClientName == "":
		return &ConfigError{Field: "microcontroller name", Reason: "must not be empty"}
	case c.PingInterval < 0:
		return &ConfigError{Field: "ping interval", Reason: "must not be negative"}
	}

	switch c.Transport {
	case "", TransportWebSocket:
	case TransportMQTT:
		if c.MQTT.BaseTopic == "" {
			return &ConfigError{Field: "mqtt base topic", Reason: "must not be empty"}
		}
	default:
		return &ConfigError{Field: "transport", Reason: fmt.Sprintf("%q is not websocket or mqtt", c.Transport)}
	}

	if err := c.Reconnect.Validate(); err != nil {
		return &ConfigError{Field: "reconnect", Reason: err.Error()}
	}
	return nil
}
