// Package config loads the agent configuration file. Values come from the
// YAML file, then from CIRCUITNOTION_* environment variables, optionally
// read from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/circuitnotion/device-agent/internal/logging"
	"github.com/circuitnotion/device-agent/pkg/agent"
	"github.com/circuitnotion/device-agent/pkg/cloud"
	"github.com/circuitnotion/device-agent/pkg/registry"
	"github.com/circuitnotion/device-agent/pkg/supervisor"
)

// EnvPrefix prefixes every environment override, e.g. CIRCUITNOTION_CLOUD_API_KEY
const EnvPrefix = "circuitnotion"

const redacted = "*redacted*"

// Config represents the configuration file structure
type Config struct {
	Cloud struct {
		Host            string `yaml:"host"`
		Port            int    `yaml:"port"`
		Path            string `yaml:"path"`
		APIKey          string `yaml:"api_key"`
		Microcontroller string `yaml:"microcontroller"`
		UseTLS          bool   `yaml:"use_tls"`
		Transport       string `yaml:"transport"`
	} `yaml:"cloud"`

	MQTT struct {
		BaseTopic string `yaml:"base_topic"`
		QoS       byte   `yaml:"qos"`
	} `yaml:"mqtt"`

	Reconnect struct {
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		Jitter       float64       `yaml:"jitter"`
		StableAfter  time.Duration `yaml:"stable_after"`
	} `yaml:"reconnect"`

	Keepalive struct {
		PingInterval time.Duration `yaml:"ping_interval"`
	} `yaml:"keepalive"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Status struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
		HTTPLog  bool   `yaml:"http_log"`
	} `yaml:"status"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Devices []Device `yaml:"devices"`
	Sensors []Sensor `yaml:"sensors"`
}

// Device maps a platform device to a local pin
type Device struct {
	ID       string `yaml:"id"`
	Pin      int    `yaml:"pin"`
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // digital or analog
	Inverted bool   `yaml:"inverted,omitempty"`
}

// Sensor registers a sensor read from the local filesystem
type Sensor struct {
	Kind            string        `yaml:"kind"`
	ID              string        `yaml:"id"`
	Location        string        `yaml:"location"`
	Interval        time.Duration `yaml:"interval"`
	Source          string        `yaml:"source"` // file, w1 or w1:auto
	Path            string        `yaml:"path,omitempty"`
	Scale           float64       `yaml:"scale,omitempty"`
	Unit            string        `yaml:"unit,omitempty"`
	ChangeThreshold float64       `yaml:"change_threshold,omitempty"`
	Disabled        bool          `yaml:"disabled,omitempty"`
}

// Default returns the configuration used for keys the file leaves out
func Default() *Config {
	a := agent.DefaultConfig()

	var cfg Config
	cfg.Cloud.Host = a.Endpoint.Host
	cfg.Cloud.Port = a.Endpoint.Port
	cfg.Cloud.Path = a.Endpoint.Path
	cfg.Cloud.UseTLS = a.Endpoint.UseTLS
	cfg.Cloud.Transport = string(a.Transport)
	cfg.MQTT.BaseTopic = a.MQTT.BaseTopic
	cfg.MQTT.QoS = a.MQTT.QoS
	cfg.Reconnect.InitialDelay = a.Reconnect.InitialDelay
	cfg.Reconnect.MaxDelay = a.Reconnect.MaxDelay
	cfg.Reconnect.Multiplier = a.Reconnect.Multiplier
	cfg.Reconnect.Jitter = a.Reconnect.Jitter
	cfg.Reconnect.StableAfter = a.Reconnect.StableAfter
	cfg.Keepalive.PingInterval = a.PingInterval
	cfg.Storage.Path = "/var/lib/circuitnotion/state.db"
	cfg.Status.HTTPAddr = ":8080"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return &cfg
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration file at path over the defaults and applies
// environment overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar keys from the environment
func (c *Config) applyEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	strs := map[string]*string{
		"cloud.host":            &c.Cloud.Host,
		"cloud.path":            &c.Cloud.Path,
		"cloud.api_key":         &c.Cloud.APIKey,
		"cloud.microcontroller": &c.Cloud.Microcontroller,
		"cloud.transport":       &c.Cloud.Transport,
		"mqtt.base_topic":       &c.MQTT.BaseTopic,
		"storage.path":          &c.Storage.Path,
		"status.http_addr":      &c.Status.HTTPAddr,
		"status.grpc_addr":      &c.Status.GRPCAddr,
		"logging.level":         &c.Logging.Level,
		"logging.format":        &c.Logging.Format,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	if v.IsSet("cloud.port") {
		port := v.GetInt("cloud.port")
		if port == 0 {
			return fmt.Errorf("invalid %s_CLOUD_PORT %q", strings.ToUpper(EnvPrefix), v.GetString("cloud.port"))
		}
		c.Cloud.Port = port
	}
	if v.IsSet("cloud.use_tls") {
		c.Cloud.UseTLS = v.GetBool("cloud.use_tls")
	}

	durations := map[string]*time.Duration{
		"reconnect.initial_delay": &c.Reconnect.InitialDelay,
		"reconnect.max_delay":     &c.Reconnect.MaxDelay,
		"keepalive.ping_interval": &c.Keepalive.PingInterval,
	}
	for key, dst := range durations {
		if v.IsSet(key) {
			d, err := time.ParseDuration(v.GetString(key))
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks connection settings through agent.Config.Validate, then
// the device and sensor lists
func (c *Config) Validate() error {
	if _, err := c.Agent(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d].id %q is duplicated", i, d.ID)
		}
		seen[d.ID] = true
		if _, err := d.DeviceKind(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}

	for i, s := range c.Sensors {
		if s.ID == "" {
			return fmt.Errorf("sensors[%d].id is required", i)
		}
		if s.Interval <= 0 {
			return fmt.Errorf("sensors[%d].interval must be positive", i)
		}
		switch s.Source {
		case "file", "w1":
			if s.Path == "" {
				return fmt.Errorf("sensors[%d].path is required for source %s", i, s.Source)
			}
		case "w1:auto":
		default:
			return fmt.Errorf("sensors[%d].source %q is not file, w1 or w1:auto", i, s.Source)
		}
	}
	return nil
}

// Agent converts the file into an agent configuration
func (c *Config) Agent() (agent.Config, error) {
	a := agent.DefaultConfig()
	a.Endpoint = cloud.Endpoint{
		Host:       c.Cloud.Host,
		Port:       c.Cloud.Port,
		Path:       c.Cloud.Path,
		APIKey:     c.Cloud.APIKey,
		ClientName: c.Cloud.Microcontroller,
		UseTLS:     c.Cloud.UseTLS,
	}
	a.Transport = agent.Transport(c.Cloud.Transport)
	a.MQTT.BaseTopic = c.MQTT.BaseTopic
	a.MQTT.QoS = c.MQTT.QoS
	a.Reconnect = supervisor.Config{
		InitialDelay: c.Reconnect.InitialDelay,
		MaxDelay:     c.Reconnect.MaxDelay,
		Multiplier:   c.Reconnect.Multiplier,
		Jitter:       c.Reconnect.Jitter,
		StableAfter:  c.Reconnect.StableAfter,
	}
	a.PingInterval = c.Keepalive.PingInterval

	if err := a.Validate(); err != nil {
		return agent.Config{}, err
	}
	return a, nil
}

// LogLevel parses logging.level
func (c *Config) LogLevel() zapcore.Level {
	return logging.ParseLevel(c.Logging.Level)
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() Config {
	out := *c
	if out.Cloud.APIKey != "" {
		out.Cloud.APIKey = redacted
	}
	return out
}

// DeviceKind parses the device kind, digital when empty
func (d Device) DeviceKind() (registry.DeviceKind, error) {
	switch strings.ToLower(d.Kind) {
	case "", "digital":
		return registry.Digital, nil
	case "analog", "pwm":
		return registry.Analog, nil
	}
	return 0, fmt.Errorf("kind %q is not digital or analog", d.Kind)
}
