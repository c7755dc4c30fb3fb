package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MQTTPayloadOnline  = "online"
	MQTTPayloadOffline = "offline"
)

// MQTTConfig holds MQTT transport settings
type MQTTConfig struct {
	BaseTopic      string
	QoS            byte
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration
	InboundBuffer  int
}

// DefaultMQTTConfig returns default MQTT settings
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		BaseTopic:      "circuitnotion",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		KeepAlive:      30 * time.Second,
		InboundBuffer:  16,
	}
}

// Topics are the per-client MQTT topics
type Topics struct {
	Up     string // agent -> platform
	Down   string // platform -> agent
	Status string // retained availability
}

// TopicsFor returns the topics used by client under base
func TopicsFor(base, client string) Topics {
	prefix := fmt.Sprintf("%s/%s", base, client)
	return Topics{
		Up:     prefix + "/up",
		Down:   prefix + "/down",
		Status: prefix + "/status",
	}
}

// BrokerURL renders the broker address of an endpoint
func (e Endpoint) BrokerURL() string {
	scheme := "tcp"
	if e.UseTLS {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// MQTTDialer opens sessions over an MQTT broker. The platform side
// subscribes to the up topic and publishes commands on the down topic.
type MQTTDialer struct {
	endpoint Endpoint
	config   MQTTConfig
	logger   *zap.Logger
}

// NewMQTTDialer creates a dialer for endpoint
func NewMQTTDialer(endpoint Endpoint, config MQTTConfig, logger *zap.Logger) *MQTTDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = 1
	}
	return &MQTTDialer{endpoint: endpoint, config: config, logger: logger}
}

// ClientOptions builds the paho options for one session
func (d *MQTTDialer) ClientOptions(sessionID string) *mqtt.ClientOptions {
	topics := TopicsFor(d.config.BaseTopic, d.endpoint.ClientName)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.endpoint.BrokerURL())
	opts.SetClientID(fmt.Sprintf("%s-%s", d.endpoint.ClientName, sessionID[:8]))
	opts.SetUsername(d.endpoint.ClientName)
	opts.SetPassword(d.endpoint.APIKey)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(d.config.ConnectTimeout)
	opts.SetKeepAlive(d.config.KeepAlive)
	opts.SetWill(topics.Status, MQTTPayloadOffline, 0, true)
	return opts
}

// Dial connects to the broker, subscribes to the down topic and announces
// the agent online
func (d *MQTTDialer) Dial(ctx context.Context) (Session, error) {
	broker := d.endpoint.BrokerURL()
	id := uuid.NewString()
	s := &mqttSession{
		id:      id,
		topics:  TopicsFor(d.config.BaseTopic, d.endpoint.ClientName),
		config:  d.config,
		logger:  d.logger.With(zap.String("session", id)),
		inbound: make(chan []byte, d.config.InboundBuffer),
		done:    make(chan struct{}),
	}

	opts := d.ClientOptions(id)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("MQTT connection lost", zap.Error(err))
		s.fail(err)
	})
	s.client = mqtt.NewClient(opts)

	if err := waitToken(ctx, s.client.Connect(), d.config.ConnectTimeout, "connect"); err != nil {
		// aborts a connect still in flight
		s.client.Disconnect(0)
		return nil, &ConnectError{Addr: broker, Err: err}
	}

	token := s.client.Subscribe(s.topics.Down, d.config.QoS, s.handleMessage)
	if err := waitToken(ctx, token, d.config.ConnectTimeout, "subscribe"); err != nil {
		s.Close()
		return nil, &ConnectError{Addr: broker, Err: err}
	}

	token = s.client.Publish(s.topics.Status, 0, true, MQTTPayloadOnline)
	if err := waitToken(ctx, token, d.config.WriteTimeout, "publish status"); err != nil {
		s.Close()
		return nil, &ConnectError{Addr: broker, Err: err}
	}

	s.logger.Info("Connected to platform broker", zap.String("broker", broker), zap.String("topic", s.topics.Down))
	return s, nil
}

type mqttSession struct {
	id      string
	client  mqtt.Client
	topics  Topics
	config  MQTTConfig
	logger  *zap.Logger
	inbound chan []byte

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

func (s *mqttSession) ID() string {
	return s.id
}

func (s *mqttSession) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case s.inbound <- msg.Payload():
	case <-s.done:
	}
}

func (s *mqttSession) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return &SendError{Session: s.id, Err: s.cause()}
	default:
	}

	token := s.client.Publish(s.topics.Up, s.config.QoS, false, payload)
	if err := waitToken(ctx, token, s.config.WriteTimeout, "publish"); err != nil {
		s.fail(err)
		return &SendError{Session: s.id, Err: err}
	}
	return nil
}

func (s *mqttSession) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.done:
		return nil, s.cause()
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func (s *mqttSession) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, s.err)
	}
	return ErrClosed
}

func (s *mqttSession) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.mu.Unlock()
	s.Close()
}

func (s *mqttSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	if s.client.IsConnectionOpen() {
		token := s.client.Publish(s.topics.Status, 0, true, MQTTPayloadOffline)
		token.WaitTimeout(500 * time.Millisecond)
	}
	s.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration, op string) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("MQTT %s: %w", op, err)
		}
		return nil
	case <-timer:
		return errors.New("MQTT " + op + " timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
