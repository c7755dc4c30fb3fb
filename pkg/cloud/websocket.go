package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/circuitnotion/device-agent/pkg/protocol"
)

// WebSocketConfig holds websocket transport settings
type WebSocketConfig struct {
	HandshakeTimeout time.Duration // TCP/TLS and HTTP upgrade
	AuthTimeout      time.Duration // wait for auth_success; 0 does not wait
	WriteTimeout     time.Duration // per write
	ReadTimeout      time.Duration // per read; 0 disables
}

// DefaultWebSocketConfig returns default websocket settings
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		AuthTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WebSocketDialer opens websocket sessions to the platform
type WebSocketDialer struct {
	endpoint Endpoint
	config   WebSocketConfig
	logger   *zap.Logger
}

// NewWebSocketDialer creates a dialer for endpoint
func NewWebSocketDialer(endpoint Endpoint, config WebSocketConfig, logger *zap.Logger) *WebSocketDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketDialer{endpoint: endpoint, config: config, logger: logger}
}

// Dial connects, sends the identification message and waits for the
// platform to accept it
func (d *WebSocketDialer) Dial(ctx context.Context) (Session, error) {
	wsURL := d.endpoint.URL()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.config.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, &ConnectError{Addr: wsURL, Err: fmt.Errorf("dial failed: %w", err)}
	}

	id := uuid.NewString()
	s := &wsSession{
		id:     id,
		conn:   conn,
		config: d.config,
		logger: d.logger.With(zap.String("session", id)),
		done:   make(chan struct{}),
	}

	if err := s.authenticate(ctx, d.endpoint); err != nil {
		s.Close()
		return nil, &ConnectError{Addr: wsURL, Err: err}
	}

	s.logger.Info("Connected to platform websocket", zap.String("url", wsURL))
	return s, nil
}

type wsSession struct {
	id     string
	conn   *websocket.Conn
	config WebSocketConfig
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSession) ID() string {
	return s.id
}

// authenticate sends the identification message and reads until the
// platform accepts or rejects it
func (s *wsSession) authenticate(ctx context.Context, ep Endpoint) error {
	payload, err := protocol.EncodeAuth(ep.APIKey, ep.ClientName)
	if err != nil {
		return fmt.Errorf("encode auth: %w", err)
	}
	if err := s.Send(ctx, payload); err != nil {
		return err
	}
	s.logger.Debug("Sent authentication", zap.String("client", ep.ClientName))

	if s.config.AuthTimeout <= 0 {
		return nil
	}

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	s.conn.SetReadDeadline(time.Now().Add(s.config.AuthTimeout))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("waiting for auth_success: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("Ignoring message before authentication", zap.Error(err))
			continue
		}

		switch msg.Type {
		case protocol.TypeAuthSuccess:
			s.conn.SetReadDeadline(time.Time{})
			return nil
		case protocol.TypeAuthError:
			return fmt.Errorf("%w: %s", ErrAuthRejected, msg.Message)
		case protocol.TypePing:
			if err := s.Send(ctx, protocol.EncodePong()); err != nil {
				return err
			}
		default:
			s.logger.Debug("Ignoring message before authentication", zap.String("type", string(msg.Type)))
		}
	}
}

func (s *wsSession) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return &SendError{Session: s.id, Err: ErrClosed}
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deadline time.Time
	if s.config.WriteTimeout > 0 {
		deadline = time.Now().Add(s.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.fail("write", err)
		return &SendError{Session: s.id, Err: err}
	}
	return nil
}

// Receive returns the next text or binary message. Cancelling ctx closes the
// session.
func (s *wsSession) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if s.config.ReadTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}
		s.fail("read", err)
		return nil, fmt.Errorf("receive on session %s: %w", s.id, err)
	}
	return data, nil
}

// fail moves the session to its terminal broken condition
func (s *wsSession) fail(op string, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		s.logger.Warn("WebSocket "+op+" error", zap.Error(err))
	} else {
		s.logger.Debug("WebSocket "+op+" error", zap.Error(err))
	}
	s.Close()
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
