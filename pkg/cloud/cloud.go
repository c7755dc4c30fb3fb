// Package cloud provides the transport sessions between the device agent and
// the CircuitNotion platform. A session is one live connection; it never
// reconnects by itself.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

var (
	// ErrClosed is returned by a session that was closed or broke
	ErrClosed = errors.New("session closed")

	// ErrAuthRejected is wrapped when the platform answers auth_error
	ErrAuthRejected = errors.New("authentication rejected")
)

// Session is one established connection to the platform
type Session interface {
	// ID identifies the session in logs
	ID() string
	// Send writes one message. It fails with *SendError once the session is
	// broken or closed.
	Send(ctx context.Context, payload []byte) error
	// Receive blocks until the next inbound message or closure
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions. Dial fails with *ConnectError.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Endpoint is the platform address and the credentials of this agent
type Endpoint struct {
	Host       string
	Port       int
	Path       string
	APIKey     string
	ClientName string // microcontroller name
	UseTLS     bool
}

// URL renders the websocket URL of the endpoint
func (e Endpoint) URL() string {
	scheme := "ws"
	if e.UseTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   e.Path,
	}
	return u.String()
}

// Address returns host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ConnectError reports a failed session establishment
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendError reports a failed write on a session
type SendError struct {
	Session string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send on session %s: %v", e.Session, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
