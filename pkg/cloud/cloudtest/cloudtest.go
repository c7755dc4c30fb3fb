// Package cloudtest provides in-memory sessions and a scripted dialer for
// testing code built on package cloud.
package cloudtest

import (
	"context"
	"sync"

	"github.com/circuitnotion/device-agent/pkg/cloud"
)

// Session is an in-memory cloud.Session. Messages queued with Deliver are
// returned by Receive; messages passed to Send are recorded.
type Session struct {
	id string
	in chan []byte

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
	done    chan struct{}
}

// NewSession creates an open session
func NewSession(id string) *Session {
	return &Session{
		id:   id,
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &cloud.SendError{Session: s.id, Err: cloud.ErrClosed}
	}
	if s.sendErr != nil {
		return &cloud.SendError{Session: s.id, Err: s.sendErr}
	}
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, cloud.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Deliver queues an inbound message. It reports false once the session is
// closed.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.in <- payload:
		return true
	case <-s.done:
		return false
	}
}

// FailSends makes every following Send fail with err
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Sent returns copies of the sent messages
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type result struct {
	session *Session
	err     error
}

// Dialer plays back a script of dial results. Once the script is exhausted
// Dial blocks until more results are queued or ctx is cancelled.
type Dialer struct {
	mu       sync.Mutex
	script   []result
	attempts int
	ready    chan struct{}
}

// NewDialer creates a dialer with an empty script
func NewDialer() *Dialer {
	return &Dialer{ready: make(chan struct{}, 1)}
}

// Fail queues a failed attempt
func (d *Dialer) Fail(err error) *Dialer {
	return d.push(result{err: err})
}

// Succeed queues an attempt returning s
func (d *Dialer) Succeed(s *Session) *Dialer {
	return d.push(result{session: s})
}

func (d *Dialer) push(r result) *Dialer {
	d.mu.Lock()
	d.script = append(d.script, r)
	d.mu.Unlock()
	select {
	case d.ready <- struct{}{}:
	default:
	}
	return d
}

// Attempts returns the number of Dial calls that consumed a script entry
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *Dialer) Dial(ctx context.Context) (cloud.Session, error) {
	for {
		d.mu.Lock()
		if len(d.script) > 0 {
			r := d.script[0]
			d.script = d.script[1:]
			d.attempts++
			d.mu.Unlock()
			if r.err != nil {
				return nil, &cloud.ConnectError{Addr: "cloudtest", Err: r.err}
			}
			return r.session, nil
		}
		d.mu.Unlock()

		select {
		case <-d.ready:
		case <-ctx.Done():
			return nil, &cloud.ConnectError{Addr: "cloudtest", Err: ctx.Err()}
		}
	}
}
