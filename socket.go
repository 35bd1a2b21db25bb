// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
)

// SocketState is the connection lifecycle state.
type SocketState int32

const (
	SocketDisconnected SocketState = iota
	SocketConnecting
	SocketConnected
	SocketDisconnecting
)

// Delegate receives transport callbacks. OnMessage runs on the socket's read
// goroutine, OnConnected on the goroutine that called Connect, OnWriteDone
// on the sending goroutine, and OnDisconnected on whichever goroutine saw
// the connection end (the read loop, a failed Connect or Send, or a
// Disconnect while Connecting). Callbacks must not block.
type Delegate interface {
	OnConnected(s *Socket)
	OnDisconnected(s *Socket, reason error)
	OnMessage(s *Socket, msg Message)
	OnWriteDone(s *Socket)
}

// Socket is a bidirectional framed connection. It delivers only whole
// messages to its delegate; send order is preserved on the wire.
type Socket struct {
	mu       sync.Mutex
	state    SocketState
	url      *URL
	conn     net.Conn
	delegate Delegate
	cfg      *transportConfig
	queued   []Message // sends buffered while Connecting

	writeMu sync.Mutex
}

// NewSocket returns an unconnected socket reporting to delegate.
func NewSocket(delegate Delegate) *Socket {
	return &Socket{delegate: delegate}
}

// newAcceptedSocket wraps an already-established connection handed over by a
// server. The read loop is not started until start is called, giving the
// new owner a chance to install its delegate first.
func newAcceptedSocket(conn net.Conn) *Socket {
	return &Socket{state: SocketConnected, conn: conn}
}

// SetDelegate installs the delegate. It must be called before start on
// accepted sockets.
func (s *Socket) SetDelegate(d Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

// SetTLS sets the TLS configuration used by tcps and quic dials.
func (s *Socket) SetTLS(cfg *tls.Config) {
	s.mu.Lock()
	s.cfg = &transportConfig{tls: cfg}
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the endpoint this socket dialed, or nil for accepted sockets.
func (s *Socket) URL() *URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// RemoteAddr returns the peer address, or nil when disconnected.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// Connect dials rawURL and starts the read loop. Messages sent while the
// dial is in flight are queued and flushed in order once connected.
// Reconnection is never automatic.
func (s *Socket) Connect(ctx context.Context, rawURL string) error {
	u, err := ParseURL(rawURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != SocketDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("socket already %v", s.state)
	}
	s.state = SocketConnecting
	s.url = u
	cfg := s.cfg
	s.mu.Unlock()

	conn, err := dialTransport(ctx, u, cfg)
	if err != nil {
		s.mu.Lock()
		s.state = SocketDisconnected
		s.queued = nil
		d := s.delegate
		s.mu.Unlock()
		if d != nil {
			d.OnDisconnected(s, err)
		}
		return fmt.Errorf("connect %s: %w", rawURL, err)
	}

	s.mu.Lock()
	if s.state != SocketConnecting {
		// Disconnect raced the dial.
		s.mu.Unlock()
		conn.Close()
		return ErrConnectionClosed
	}
	s.conn = conn
	s.state = SocketConnected
	queued := s.queued
	s.queued = nil
	d := s.delegate
	s.mu.Unlock()

	go s.readLoop(conn)
	if d != nil {
		d.OnConnected(s)
	}
	for _, m := range queued {
		if err := s.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// Send writes one framed message. While Connecting the message is queued;
// once Disconnected it fails with ErrConnectionClosed. Concurrent sends are
// serialized so wire order matches call order.
func (s *Socket) Send(msg Message) error {
	s.mu.Lock()
	switch s.state {
	case SocketConnecting:
		s.queued = append(s.queued, msg)
		s.mu.Unlock()
		return nil
	case SocketConnected:
	default:
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	conn := s.conn
	d := s.delegate
	s.mu.Unlock()

	s.writeMu.Lock()
	_, err := msg.WriteTo(conn)
	s.writeMu.Unlock()
	if err != nil {
		s.teardown(fmt.Errorf("write: %w", err))
		return ErrConnectionClosed
	}
	if d != nil {
		d.OnWriteDone(s)
	}
	return nil
}

// Disconnect closes the connection. The delegate's OnDisconnected fires with
// a nil reason.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	switch s.state {
	case SocketDisconnected:
		s.mu.Unlock()
		return nil
	case SocketConnecting:
		// The dial in flight observes the state change and gives up.
		s.state = SocketDisconnecting
		s.mu.Unlock()
		s.teardown(nil)
		return nil
	}
	s.state = SocketDisconnecting
	conn := s.conn
	s.mu.Unlock()
	// The read loop observes the close and finishes the teardown.
	return conn.Close()
}

// start launches the read loop of an accepted socket.
func (s *Socket) start() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	go s.readLoop(conn)
}

func (s *Socket) readLoop(conn net.Conn) {
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				log.Printf("[SOCK] terminating connection: %v", err)
				conn.Close()
			}
			s.teardown(err)
			return
		}
		s.mu.Lock()
		d := s.delegate
		s.mu.Unlock()
		if d != nil {
			d.OnMessage(s, msg)
		}
	}
}

// teardown moves the socket to Disconnected exactly once, fails queued
// sends and notifies the delegate. A deliberate Disconnect reports a nil
// reason.
func (s *Socket) teardown(reason error) {
	s.mu.Lock()
	if s.state == SocketDisconnected {
		s.mu.Unlock()
		return
	}
	deliberate := s.state == SocketDisconnecting
	s.state = SocketDisconnected
	if s.conn != nil {
		s.conn.Close()
	}
	s.queued = nil
	d := s.delegate
	s.mu.Unlock()

	if deliberate {
		reason = nil
	}
	if d != nil {
		d.OnDisconnected(s, reason)
	}
}
