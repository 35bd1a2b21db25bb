// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ServerDelegate takes ownership of each accepted socket. Implementations
// install the socket's delegate inside OnNewConnection; the server starts
// the socket's read loop right after the callback returns.
type ServerDelegate interface {
	OnNewConnection(srv *Server, sock *Socket)
}

// Server accepts inbound connections on one or more bound URLs and yields
// new sockets to its delegate. It retains no ownership after handoff.
type Server struct {
	delegate ServerDelegate

	mu        sync.Mutex
	cfg       *transportConfig
	listeners []net.Listener
	endpoints []string
	closed    bool
	group     errgroup.Group
}

// NewServer returns a server reporting accepted sockets to delegate.
func NewServer(delegate ServerDelegate) *Server {
	return &Server{delegate: delegate}
}

// SetTLS sets the TLS configuration used by tcps and quic listeners.
func (srv *Server) SetTLS(cfg *tls.Config) {
	srv.mu.Lock()
	srv.cfg = &transportConfig{tls: cfg}
	srv.mu.Unlock()
}

// Listen binds rawURL, chosen by scheme, and starts accepting. It may be
// called multiple times to bind several endpoints concurrently.
func (srv *Server) Listen(rawURL string) error {
	u, err := ParseURL(rawURL)
	if err != nil {
		return err
	}
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return net.ErrClosed
	}
	cfg := srv.cfg
	srv.mu.Unlock()

	l, err := listenTransport(u, cfg)
	if err != nil {
		return err
	}

	srv.mu.Lock()
	srv.listeners = append(srv.listeners, l)
	srv.endpoints = append(srv.endpoints, listenerURL(u.Scheme, l))
	srv.mu.Unlock()

	srv.group.Go(func() error {
		return srv.acceptLoop(l)
	})
	return nil
}

// Endpoints returns the bound endpoint URLs, with ephemeral ports resolved.
func (srv *Server) Endpoints() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]string, len(srv.endpoints))
	copy(out, srv.endpoints)
	return out
}

func (srv *Server) acceptLoop(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			srv.mu.Lock()
			closed := srv.closed
			srv.mu.Unlock()
			if closed {
				return nil
			}
			continue
		}
		sock := newAcceptedSocket(conn)
		srv.delegate.OnNewConnection(srv, sock)
		sock.start()
	}
}

// Close stops all listeners and waits for the accept loops to drain.
// Sockets already handed to the delegate stay open.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	ls := srv.listeners
	srv.listeners = nil
	srv.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
	return srv.group.Wait()
}
