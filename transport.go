// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// Transport schemes built in by default. The grpc tunnel registers itself
// when built with -tags grpc.
const (
	TransportTCP  = "tcp"
	TransportTLS  = "tcps"
	TransportUnix = "unix"
	TransportQUIC = "quic"
)

type dialFunc func(ctx context.Context, u *URL, cfg *transportConfig) (net.Conn, error)
type listenFunc func(u *URL, cfg *transportConfig) (net.Listener, error)

// transportConfig carries the per-component transport settings threaded to
// dial and listen.
type transportConfig struct {
	tls *tls.Config
}

func (c *transportConfig) clientTLS() *tls.Config {
	if c != nil && c.tls != nil {
		return c.tls.Clone()
	}
	// Endpoint identity only; certificate trust is out of scope.
	return &tls.Config{InsecureSkipVerify: true}
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]struct {
		dial   dialFunc
		listen listenFunc
	}{
		TransportTCP:  {dialTCP, listenTCP},
		TransportTLS:  {dialTLS, listenTLS},
		TransportUnix: {dialUnix, listenUnix},
		TransportQUIC: {dialQUIC, listenQUIC},
	}
)

// registerTransport registers a new scheme (used by build tags).
func registerTransport(scheme string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = struct {
		dial   dialFunc
		listen listenFunc
	}{dial, listen}
}

// AvailableTransports returns the registered URL schemes.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for scheme := range transports {
		result = append(result, scheme)
	}
	return result
}

func dialTransport(ctx context.Context, u *URL, cfg *transportConfig) (net.Conn, error) {
	transportsMu.RLock()
	t, ok := transports[u.Scheme]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", u.Scheme)
	}
	return t.dial(ctx, u, cfg)
}

func listenTransport(u *URL, cfg *transportConfig) (net.Listener, error) {
	transportsMu.RLock()
	t, ok := transports[u.Scheme]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", u.Scheme)
	}
	return t.listen(u, cfg)
}

func dialTCP(ctx context.Context, u *URL, _ *transportConfig) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", u.Host)
}

func listenTCP(u *URL, _ *transportConfig) (net.Listener, error) {
	return net.Listen("tcp", u.Host)
}

func dialTLS(ctx context.Context, u *URL, cfg *transportConfig) (net.Conn, error) {
	d := &tls.Dialer{Config: cfg.clientTLS()}
	return d.DialContext(ctx, "tcp", u.Host)
}

func listenTLS(u *URL, cfg *transportConfig) (net.Listener, error) {
	if cfg == nil || cfg.tls == nil {
		return nil, fmt.Errorf("tcps listener requires a TLS config")
	}
	return tls.Listen("tcp", u.Host, cfg.tls)
}

func dialUnix(ctx context.Context, u *URL, _ *transportConfig) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", u.Host)
}

func listenUnix(u *URL, _ *transportConfig) (net.Listener, error) {
	return net.Listen("unix", u.Host)
}

// listenerURL rebuilds an advertisable endpoint URL from a bound listener.
func listenerURL(scheme string, l net.Listener) string {
	if scheme == TransportUnix {
		return "unix://" + l.Addr().String()
	}
	return scheme + "://" + l.Addr().String()
}
