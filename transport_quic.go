// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is the ALPN protocol identifier negotiated on quic:// endpoints.
const quicALPN = "bus"

// quicStream is the subset of a QUIC stream the framing layer needs.
type quicStream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// quicSession is the subset of a QUIC connection the adapter needs.
type quicSession interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	CloseWithError(quic.ApplicationErrorCode, string) error
}

// quicConn adapts one bidirectional QUIC stream to net.Conn. Each socket
// uses a single stream; the usual message framing runs on top of it.
type quicConn struct {
	sess   quicSession
	stream quicStream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	c.stream.Close()
	return c.sess.CloseWithError(0, "closed")
}

func (c *quicConn) LocalAddr() net.Addr                { return c.sess.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr               { return c.sess.RemoteAddr() }
func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func dialQUIC(ctx context.Context, u *URL, cfg *transportConfig) (net.Conn, error) {
	tlsConf := cfg.clientTLS()
	tlsConf.NextProtos = []string{quicALPN}
	sess, err := quic.DialAddr(ctx, u.Host, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicConn{sess: sess, stream: stream}, nil
}

func listenQUIC(u *URL, cfg *transportConfig) (net.Listener, error) {
	if cfg == nil || cfg.tls == nil {
		return nil, fmt.Errorf("quic listener requires a TLS config")
	}
	tlsConf := cfg.tls.Clone()
	tlsConf.NextProtos = []string{quicALPN}
	ql, err := quic.ListenAddr(u.Host, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	return &quicListener{ql: ql}, nil
}

// quicListener adapts a QUIC listener to net.Listener, accepting the first
// bidirectional stream of every connection.
type quicListener struct {
	ql *quic.Listener
}

func (l *quicListener) Accept() (net.Conn, error) {
	sess, err := l.ql.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	stream, err := sess.AcceptStream(context.Background())
	if err != nil {
		sess.CloseWithError(0, "no stream")
		return nil, err
	}
	return &quicConn{sess: sess, stream: stream}, nil
}

func (l *quicListener) Close() error   { return l.ql.Close() }
func (l *quicListener) Addr() net.Addr { return l.ql.Addr() }
