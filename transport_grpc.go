//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func init() {
	// Register the gRPC tunnel when the build tag is enabled.
	registerTransport("grpc", dialGRPC, listenGRPC)
}

const grpcTunnelMethod = "/bus.Tunnel/Pipe"

// rawCodec passes frames through unchanged; the bus framing already defines
// the message boundaries.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: unexpected %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: unexpected %T", v)
	}
	*b = data
	return nil
}

func (rawCodec) Name() string { return "bus-raw" }

var grpcTunnelStreamDesc = grpc.StreamDesc{
	StreamName:    "Pipe",
	ClientStreams: true,
	ServerStreams: true,
}

func dialGRPC(ctx context.Context, u *URL, _ *transportConfig) (net.Conn, error) {
	cc, err := grpc.NewClient(u.Host,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	stream, err := cc.NewStream(ctx, &grpcTunnelStreamDesc, grpcTunnelMethod)
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("grpc stream: %w", err)
	}
	return &grpcTunnelConn{
		stream: stream,
		done:   make(chan struct{}),
		closer: cc.Close,
		addr:   tunnelAddr(u.Host),
	}, nil
}

func listenGRPC(u *URL, _ *transportConfig) (net.Listener, error) {
	lis, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	tl := &grpcTunnelListener{
		lis:    lis,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	tl.srv = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	tl.srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "bus.Tunnel",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Pipe",
			Handler:       tl.handlePipe,
			ClientStreams: true,
			ServerStreams: true,
		}},
	}, tl)
	go tl.srv.Serve(lis)
	return tl, nil
}

type grpcTunnelListener struct {
	srv       *grpc.Server
	lis       net.Listener
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// handlePipe parks the stream as an accepted net.Conn and blocks until the
// conn is closed; returning would tear the stream down.
func (l *grpcTunnelListener) handlePipe(_ any, stream grpc.ServerStream) error {
	conn := &grpcTunnelConn{
		stream: stream,
		done:   make(chan struct{}),
		addr:   tunnelAddr(l.lis.Addr().String()),
	}
	select {
	case l.conns <- conn:
	case <-l.closed:
		return nil
	}
	select {
	case <-conn.done:
	case <-stream.Context().Done():
	case <-l.closed:
	}
	return nil
}

func (l *grpcTunnelListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *grpcTunnelListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.srv.Stop()
	})
	return nil
}

func (l *grpcTunnelListener) Addr() net.Addr { return l.lis.Addr() }

// grpcTunnelStream is the send/recv surface shared by client and server
// stream handles.
type grpcTunnelStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcTunnelConn adapts a bidirectional raw-frame stream to net.Conn.
type grpcTunnelConn struct {
	stream    grpcTunnelStream
	readMu    sync.Mutex
	leftover  []byte
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	closer    func() error
	addr      tunnelAddr
}

func (c *grpcTunnelConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.leftover) == 0 {
		var frame []byte
		if err := c.stream.RecvMsg(&frame); err != nil {
			return 0, err
		}
		c.leftover = frame
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

func (c *grpcTunnelConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame := make([]byte, len(p))
	copy(frame, p)
	if err := c.stream.SendMsg(&frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *grpcTunnelConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if cs, ok := c.stream.(grpc.ClientStream); ok {
			cs.CloseSend()
		}
		if c.closer != nil {
			c.closer()
		}
	})
	return nil
}

func (c *grpcTunnelConn) LocalAddr() net.Addr              { return c.addr }
func (c *grpcTunnelConn) RemoteAddr() net.Addr             { return c.addr }
func (c *grpcTunnelConn) SetDeadline(time.Time) error      { return nil }
func (c *grpcTunnelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *grpcTunnelConn) SetWriteDeadline(time.Time) error { return nil }

type tunnelAddr string

func (a tunnelAddr) Network() string { return "grpc" }
func (a tunnelAddr) String() string  { return string(a) }
