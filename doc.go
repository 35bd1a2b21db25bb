// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bus implements a distributed object messaging runtime: processes
// expose named services (methods, signals, properties) to peers over
// TCP/TLS/QUIC/Unix-domain transports, mediated by a central service
// directory and, optionally, a gateway that multiplexes client traffic
// toward backend services.
//
// # Transports
//
// Endpoints are URLs whose scheme selects the transport:
//
//	tcp://host:port    plain TCP (default)
//	tcps://host:port   TCP + TLS
//	quic://host:port   one QUIC stream per connection
//	unix:///path       Unix domain socket
//
// Build with -tags grpc to additionally tunnel the framing over a raw
// bidirectional gRPC stream (grpc://host:port).
//
// # Usage
//
// Run a directory:
//
//	sd := bus.NewDirectory()
//	if err := sd.Listen("tcp://0.0.0.0:9559"); err != nil {
//	    log.Fatal(err)
//	}
//
// Host a service:
//
//	b := bus.NewObjectBuilder()
//	b.AdvertiseMethod("echo", "(s)", "s", func(ctx context.Context, args []any) (any, error) {
//	    return args[0], nil
//	})
//	obj := b.MustObject()
//
//	s := bus.NewSession()
//	s.Connect(ctx, "tcp://127.0.0.1:9559")
//	s.RegisterService(ctx, "echo", obj)
//
// Call it from another process:
//
//	c := bus.NewSession()
//	c.Connect(ctx, "tcp://127.0.0.1:9559")
//	echo, _ := c.Service(ctx, "echo")
//	out, _ := echo.Call(ctx, "echo", "hello")
//
// # Architecture
//
// The package separates concerns:
//
//   - buffer.go, codec.go, signature.go: the binary value codec
//   - message.go: the fixed header, framing and address quadruple
//   - socket.go, server.go, transport.go: framed connections and listeners
//   - endpoint.go, future.go: the asynchronous request/reply state machine
//   - metaobject.go, object.go, boundobject.go, remoteobject.go: per-object
//     dynamic dispatch and remote proxies
//   - session.go: directory connection, registration and lookup
//   - directory.go: the service registry
//   - gateway.go: the request-forwarding multiplexer
//
// All calls are futures; Call blocks via the supplied context, whose
// deadline maps to Timeout and whose cancellation both resolves the local
// future and advises the peer with a Cancel message.
package bus
