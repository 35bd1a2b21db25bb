// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// originKind tags a rewrite-table entry with what the forwarded message
// was.
type originKind int

const (
	// originForward is a client message in flight toward a service.
	originForward originKind = iota
	// originLookup is a gateway-internal directory lookup (rule C.2).
	originLookup
	// originAuth is the gateway's own capability exchange on an upstream
	// socket.
	originAuth
)

// origin records where a rewritten message came from. The pair
// (serviceSocket, rewrittenId) maps to exactly one origin over its
// lifetime.
type origin struct {
	kind   originKind
	origID uint32
	client *Socket
	// addr echoes the original call address so failures can be answered
	// without the original message.
	addr MessageAddress
	// rewriteEndpoints marks directory lookups whose reply must
	// advertise the gateway's endpoints instead of the service's.
	rewriteEndpoints bool
	// serviceID is the target of a gateway-internal lookup.
	serviceID uint32
}

// pendingForward is a client message staged while its service socket is
// still being established.
type pendingForward struct {
	msg    Message
	client *Socket
}

// Gateway forwards client traffic to services without clients ever
// learning service endpoints. Clients connect to it as if it were the
// directory; lookups are answered with the gateway's own endpoint and every
// subsequent message is forwarded with a rewritten correlation id.
type Gateway struct {
	server *Server
	tlsCfg *tls.Config
	local  CapabilityMap

	// Rewritten ids come from a 64-bit counter even though the wire
	// carries u32: a forward whose truncated id is still in flight on
	// the same socket is rejected rather than silently reused.
	nextForward atomic.Uint64

	mu           sync.Mutex
	dirSock      *Socket
	clients      map[*Socket]struct{}
	services     map[uint32]*Socket            // serviceId → upstream socket
	serviceID    map[*Socket]uint32            // reverse of services
	rewrites     map[*Socket]map[uint32]origin // upstream socket → rewrittenId
	pending      map[uint32][]pendingForward   // serviceId → staged messages
	names        map[uint32]string             // serviceId → name, learned from lookups
	closed       bool
	cancelDials  context.CancelFunc
	dialsContext context.Context
}

// GatewayOption configures a gateway.
type GatewayOption func(*Gateway)

// WithGatewayTLS sets the TLS configuration for listeners and upstream
// dials.
func WithGatewayTLS(cfg *tls.Config) GatewayOption {
	return func(g *Gateway) { g.tlsCfg = cfg }
}

// NewGateway returns a gateway ready to Connect and Listen.
func NewGateway(opts ...GatewayOption) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		local:        defaultCapabilities(),
		clients:      make(map[*Socket]struct{}),
		services:     make(map[uint32]*Socket),
		serviceID:    make(map[*Socket]uint32),
		rewrites:     make(map[*Socket]map[uint32]origin),
		pending:      make(map[uint32][]pendingForward),
		names:        make(map[uint32]string),
		cancelDials:  cancel,
		dialsContext: ctx,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.server = NewServer(g)
	if g.tlsCfg != nil {
		g.server.SetTLS(g.tlsCfg)
	}
	return g
}

// Connect opens the upstream directory socket and authenticates on it.
func (g *Gateway) Connect(ctx context.Context, directoryURL string) error {
	sock := NewSocket(g)
	if g.tlsCfg != nil {
		sock.SetTLS(g.tlsCfg)
	}
	g.mu.Lock()
	g.dirSock = sock
	g.services[ServiceDirectoryID] = sock
	g.serviceID[sock] = ServiceDirectoryID
	g.rewrites[sock] = make(map[uint32]origin)
	g.mu.Unlock()

	if err := sock.Connect(ctx, directoryURL); err != nil {
		return err
	}
	return g.sendAuthenticate(sock)
}

// Listen binds a client-facing endpoint.
func (g *Gateway) Listen(listenURL string) error {
	return g.server.Listen(listenURL)
}

// Endpoints returns the client-facing endpoint URLs.
func (g *Gateway) Endpoints() []string {
	return g.server.Endpoints()
}

// RewriteCount reports the number of in-flight rewritten forwards, across
// all upstream sockets. Zero at quiescence.
func (g *Gateway) RewriteCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, m := range g.rewrites {
		for _, o := range m {
			if o.kind == originForward {
				n++
			}
		}
	}
	return n
}

// Close drops every socket and stops listening.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	var socks []*Socket
	for c := range g.clients {
		socks = append(socks, c)
	}
	for _, s := range g.services {
		socks = append(socks, s)
	}
	g.mu.Unlock()

	g.cancelDials()
	for _, sock := range socks {
		sock.Disconnect()
	}
	return g.server.Close()
}

// OnNewConnection implements ServerDelegate: inbound sockets are clients.
func (g *Gateway) OnNewConnection(_ *Server, sock *Socket) {
	sock.SetDelegate(g)
	g.mu.Lock()
	g.clients[sock] = struct{}{}
	g.mu.Unlock()
}

// allocForwardID reserves a fresh rewritten id on sock. It fails when the
// truncated id is still in flight there.
func (g *Gateway) allocForwardID(sock *Socket, o origin) (uint32, error) {
	id := uint32(g.nextForward.Add(1))
	g.mu.Lock()
	defer g.mu.Unlock()
	table := g.rewrites[sock]
	if table == nil {
		// The socket died between routing and allocation.
		return 0, ErrConnectionClosed
	}
	if _, inFlight := table[id]; inFlight {
		return 0, fmt.Errorf("correlation id %d still in flight", id)
	}
	table[id] = o
	return id, nil
}

func (g *Gateway) sendAuthenticate(sock *Socket) error {
	id, err := g.allocForwardID(sock, origin{kind: originAuth})
	if err != nil {
		return err
	}
	msg := NewMessage(TypeCall, ServiceServer, ObjectNone, ActionAuthenticate)
	msg.ID = id
	msg.SetPayload(encodeCapabilities(g.local))
	return sock.Send(msg)
}

// OnConnected implements Delegate: an upstream service socket finished
// connecting (rule S.2). Authenticate, then drain the staged messages in
// FIFO order.
func (g *Gateway) OnConnected(sock *Socket) {
	g.mu.Lock()
	sid, isService := g.serviceID[sock]
	g.mu.Unlock()
	if !isService || sock == g.directorySocket() {
		return
	}
	if err := g.sendAuthenticate(sock); err != nil {
		log.Printf("[GW] authenticate toward service %d: %v", sid, err)
	}

	// Drain until quiet: messages staged while the drain is running are
	// picked up by the next round, so FIFO order holds per client.
	for {
		g.mu.Lock()
		staged := g.pending[sid]
		delete(g.pending, sid)
		g.mu.Unlock()
		if len(staged) == 0 {
			return
		}
		for _, pf := range staged {
			g.forwardClientMessage(pf.client, sock, pf.msg)
		}
	}
}

func (g *Gateway) directorySocket() *Socket {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirSock
}

// OnWriteDone implements Delegate.
func (g *Gateway) OnWriteDone(*Socket) {}

// OnMessage implements Delegate: client sockets feed the client rules,
// upstream sockets the service rules.
func (g *Gateway) OnMessage(sock *Socket, msg Message) {
	g.mu.Lock()
	_, isClient := g.clients[sock]
	g.mu.Unlock()
	if isClient {
		g.handleClientRead(sock, msg)
	} else {
		g.handleServiceRead(sock, msg)
	}
}

// handleClientRead applies the client-side rules:
//
//	C.1 directory lookups are forwarded but flagged so the reply
//	    advertises the gateway's own endpoint,
//	C.2 messages toward a service with no upstream socket are staged and
//	    a gateway-internal lookup is issued,
//	C.3 messages toward an established service are forwarded with a
//	    rewritten correlation id.
func (g *Gateway) handleClientRead(client *Socket, msg Message) {
	if msg.Type == TypeCall && msg.Service == ServiceServer && msg.Action == ActionAuthenticate {
		theirs, err := decodeCapabilities(msg.Payload())
		if err != nil {
			out := ReplyTo(msg, TypeError)
			out.SetError("malformed capability map")
			client.Send(out)
			return
		}
		out := ReplyTo(msg, TypeReply)
		out.SetPayload(encodeCapabilities(g.local.intersect(theirs)))
		client.Send(out)
		return
	}

	sid := msg.Service
	g.mu.Lock()
	svcSock, known := g.services[sid]
	// C.3 (and C.1, which is C.3 plus endpoint rewriting on the way
	// back). While the upstream socket is still Connecting, or staged
	// messages are waiting on it, the message joins the staging queue so
	// the S.2 drain preserves FIFO order.
	ready := known && (svcSock == g.dirSock ||
		(svcSock.State() == SocketConnected && len(g.pending[sid]) == 0))
	if ready {
		g.mu.Unlock()
		g.forwardClientMessage(client, svcSock, msg)
		return
	}

	// C.2: stage; the first message for an unresolved service triggers a
	// gateway-internal directory lookup.
	name, haveName := g.names[sid]
	dirSock := g.dirSock
	g.pending[sid] = append(g.pending[sid], pendingForward{msg: msg, client: client})
	needLookup := !known && len(g.pending[sid]) == 1
	g.mu.Unlock()

	if (!known && !haveName) || dirSock == nil {
		g.failService(sid, fmt.Sprintf("unknown service %d", sid))
		return
	}
	if !needLookup {
		return
	}
	g.resolveService(dirSock, sid, name)
}

// resolveService issues the gateway-owned directory lookup of rule C.2.
func (g *Gateway) resolveService(dirSock *Socket, sid uint32, name string) {
	payload, err := encodeValue("(s)", []any{name}, nil, 0)
	if err != nil {
		return
	}
	id, err := g.allocForwardID(dirSock, origin{kind: originLookup, serviceID: sid})
	if err != nil {
		g.failService(sid, "directory lookup failed")
		return
	}
	lookup := NewMessage(TypeCall, ServiceDirectoryID, ObjectMain, DirActionService)
	lookup.ID = id
	lookup.SetPayload(payload)
	if err := dirSock.Send(lookup); err != nil {
		g.failService(sid, "directory unreachable")
	}
}

// forwardClientMessage is rule C.3: allocate a gateway-side id, record the
// origin and forward. Posts carry no correlation and are forwarded as-is.
func (g *Gateway) forwardClientMessage(client *Socket, svcSock *Socket, msg Message) {
	if msg.Type == TypePost || msg.Type == TypeEvent {
		svcSock.Send(msg)
		return
	}
	o := origin{
		kind:   originForward,
		origID: msg.ID,
		client: client,
		addr:   msg.Address(),
		rewriteEndpoints: msg.Type == TypeCall &&
			msg.Service == ServiceDirectoryID && msg.Action == DirActionService,
	}
	id, err := g.allocForwardID(svcSock, o)
	if err != nil {
		g.failClient(client, msg.Address(), "service unavailable: "+err.Error())
		return
	}
	fwd := msg // copy-on-write: fresh header, shared payload
	fwd.ID = id
	if err := svcSock.Send(fwd); err != nil {
		g.mu.Lock()
		delete(g.rewrites[svcSock], id)
		g.mu.Unlock()
		g.failClient(client, msg.Address(), "service unavailable")
	}
}

// handleServiceRead applies the service-side rules: S.1 completes a
// gateway-internal lookup by opening the service socket, S.3 restores the
// original correlation id and relays the reply to its client.
func (g *Gateway) handleServiceRead(sock *Socket, msg Message) {
	g.mu.Lock()
	table := g.rewrites[sock]
	o, ok := table[msg.ID]
	if ok {
		delete(table, msg.ID)
	}
	g.mu.Unlock()
	if !ok {
		// Events and other uncorrelated traffic from upstream.
		log.Printf("[GW] dropping uncorrelated %s", msg)
		return
	}

	switch o.kind {
	case originAuth:
		return

	case originLookup:
		g.openServiceSocket(o.serviceID, msg)

	case originForward:
		out := msg // copy-on-write: restore the client's correlation id
		out.ID = o.origID
		if o.rewriteEndpoints && msg.Type == TypeReply {
			rewritten, err := g.rewriteServiceInfo(msg.Payload())
			if err != nil {
				log.Printf("[GW] cannot rewrite lookup reply: %v", err)
			} else {
				out.SetPayload(rewritten)
			}
		}
		o.client.Send(out)
	}
}

// rewriteServiceInfo replaces the endpoints of a lookup reply with the
// gateway's own (rule C.1) and remembers the service's name for later
// gateway-internal lookups.
func (g *Gateway) rewriteServiceInfo(payload []byte) ([]byte, error) {
	fields, err := decodeTuple(payload, serviceInfoSignature, nil)
	if err != nil {
		return nil, err
	}
	info, err := serviceInfoFromTuple(fields)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.names[info.ServiceID] = info.Name
	g.mu.Unlock()

	info.Endpoints = g.Endpoints()
	return encodeValue(serviceInfoSignature, info.tuple(), nil, 0)
}

// openServiceSocket is the tail of rule C.2, entered from S.1: connect to
// the resolved service. The staged messages drain when the socket reports
// Connected.
func (g *Gateway) openServiceSocket(sid uint32, reply Message) {
	if reply.Type != TypeReply {
		g.failService(sid, "service not found")
		return
	}
	fields, err := decodeTuple(reply.Payload(), serviceInfoSignature, nil)
	if err != nil {
		g.failService(sid, "malformed lookup reply")
		return
	}
	info, err := serviceInfoFromTuple(fields)
	if err != nil || len(info.Endpoints) == 0 {
		g.failService(sid, "service has no endpoints")
		return
	}

	sock := NewSocket(g)
	if g.tlsCfg != nil {
		sock.SetTLS(g.tlsCfg)
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.services[sid] = sock
	g.serviceID[sock] = sid
	g.rewrites[sock] = make(map[uint32]origin)
	ctx := g.dialsContext
	g.mu.Unlock()

	endpoint := info.Endpoints[0]
	go func() {
		if err := sock.Connect(ctx, endpoint); err != nil {
			log.Printf("[GW] cannot reach service %d at %s: %v", sid, endpoint, err)
		}
	}()
}

// failClient answers one client call with an Error reply.
func (g *Gateway) failClient(client *Socket, addr MessageAddress, desc string) {
	out := Message{
		ID:      addr.MessageID,
		Version: Version,
		Type:    TypeError,
		Service: addr.Service,
		Object:  addr.Object,
		Action:  addr.Action,
	}
	out.SetError(desc)
	client.Send(out)
}

// failService fails every staged message for sid.
func (g *Gateway) failService(sid uint32, desc string) {
	g.mu.Lock()
	staged := g.pending[sid]
	delete(g.pending, sid)
	delete(g.names, sid)
	g.mu.Unlock()
	for _, pf := range staged {
		g.failClient(pf.client, pf.msg.Address(), desc)
	}
}

// OnDisconnected implements Delegate. A dead service socket fails all of
// its outstanding forwards with ServiceUnavailable and drops its staged
// messages; a dead client just discards its state.
func (g *Gateway) OnDisconnected(sock *Socket, _ error) {
	g.mu.Lock()
	if _, isClient := g.clients[sock]; isClient {
		delete(g.clients, sock)
		for _, table := range g.rewrites {
			for id, o := range table {
				if o.client == sock {
					delete(table, id)
				}
			}
		}
		for sid, staged := range g.pending {
			kept := staged[:0]
			for _, pf := range staged {
				if pf.client != sock {
					kept = append(kept, pf)
				}
			}
			if len(kept) == 0 {
				delete(g.pending, sid)
			} else {
				g.pending[sid] = kept
			}
		}
		g.mu.Unlock()
		return
	}

	sid, isService := g.serviceID[sock]
	if !isService {
		g.mu.Unlock()
		return
	}
	delete(g.serviceID, sock)
	delete(g.services, sid)
	table := g.rewrites[sock]
	delete(g.rewrites, sock)
	staged := g.pending[sid]
	delete(g.pending, sid)
	delete(g.names, sid)
	g.mu.Unlock()

	log.Printf("[GW] lost service %d", sid)
	for _, o := range table {
		if o.kind == originForward && o.client != nil {
			g.failClient(o.client, MessageAddress{
				MessageID: o.origID,
				Service:   o.addr.Service,
				Object:    o.addr.Object,
				Action:    o.addr.Action,
			}, "service unavailable")
		}
	}
	for _, pf := range staged {
		g.failClient(pf.client, pf.msg.Address(), "service unavailable")
	}
}
