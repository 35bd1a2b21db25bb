// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"log"
	"sync"
)

// pendingCall is one in-flight call awaiting its reply.
type pendingCall struct {
	fut    *Future
	decode func(Message) (any, error)
}

// endpoint is the per-socket glue between the transport and the object
// layer: it matches replies to pending calls, routes inbound calls to the
// host's bound objects, routes event posts to remote proxies, and performs
// the capability exchange.
type endpoint struct {
	sock *Socket
	host *objectHost

	mu       sync.Mutex
	pending  map[uint32]*pendingCall
	remotes  map[objKey]*RemoteObject
	caps     CapabilityMap // negotiated after authenticate
	local    CapabilityMap
	onClosed []func(*Socket, error)
}

// newEndpoint wraps sock. host may be shared between endpoints (a session's
// service host) or private (a client's ephemeral-object host).
func newEndpoint(sock *Socket, host *objectHost) *endpoint {
	ep := &endpoint{
		sock:    sock,
		host:    host,
		pending: make(map[uint32]*pendingCall),
		remotes: make(map[objKey]*RemoteObject),
		local:   defaultCapabilities(),
	}
	sock.SetDelegate(ep)
	return ep
}

// addClosedHook registers fn to run when the socket disconnects.
func (ep *endpoint) addClosedHook(fn func(*Socket, error)) {
	ep.mu.Lock()
	ep.onClosed = append(ep.onClosed, fn)
	ep.mu.Unlock()
}

// callAsync sends a Call and registers its future before the send, so a
// reply racing the send cannot miss the pending entry. decode converts the
// raw Reply; nil means the result is discarded.
func (ep *endpoint) callAsync(service, object, action uint32, payload []byte, decode func(Message) (any, error)) *Future {
	fut := newFuture()
	msg := NewMessage(TypeCall, service, object, action)
	msg.SetPayload(payload)
	id := msg.ID

	fut.onCancel = func() {
		ep.mu.Lock()
		delete(ep.pending, id)
		ep.mu.Unlock()
		// Advisory; peers that do not support remote cancellation
		// simply reply to a call we no longer track.
		cancelMsg := ReplyTo(msg, TypeCancel)
		ep.sock.Send(cancelMsg)
	}

	ep.mu.Lock()
	ep.pending[id] = &pendingCall{fut: fut, decode: decode}
	ep.mu.Unlock()

	if err := ep.sock.Send(msg); err != nil {
		ep.mu.Lock()
		delete(ep.pending, id)
		ep.mu.Unlock()
		fut.complete(nil, err)
	}
	return fut
}

// call is callAsync plus waiting with ctx.
func (ep *endpoint) call(ctx context.Context, service, object, action uint32, payload []byte, decode func(Message) (any, error)) (any, error) {
	return ep.callAsync(service, object, action, payload, decode).Wait(ctx)
}

// post sends a fire-and-forget Post message.
func (ep *endpoint) post(service, object, action uint32, payload []byte) error {
	msg := NewMessage(TypePost, service, object, action)
	msg.SetPayload(payload)
	return ep.sock.Send(msg)
}

// remoteObject returns the proxy for (sid, oid) on this socket, creating
// and registering it on first use.
func (ep *endpoint) remoteObject(sid, oid uint32, meta *MetaObject) *RemoteObject {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	key := objKey{sid, oid}
	if ro, ok := ep.remotes[key]; ok {
		return ro
	}
	ro := newRemoteObject(ep, sid, oid, meta)
	ep.remotes[key] = ro
	return ro
}

func (ep *endpoint) forgetRemote(sid, oid uint32) {
	ep.mu.Lock()
	delete(ep.remotes, objKey{sid, oid})
	ep.mu.Unlock()
}

// authenticate runs the client half of the capability exchange. It must be
// the first call on a fresh socket.
func (ep *endpoint) authenticate(ctx context.Context) error {
	payload := encodeCapabilities(ep.local)
	v, err := ep.call(ctx, ServiceServer, ObjectNone, ActionAuthenticate, payload, func(m Message) (any, error) {
		return decodeCapabilities(m.Payload())
	})
	if err != nil {
		return err
	}
	ep.mu.Lock()
	ep.caps = v.(CapabilityMap)
	ep.mu.Unlock()
	return nil
}

// handleAuthenticate runs the server half: reply with the intersection.
func (ep *endpoint) handleAuthenticate(msg Message) {
	theirs, err := decodeCapabilities(msg.Payload())
	if err != nil {
		out := ReplyTo(msg, TypeError)
		out.SetError("malformed capability map")
		ep.sock.Send(out)
		return
	}
	shared := ep.local.intersect(theirs)
	ep.mu.Lock()
	ep.caps = shared
	ep.mu.Unlock()
	out := ReplyTo(msg, TypeReply)
	out.SetPayload(encodeCapabilities(shared))
	ep.sock.Send(out)
}

// Capabilities returns the negotiated capability map, nil before the
// exchange completes.
func (ep *endpoint) Capabilities() CapabilityMap {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.caps
}

// OnConnected implements Delegate.
func (ep *endpoint) OnConnected(*Socket) {}

// OnWriteDone implements Delegate.
func (ep *endpoint) OnWriteDone(*Socket) {}

// OnMessage implements Delegate. It runs on the read goroutine: everything
// here either completes a future, hands off to an executor, or performs a
// bounded amount of work.
func (ep *endpoint) OnMessage(sock *Socket, msg Message) {
	switch msg.Type {
	case TypeReply, TypeError, TypeCanceled:
		ep.mu.Lock()
		pc := ep.pending[msg.ID]
		delete(ep.pending, msg.ID)
		ep.mu.Unlock()
		if pc == nil {
			log.Printf("[EP] dropping late reply %s", msg)
			return
		}
		pc.fut.complete(decodeReply(pc, msg))

	case TypePost, TypeEvent:
		ep.mu.Lock()
		ro := ep.remotes[objKey{msg.Service, msg.Object}]
		ep.mu.Unlock()
		if ro != nil && ro.handlePost(msg) {
			return
		}
		if ep.host != nil {
			ep.host.dispatch(ep, msg)
		}

	case TypeCall:
		if msg.Service == ServiceServer && msg.Action == ActionAuthenticate {
			ep.handleAuthenticate(msg)
			return
		}
		if ep.host == nil {
			out := ReplyTo(msg, TypeError)
			out.SetError("no objects hosted here")
			sock.Send(out)
			return
		}
		ep.host.dispatch(ep, msg)

	case TypeCancel:
		if ep.host != nil {
			ep.host.dispatch(ep, msg)
		}

	default:
		log.Printf("[EP] dropping %s", msg)
	}
}

func decodeReply(pc *pendingCall, msg Message) (any, error) {
	switch msg.Type {
	case TypeError:
		return nil, &RemoteError{Message: ErrorDescription(msg)}
	case TypeCanceled:
		return nil, ErrCancelled
	}
	if pc.decode == nil {
		return nil, nil
	}
	return pc.decode(msg)
}

// OnDisconnected implements Delegate: every pending call fails with
// ErrConnectionClosed, proxies drop their subscriptions, bound objects
// forget the socket's listeners, and the closed hooks run.
func (ep *endpoint) OnDisconnected(sock *Socket, reason error) {
	ep.mu.Lock()
	pending := ep.pending
	ep.pending = make(map[uint32]*pendingCall)
	remotes := make([]*RemoteObject, 0, len(ep.remotes))
	for _, ro := range ep.remotes {
		remotes = append(remotes, ro)
	}
	hooks := ep.onClosed
	ep.mu.Unlock()

	for _, pc := range pending {
		pc.fut.complete(nil, ErrConnectionClosed)
	}
	for _, ro := range remotes {
		ro.socketClosed()
	}
	if ep.host != nil {
		ep.host.socketClosed(sock)
	}
	for _, fn := range hooks {
		fn(sock, reason)
	}
}
