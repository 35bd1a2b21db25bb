// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// listenerEntry is one remote subscription to a signal.
type listenerEntry struct {
	sock     *Socket
	callback uint32
	signal   uint32
}

type runKey struct {
	sock *Socket
	id   uint32
}

// BoundObject adapts a GenericObject to the wire: it decodes inbound calls,
// invokes the target per its dispatch policy, encodes replies and fans
// signals out to registered remote listeners.
type BoundObject struct {
	service uint32
	object  uint32
	obj     *GenericObject
	policy  DispatchPolicy
	host    *objectHost
	exec    *executor

	mu           sync.Mutex
	listeners    map[uint32]map[uint32]listenerEntry // signal uid → listener id
	nextListener uint32
	running      map[runKey]context.CancelFunc
}

func newBoundObject(service, object uint32, obj *GenericObject, policy DispatchPolicy, host *objectHost) *BoundObject {
	b := &BoundObject{
		service:   service,
		object:    object,
		obj:       obj,
		policy:    policy,
		host:      host,
		exec:      newExecutor(),
		listeners: make(map[uint32]map[uint32]listenerEntry),
		running:   make(map[runKey]context.CancelFunc),
	}
	obj.attach(b)
	return b
}

// Object returns the wrapped GenericObject.
func (b *BoundObject) Object() *GenericObject {
	return b.obj
}

// listenerCount reports the live subscriptions for one signal.
func (b *BoundObject) listenerCount(signal uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[signal])
}

// dispatch handles one inbound Call, Post or Cancel addressed to this
// object. It runs on the socket's read goroutine and must not block, so
// anything but a built-in is handed to the executor unless the policy is
// Direct.
func (b *BoundObject) dispatch(ep *endpoint, msg Message) {
	switch msg.Type {
	case TypeCancel:
		b.mu.Lock()
		cancel := b.running[runKey{ep.sock, msg.ID}]
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	case TypeCall, TypePost:
	default:
		log.Printf("[OBJ] %d.%d: dropping %s", b.service, b.object, msg)
		return
	}

	if msg.Action < reservedActions {
		b.dispatchBuiltin(ep, msg)
		return
	}

	mm, ok := b.obj.meta.Method(msg.Action)
	if !ok {
		b.replyError(ep.sock, msg, "unknown function")
		return
	}
	args, err := decodeTuple(msg.Payload(), mm.ParametersSignature, ep)
	if err != nil {
		b.replyError(ep.sock, msg, fmt.Sprintf("cannot decode arguments: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(withSocket(context.Background(), ep.sock))
	key := runKey{ep.sock, msg.ID}
	b.mu.Lock()
	b.running[key] = cancel
	b.mu.Unlock()

	run := func() {
		defer func() {
			b.mu.Lock()
			delete(b.running, key)
			b.mu.Unlock()
			cancel()
		}()
		result, err := b.obj.call(ctx, msg.Action, args)
		if msg.Type == TypePost {
			if err != nil {
				log.Printf("[OBJ] %d.%d: post %s failed: %v", b.service, b.object, mm.Name, err)
			}
			return
		}
		if ctx.Err() != nil {
			ep.sock.Send(ReplyTo(msg, TypeCanceled))
			return
		}
		if err != nil {
			b.replyError(ep.sock, msg, err.Error())
			return
		}
		b.reply(ep.sock, msg, mm.ReturnSignature, result)
	}

	if b.policy == DispatchDirect {
		run()
	} else {
		b.exec.submit(run)
	}
}

func (b *BoundObject) dispatchBuiltin(ep *endpoint, msg Message) {
	switch msg.Action {
	case ActionMetaObject:
		var buf Buffer
		writeMetaObject(NewEncoder(&buf), b.obj.meta)
		out := ReplyTo(msg, TypeReply)
		out.SetPayloadBuffer(&buf)
		ep.sock.Send(out)

	case ActionRegisterEvent:
		args, err := decodeTuple(msg.Payload(), "(II)", nil)
		if err != nil {
			b.replyError(ep.sock, msg, "cannot decode arguments")
			return
		}
		signal := args[0].(uint32)
		callback := args[1].(uint32)
		if _, ok := b.obj.meta.Signals[signal]; !ok {
			b.replyError(ep.sock, msg, "unknown signal")
			return
		}
		b.mu.Lock()
		b.nextListener++
		id := b.nextListener
		if b.listeners[signal] == nil {
			b.listeners[signal] = make(map[uint32]listenerEntry)
		}
		b.listeners[signal][id] = listenerEntry{sock: ep.sock, callback: callback, signal: signal}
		b.mu.Unlock()
		b.reply(ep.sock, msg, "I", id)

	case ActionUnregisterEvent:
		args, err := decodeTuple(msg.Payload(), "(I)", nil)
		if err != nil {
			b.replyError(ep.sock, msg, "cannot decode arguments")
			return
		}
		id := args[0].(uint32)
		b.mu.Lock()
		for _, entries := range b.listeners {
			delete(entries, id)
		}
		b.mu.Unlock()
		b.reply(ep.sock, msg, "v", nil)

	case ActionTerminate:
		b.host.remove(b.service, b.object)
		b.reply(ep.sock, msg, "v", nil)

	case ActionGetProperty:
		args, err := decodeTuple(msg.Payload(), "(I)", nil)
		if err != nil {
			b.replyError(ep.sock, msg, "cannot decode arguments")
			return
		}
		v, mp, ok := b.obj.property(args[0].(uint32))
		if !ok {
			b.replyError(ep.sock, msg, "unknown property")
			return
		}
		b.reply(ep.sock, msg, "m", Dynamic{Signature: mp.Signature, Value: v})

	case ActionSetProperty:
		args, err := decodeTuple(msg.Payload(), "(Im)", nil)
		if err != nil {
			b.replyError(ep.sock, msg, "cannot decode arguments")
			return
		}
		uid := args[0].(uint32)
		dyn := args[1].(Dynamic)
		mp, ok := b.obj.setProperty(uid, dyn.Value)
		if !ok {
			b.replyError(ep.sock, msg, "unknown property")
			return
		}
		b.reply(ep.sock, msg, "v", nil)
		// Emission follows the store; subscribers observe values in
		// store order.
		if sig, ok := b.obj.meta.SignalID(mp.Name); ok {
			b.emitSignal(sig, []any{dyn.Value})
		}

	case ActionProperties:
		props := b.obj.properties()
		out := make(map[any]any, len(props))
		for uid, v := range props {
			mp := b.obj.meta.Properties[uid]
			out[uid] = Dynamic{Signature: mp.Signature, Value: v}
		}
		b.reply(ep.sock, msg, "{Im}", out)

	default:
		b.replyError(ep.sock, msg, "unknown builtin")
	}
}

// emitSignal sends one Post per registered listener, outside the lock.
func (b *BoundObject) emitSignal(signal uint32, args []any) {
	ms, ok := b.obj.meta.Signals[signal]
	if !ok {
		return
	}
	payload, err := encodeTuple(ms.Signature, args, b.host, b.service)
	if err != nil {
		log.Printf("[OBJ] %d.%d: cannot encode signal %s: %v", b.service, b.object, ms.Name, err)
		return
	}
	b.mu.Lock()
	entries := make([]listenerEntry, 0, len(b.listeners[signal]))
	for _, e := range b.listeners[signal] {
		entries = append(entries, e)
	}
	b.mu.Unlock()
	for _, e := range entries {
		out := NewMessage(TypePost, b.service, b.object, e.callback)
		out.SetPayload(payload)
		e.sock.Send(out)
	}
}

// socketClosed drops the socket's subscriptions and cancels its in-flight
// calls.
func (b *BoundObject) socketClosed(sock *Socket) {
	b.mu.Lock()
	for signal, entries := range b.listeners {
		for id, e := range entries {
			if e.sock == sock {
				delete(entries, id)
			}
		}
		if len(entries) == 0 {
			delete(b.listeners, signal)
		}
	}
	var cancels []context.CancelFunc
	for key, cancel := range b.running {
		if key.sock == sock {
			cancels = append(cancels, cancel)
		}
	}
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (b *BoundObject) reply(sock *Socket, req Message, retSig string, v any) {
	if req.Type == TypePost {
		return
	}
	out := ReplyTo(req, TypeReply)
	if retSig != "" && retSig != "v" {
		payload, err := encodeValue(retSig, v, b.host, b.service)
		if err != nil {
			b.replyError(sock, req, fmt.Sprintf("cannot encode result: %v", err))
			return
		}
		out.SetPayload(payload)
	}
	sock.Send(out)
}

func (b *BoundObject) replyError(sock *Socket, req Message, desc string) {
	if req.Type == TypePost {
		log.Printf("[OBJ] %d.%d: post failed: %s", b.service, b.object, desc)
		return
	}
	out := ReplyTo(req, TypeError)
	out.SetError(desc)
	sock.Send(out)
}

// release closes the executor and detaches from the object.
func (b *BoundObject) release() {
	b.exec.close()
	b.obj.detach(b)
}

// decodeTuple decodes a payload declared as a tuple signature. Extra bytes
// beyond the tuple are tolerated for forward compatibility.
func decodeTuple(payload []byte, sig string, ep *endpoint) ([]any, error) {
	t, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	if t.Kind != KindTuple {
		return nil, fmt.Errorf("%w: %q is not a tuple signature", ErrDecode, sig)
	}
	d := NewDecoder(payload)
	d.ep = ep
	v, err := d.ReadValue(t)
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

// encodeTuple encodes args per a tuple signature.
func encodeTuple(sig string, args []any, host *objectHost, hostService uint32) ([]byte, error) {
	return encodeValue(sig, args, host, hostService)
}

// encodeValue encodes a single value per sig.
func encodeValue(sig string, v any, host *objectHost, hostService uint32) ([]byte, error) {
	t, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	var buf Buffer
	e := NewEncoder(&buf)
	e.host = host
	e.hostService = hostService
	if err := e.WriteValue(t, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type socketCtxKey struct{}

func withSocket(ctx context.Context, sock *Socket) context.Context {
	return context.WithValue(ctx, socketCtxKey{}, sock)
}

// SocketFromContext returns the socket a method invocation arrived on.
// Components that track per-connection ownership, like the directory, use
// it to tie state to the caller's connection lifetime.
func SocketFromContext(ctx context.Context) (*Socket, bool) {
	sock, ok := ctx.Value(socketCtxKey{}).(*Socket)
	return sock, ok
}

// objKey addresses a bound object within a host.
type objKey struct {
	service uint32
	object  uint32
}

// objectHost owns the bound objects reachable through a set of sockets: a
// session's registered services, the directory's main object, and the
// ephemeral objects created when object-valued arguments cross the wire.
type objectHost struct {
	mu            sync.Mutex
	objects       map[objKey]*BoundObject
	nextEphemeral uint32
}

// newObjectHost returns a host whose ephemeral object ids are allocated
// upward from base+1.
// Client-side hosts use a high base so their ids never collide with the
// server-side main-object range.
func newObjectHost(base uint32) *objectHost {
	return &objectHost{
		objects:       make(map[objKey]*BoundObject),
		nextEphemeral: base,
	}
}

func (h *objectHost) add(b *BoundObject) {
	h.mu.Lock()
	h.objects[objKey{b.service, b.object}] = b
	h.mu.Unlock()
}

// addEphemeral binds o under a fresh object id for service sid, with queued
// dispatch. Used when an object value is serialized into a payload.
func (h *objectHost) addEphemeral(sid uint32, o *GenericObject) (uint32, uint32) {
	h.mu.Lock()
	h.nextEphemeral++
	oid := h.nextEphemeral
	h.mu.Unlock()
	b := newBoundObject(sid, oid, o, DispatchQueued, h)
	h.add(b)
	return sid, oid
}

func (h *objectHost) object(sid, oid uint32) (*BoundObject, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.objects[objKey{sid, oid}]
	return b, ok
}

func (h *objectHost) remove(sid, oid uint32) {
	h.mu.Lock()
	b := h.objects[objKey{sid, oid}]
	delete(h.objects, objKey{sid, oid})
	h.mu.Unlock()
	if b != nil {
		b.release()
	}
}

// removeService drops every object bound under sid.
func (h *objectHost) removeService(sid uint32) {
	h.mu.Lock()
	var removed []*BoundObject
	for key, b := range h.objects {
		if key.service == sid {
			removed = append(removed, b)
			delete(h.objects, key)
		}
	}
	h.mu.Unlock()
	for _, b := range removed {
		b.release()
	}
}

func (h *objectHost) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

func (h *objectHost) socketClosed(sock *Socket) {
	h.mu.Lock()
	objs := make([]*BoundObject, 0, len(h.objects))
	for _, b := range h.objects {
		objs = append(objs, b)
	}
	h.mu.Unlock()
	for _, b := range objs {
		b.socketClosed(sock)
	}
}

// dispatch routes an inbound message to the addressed bound object.
func (h *objectHost) dispatch(ep *endpoint, msg Message) {
	b, ok := h.object(msg.Service, msg.Object)
	if !ok {
		if msg.Type == TypeCall {
			out := ReplyTo(msg, TypeError)
			out.SetError(fmt.Sprintf("unknown object %d.%d", msg.Service, msg.Object))
			ep.sock.Send(out)
		}
		return
	}
	b.dispatch(ep, msg)
}
