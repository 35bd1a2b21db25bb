// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// SignalHandler receives decoded signal payloads. Handlers run on the
// socket's read goroutine and must not block; per-signal delivery order is
// preserved.
type SignalHandler func(args []any)

// link is one active signal subscription.
type link struct {
	signal     uint32
	listenerID uint32
	handler    SignalHandler
	payload    *Type
}

// RemoteObject is a client-side proxy: method invocations marshal arguments
// into Call messages and replies complete futures keyed by message id. The
// pending table lives in the endpoint shared by all proxies on the socket.
type RemoteObject struct {
	ep      *endpoint
	service uint32
	object  uint32
	meta    *MetaObject

	mu           sync.Mutex
	links        map[uint32]*link // callback uid → subscription
	nextCallback uint32
	released     bool
}

func newRemoteObject(ep *endpoint, service, object uint32, meta *MetaObject) *RemoteObject {
	return &RemoteObject{
		ep:      ep,
		service: service,
		object:  object,
		meta:    meta,
		links:   make(map[uint32]*link),
	}
}

// Service returns the proxy's service id.
func (ro *RemoteObject) Service() uint32 { return ro.service }

// Object returns the proxy's object id.
func (ro *RemoteObject) Object() uint32 { return ro.object }

// MetaObject returns the remote description the proxy was built from.
func (ro *RemoteObject) MetaObject() *MetaObject { return ro.meta }

// Call invokes method (name or "name::(sig)") and waits for the reply.
// A ctx deadline expiry fails with ErrTimeout; cancellation with
// ErrCancelled. Both cancel the pending call.
func (ro *RemoteObject) Call(ctx context.Context, method string, args ...any) (any, error) {
	fut, err := ro.CallAsync(method, args...)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// CallAsync invokes method and returns its future.
func (ro *RemoteObject) CallAsync(method string, args ...any) (*Future, error) {
	uid, ok := ro.meta.MethodID(method)
	if !ok {
		return nil, fmt.Errorf("unknown method %q on service %d", method, ro.service)
	}
	return ro.CallID(uid, args...)
}

// CallID invokes a method by uid.
func (ro *RemoteObject) CallID(uid uint32, args ...any) (*Future, error) {
	mm, ok := ro.meta.Method(uid)
	if !ok {
		return nil, fmt.Errorf("unknown method %d on service %d", uid, ro.service)
	}
	payload, err := encodeTuple(mm.ParametersSignature, args, ro.ep.host, ro.service)
	if err != nil {
		return nil, err
	}
	return ro.ep.callAsync(ro.service, ro.object, uid, payload, ro.replyDecoder(mm.ReturnSignature)), nil
}

// replyDecoder builds the reply decode step for a return signature.
// Object-valued results materialize as proxies on this endpoint.
func (ro *RemoteObject) replyDecoder(retSig string) func(Message) (any, error) {
	if retSig == "" || retSig == "v" {
		return nil
	}
	return func(m Message) (any, error) {
		t, err := ParseSignature(retSig)
		if err != nil {
			return nil, err
		}
		d := NewDecoder(m.Payload())
		d.ep = ro.ep
		return d.ReadValue(t)
	}
}

// Post invokes method as a fire-and-forget Post message.
func (ro *RemoteObject) Post(method string, args ...any) error {
	uid, ok := ro.meta.MethodID(method)
	if !ok {
		return fmt.Errorf("unknown method %q on service %d", method, ro.service)
	}
	mm, _ := ro.meta.Method(uid)
	payload, err := encodeTuple(mm.ParametersSignature, args, ro.ep.host, ro.service)
	if err != nil {
		return err
	}
	return ro.ep.post(ro.service, ro.object, uid, payload)
}

// Subscribe registers handler for the named signal. The returned handle
// feeds Unsubscribe. On the wire this is registerEvent(signalUid,
// callbackUid); the peer posts events with action = callbackUid.
func (ro *RemoteObject) Subscribe(ctx context.Context, signal string, handler SignalHandler) (uint32, error) {
	uid, ok := ro.meta.SignalID(signal)
	if !ok {
		return 0, fmt.Errorf("unknown signal %q on service %d", signal, ro.service)
	}
	ms := ro.meta.Signals[uid]
	payloadType, err := ParseSignature(ms.Signature)
	if err != nil {
		return 0, err
	}

	ro.mu.Lock()
	ro.nextCallback++
	cb := ro.nextCallback
	ro.mu.Unlock()

	payload, err := encodeValue("(II)", []any{uid, cb}, nil, 0)
	if err != nil {
		return 0, err
	}
	v, err := ro.ep.call(ctx, ro.service, ro.object, ActionRegisterEvent, payload, func(m Message) (any, error) {
		return NewDecoder(m.Payload()).ReadUint32()
	})
	if err != nil {
		return 0, err
	}

	ro.mu.Lock()
	ro.links[cb] = &link{
		signal:     uid,
		listenerID: v.(uint32),
		handler:    handler,
		payload:    payloadType,
	}
	ro.mu.Unlock()
	return cb, nil
}

// Unsubscribe removes the subscription behind handle.
func (ro *RemoteObject) Unsubscribe(ctx context.Context, handle uint32) error {
	ro.mu.Lock()
	l := ro.links[handle]
	delete(ro.links, handle)
	ro.mu.Unlock()
	if l == nil {
		return fmt.Errorf("unknown subscription %d", handle)
	}
	payload, err := encodeValue("(I)", []any{l.listenerID}, nil, 0)
	if err != nil {
		return err
	}
	_, err = ro.ep.call(ctx, ro.service, ro.object, ActionUnregisterEvent, payload, nil)
	return err
}

// handlePost delivers an event post addressed to one of this proxy's
// callbacks. It reports whether the action matched a subscription.
func (ro *RemoteObject) handlePost(msg Message) bool {
	ro.mu.Lock()
	l := ro.links[msg.Action]
	ro.mu.Unlock()
	if l == nil {
		return false
	}
	d := NewDecoder(msg.Payload())
	d.ep = ro.ep
	v, err := d.ReadValue(l.payload)
	if err != nil {
		log.Printf("[OBJ] dropping malformed event %s: %v", msg, err)
		return true
	}
	l.handler(v.([]any))
	return true
}

// Property fetches the current value of a property.
func (ro *RemoteObject) Property(ctx context.Context, name string) (any, error) {
	uid, ok := ro.meta.PropertyID(name)
	if !ok {
		return nil, fmt.Errorf("unknown property %q on service %d", name, ro.service)
	}
	payload, err := encodeValue("(I)", []any{uid}, nil, 0)
	if err != nil {
		return nil, err
	}
	v, err := ro.ep.call(ctx, ro.service, ro.object, ActionGetProperty, payload, func(m Message) (any, error) {
		t, _ := ParseSignature("m")
		return NewDecoder(m.Payload()).ReadValue(t)
	})
	if err != nil {
		return nil, err
	}
	return v.(Dynamic).Value, nil
}

// SetProperty stores a property value. The peer emits the property's change
// signal after the store.
func (ro *RemoteObject) SetProperty(ctx context.Context, name string, value any) error {
	uid, ok := ro.meta.PropertyID(name)
	if !ok {
		return fmt.Errorf("unknown property %q on service %d", name, ro.service)
	}
	mp := ro.meta.Properties[uid]
	payload, err := encodeValue("(Im)", []any{uid, Dynamic{Signature: mp.Signature, Value: value}}, nil, 0)
	if err != nil {
		return err
	}
	_, err = ro.ep.call(ctx, ro.service, ro.object, ActionSetProperty, payload, nil)
	return err
}

// Release drops the proxy: it posts the terminate builtin so the host side
// frees the bound object, and unregisters from the endpoint. The proxy is
// unusable afterwards.
func (ro *RemoteObject) Release() {
	ro.mu.Lock()
	if ro.released {
		ro.mu.Unlock()
		return
	}
	ro.released = true
	ro.links = make(map[uint32]*link)
	ro.mu.Unlock()

	payload, err := encodeValue("(I)", []any{ro.service}, nil, 0)
	if err == nil {
		ro.ep.post(ro.service, ro.object, ActionTerminate, payload)
	}
	ro.ep.forgetRemote(ro.service, ro.object)
}

// socketClosed clears subscriptions after the underlying transport died.
func (ro *RemoteObject) socketClosed() {
	ro.mu.Lock()
	ro.links = make(map[uint32]*link)
	ro.mu.Unlock()
}
