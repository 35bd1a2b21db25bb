// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// MessageMagic is the header sentinel every message starts with.
const MessageMagic uint32 = 0x42adde42

// HeaderSize is the fixed wire size of a message header.
const HeaderSize = 28

// Version is the protocol version carried in every header.
const Version uint16 = 0

// MessageType identifies the message kinds on the wire.
type MessageType uint8

const (
	TypeNone MessageType = iota
	TypeCall
	TypeReply
	TypeError
	TypePost
	TypeEvent
	TypeCancel
	TypeCanceled
)

// Reserved addresses.
const (
	// ServiceServer addresses the transport endpoint itself; capability
	// authentication (action 8) runs against it.
	ServiceServer uint32 = 0
	// ServiceDirectoryID is the service id reserved for the directory.
	ServiceDirectoryID uint32 = 1
	// ObjectNone is never a valid object id.
	ObjectNone uint32 = 0
	// ObjectMain is the service's main object.
	ObjectMain uint32 = 1
)

// Built-in action ids, reserved in [0,100) on every object.
const (
	ActionRegisterEvent   uint32 = 0
	ActionUnregisterEvent uint32 = 1
	ActionMetaObject      uint32 = 2
	ActionTerminate       uint32 = 3
	ActionGetProperty     uint32 = 5
	ActionSetProperty     uint32 = 6
	ActionProperties      uint32 = 7
	ActionAuthenticate    uint32 = 8
)

// Service directory actions, on service 1 object 1.
const (
	DirActionService           uint32 = 100
	DirActionServices          uint32 = 101
	DirActionRegisterService   uint32 = 102
	DirActionUnregisterService uint32 = 103
	DirActionServiceReady      uint32 = 104
	DirActionUpdateServiceInfo uint32 = 105
	DirSignalServiceAdded      uint32 = 106
	DirSignalServiceRemoved    uint32 = 107
)

var messageID atomic.Uint32

// NewMessageID returns a fresh process-wide message id. Ids are strictly
// increasing until they wrap; collisions within an in-flight window are
// disallowed by the pending tables.
func NewMessageID() uint32 {
	return messageID.Add(1)
}

// MessageAddress is the correlation quadruple of a message.
type MessageAddress struct {
	MessageID uint32
	Service   uint32
	Object    uint32
	Action    uint32
}

func (a MessageAddress) String() string {
	return fmt.Sprintf("{%d.%d.%d, id:%d}", a.Service, a.Object, a.Action, a.MessageID)
}

// Message is a header plus an opaque payload. Messages are passed by value:
// header fields copy with the struct while the payload slice is shared and
// treated as immutable once the message has been handed to a socket, which
// gives copy-on-write semantics for forwarding paths that only rewrite the
// header.
type Message struct {
	ID      uint32
	Version uint16
	Type    MessageType
	Flags   uint8
	Service uint32
	Object  uint32
	Action  uint32

	payload []byte
}

// NewMessage builds a message of the given type at the given address with a
// fresh id.
func NewMessage(t MessageType, service, object, action uint32) Message {
	return Message{
		ID:      NewMessageID(),
		Version: Version,
		Type:    t,
		Service: service,
		Object:  object,
		Action:  action,
	}
}

// ReplyTo builds a reply of type t sharing the inbound message's address and
// correlation id.
func ReplyTo(req Message, t MessageType) Message {
	return Message{
		ID:      req.ID,
		Version: Version,
		Type:    t,
		Service: req.Service,
		Object:  req.Object,
		Action:  req.Action,
	}
}

// Address returns the correlation quadruple.
func (m Message) Address() MessageAddress {
	return MessageAddress{MessageID: m.ID, Service: m.Service, Object: m.Object, Action: m.Action}
}

// Payload returns the shared payload bytes. Callers must not mutate it.
func (m Message) Payload() []byte {
	return m.payload
}

// SetPayload replaces the payload. p is stored without copying, so the
// caller must not mutate it afterwards.
func (m *Message) SetPayload(p []byte) {
	m.payload = p
}

// SetPayloadBuffer flattens buf into the payload.
func (m *Message) SetPayloadBuffer(buf *Buffer) {
	m.payload = buf.Bytes()
}

// SetError turns m into the canonical error payload: a dynamic string
// description.
func (m *Message) SetError(desc string) {
	m.Type = TypeError
	var buf Buffer
	enc := NewEncoder(&buf)
	enc.WriteString("s")
	enc.WriteString(desc)
	m.payload = buf.Bytes()
}

// ErrorDescription decodes the canonical error payload.
func ErrorDescription(m Message) string {
	d := NewDecoder(m.Payload())
	if _, err := d.ReadString(); err != nil {
		return "malformed error payload"
	}
	desc, err := d.ReadString()
	if err != nil {
		return "malformed error payload"
	}
	return desc
}

// Valid checks the header invariants: magic is implicit here (checked at
// framing time), type must not be None and object must not be 0 unless the
// message addresses the transport endpoint itself.
func (m Message) Valid() error {
	if m.Type == TypeNone || m.Type > TypeCanceled {
		return fmt.Errorf("%w: message type %d", ErrProtocol, m.Type)
	}
	if m.Object == ObjectNone && m.Service != ServiceServer {
		return fmt.Errorf("%w: object id 0", ErrProtocol)
	}
	return nil
}

// WriteTo frames the message onto w: 28-byte little-endian header followed
// by the payload. It implements io.WriterTo.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, HeaderSize+len(m.payload))
	binary.LittleEndian.PutUint32(buf[0:4], MessageMagic)
	binary.LittleEndian.PutUint32(buf[4:8], m.ID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.payload)))
	binary.LittleEndian.PutUint16(buf[12:14], m.Version)
	buf[14] = byte(m.Type)
	buf[15] = m.Flags
	binary.LittleEndian.PutUint32(buf[16:20], m.Service)
	binary.LittleEndian.PutUint32(buf[20:24], m.Object)
	binary.LittleEndian.PutUint32(buf[24:28], m.Action)
	copy(buf[HeaderSize:], m.payload)
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadMessage consumes exactly one framed message from r. A bad magic or an
// impossible header returns ErrProtocol; the caller must then terminate the
// connection.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != MessageMagic {
		return Message{}, fmt.Errorf("%w: bad magic 0x%08x", ErrProtocol, magic)
	}
	m := Message{
		ID:      binary.LittleEndian.Uint32(hdr[4:8]),
		Version: binary.LittleEndian.Uint16(hdr[12:14]),
		Type:    MessageType(hdr[14]),
		Flags:   hdr[15],
		Service: binary.LittleEndian.Uint32(hdr[16:20]),
		Object:  binary.LittleEndian.Uint32(hdr[20:24]),
		Action:  binary.LittleEndian.Uint32(hdr[24:28]),
	}
	if err := m.Valid(); err != nil {
		return Message{}, err
	}
	size := binary.LittleEndian.Uint32(hdr[8:12])
	if size > maxPayloadSize {
		return Message{}, fmt.Errorf("%w: payload size %d", ErrProtocol, size)
	}
	if size > 0 {
		m.payload = make([]byte, size)
		if _, err := io.ReadFull(r, m.payload); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

// maxPayloadSize bounds a single message body.
const maxPayloadSize = 64 * 1024 * 1024 // 64MB max

// TypeString names a message type for logs.
func TypeString(t MessageType) string {
	switch t {
	case TypeNone:
		return "None"
	case TypeCall:
		return "Call"
	case TypeReply:
		return "Reply"
	case TypeError:
		return "Error"
	case TypePost:
		return "Post"
	case TypeEvent:
		return "Event"
	case TypeCancel:
		return "Cancel"
	case TypeCanceled:
		return "Canceled"
	}
	return "Unknown"
}

// ActionString names a builtin or directory action for logs, or "" when the
// action is service-defined.
func ActionString(action, service uint32) string {
	switch action {
	case ActionRegisterEvent:
		return "RegisterEvent"
	case ActionUnregisterEvent:
		return "UnregisterEvent"
	case ActionMetaObject:
		return "MetaObject"
	case ActionTerminate:
		return "Terminate"
	case ActionGetProperty:
		return "GetProperty"
	case ActionSetProperty:
		return "SetProperty"
	case ActionProperties:
		return "Properties"
	case ActionAuthenticate:
		return "Authenticate"
	}
	if service != ServiceDirectoryID {
		return ""
	}
	switch action {
	case DirActionService:
		return "Service"
	case DirActionServices:
		return "Services"
	case DirActionRegisterService:
		return "RegisterService"
	case DirActionUnregisterService:
		return "UnregisterService"
	case DirActionServiceReady:
		return "ServiceReady"
	case DirActionUpdateServiceInfo:
		return "UpdateServiceInfo"
	case DirSignalServiceAdded:
		return "ServiceAdded"
	case DirSignalServiceRemoved:
		return "ServiceRemoved"
	}
	return ""
}

// String renders the header for logs, with symbolic names where known.
func (m Message) String() string {
	act := ActionString(m.Action, m.Service)
	if act == "" {
		act = fmt.Sprintf("%d", m.Action)
	}
	svc := fmt.Sprintf("%d", m.Service)
	if m.Service == ServiceDirectoryID {
		svc = "ServiceDirectory"
	}
	return fmt.Sprintf("message{id=%d type=%s serv=%s obj=%d act=%s size=%d}",
		m.ID, TypeString(m.Type), svc, m.Object, act, len(m.payload))
}
