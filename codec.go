// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Dynamic is a value carrying its own signature on the wire (signature
// character 'm').
type Dynamic struct {
	Signature string
	Value     any
}

// ObjectRef is the wire form of an object-valued argument: the object's
// metaobject plus the address it was bound to on the sending side. Decoding
// with a live endpoint turns it into a *RemoteObject instead.
type ObjectRef struct {
	Meta    *MetaObject
	Service uint32
	Object  uint32
}

// Encoder serializes values into a Buffer. All fixed-width integers are
// little-endian.
type Encoder struct {
	buf         *Buffer
	host        *objectHost // set when object-valued arguments may occur
	hostService uint32      // service id ephemeral bound objects register under
}

// NewEncoder returns an encoder appending to buf.
func NewEncoder(buf *Buffer) *Encoder {
	return &Encoder{buf: buf}
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *Encoder) WriteUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteFloat32(v float32) {
	e.WriteUint32(math.Float32bits(v))
}

func (e *Encoder) WriteFloat64(v float64) {
	e.WriteUint64(math.Float64bits(v))
}

func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

// WriteString writes a u32 length prefix followed by the UTF-8 bytes.
func (e *Encoder) WriteString(s string) {
	e.WriteUint32(uint32(len(s)))
	e.buf.Write([]byte(s))
}

// WriteRaw writes a u32 length prefix followed by the bytes.
func (e *Encoder) WriteRaw(p []byte) {
	e.WriteUint32(uint32(len(p)))
	e.buf.Write(p)
}

// WriteValue serializes v as t.
func (e *Encoder) WriteValue(t *Type, v any) error {
	switch t.Kind {
	case KindVoid:
		return nil
	case KindInt8, KindInt32, KindInt64:
		n, ok := asInt64(v)
		if !ok {
			return encodeTypeError(t, v)
		}
		switch t.Kind {
		case KindInt8:
			e.WriteUint8(uint8(int8(n)))
		case KindInt32:
			e.WriteUint32(uint32(int32(n)))
		default:
			e.WriteUint64(uint64(n))
		}
	case KindUInt8, KindUInt32, KindUInt64:
		n, ok := asUint64(v)
		if !ok {
			return encodeTypeError(t, v)
		}
		switch t.Kind {
		case KindUInt8:
			e.WriteUint8(uint8(n))
		case KindUInt32:
			e.WriteUint32(uint32(n))
		default:
			e.WriteUint64(n)
		}
	case KindFloat:
		f, ok := asFloat64(v)
		if !ok {
			return encodeTypeError(t, v)
		}
		e.WriteFloat32(float32(f))
	case KindDouble:
		f, ok := asFloat64(v)
		if !ok {
			return encodeTypeError(t, v)
		}
		e.WriteFloat64(f)
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return encodeTypeError(t, v)
		}
		e.WriteBool(b)
	case KindString:
		s, ok := v.(string)
		if !ok {
			return encodeTypeError(t, v)
		}
		e.WriteString(s)
	case KindRaw:
		p, ok := v.([]byte)
		if !ok {
			return encodeTypeError(t, v)
		}
		e.WriteRaw(p)
	case KindDynamic:
		dyn, ok := v.(Dynamic)
		if !ok {
			return encodeTypeError(t, v)
		}
		dt, err := ParseSignature(dyn.Signature)
		if err != nil {
			return err
		}
		e.WriteString(dyn.Signature)
		return e.WriteValue(dt, dyn.Value)
	case KindList:
		items, ok := asSlice(v)
		if !ok {
			return encodeTypeError(t, v)
		}
		e.WriteUint32(uint32(len(items)))
		for _, it := range items {
			if err := e.WriteValue(t.Elem, it); err != nil {
				return err
			}
		}
	case KindMap:
		m, ok := v.(map[any]any)
		if !ok {
			return encodeTypeError(t, v)
		}
		e.WriteUint32(uint32(len(m)))
		for k, val := range m {
			if err := e.WriteValue(t.Key, k); err != nil {
				return err
			}
			if err := e.WriteValue(t.Value, val); err != nil {
				return err
			}
		}
	case KindTuple:
		items, ok := asSlice(v)
		if !ok {
			return encodeTypeError(t, v)
		}
		if len(items) != len(t.Members) {
			return fmt.Errorf("%w: tuple arity %d, want %d", ErrDecode, len(items), len(t.Members))
		}
		for i, m := range t.Members {
			if err := e.WriteValue(m, items[i]); err != nil {
				return err
			}
		}
	case KindObject:
		return e.writeObject(v)
	default:
		return fmt.Errorf("%w: cannot encode kind %v", ErrDecode, t.Kind)
	}
	return nil
}

func (e *Encoder) writeObject(v any) error {
	switch o := v.(type) {
	case ObjectRef:
		writeMetaObject(e, o.Meta)
		e.WriteUint32(o.Service)
		e.WriteUint32(o.Object)
		return nil
	case *GenericObject:
		if e.host == nil {
			return fmt.Errorf("%w: cannot serialize object without a host", ErrDecode)
		}
		sid, oid := e.host.addEphemeral(e.hostService, o)
		writeMetaObject(e, o.MetaObject())
		e.WriteUint32(sid)
		e.WriteUint32(oid)
		return nil
	case *RemoteObject:
		writeMetaObject(e, o.MetaObject())
		e.WriteUint32(o.Service())
		e.WriteUint32(o.Object())
		return nil
	}
	return encodeTypeError(&Type{Kind: KindObject}, v)
}

func encodeTypeError(t *Type, v any) error {
	return fmt.Errorf("%w: cannot encode %T as %s", ErrDecode, v, t)
}

// Decoder reads values from a payload. Reads past the end fail with
// ErrDecode; extra bytes after the declared top-level value are left
// unconsumed for forward compatibility.
type Decoder struct {
	data []byte
	pos  int
	ep   *endpoint // set when object refs should materialize as proxies
}

// NewDecoder returns a decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining reports how many bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

func (d *Decoder) take(n int) ([]byte, error) {
	if d.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrDecode, n, d.Remaining())
	}
	p := d.data[d.pos : d.pos+n]
	d.pos += n
	return p, nil
}

func (d *Decoder) ReadUint8() (uint8, error) {
	p, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (d *Decoder) ReadUint16() (uint16, error) {
	p, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	p, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	p, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadUint8()
	return b != 0, err
}

func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return "", err
	}
	p, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (d *Decoder) ReadRaw() ([]byte, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	p, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

// ReadValue deserializes a value of type t.
func (d *Decoder) ReadValue(t *Type) (any, error) {
	switch t.Kind {
	case KindVoid:
		return nil, nil
	case KindInt8:
		v, err := d.ReadUint8()
		return int8(v), err
	case KindUInt8:
		return d.ReadUint8()
	case KindInt32:
		v, err := d.ReadUint32()
		return int32(v), err
	case KindUInt32:
		return d.ReadUint32()
	case KindInt64:
		v, err := d.ReadUint64()
		return int64(v), err
	case KindUInt64:
		return d.ReadUint64()
	case KindFloat:
		v, err := d.ReadUint32()
		return math.Float32frombits(v), err
	case KindDouble:
		v, err := d.ReadUint64()
		return math.Float64frombits(v), err
	case KindBool:
		return d.ReadBool()
	case KindString:
		return d.ReadString()
	case KindRaw:
		return d.ReadRaw()
	case KindDynamic:
		sig, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		dt, err := ParseSignature(sig)
		if err != nil {
			return nil, err
		}
		v, err := d.ReadValue(dt)
		if err != nil {
			return nil, err
		}
		return Dynamic{Signature: sig, Value: v}, nil
	case KindList:
		n, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		out := []any{}
		for i := uint32(0); i < n; i++ {
			v, err := d.ReadValue(t.Elem)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case KindMap:
		n, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		out := make(map[any]any, n)
		for i := uint32(0); i < n; i++ {
			k, err := d.ReadValue(t.Key)
			if err != nil {
				return nil, err
			}
			v, err := d.ReadValue(t.Value)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case KindTuple:
		out := make([]any, 0, len(t.Members))
		for _, m := range t.Members {
			v, err := d.ReadValue(m)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case KindObject:
		meta, err := readMetaObject(d)
		if err != nil {
			return nil, err
		}
		sid, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		oid, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		if d.ep != nil {
			return d.ep.remoteObject(sid, oid, meta), nil
		}
		return ObjectRef{Meta: meta, Service: sid, Object: oid}, nil
	}
	return nil, fmt.Errorf("%w: cannot decode kind %v", ErrDecode, t.Kind)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	case int:
		return float64(f), true
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}
