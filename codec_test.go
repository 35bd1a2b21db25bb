// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, sig string, v any) any {
	t.Helper()
	payload, err := encodeValue(sig, v, nil, 0)
	if err != nil {
		t.Fatalf("encode %q: %v", sig, err)
	}
	parsed, err := ParseSignature(sig)
	if err != nil {
		t.Fatalf("parse %q: %v", sig, err)
	}
	out, err := NewDecoder(payload).ReadValue(parsed)
	if err != nil {
		t.Fatalf("decode %q: %v", sig, err)
	}
	return out
}

func TestCodecRoundTrips(t *testing.T) {
	cases := []struct {
		sig  string
		in   any
		want any
	}{
		{"i", int32(-42), int32(-42)},
		{"I", uint32(42), uint32(42)},
		{"l", int64(-1 << 40), int64(-1 << 40)},
		{"L", uint64(1 << 50), uint64(1 << 50)},
		{"c", int8(-7), int8(-7)},
		{"C", uint8(200), uint8(200)},
		{"f", float32(1.5), float32(1.5)},
		{"d", 3.25, 3.25},
		{"b", true, true},
		{"s", "héllo", "héllo"},
		{"r", []byte{0, 1, 2, 0xff}, []byte{0, 1, 2, 0xff}},
		{"[i]", []any{int32(1), int32(2), int32(3)}, []any{int32(1), int32(2), int32(3)}},
		{"[s]", []any{}, []any{}},
		{"{si}", map[any]any{"a": int32(1), "b": int32(2)}, map[any]any{"a": int32(1), "b": int32(2)}},
		{"(sib)", []any{"x", int32(9), false}, []any{"x", int32(9), false}},
		{"m", Dynamic{Signature: "s", Value: "dyn"}, Dynamic{Signature: "s", Value: "dyn"}},
		{"m", Dynamic{Signature: "(is)", Value: []any{int32(4), "y"}}, Dynamic{Signature: "(is)", Value: []any{int32(4), "y"}}},
	}
	for _, tc := range cases {
		got := roundTrip(t, tc.sig, tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%q: got %#v, want %#v", tc.sig, got, tc.want)
		}
	}
}

func TestCodecIntCoercion(t *testing.T) {
	// Handlers commonly return untyped ints; the encoder accepts them for
	// any integer signature.
	got := roundTrip(t, "i", 7)
	if got != int32(7) {
		t.Errorf("got %#v, want int32(7)", got)
	}
	got = roundTrip(t, "I", 7)
	if got != uint32(7) {
		t.Errorf("got %#v, want uint32(7)", got)
	}
}

func TestCodecExtraTopLevelBytesTolerated(t *testing.T) {
	payload, err := encodeValue("s", "keep", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	payload = append(payload, 0xde, 0xad) // a newer peer appended fields
	parsed, _ := ParseSignature("s")
	d := NewDecoder(payload)
	v, err := d.ReadValue(parsed)
	if err != nil {
		t.Fatalf("decode with trailing bytes: %v", err)
	}
	if v != "keep" {
		t.Errorf("got %q", v)
	}
	if d.Remaining() != 2 {
		t.Errorf("remaining = %d, want 2", d.Remaining())
	}
}

func TestCodecTruncatedPayload(t *testing.T) {
	payload, _ := encodeValue("(ss)", []any{"a", "b"}, nil, 0)
	parsed, _ := ParseSignature("(ss)")
	if _, err := NewDecoder(payload[:len(payload)-3]).ReadValue(parsed); err == nil {
		t.Fatal("expected decode error on truncated tuple")
	}
}

func TestCodecTupleArityMismatch(t *testing.T) {
	if _, err := encodeValue("(ss)", []any{"only"}, nil, 0); err == nil {
		t.Fatal("expected arity error")
	}
}

func TestBufferSubBufferStitching(t *testing.T) {
	var b Buffer
	b.Write([]byte("head:"))
	big := []byte("0123456789")
	b.AttachSub(big)
	b.Write([]byte(":tail"))

	if b.Len() != len("head:")+len(big)+len(":tail") {
		t.Fatalf("Len = %d", b.Len())
	}
	want := []byte("head:0123456789:tail")
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}
}

func TestMetaObjectRoundTrip(t *testing.T) {
	b := NewObjectBuilder()
	b.AdvertiseMethod("echo", "(s)", "s", nil)
	b.AdvertiseMethod("add", "(ii)", "i", nil)
	b.AdvertiseSignal("tick", "(i)")
	b.AdvertiseProperty("volume", "i", int32(10))
	obj := b.MustObject()

	var buf Buffer
	writeMetaObject(NewEncoder(&buf), obj.MetaObject())
	meta, err := readMetaObject(NewDecoder(buf.Bytes()))
	if err != nil {
		t.Fatalf("readMetaObject: %v", err)
	}
	if len(meta.Methods) != 2 || len(meta.Signals) != 2 || len(meta.Properties) != 1 {
		t.Fatalf("unexpected sizes: %d methods %d signals %d properties",
			len(meta.Methods), len(meta.Signals), len(meta.Properties))
	}
	uid, ok := meta.MethodID("echo::(s)")
	if !ok {
		t.Fatal("echo::(s) not indexed")
	}
	if mm := meta.Methods[uid]; mm.ReturnSignature != "s" {
		t.Errorf("echo return = %q", mm.ReturnSignature)
	}
	if _, ok := meta.SignalID("tick"); !ok {
		t.Error("tick not indexed")
	}
	if _, ok := meta.PropertyID("volume"); !ok {
		t.Error("volume not indexed")
	}
}
