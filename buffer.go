// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

// Buffer is an append-only byte sequence used to build message payloads.
// Large already-serialized payloads can be attached without copying via
// AttachSub; Bytes stitches the segments back together in order.
type Buffer struct {
	data []byte
	subs []subBuffer
}

// subBuffer is a zero-copy attachment stitched at offset off of the main
// sequence.
type subBuffer struct {
	off  int
	data []byte
}

// Write appends p. It implements io.Writer and never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

// AttachSub records p as a sub-buffer at the current write position without
// copying it. The caller must not mutate p afterwards.
func (b *Buffer) AttachSub(p []byte) {
	if len(p) == 0 {
		return
	}
	b.subs = append(b.subs, subBuffer{off: len(b.data), data: p})
}

// Len returns the total length, sub-buffers included.
func (b *Buffer) Len() int {
	n := len(b.data)
	for _, s := range b.subs {
		n += len(s.data)
	}
	return n
}

// Bytes flattens the buffer into a single contiguous slice. With no
// sub-buffers attached it returns the underlying slice directly.
func (b *Buffer) Bytes() []byte {
	if len(b.subs) == 0 {
		return b.data
	}
	out := make([]byte, 0, b.Len())
	prev := 0
	for _, s := range b.subs {
		out = append(out, b.data[prev:s.off]...)
		out = append(out, s.data...)
		prev = s.off
	}
	return append(out, b.data[prev:]...)
}

// Reset empties the buffer, keeping the main segment's capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.subs = nil
}
