/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package buffer implements an appendable, front-consumable byte container
// with amortized O(1) append, used throughout this module's I/O paths as the
// staging area between the network and application code.
package buffer

import "unsafe"

const minCapacity = 1024

// Buffer is a FIFO of bytes backed by a single contiguous allocation. Bytes
// are appended at the tail and consumed from the head; consuming all
// buffered bytes resets the head back to zero so repeated append/consume
// cycles do not grow the backing array unboundedly.
//
// The zero value is an empty, ready-to-use Buffer.
type Buffer struct {
	data []byte
	head int
}

// Len returns the number of unconsumed bytes currently buffered.
func (b *Buffer) Len() int {
	return len(b.data) - b.head
}

// Empty reports whether there is no unconsumed data.
func (b *Buffer) Empty() bool {
	return b.Len() == 0
}

// Cap returns the capacity of the backing array.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Get returns the current readable view: the unconsumed bytes in FIFO order.
// The returned slice aliases the Buffer's storage and is only valid until
// the next mutating call.
func (b *Buffer) Get() []byte {
	return b.data[b.head:]
}

// ReserveAndGet returns a writable tail slice guaranteed to hold at least n
// bytes, growing and/or compacting the backing storage as needed. Callers
// write into the returned slice and then call Commit with the number of
// bytes actually written.
func (b *Buffer) ReserveAndGet(n int) []byte {
	b.makeRoom(n)
	return b.data[len(b.data):cap(b.data)]
}

// Commit records that n bytes, previously written into the slice returned by
// ReserveAndGet, are now part of the buffer's readable content.
func (b *Buffer) Commit(n int) {
	if n < 0 {
		return
	}
	if len(b.data)+n > cap(b.data) {
		panic("buffer: Commit exceeds reserved capacity")
	}
	b.data = b.data[:len(b.data)+n]
}

// Append copies p onto the tail of the buffer, growing storage by amortized
// doubling (with a 1024-byte floor) when needed. p may alias the buffer's
// own readable content (e.g. appending bytes just read from the front);
// that case is handled the same way the reference buffer's append() does:
// by tracking p's offset from the head across any in-place compaction
// instead of letting the move corrupt it.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	if off, ok := b.offsetWithin(p); ok {
		b.makeRoom(len(p))
		src := b.data[b.head+off : b.head+off+len(p)]
		dst := b.data[len(b.data) : len(b.data)+len(p)]
		copy(dst, src)
		b.Commit(len(p))
		return
	}

	dst := b.ReserveAndGet(len(p))
	copy(dst, p)
	b.Commit(len(p))
}

// offsetWithin reports whether p aliases b's own backing array, and if so
// its offset relative to the current head.
func (b *Buffer) offsetWithin(p []byte) (int, bool) {
	if len(p) == 0 || cap(b.data) == 0 {
		return 0, false
	}
	full := b.data[:cap(b.data)]
	baseAddr := uintptr(unsafe.Pointer(&full[0]))
	pAddr := uintptr(unsafe.Pointer(&p[0]))
	if pAddr < baseAddr {
		return 0, false
	}
	delta := pAddr - baseAddr
	if delta >= uintptr(cap(b.data)) {
		return 0, false
	}
	return int(delta) - b.head, true
}

// AppendString is Append for a string, avoiding a caller-side conversion.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(v byte) {
	dst := b.ReserveAndGet(1)
	dst[0] = v
	b.Commit(1)
}

// AppendBuffer appends the readable content of other onto b.
func (b *Buffer) AppendBuffer(other *Buffer) {
	b.Append(other.Get())
}

// Consume removes n bytes from the front of the buffer. Consuming the full
// content resets the head back to zero. Panics if n exceeds Len, matching
// the reference implementation's "undefined if consumed > size()" contract
// made safe for Go.
func (b *Buffer) Consume(n int) {
	if n > b.Len() {
		panic("buffer: Consume exceeds buffered length")
	}
	b.head += n
	if b.head == len(b.data) {
		b.data = b.data[:0]
		b.head = 0
	}
}

// Clear discards all buffered content without releasing the backing array.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
	b.head = 0
}

// Reserve ensures the backing array has at least the given capacity (with a
// 1024-byte floor when it grows). If the existing capacity already suffices
// nothing changes; otherwise the unconsumed bytes move to a new array that
// starts at offset zero.
func (b *Buffer) Reserve(capacity int) {
	if cap(b.data) >= capacity {
		return
	}
	grown := capacity
	if grown < minCapacity {
		grown = minCapacity
	}
	nd := make([]byte, len(b.data)-b.head, grown)
	copy(nd, b.data[b.head:])
	b.data = nd
	b.head = 0
}

// makeRoom guarantees n additional writable bytes past the current content,
// compacting the head offset away before growing, exactly as the reference
// buffer's get(write_size) does.
func (b *Buffer) makeRoom(n int) {
	if cap(b.data)-len(b.data) >= n {
		return
	}
	remaining := b.Len()
	if cap(b.data)-remaining >= n {
		copy(b.data[:remaining], b.data[b.head:])
		b.data = b.data[:remaining]
		b.head = 0
		return
	}
	newCap := cap(b.data) * 2
	if want := remaining + n; newCap < want {
		newCap = want
	}
	if newCap < minCapacity {
		newCap = minCapacity
	}
	nd := make([]byte, remaining, newCap)
	copy(nd, b.data[b.head:])
	b.data = nd
	b.head = 0
}

// Equal reports whether two buffers hold the same unconsumed content,
// regardless of internal capacity or head offset.
func Equal(a, b *Buffer) bool {
	ab, bb := a.Get(), b.Get()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}
