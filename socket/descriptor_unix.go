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

//go:build !windows

package socket

import "golang.org/x/sys/unix"

// Descriptor is a lightweight holder for a raw socket descriptor, letting
// ownership move between goroutines without wrapping a full Socket - best
// suited for tight accept loops that hand descriptors off to worker
// goroutines, the Go mirror of socket_descriptor.
type Descriptor struct {
	fd int
}

func newDescriptor(fd int) Descriptor { return Descriptor{fd: fd} }

// Valid reports whether the descriptor still owns an open fd.
func (d Descriptor) Valid() bool { return d.fd != -1 }

// Detach returns the raw fd and releases this Descriptor's ownership of it
// without closing it.
func (d *Descriptor) Detach() int {
	fd := d.fd
	d.fd = -1
	return fd
}

// Close closes the underlying fd if this Descriptor still owns one.
func (d *Descriptor) Close() error {
	if d.fd == -1 {
		return nil
	}
	fd := d.fd
	d.fd = -1
	return unix.Close(fd)
}
