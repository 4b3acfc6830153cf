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

//go:build windows

package socket

import "net"

// Descriptor on Windows holds the net.Conn itself rather than a raw fd:
// there is no portable non-blocking fd to detach to, so moving ownership
// between goroutines means moving the net.Conn value instead.
type Descriptor struct {
	conn net.Conn
}

func newWindowsDescriptor(conn net.Conn) Descriptor { return Descriptor{conn: conn} }

// Valid reports whether the descriptor still owns an open connection.
func (d Descriptor) Valid() bool { return d.conn != nil }

// Detach returns the underlying net.Conn and releases this Descriptor's
// ownership of it without closing it.
func (d *Descriptor) Detach() net.Conn {
	c := d.conn
	d.conn = nil
	return c
}

// Close closes the underlying connection if this Descriptor still owns one.
func (d *Descriptor) Close() error {
	if d.conn == nil {
		return nil
	}
	c := d.conn
	d.conn = nil
	return c.Close()
}
