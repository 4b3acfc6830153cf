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

// Package socket is the bottom of every layer stack: a non-blocking,
// edge-triggered, IPv4/IPv6-capable TCP socket and its listening
// counterpart, implementing socket/layer.Interface directly. Each Socket
// owns one background goroutine that waits on the poller for readiness and
// posts events to the registered handler through the owning event loop;
// Read/Write themselves never block.
package socket

import "time"

// waitFlag is the set of directions a Socket's background goroutine is
// currently polling for, the Go mirror of the reference socket_thread's
// WAIT_CONNECT/WAIT_READ/WAIT_WRITE/WAIT_ACCEPT bitmask.
type waitFlag uint8

const (
	waitConnect waitFlag = 1 << iota
	waitRead
	waitWrite
	waitAccept
)

// Flags for Socket.SetFlags, the Go mirror of socket::flag_nodelay and
// socket::flag_keepalive.
const (
	FlagNoDelay   = 0x01
	FlagKeepAlive = 0x02
)

// defaultKeepaliveInterval matches the reference's documented default of
// two hours between TCP keepalive probes.
const defaultKeepaliveInterval = 2 * time.Hour
