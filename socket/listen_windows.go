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

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// ListenSocket on Windows wraps a net.Listener: one background goroutine
// blocks on Accept and posts a Connection Event per accepted connection,
// the same degraded buffered-instead-of-edge-triggered strategy Socket
// uses for reads.
type ListenSocket struct {
	loop *eventloop.Loop
	pool *pool.Pool

	mu      sync.Mutex
	handler eventloop.Handler

	ln     net.Listener
	family sklayer.Family

	bufferSizes [2]int

	accepted  []net.Conn
	listening bool
	closed    bool
}

// NewListenSocket creates a ListenSocket in its initial, not-yet-listening
// state.
func NewListenSocket(loop *eventloop.Loop, p *pool.Pool, handler eventloop.Handler) *ListenSocket {
	return &ListenSocket{loop: loop, pool: p, handler: handler}
}

// SetEventHandler replaces the handler notified of incoming connections.
func (l *ListenSocket) SetEventHandler(handler eventloop.Handler) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

// SetBufferSizes sets the buffer sizes applied to every socket this
// listener accepts.
func (l *ListenSocket) SetBufferSizes(receive, send int) {
	l.mu.Lock()
	l.bufferSizes = [2]int{receive, send}
	l.mu.Unlock()
}

// Listen binds and listens on port (0 means "any available port"; query it
// back with Port), restricting to family if not Unknown.
func (l *ListenSocket) Listen(family sklayer.Family, port int) error {
	l.mu.Lock()
	if l.listening {
		l.mu.Unlock()
		return neterr.New(neterr.AlreadyConnected, "listen called twice")
	}
	l.mu.Unlock()

	if port < 0 || port > 65535 {
		return neterr.New(neterr.InvalidArgument, "port out of range")
	}

	network := networkFor(family)
	ln, err := net.Listen(network, net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return neterr.Wrap(neterr.FatalIO, "listen", err)
	}

	l.mu.Lock()
	l.ln = ln
	l.family = family
	l.listening = true
	l.mu.Unlock()

	l.pool.Spawn(context.Background(), func(ctx context.Context) error {
		l.acceptLoop()
		return nil
	})
	return nil
}

// Port returns the locally bound port.
func (l *ListenSocket) Port() (int, error) {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return -1, neterr.New(neterr.NotConnected, "not listening")
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return -1, neterr.New(neterr.FatalIO, "unsupported address family")
	}
	return tcpAddr.Port, nil
}

func (l *ListenSocket) acceptLoop() {
	for {
		l.mu.Lock()
		ln, closed := l.ln, l.closed
		l.mu.Unlock()
		if closed || ln == nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.accepted = append(l.accepted, conn)
		l.mu.Unlock()
		l.sendEvent(sklayer.NewEvent(l, sklayer.Connection, 0))
	}
}

func (l *ListenSocket) sendEvent(ev sklayer.Event) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		l.loop.Send(h, ev)
	}
}

// Accept accepts one pending connection and wraps it in a Socket delivering
// events to handler. Returns neterr.WouldBlock if no connection is pending;
// the caller should wait for the next Connection Event before retrying.
func (l *ListenSocket) Accept(handler eventloop.Handler) (*Socket, error) {
	l.mu.Lock()
	if len(l.accepted) == 0 {
		l.mu.Unlock()
		return nil, neterr.New(neterr.WouldBlock, "operation would block")
	}
	conn := l.accepted[0]
	l.accepted = l.accepted[1:]
	bufSizes := l.bufferSizes
	l.mu.Unlock()

	_ = applyConnBufferSizes(conn, bufSizes[0], bufSizes[1])

	var peerHost string
	var peerPort uint16
	family := familyOfAddr(conn.RemoteAddr())
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peerHost = tcpAddr.IP.String()
		peerPort = uint16(tcpAddr.Port)
	}

	return fromConn(l.loop, l.pool, handler, conn, family, peerHost, peerPort)
}

// Close stops accepting and releases the listener. Idempotent.
func (l *ListenSocket) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	l.mu.Unlock()

	if ln == nil {
		return nil
	}
	return ln.Close()
}
