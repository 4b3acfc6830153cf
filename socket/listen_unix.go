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

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/poller"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

func ipString(raw []byte) string {
	return net.IP(raw).String()
}

// ListenSocket is a non-blocking listening socket: it reports readiness to
// accept through the same event mechanism as Socket, the Go mirror of
// listen_socket.
type ListenSocket struct {
	loop *eventloop.Loop
	pool *pool.Pool

	mu      sync.Mutex
	handler eventloop.Handler

	fd     int
	family sklayer.Family

	bufferSizes [2]int

	pr           *poller.Poller
	listening    bool
	closed       bool
	threadCancel context.CancelFunc
}

// NewListenSocket creates a ListenSocket in its initial, not-yet-listening
// state.
func NewListenSocket(loop *eventloop.Loop, p *pool.Pool, handler eventloop.Handler) *ListenSocket {
	return &ListenSocket{loop: loop, pool: p, handler: handler, fd: -1}
}

// SetEventHandler replaces the handler notified of incoming connections.
func (l *ListenSocket) SetEventHandler(handler eventloop.Handler) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

// SetBufferSizes sets the SO_RCVBUF/SO_SNDBUF applied to every socket this
// listener accepts, mirroring listen_socket::fast_accept calling
// do_set_buffer_sizes on the freshly accepted fd.
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

	af := unix.AF_INET
	if family == sklayer.IPv6 {
		af = unix.AF_INET6
	}

	fd, err := unix.Socket(af, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return neterr.Wrap(neterr.FatalIO, "socket", err)
	}

	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if af == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}

	var sa unix.Sockaddr
	if af == unix.AF_INET6 {
		sa = &unix.SockaddrInet6{Port: port}
	} else {
		sa = &unix.SockaddrInet4{Port: port}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return neterr.Wrap(neterr.FatalIO, "bind", err)
	}
	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return neterr.Wrap(neterr.FatalIO, "listen", err)
	}

	p, err := poller.New()
	if err != nil {
		unix.Close(fd)
		return neterr.Wrap(neterr.FatalIO, "poller", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.fd = fd
	l.family = familyOf(af)
	l.listening = true
	l.pr = p
	l.threadCancel = cancel
	l.mu.Unlock()

	l.pool.Spawn(ctx, func(ctx context.Context) error {
		l.runThread(ctx)
		return nil
	})
	return nil
}

// Port returns the locally bound port, the Go mirror of reading back the
// ephemeral port assigned when Listen was called with port == 0.
func (l *ListenSocket) Port() (int, error) {
	l.mu.Lock()
	fd := l.fd
	l.mu.Unlock()
	if fd == -1 {
		return -1, neterr.New(neterr.NotConnected, "not listening")
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return -1, neterr.Wrap(neterr.FatalIO, "getsockname", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return -1, neterr.New(neterr.FatalIO, "unsupported address family")
	}
}

func (l *ListenSocket) runThread(ctx context.Context) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		fd := l.fd
		p := l.pr
		l.mu.Unlock()

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		ready, err := p.Wait(fds)

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			continue
		}
		if !ready {
			continue
		}
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
	fd := l.fd
	bufSizes := l.bufferSizes
	l.mu.Unlock()

	connFD, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, mapErrno(err)
	}

	_ = applyBufferSizes(connFD, bufSizes[0], bufSizes[1])

	peerSA, _ := unix.Getpeername(connFD)
	var peerHost string
	var peerPort uint16
	var family sklayer.Family
	switch a := peerSA.(type) {
	case *unix.SockaddrInet4:
		peerHost = ipString(a.Addr[:])
		peerPort = uint16(a.Port)
		family = sklayer.IPv4
	case *unix.SockaddrInet6:
		peerHost = ipString(a.Addr[:])
		peerPort = uint16(a.Port)
		family = sklayer.IPv6
	}

	return fromFD(l.loop, l.pool, handler, connFD, family, peerHost, peerPort)
}

// Close stops accepting and releases the listening fd. Idempotent.
func (l *ListenSocket) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	fd := l.fd
	p := l.pr
	cancel := l.threadCancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p != nil {
		p.Interrupt()
		p.Close()
	}
	if fd == -1 {
		return nil
	}
	return unix.Close(fd)
}
