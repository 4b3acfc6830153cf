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
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// Socket on Windows has no epoll/poll equivalent wired through this module's
// poller package, so it falls back to Go's own net.Dialer/net.Conn: one
// background goroutine blocks on Conn.Read and feeds a byte buffer, turning
// level-triggered availability into the same Read Event contract the unix
// poller-backed Socket uses. Unlike the unix implementation, Write is a
// direct blocking call - there is no portable non-blocking write on this
// platform, so a Write under backpressure blocks the caller briefly instead
// of returning WouldBlock. This is the degraded path the socket core's
// family-selection note describes; the event contract toward callers is
// otherwise unchanged.
type Socket struct {
	loop *eventloop.Loop
	pool *pool.Pool

	mu      sync.Mutex
	handler eventloop.Handler

	conn   net.Conn
	family sklayer.Family
	state  sklayer.State

	host string
	port uint16

	flags             int
	keepaliveInterval time.Duration
	bufferSizes       [2]int

	readBuf   bytes.Buffer
	readErr   error
	readArmed bool

	closed       bool
	dialCancel   context.CancelFunc
}

// New creates a Socket in its initial, unconnected state.
func New(loop *eventloop.Loop, p *pool.Pool, handler eventloop.Handler) *Socket {
	return &Socket{
		loop:              loop,
		pool:              p,
		handler:           handler,
		keepaliveInterval: defaultKeepaliveInterval,
	}
}

// GetDescriptor detaches and returns the underlying net.Conn, leaving the
// Socket itself unusable afterwards.
func (s *Socket) GetDescriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := newWindowsDescriptor(s.conn)
	s.conn = nil
	return d
}

// SetFlags enables or disables FlagNoDelay/FlagKeepAlive, applying
// immediately if already connected.
func (s *Socket) SetFlags(flags int, enable bool) {
	s.mu.Lock()
	if enable {
		s.flags |= flags
	} else {
		s.flags &^= flags
	}
	conn, f, interval := s.conn, s.flags, s.keepaliveInterval
	s.mu.Unlock()
	if conn != nil {
		applyConnFlags(conn, f, interval)
	}
}

// SetKeepaliveInterval sets the keepalive probe interval; values below 5
// minutes are clamped up, matching the unix implementation's documented
// floor.
func (s *Socket) SetKeepaliveInterval(d time.Duration) {
	if d < 5*time.Minute {
		d = 5 * time.Minute
	}
	s.mu.Lock()
	s.keepaliveInterval = d
	conn, f := s.conn, s.flags
	s.mu.Unlock()
	if conn != nil && f&FlagKeepAlive != 0 {
		applyConnFlags(conn, f, d)
	}
}

// SetBufferSizes sets the OS socket receive/send buffers; a negative size
// leaves that buffer at its default.
func (s *Socket) SetBufferSizes(receive, send int) error {
	s.mu.Lock()
	s.bufferSizes = [2]int{receive, send}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return applyConnBufferSizes(conn, receive, send)
}

// Connect starts connecting to host:port via net.Dialer, which resolves
// hostnames itself - the degraded path does not drive this module's own
// hostlookup component the way the unix Socket does. Returns nil once the
// dial has started; the outcome arrives as a sklayer.Connection Event.
func (s *Socket) Connect(ctx context.Context, host string, port uint16, family sklayer.Family) error {
	s.mu.Lock()
	if s.state != sklayer.StateNone {
		s.mu.Unlock()
		return neterr.New(neterr.AlreadyConnected, "connect called twice")
	}
	s.state = sklayer.StateConnecting
	s.host = host
	s.port = port
	dialCtx, cancel := context.WithCancel(ctx)
	s.dialCancel = cancel
	s.mu.Unlock()

	s.pool.Spawn(dialCtx, func(ctx context.Context) error {
		network := networkFor(family)
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(host, strconv.Itoa(int(port))))
		if err != nil {
			s.mu.Lock()
			s.state = sklayer.StateFailed
			s.mu.Unlock()
			s.sendEvent(sklayer.NewEvent(s, sklayer.Connection, 1))
			return nil
		}

		s.mu.Lock()
		s.conn = conn
		s.family = family
		f, bufSizes := s.flags, s.bufferSizes
		s.state = sklayer.StateConnected
		s.mu.Unlock()

		applyConnFlags(conn, f, s.keepaliveInterval)
		_ = applyConnBufferSizes(conn, bufSizes[0], bufSizes[1])

		s.startReader()
		s.sendEvent(sklayer.NewEvent(s, sklayer.Connection, 0))
		return nil
	})
	return nil
}

// fromConn wraps an already-accepted net.Conn (from ListenSocket.Accept) in
// a Socket ready to deliver events.
func fromConn(loop *eventloop.Loop, p *pool.Pool, handler eventloop.Handler, conn net.Conn, family sklayer.Family, peerHost string, peerPort uint16) (*Socket, error) {
	s := &Socket{
		loop:              loop,
		pool:              p,
		handler:           handler,
		conn:              conn,
		family:            family,
		host:              peerHost,
		port:              peerPort,
		state:             sklayer.StateConnected,
		keepaliveInterval: defaultKeepaliveInterval,
	}
	s.startReader()
	return s, nil
}

func (s *Socket) startReader() {
	s.pool.Spawn(context.Background(), func(ctx context.Context) error {
		s.readLoop()
		return nil
	})
}

// readLoop is the Go mirror, for this platform, of socket_thread's read
// side: block on Conn.Read, buffer what arrives, and notify the handler
// only when it was actually waiting (i.e. had drained the buffer and seen
// WouldBlock), the same "only signal on a state transition" contract the
// unix path implements with poll(2), arming a direction only after a call
// on it returned WouldBlock.
func (s *Socket) readLoop() {
	var tmp [32 * 1024]byte
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return
		}

		n, err := conn.Read(tmp[:])
		if n > 0 {
			s.mu.Lock()
			s.readBuf.Write(tmp[:n])
			armed := s.readArmed
			s.readArmed = false
			s.mu.Unlock()
			if armed {
				s.sendEvent(sklayer.NewEvent(s, sklayer.Read, 0))
			}
		}
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			if !errors.Is(err, io.EOF) {
				s.state = sklayer.StateFailed
			}
			armed := s.readArmed
			s.readArmed = false
			s.mu.Unlock()
			if armed {
				s.sendEvent(sklayer.NewEvent(s, sklayer.Read, mapConnErr(err).Code()))
			}
			return
		}
	}
}

func (s *Socket) sendEvent(ev sklayer.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		s.loop.Send(h, ev)
	}
}

// Read implements sklayer.Interface, draining whatever readLoop has
// buffered so far; returns neterr.WouldBlock once the buffer is empty and
// no terminal error has been recorded, after which the caller waits for
// the next Read Event.
func (s *Socket) Read(buffer []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sklayer.StateConnected && s.state != sklayer.StateShuttingDown && s.readBuf.Len() == 0 {
		return 0, neterr.New(neterr.NotConnected, "read on unconnected socket")
	}

	if s.readBuf.Len() > 0 {
		return s.readBuf.Read(buffer)
	}
	if s.readErr != nil {
		if errors.Is(s.readErr, io.EOF) {
			return 0, nil
		}
		return 0, mapConnErr(s.readErr)
	}
	s.readArmed = true
	return 0, neterr.New(neterr.WouldBlock, "operation would block")
}

// Write implements sklayer.Interface. This platform has no non-blocking
// write primitive, so Write calls Conn.Write directly and may block the
// caller briefly under backpressure rather than returning WouldBlock.
func (s *Socket) Write(buffer []byte) (int, error) {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if state != sklayer.StateConnected {
		return 0, neterr.New(neterr.NotConnected, "write on unconnected socket")
	}

	n, err := conn.Write(buffer)
	if err != nil {
		s.mu.Lock()
		s.state = sklayer.StateFailed
		s.mu.Unlock()
		return n, mapConnErr(err)
	}
	return n, nil
}

// SetEventHandler implements sklayer.Interface. Write is always immediately
// ready on this platform (see Write's doc comment), so a freshly attached
// handler is resent a Write Event unconditionally unless retriggerBlock
// opts out, mirroring the unix implementation's "report the pending ones"
// contract for Read.
func (s *Socket) SetEventHandler(handler eventloop.Handler, retriggerBlock sklayer.Flag) {
	s.mu.Lock()
	s.handler = handler
	state := s.state
	hasBuffered := s.readBuf.Len() > 0
	s.mu.Unlock()

	if handler == nil {
		return
	}

	if (state == sklayer.StateConnected || state == sklayer.StateShutDown) &&
		hasBuffered && retriggerBlock&sklayer.Read == 0 {
		s.loop.Send(handler, sklayer.NewEvent(s, sklayer.Read, 0))
	}
	if state == sklayer.StateConnected && retriggerBlock&sklayer.Write == 0 {
		s.loop.Send(handler, sklayer.NewEvent(s, sklayer.Write, 0))
	}
}

// PeerHost returns the hostname passed to Connect, or the dialed IP literal
// if none was.
func (s *Socket) PeerHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// PeerPort returns the port passed to Connect.
func (s *Socket) PeerPort() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sklayer.StateNone {
		return -1, neterr.New(neterr.NotConnected, "not connected")
	}
	return int(s.port), nil
}

// State implements sklayer.Interface.
func (s *Socket) State() sklayer.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddressFamily returns the connected family, or sklayer.Unknown before
// Connect has resolved one.
func (s *Socket) AddressFamily() sklayer.Family {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.family
}

// Shutdown signals the peer that no more data will be sent.
func (s *Socket) Shutdown() error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if state == sklayer.StateShutDown || state == sklayer.StateClosed || state == sklayer.StateFailed {
		return nil
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return mapConnErr(err)
		}
	}

	s.mu.Lock()
	s.state = sklayer.StateShutDown
	s.mu.Unlock()
	return nil
}

// ShutdownRead is a no-op, matching the unix implementation: there is no
// lower layer whose own EOF needs confirming.
func (s *Socket) ShutdownRead() error { return nil }

// Close releases the underlying connection and stops its background
// goroutines. Idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = sklayer.StateClosed
	conn := s.conn
	cancel := s.dialCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func networkFor(family sklayer.Family) string {
	switch family {
	case sklayer.IPv4:
		return "tcp4"
	case sklayer.IPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

func familyOfAddr(addr net.Addr) sklayer.Family {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return sklayer.Unknown
	}
	if tcpAddr.IP.To4() != nil {
		return sklayer.IPv4
	}
	return sklayer.IPv6
}

func applyConnFlags(conn net.Conn, flags int, interval time.Duration) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if flags&FlagNoDelay != 0 {
		_ = tc.SetNoDelay(true)
	}
	if flags&FlagKeepAlive != 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(interval)
	} else {
		_ = tc.SetKeepAlive(false)
	}
}

func applyConnBufferSizes(conn net.Conn, receive, send int) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if receive >= 0 {
		if err := tc.SetReadBuffer(receive); err != nil {
			return neterr.Wrap(neterr.FatalIO, "SetReadBuffer", err)
		}
	}
	if send >= 0 {
		if err := tc.SetWriteBuffer(send); err != nil {
			return neterr.Wrap(neterr.FatalIO, "SetWriteBuffer", err)
		}
	}
	return nil
}

// mapConnErr classifies a net.Conn error the way mapErrno classifies a raw
// errno on unix: a closed/reset connection is fatal, everything else is
// wrapped as FatalIO.
func mapConnErr(err error) neterr.Error {
	if e, ok := err.(neterr.Error); ok {
		return e
	}
	if errors.Is(err, net.ErrClosed) {
		return neterr.Wrap(neterr.NotConnected, "connection closed", err)
	}
	return neterr.Wrap(neterr.FatalIO, "socket error", err)
}
