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
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/hostlookup"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/poller"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// Socket is a non-blocking, edge-triggered TCP socket. The zero value is
// not usable; construct one with New. Pass a Pool with enough capacity (or
// an unlimited one, weight < 0) to hold one slot per live Socket for its
// entire lifetime: each Socket spawns a persistent background goroutine on
// p, not a one-shot task.
type Socket struct {
	loop *eventloop.Loop
	pool *pool.Pool

	mu      sync.Mutex
	handler eventloop.Handler

	fd     int
	family sklayer.Family
	state  sklayer.State

	host string
	port uint16

	flags             int
	keepaliveInterval time.Duration
	bufferSizes       [2]int

	lookup *hostlookup.Lookup

	wantFamily     sklayer.Family
	candidates     []string
	candidateIndex int

	pr           *poller.Poller
	waiting      waitFlag
	closed       bool
	threadCancel context.CancelFunc
}

// New creates a Socket in its initial, unconnected state. Events (once
// connected) are delivered to handler through loop; handler may be nil and
// set later via SetEventHandler.
func New(loop *eventloop.Loop, p *pool.Pool, handler eventloop.Handler) *Socket {
	return &Socket{
		loop:              loop,
		pool:              p,
		handler:           handler,
		fd:                -1,
		keepaliveInterval: defaultKeepaliveInterval,
	}
}

// GetDescriptor detaches and returns the raw fd, the Go mirror of
// socket::get_descriptor, leaving the Socket itself unusable afterwards.
func (s *Socket) GetDescriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := newDescriptor(s.fd)
	s.fd = -1
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
	fd, connected := s.fd, s.state != sklayer.StateNone && s.state != sklayer.StateConnecting
	f := s.flags
	s.mu.Unlock()
	if connected && fd != -1 {
		applySocketFlags(fd, f)
	}
}

// SetKeepaliveInterval sets the interval between TCP keepalive probes, the
// Go mirror of socket::set_keepalive_interval. Per the reference, values
// below 5 minutes are not honored by the OS and are clamped up to it.
func (s *Socket) SetKeepaliveInterval(d time.Duration) {
	if d < 5*time.Minute {
		d = 5 * time.Minute
	}
	s.mu.Lock()
	s.keepaliveInterval = d
	fd := s.fd
	enabled := s.flags&FlagKeepAlive != 0
	s.mu.Unlock()
	if enabled && fd != -1 {
		setKeepaliveInterval(fd, d)
	}
}

// SetBufferSizes sets SO_RCVBUF/SO_SNDBUF; a negative size leaves that
// buffer at the OS default.
func (s *Socket) SetBufferSizes(receive, send int) error {
	s.mu.Lock()
	s.bufferSizes = [2]int{receive, send}
	fd := s.fd
	s.mu.Unlock()
	if fd == -1 {
		return nil
	}
	return applyBufferSizes(fd, receive, send)
}

// Connect starts connecting to host, an IPv4/IPv6 literal or a hostname
// needing resolution through hostlookup first. Returns nil once the
// connection attempt has started (or resolution has started); the outcome
// arrives as a sklayer.Connection Event, possibly preceded by one or more
// sklayer.ConnectionNext Events as candidate addresses are tried in order.
func (s *Socket) Connect(ctx context.Context, host string, port uint16, family sklayer.Family) error {
	s.mu.Lock()
	if s.state != sklayer.StateNone {
		s.mu.Unlock()
		return neterr.New(neterr.AlreadyConnected, "connect called twice")
	}
	s.state = sklayer.StateConnecting
	s.host = host
	s.port = port
	s.wantFamily = family
	s.mu.Unlock()

	if ip := net.ParseIP(host); ip != nil {
		s.beginCandidates([]string{ip.String()})
		return nil
	}

	s.mu.Lock()
	if s.lookup == nil {
		s.lookup = hostlookup.New(s.loop, &connectResolver{s: s}, s.pool)
	}
	lk := s.lookup
	s.mu.Unlock()

	if !lk.Lookup(ctx, host, family) {
		s.mu.Lock()
		s.state = sklayer.StateNone
		s.mu.Unlock()
		return neterr.New(neterr.InvalidArgument, "lookup already in progress")
	}
	return nil
}

// connectResolver bridges a hostlookup.Lookup back into the Socket that
// started it, continuing the connection attempt once a hostname resolves.
type connectResolver struct {
	s *Socket
}

func (r *connectResolver) HandleEvent(_ context.Context, ev event.Base) {
	addrs, err, ok := hostlookup.Result(ev, r.s.lookup)
	if !ok {
		return
	}
	if err != nil || len(addrs) == 0 {
		r.s.failConnect(neterr.Wrap(neterr.ResolverError, "resolve "+r.s.host, err))
		return
	}
	r.s.beginCandidates(addrs)
}

// beginCandidates starts (or restarts, for the literal-IP fast path) the
// candidate list for the connection attempt in progress and tries the first
// one, per the "try candidate addresses in order" contract: every candidate
// is attempted through the same tryNextCandidate/failCandidate machinery, so
// even a single-candidate attempt's failure surfaces asynchronously as a
// sklayer.Connection Event rather than a synchronous error return.
func (s *Socket) beginCandidates(addrs []string) {
	s.mu.Lock()
	s.candidates = addrs
	s.candidateIndex = 0
	s.mu.Unlock()
	s.tryNextCandidate()
}

// tryNextCandidate attempts the next unattempted candidate address,
// advancing candidateIndex first so a subsequent immediate-failure retry
// moves forward. It loops internally past candidates that fail immediately
// (no EINPROGRESS reached) and only returns once an attempt is pending on
// the poller, succeeds, or every candidate has been exhausted.
func (s *Socket) tryNextCandidate() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.candidateIndex >= len(s.candidates) {
			s.mu.Unlock()
			s.failConnect(neterr.New(neterr.FatalIO, "no more candidate addresses"))
			return
		}
		addr := s.candidates[s.candidateIndex]
		s.candidateIndex++
		port := s.port
		family := s.wantFamily
		more := s.candidateIndex < len(s.candidates)
		s.mu.Unlock()

		ip := net.ParseIP(addr)
		s.sendEvent(sklayer.NewHostAddressEvent(s, addr))

		err := s.startConnect(ip, port, family)
		if err == nil {
			return
		}

		ne := asNetErr(err)
		if !more {
			s.failConnect(ne)
			return
		}
		s.sendEvent(sklayer.NewEvent(s, sklayer.ConnectionNext, ne.Code()))
	}
}

// asNetErr recovers the neterr.Error every startConnect failure is actually
// constructed as; the fallback only guards against a future startConnect
// change that stops doing so.
func asNetErr(err error) neterr.Error {
	if e, ok := err.(neterr.Error); ok {
		return e
	}
	return neterr.Wrap(neterr.FatalIO, "connect", err)
}

func (s *Socket) failConnect(err neterr.Error) {
	s.mu.Lock()
	s.state = sklayer.StateFailed
	s.mu.Unlock()
	s.sendEvent(sklayer.NewEvent(s, sklayer.Connection, err.Code()))
}

// closeCandidateFD releases the fd and poller owned by the candidate attempt
// that just failed asynchronously, without touching the Socket's broader
// state, so tryNextCandidate can start a fresh attempt cleanly.
func (s *Socket) closeCandidateFD() {
	s.mu.Lock()
	fd := s.fd
	p := s.pr
	s.fd = -1
	s.pr = nil
	s.mu.Unlock()
	if p != nil {
		p.Close()
	}
	if fd != -1 {
		unix.Close(fd)
	}
}

// failCandidate handles an async connect failure, i.e. a non-zero SO_ERROR
// observed after EINPROGRESS: with more candidates left it closes this
// attempt and tries the next one after emitting ConnectionNext, otherwise it
// fails the Socket terminally exactly like tryNextCandidate's own
// immediate-failure branch.
func (s *Socket) failCandidate(errno int) {
	s.mu.Lock()
	closed := s.closed
	more := s.candidateIndex < len(s.candidates)
	s.mu.Unlock()
	if closed {
		return
	}

	s.closeCandidateFD()

	if !more {
		s.mu.Lock()
		s.state = sklayer.StateFailed
		s.mu.Unlock()
		s.sendEvent(sklayer.NewEvent(s, sklayer.Connection, errno))
		return
	}

	s.sendEvent(sklayer.NewEvent(s, sklayer.ConnectionNext, errno))
	s.tryNextCandidate()
}

func (s *Socket) startConnect(ip net.IP, port uint16, family sklayer.Family) error {
	sa, af, err := sockaddrFor(ip, port, family)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(af, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return neterr.Wrap(neterr.FatalIO, "socket", err)
	}

	s.mu.Lock()
	s.fd = fd
	s.family = familyOf(af)
	flags := s.flags
	bufSizes := s.bufferSizes
	s.mu.Unlock()

	applySocketFlags(fd, flags)
	_ = applyBufferSizes(fd, bufSizes[0], bufSizes[1])

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EALREADY {
		unix.Close(fd)
		return neterr.Wrap(neterr.FatalIO, "connect", err)
	}

	return s.startThread(waitConnect)
}

// fromFD wraps an already-connected fd (from ListenSocket.Accept) in a
// Socket ready to deliver events.
func fromFD(loop *eventloop.Loop, p *pool.Pool, handler eventloop.Handler, fd int, family sklayer.Family, peerHost string, peerPort uint16) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, neterr.Wrap(neterr.FatalIO, "set nonblocking", err)
	}

	s := &Socket{
		loop:              loop,
		pool:              p,
		handler:           handler,
		fd:                fd,
		family:            family,
		host:              peerHost,
		port:              peerPort,
		state:             sklayer.StateConnected,
		keepaliveInterval: defaultKeepaliveInterval,
	}
	if err := s.startThread(waitRead | waitWrite); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func (s *Socket) startThread(initial waitFlag) error {
	p, err := poller.New()
	if err != nil {
		return neterr.Wrap(neterr.FatalIO, "poller", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.pr = p
	s.waiting = initial
	s.threadCancel = cancel
	s.mu.Unlock()

	s.pool.Spawn(ctx, func(ctx context.Context) error {
		s.runThread(ctx)
		return nil
	})
	return nil
}

// runThread is the Go mirror of socket_thread::entry: wait for readiness on
// whichever directions are currently armed, translate it into events, loop
// until the Socket is closed.
func (s *Socket) runThread(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		fd := s.fd
		w := s.waiting
		p := s.pr
		s.mu.Unlock()

		if w == 0 {
			p.Idle()
			continue
		}

		var events int16
		if w&(waitConnect|waitWrite) != 0 {
			events |= unix.POLLOUT
		}
		if w&(waitRead|waitAccept) != 0 {
			events |= unix.POLLIN
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		ready, err := p.Wait(fds)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			code := mapErrno(err).Code()
			s.mu.Lock()
			s.state = sklayer.StateFailed
			s.mu.Unlock()
			s.sendEvent(sklayer.NewEvent(s, sklayer.Read, code))
			s.sendEvent(sklayer.NewEvent(s, sklayer.Write, code))
			continue
		}
		if !ready {
			continue // interrupted only to recompute the poll set
		}

		if s.handleReadiness(fds[0].Revents) {
			return
		}
	}
}

// handleReadiness translates poll readiness into events. It returns true
// when this goroutine's poller/fd pair has just been retired (an async
// connect failure handed off to a fresh candidate attempt, or fully failed)
// and runThread must stop rather than loop again on now-stale state.
func (s *Socket) handleReadiness(revents int16) bool {
	s.mu.Lock()
	w := s.waiting
	fd := s.fd
	s.mu.Unlock()

	if w&waitConnect != 0 && revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
		errno, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)

		if errno == 0 {
			s.mu.Lock()
			s.waiting &^= waitConnect
			s.state = sklayer.StateConnected
			s.waiting |= waitRead | waitWrite
			s.mu.Unlock()
			s.sendEvent(sklayer.NewEvent(s, sklayer.Connection, 0))
			return false
		}

		s.failCandidate(errno)
		return true
	}

	if w&waitAccept != 0 && revents&unix.POLLIN != 0 {
		s.mu.Lock()
		s.waiting &^= waitAccept
		s.mu.Unlock()
		s.sendEvent(sklayer.NewEvent(s, sklayer.Connection, 0))
		return false
	}

	if w&waitRead != 0 && revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
		s.mu.Lock()
		s.waiting &^= waitRead
		s.mu.Unlock()
		s.sendEvent(sklayer.NewEvent(s, sklayer.Read, 0))
	}

	if w&waitWrite != 0 && revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
		s.mu.Lock()
		s.waiting &^= waitWrite
		s.mu.Unlock()
		s.sendEvent(sklayer.NewEvent(s, sklayer.Write, 0))
	}
	return false
}

func (s *Socket) sendEvent(ev sklayer.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		s.loop.Send(h, ev)
	}
}

// rearm marks flag as waited-for again, the Go mirror of setting waiting_
// after read/write/shutdown_read return EAGAIN, and wakes the background
// goroutine so it recomputes its poll set.
func (s *Socket) rearm(flag waitFlag) {
	s.mu.Lock()
	already := s.waiting&flag != 0
	s.waiting |= flag
	p := s.pr
	s.mu.Unlock()
	if !already && p != nil {
		p.Interrupt()
	}
}

// Read implements sklayer.Interface. Takes care of EINTR internally;
// returns neterr.WouldBlock (EAGAIN) once no more data is immediately
// available, after which the caller must wait for the next Read Event.
func (s *Socket) Read(buffer []byte) (int, error) {
	s.mu.Lock()
	fd := s.fd
	state := s.state
	s.mu.Unlock()

	if state != sklayer.StateConnected && state != sklayer.StateShuttingDown {
		return 0, neterr.New(neterr.NotConnected, "read on unconnected socket")
	}

	for {
		n, err := unix.Read(fd, buffer)
		if err == nil {
			return n, nil
		}
		e := mapErrno(err)
		if e.Is(neterr.TransientIO) {
			continue
		}
		if e.Is(neterr.WouldBlock) {
			s.rearm(waitRead)
		} else {
			s.mu.Lock()
			s.state = sklayer.StateFailed
			s.mu.Unlock()
		}
		return 0, e
	}
}

// Write implements sklayer.Interface, the write-side counterpart of Read.
func (s *Socket) Write(buffer []byte) (int, error) {
	s.mu.Lock()
	fd := s.fd
	state := s.state
	s.mu.Unlock()

	if state != sklayer.StateConnected {
		return 0, neterr.New(neterr.NotConnected, "write on unconnected socket")
	}

	for {
		n, err := unix.Write(fd, buffer)
		if err == nil {
			return n, nil
		}
		e := mapErrno(err)
		if e.Is(neterr.TransientIO) {
			continue
		}
		if e.Is(neterr.WouldBlock) {
			s.rearm(waitWrite)
		} else {
			s.mu.Lock()
			s.state = sklayer.StateFailed
			s.mu.Unlock()
		}
		return 0, e
	}
}

// SetEventHandler implements sklayer.Interface. A freshly attached handler
// is assumed to be waiting on read and write; if the socket is already
// sitting in a readable/writable steady state, the corresponding event is
// resent immediately unless retriggerBlock opts out of it, mirroring
// change_socket_event_handler's "report the pending ones" contract.
func (s *Socket) SetEventHandler(handler eventloop.Handler, retriggerBlock sklayer.Flag) {
	s.mu.Lock()
	s.handler = handler
	state := s.state
	w := s.waiting
	s.mu.Unlock()

	if handler == nil {
		return
	}

	if (state == sklayer.StateConnected || state == sklayer.StateShutDown) &&
		w&waitRead == 0 && retriggerBlock&sklayer.Read == 0 {
		s.loop.Send(handler, sklayer.NewEvent(s, sklayer.Read, 0))
	}
	if state == sklayer.StateConnected &&
		w&waitWrite == 0 && retriggerBlock&sklayer.Write == 0 {
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

// Shutdown signals the peer that no more data will be sent. Unlike a
// layer's Shutdown, the raw socket's shutdown(2) call is synchronous and
// never returns WouldBlock; socket/layer.Base's EAGAIN-retry contract
// exists for layers built on top of this one (e.g. a TLS layer flushing a
// close_notify) rather than for Socket itself.
func (s *Socket) Shutdown() error {
	s.mu.Lock()
	fd := s.fd
	state := s.state
	s.mu.Unlock()

	if state == sklayer.StateShutDown || state == sklayer.StateClosed || state == sklayer.StateFailed {
		return nil
	}
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return mapErrno(err)
	}

	s.mu.Lock()
	s.state = sklayer.StateShutDown
	s.mu.Unlock()
	return nil
}

// ShutdownRead is a no-op on a raw socket: there is nothing further down
// the stack whose own EOF needs confirming. Layers built on top (e.g. TLS)
// override this to check their own protocol-level EOF.
func (s *Socket) ShutdownRead() error { return nil }

// Close releases the socket's fd and stops its background goroutine.
// Idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = sklayer.StateClosed
	fd := s.fd
	p := s.pr
	cancel := s.threadCancel
	s.mu.Unlock()

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

func sockaddrFor(ip net.IP, port uint16, family sklayer.Family) (unix.Sockaddr, int, error) {
	if v4 := ip.To4(); v4 != nil && family != sklayer.IPv6 {
		var a [4]byte
		copy(a[:], v4)
		return &unix.SockaddrInet4{Port: int(port), Addr: a}, unix.AF_INET, nil
	}
	if v6 := ip.To16(); v6 != nil && family != sklayer.IPv4 {
		var a [16]byte
		copy(a[:], v6)
		return &unix.SockaddrInet6{Port: int(port), Addr: a}, unix.AF_INET6, nil
	}
	return nil, 0, neterr.New(neterr.InvalidArgument, "address family mismatch")
}

func familyOf(af int) sklayer.Family {
	switch af {
	case unix.AF_INET:
		return sklayer.IPv4
	case unix.AF_INET6:
		return sklayer.IPv6
	default:
		return sklayer.Unknown
	}
}

func applySocketFlags(fd int, flags int) {
	if flags&FlagNoDelay != 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if flags&FlagKeepAlive != 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}
}

func setKeepaliveInterval(fd int, d time.Duration) {
	seconds := int(d.Seconds())
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds)
}

func applyBufferSizes(fd int, receive, send int) error {
	if receive >= 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, receive); err != nil {
			return neterr.Wrap(neterr.FatalIO, "SO_RCVBUF", err)
		}
	}
	if send >= 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, send); err != nil {
			return neterr.Wrap(neterr.FatalIO, "SO_SNDBUF", err)
		}
	}
	return nil
}
