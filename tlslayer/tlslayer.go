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

// Package tlslayer implements a TLS socket/layer.Interface on top of Go's
// standard crypto/tls, the Go mirror of the reference's tls_layer built on
// GnuTLS: crypto/tls plays the role of the opaque "session context" the
// design treats as an external collaborator, while this package owns the
// handshake state machine, the preamble/send_buffer bookkeeping and the
// verification algorithm around it.
//
// crypto/tls.Conn is a blocking API; socket/layer.Interface is non-blocking.
// Layer bridges the two with background goroutines: one runs the handshake,
// then a writer pump continuously drains an outbound send_buffer into the
// connection and a reader pump fills an inbound recvBuf from it.
// Read/Write on Layer itself only ever touch those two buffers and never
// block, exactly like Socket's own poller-backed facade.
package tlslayer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/sabouaram/netkit/buffer"
	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// maxSendBuffer bounds the outbound send_buffer, mirroring the spec's
// "bounded by the negotiated maximum record size" — 16KiB is the largest a
// single TLS record's plaintext payload is ever allowed to be, regardless
// of negotiated version.
const maxSendBuffer = 16 * 1024

// maxRecvBuffer caps how far the reader pump may run ahead of the
// application before it blocks waiting for Read to make room; not specified
// by name in the design, but required so a slow reader cannot make this
// layer buffer an unbounded amount of decrypted data.
const maxRecvBuffer = 64 * 1024

// Flags configure optional handshake/session behaviour.
type Flags uint8

const (
	// NoAutoTicket disables crypto/tls's own automatic post-handshake
	// NewSessionTicket for TLS 1.3 servers, the Go mirror of the spec's
	// configuration flag of the same name.
	NoAutoTicket Flags = 1 << iota
)

// NegotiatedParams reports the outcome of a completed handshake, the Go
// mirror of the accessors client_handshake/server_handshake leave behind:
// negotiated protocol, kex, cipher, MAC, ALPN and (server-side) SNI
// hostname, plus the algorithm-warning bitmask computed from them.
type NegotiatedParams struct {
	Protocol    string
	KeyExchange string
	Cipher      string
	MAC         string
	ALPN        string
	SNIHostname string
	Warnings    AlgorithmWarnings
}

// sessionTicketValues is the payload of the event posted whenever a new
// session ticket has actually been written to the peer.
type sessionTicketValues struct{ Source any }

// SessionTicketEvent is sent after NewSessionTicket finishes flushing,
// the Go mirror of the spec's NewSessionTicket notification.
type SessionTicketEvent = event.Typed[sessionTicketValues]

// NewSessionTicketEvent builds a SessionTicketEvent from its source layer.
func NewSessionTicketEvent(source any) SessionTicketEvent {
	return SessionTicketEvent{Value: sessionTicketValues{Source: source}}
}

// Layer is a socket/layer.Interface implementing TLS on top of next, the Go
// mirror of tls_layer. Unlike most layers it implements Interface directly
// rather than embedding layer.Base: nearly every method needs to intercept
// next's events or buffer data of its own, leaving only PeerHost, PeerPort
// and Connect as genuine pass-throughs.
type Layer struct {
	loop *eventloop.Loop
	p    *pool.Pool
	next sklayer.Interface

	trustStore *SystemTrustStore
	log        hclog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	handler eventloop.Handler
	state   sklayer.State
	lastErr neterr.Error
	flags   Flags

	certificates []tls.Certificate

	lc   *layerConn
	conn *tls.Conn

	sendBuf buffer.Buffer
	recvBuf buffer.Buffer

	negotiated NegotiatedParams
	peerChain  []*x509.Certificate

	verifyResultCh chan bool
	sessionCache   *singleSessionCache
	pumpCancel     func()

	isServer       bool
	ticketKey      [32]byte
	resumedSession bool
}

// New wires a TLS layer on top of next. trustStore may be nil (no system
// verification available, only the certificate-pin client path or a
// verification handler willing to decide without it); log may be nil (a
// null logger is used).
func New(loop *eventloop.Loop, p *pool.Pool, handler eventloop.Handler, next sklayer.Interface, trustStore *SystemTrustStore, log hclog.Logger) *Layer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	l := &Layer{
		loop:       loop,
		p:          p,
		next:       next,
		trustStore: trustStore,
		log:        log,
		handler:    handler,
		state:      sklayer.StateNone,
	}
	l.cond = sync.NewCond(&l.mu)
	l.lc = newLayerConn(next)
	next.SetEventHandler(l.lc, 0)
	return l
}

// SetFlags records the optional handshake flags, the Go mirror of
// server_handshake's flags argument. ServerHandshake overwrites the recorded
// value with its own flags argument and configures the handshake from that
// argument only, so flags set here do not change a handshake.
func (l *Layer) SetFlags(flags Flags) {
	l.mu.Lock()
	l.flags = flags
	l.mu.Unlock()
}

// SetCertificate supplies the server certificate/key pair as PEM blocks,
// the Go mirror of set_certificate. Required before ServerHandshake.
func (l *Layer) SetCertificate(certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return neterr.Wrap(neterr.TLSError, "set_certificate: parse key pair", err)
	}
	l.mu.Lock()
	l.certificates = []tls.Certificate{cert}
	l.mu.Unlock()
	return nil
}

// SetCertificateFile reads the certificate/key pair from disk and calls
// SetCertificate, the Go mirror of set_certificate_file.
func (l *Layer) SetCertificateFile(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return neterr.Wrap(neterr.TLSError, "set_certificate_file: load key pair", err)
	}
	l.mu.Lock()
	l.certificates = []tls.Certificate{cert}
	l.mu.Unlock()
	return nil
}

// Negotiated returns the parameters of a completed handshake; zero value
// before one completes.
func (l *Layer) Negotiated() NegotiatedParams {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.negotiated
}

// ResumedSession reports whether the completed handshake resumed a
// previous session rather than negotiating a fresh one, the Go mirror of
// resumed_session. Backed by tls.ConnectionState.DidResume, which crypto/tls
// populates symmetrically on both the client and the server connection
// state, unlike SessionParameters whose blob format differs by side.
func (l *Layer) ResumedSession() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resumedSession
}

// PeerCertificateDER returns the peer's leaf certificate in DER, or nil if
// no handshake has completed or the peer presented none.
func (l *Layer) PeerCertificateDER() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.peerChain) == 0 {
		return nil
	}
	return l.peerChain[0].Raw
}

// PeerChain returns the full peer certificate chain as presented, leaf
// first.
func (l *Layer) PeerChain() []*x509.Certificate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*x509.Certificate(nil), l.peerChain...)
}

func (l *Layer) PeerHost() string       { return l.next.PeerHost() }
func (l *Layer) PeerPort() (int, error) { return l.next.PeerPort() }

func (l *Layer) Connect(ctx context.Context, host string, port uint16, family sklayer.Family) error {
	return l.next.Connect(ctx, host, port, family)
}

func (l *Layer) State() sklayer.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetEventHandler replaces the handler notified of this layer's own events.
// If decrypted data is already buffered and not covered by retriggerBlock,
// a Read is resent immediately so the new handler never misses already-
// available data, the same discipline Socket.SetEventHandler applies.
func (l *Layer) SetEventHandler(handler eventloop.Handler, retriggerBlock sklayer.Flag) {
	l.mu.Lock()
	l.handler = handler
	resend := l.state == sklayer.StateConnected && !l.recvBuf.Empty() && retriggerBlock&sklayer.Read == 0
	l.mu.Unlock()
	if resend {
		l.loop.Send(handler, sklayer.NewEvent(l, sklayer.Read, 0))
	}
}

// Read copies decrypted application data out of recvBuf, the Go mirror of
// tls_layer::read. Never blocks: returns WouldBlock when recvBuf is empty
// and the connection is still open.
func (l *Layer) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.recvBuf.Empty() {
		if l.lastErr != nil {
			return 0, l.lastErr
		}
		if l.state == sklayer.StateShutDown || l.state == sklayer.StateClosed {
			return 0, neterr.New(neterr.Shutdown, "tls layer shut down")
		}
		return 0, neterr.New(neterr.WouldBlock, "no decrypted data available")
	}
	n := copy(p, l.recvBuf.Get())
	l.recvBuf.Consume(n)
	l.cond.Broadcast()
	return n, nil
}

// Write hands p to the send_buffer, the Go mirror of tls_layer::write.
// Returns WouldBlock whenever a previous write's bytes have not yet fully
// drained to next, exactly the spec's "subsequent write calls return EAGAIN
// until the buffer drains" contract.
func (l *Layer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastErr != nil {
		return 0, l.lastErr
	}
	if l.state != sklayer.StateConnected {
		return 0, neterr.New(neterr.NotConnected, "tls handshake not complete")
	}
	if l.sendBuf.Len() > 0 {
		return 0, neterr.New(neterr.WouldBlock, "send_buffer still draining")
	}

	if len(p) > maxSendBuffer {
		p = p[:maxSendBuffer]
	}
	l.sendBuf.Append(p)
	l.cond.Broadcast()
	return len(p), nil
}

// failLocked transitions to StateFailed and notifies handler of both
// directions, the Go mirror of a fatal I/O/protocol error tearing down the
// layer. Caller must hold l.mu.
func (l *Layer) failLocked(err neterr.Error) {
	if l.lastErr != nil {
		return
	}
	l.lastErr = err
	l.state = sklayer.StateFailed
	handler := l.handler
	code := err.Code()
	l.cond.Broadcast()
	if handler != nil {
		l.loop.Send(handler, sklayer.NewEvent(l, sklayer.Read, code))
		l.loop.Send(handler, sklayer.NewEvent(l, sklayer.Write, code))
	}
}

// ShutdownRead peeks recvBuf for unread data, the Go mirror of
// tls_layer::shutdown_read's single non-consuming read of one byte:
// buffered data means failing with a truncation error rather than
// discarding it, while an already-observed peer close recurses into
// next.ShutdownRead.
func (l *Layer) ShutdownRead() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.recvBuf.Empty() {
		return neterr.New(neterr.FatalIO, "shutdown_read: unread data would be discarded")
	}
	if l.state != sklayer.StateShutDown {
		return neterr.New(neterr.WouldBlock, "shutdown_read: peer close not yet observed")
	}
	return l.next.ShutdownRead()
}

// Shutdown sends the TLS closure alert and closes the write side, the Go
// mirror of tls_layer::shutdown. tls.Conn.Close flushes any pending
// send_buffer bytes through the pump's own layerConn before emitting
// close_notify, then next.Shutdown is called for the write-side FIN.
func (l *Layer) Shutdown() error {
	l.mu.Lock()
	switch l.state {
	case sklayer.StateShutDown, sklayer.StateClosed:
		l.mu.Unlock()
		return neterr.New(neterr.Shutdown, "already shut down")
	case sklayer.StateConnecting, sklayer.StateNone:
		l.mu.Unlock()
		return neterr.New(neterr.NotConnected, "shutdown before handshake completed")
	}
	l.state = sklayer.StateShuttingDown
	conn := l.conn
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	l.p.Spawn(ctx, func(context.Context) error {
		defer cancel()
		if err := conn.Close(); err != nil {
			l.mu.Lock()
			l.failLocked(neterr.Wrap(neterr.TLSError, "shutdown: close_notify", err))
			l.mu.Unlock()
			return nil
		}
		if err := l.next.Shutdown(); err != nil {
			l.mu.Lock()
			if nerr, ok := err.(neterr.Error); ok {
				l.failLocked(nerr)
			} else {
				l.failLocked(neterr.Wrap(neterr.FatalIO, "shutdown: next layer", err))
			}
			l.mu.Unlock()
			return nil
		}
		l.mu.Lock()
		l.state = sklayer.StateShutDown
		handler := l.handler
		l.mu.Unlock()
		if handler != nil {
			l.loop.Send(handler, sklayer.NewEvent(l, sklayer.Write, 0))
		}
		return nil
	})
	return nil
}

// Close releases the layer immediately without running the graceful
// shutdown sequence: any pump goroutine still running unblocks against the
// now-closed layerConn and exits on its own.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.state == sklayer.StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = sklayer.StateClosed
	cancel := l.pumpCancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return l.lc.Close()
}

// NewSessionTicket writes an additional TLS 1.3 session ticket to the
// client, the Go mirror of tls_layer::new_session_ticket. Valid only for a
// connected server-side TLS 1.3 session; queued behind any pending
// send_buffer bytes as specified.
func (l *Layer) NewSessionTicket() error {
	l.mu.Lock()
	if l.state != sklayer.StateConnected {
		l.mu.Unlock()
		return neterr.New(neterr.NotConnected, "new_session_ticket: not connected")
	}
	if l.negotiated.Protocol != "TLS 1.3" {
		l.mu.Unlock()
		return neterr.New(neterr.InvalidArgument, "new_session_ticket: requires a TLS 1.3 session")
	}
	conn := l.conn
	for l.sendBuf.Len() > 0 {
		l.cond.Wait()
	}
	l.mu.Unlock()

	if err := conn.NewSessionTicket(); err != nil {
		return neterr.Wrap(neterr.TLSError, "new_session_ticket", err)
	}

	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler != nil {
		l.loop.Send(handler, NewSessionTicketEvent(l))
	}
	return nil
}
