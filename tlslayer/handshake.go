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

package tlslayer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"

	"github.com/sabouaram/netkit/neterr"
	sklayer "github.com/sabouaram/netkit/socket/layer"
	"github.com/sabouaram/netkit/tlslayer/certinfo"
)

// ClientHandshake runs the client side of the handshake state machine,
// pinning the peer's leaf certificate to requiredCertDER rather than
// performing trust-store validation, the Go mirror of client_handshake's
// certificate-pin overload. requiredCertDER may be PEM or DER; resumeBlob,
// if non-nil, is fed back via SessionParameters' format. sniHostname sets
// the ClientHello server name.
func (l *Layer) ClientHandshake(ctx context.Context, requiredCertDER []byte, resumeBlob []byte, sniHostname string) error {
	pin := requiredCertDER
	if block, _ := decodePEMCertificate(requiredCertDER); block != nil {
		pin = block
	}

	cfg := &tls.Config{
		ServerName:         sniHostname,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return neterr.New(neterr.VerificationError, "no peer certificate presented")
			}
			if !bytes.Equal(rawCerts[0], pin) {
				return neterr.New(neterr.InvalidArgument, "peer certificate does not match pin")
			}
			return nil
		},
	}
	l.applySessionResumption(cfg, resumeBlob)

	return l.runClientHandshake(ctx, cfg, nil)
}

// ClientHandshakeWithVerificationHandler runs the client side of the
// handshake, deferring the trust decision to the application via a
// CertificateVerificationEvent posted to handler, the Go mirror of
// client_handshake's verification-handler overload. The handshake
// goroutine blocks inside the TLS library's own verification callback
// until SetVerificationResult is called, exactly mirroring "pause in a
// Connecting sub-state until set_verification_result is called".
func (l *Layer) ClientHandshakeWithVerificationHandler(ctx context.Context, resumeBlob []byte, sniHostname string) error {
	l.mu.Lock()
	l.verifyResultCh = make(chan bool, 1)
	l.mu.Unlock()

	cfg := &tls.Config{
		ServerName:         sniHostname,
		InsecureSkipVerify: true,
	}
	l.applySessionResumption(cfg, resumeBlob)

	port, _ := l.next.PeerPort()
	host := l.next.PeerHost()

	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		return l.verifyConnection(cs, host, port, sniHostname)
	}

	return l.runClientHandshake(ctx, cfg, nil)
}

// SetVerificationResult resumes a handshake paused by
// ClientHandshakeWithVerificationHandler: trusted true lets the handshake
// complete, false fails it, the Go mirror of set_verification_result.
func (l *Layer) SetVerificationResult(trusted bool) {
	l.mu.Lock()
	ch := l.verifyResultCh
	l.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- trusted:
	default:
	}
}

// verifyConnection implements verification algorithm steps 1-5 (spec
// §4.4.4). It always returns before the handshake's Handshake() call
// returns: the TLS library calls this synchronously from inside the
// background handshake goroutine, so blocking here to await the
// application's decision blocks only that goroutine, never the caller.
func (l *Layer) verifyConnection(cs tls.ConnectionState, host string, port int, sniHostname string) error {
	chain := cs.PeerCertificates
	if len(chain) == 0 {
		return neterr.New(neterr.VerificationError, "no peer certificate chain presented")
	}
	if chainHasBlacklistedAuthority(chain) {
		return neterr.New(neterr.VerificationError, "peer chain matches blacklisted authority")
	}

	systemTrust := false
	var trustChain []*x509.Certificate
	isLiteral := net.ParseIP(sniHostname) != nil

	if l.trustStore != nil && !isLiteral {
		if pool, err := l.trustStore.Pool(); err == nil && pool != nil {
			opts := x509.VerifyOptions{
				DNSName:       sniHostname,
				Roots:         pool,
				Intermediates: x509.NewCertPool(),
			}
			for _, c := range chain[1:] {
				opts.Intermediates.AddCert(c)
			}
			if chains, err := chain[0].Verify(opts); err == nil && len(chains) > 0 {
				systemTrust = true
				trustChain = chains[0]
			}
		}
	}

	cipherName := tls.CipherSuiteName(cs.CipherSuite)
	kex := keyExchangeName(cs.Version, cipherName)
	mac := macName(cipherName)
	warnings := computeWarnings(cs.Version, cipherName)

	if l.verifyResultCh == nil {
		if systemTrust {
			return nil
		}
		return neterr.New(neterr.VerificationError, "system trust validation failed")
	}

	hostnameMismatch := false
	if !systemTrust {
		// Relax validation: trust the presented chain's self-issued top,
		// skip validity-time checks, and re-run with hostname checking
		// disabled so a mismatch becomes a flag rather than a rejection.
		pool := x509.NewCertPool()
		top := chain[len(chain)-1]
		pool.AddCert(top)
		// Pinning CurrentTime to the self-issued top's own NotBefore is what
		// disables validity-time checks here: the certificate is always
		// valid relative to the instant it claims to have started existing.
		opts := x509.VerifyOptions{
			Roots:         pool,
			Intermediates: x509.NewCertPool(),
			CurrentTime:   top.NotBefore,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		for _, c := range chain[1:] {
			opts.Intermediates.AddCert(c)
		}
		if _, err := chain[0].Verify(opts); err != nil {
			l.log.Warn("tls client verification: relaxed validation failed", "host", host, "error", err)
			return neterr.Wrap(neterr.VerificationError, "relaxed chain validation failed", err)
		}
		if err := chain[0].VerifyHostname(sniHostname); err != nil {
			hostnameMismatch = true
		}
	}

	presented := certinfo.ParseChain(chain)
	var trustInfo []certinfo.Certificate
	if len(trustChain) > 0 {
		trustInfo = certinfo.ParseChain(trustChain)
	}

	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	l.loop.Send(handler, CertificateVerificationEvent{Value: verificationValues{
		Source:           l,
		Host:             host,
		Port:             port,
		Protocol:         protocolName(cs.Version),
		KeyExchange:      kex,
		Cipher:           cipherName,
		MAC:              mac,
		Warnings:         warnings,
		PresentedChain:   presented,
		SystemTrustChain: trustInfo,
		HostnameMismatch: hostnameMismatch,
	}})

	trusted, ok := <-l.verifyResultCh
	if !ok || !trusted {
		return neterr.New(neterr.VerificationError, "application rejected the certificate")
	}
	return nil
}

// ServerHandshake runs the server side of the handshake state machine. A
// certificate must have been set via SetCertificate{File} beforehand. flags
// may include NoAutoTicket to disable crypto/tls's automatic TLS 1.3
// post-handshake ticket.
//
// resumeBlob, if non-nil, is the ticket-encryption key material a previous
// SessionParameters call on a server-side Layer exported: crypto/tls gives a
// server no view of the opaque tickets it issues, so unlike the client side
// there is no per-connection state to carry back, only the key that lets
// this Layer (or a future one, even in a later process) decrypt tickets
// encrypted under it. Passing nil seeds a fresh random key, the same as
// crypto/tls's own unconfigured default, except that this Layer keeps a
// copy so it can be exported later via SessionParameters.
func (l *Layer) ServerHandshake(ctx context.Context, resumeBlob []byte, preamble []byte, flags Flags) error {
	key, err := ticketKeyFromBlob(resumeBlob)
	if err != nil {
		return err
	}

	l.mu.Lock()
	certs := l.certificates
	l.flags = flags
	l.isServer = true
	l.ticketKey = key
	l.mu.Unlock()

	if len(certs) == 0 {
		return neterr.New(neterr.InvalidArgument, "server_handshake: no certificate set")
	}

	cfg := &tls.Config{
		Certificates:           certs,
		SessionTicketsDisabled: flags&NoAutoTicket != 0,
		ClientAuth:             tls.NoClientCert,
	}
	cfg.SetSessionTicketKeys([][32]byte{key})

	return l.runHandshake(ctx, preamble, func(lc *layerConn) *tls.Conn {
		return tls.Server(lc, cfg)
	})
}

func (l *Layer) runClientHandshake(ctx context.Context, cfg *tls.Config, preamble []byte) error {
	return l.runHandshake(ctx, preamble, func(lc *layerConn) *tls.Conn {
		return tls.Client(lc, cfg)
	})
}

// runHandshake drives the common Connecting sequence: preamble flush, the
// TLS handshake itself, then (on success) starting the read/write pumps,
// all inside one background goroutine spawned on l.p. p must be an
// unlimited-weight pool: this goroutine, and the two pumps it spawns, live
// for the layer's entire connected lifetime, the same caveat documented on
// socket.Socket.
func (l *Layer) runHandshake(ctx context.Context, preamble []byte, build func(*layerConn) *tls.Conn) error {
	l.mu.Lock()
	if l.state != sklayer.StateNone {
		l.mu.Unlock()
		return neterr.New(neterr.AlreadyConnected, "handshake already started")
	}
	l.state = sklayer.StateConnecting
	l.mu.Unlock()

	hctx, cancel := context.WithCancel(ctx)
	l.p.Spawn(hctx, func(ctx context.Context) error {
		defer cancel()

		if len(preamble) > 0 {
			if _, err := l.lc.Write(preamble); err != nil {
				l.mu.Lock()
				l.failLocked(neterr.Wrap(neterr.TLSError, "preamble flush", err))
				l.mu.Unlock()
				return nil
			}
		}

		conn := build(l.lc)

		if err := conn.HandshakeContext(ctx); err != nil {
			l.mu.Lock()
			l.failLocked(classifyHandshakeErr(err))
			l.mu.Unlock()
			return nil
		}

		cs := conn.ConnectionState()
		cipherName := tls.CipherSuiteName(cs.CipherSuite)

		l.mu.Lock()
		l.conn = conn
		l.state = sklayer.StateConnected
		l.resumedSession = cs.DidResume
		l.negotiated = NegotiatedParams{
			Protocol:    protocolName(cs.Version),
			KeyExchange: keyExchangeName(cs.Version, cipherName),
			Cipher:      cipherName,
			MAC:         macName(cipherName),
			ALPN:        cs.NegotiatedProtocol,
			SNIHostname: cs.ServerName,
			Warnings:    computeWarnings(cs.Version, cipherName),
		}
		l.peerChain = cs.PeerCertificates
		handler := l.handler
		l.mu.Unlock()

		if handler != nil {
			l.loop.Send(handler, sklayer.NewEvent(l, sklayer.Connection, 0))
		}

		rctx, rcancel := context.WithCancel(context.Background())
		wctx, wcancel := context.WithCancel(context.Background())
		l.mu.Lock()
		l.pumpCancel = func() { rcancel(); wcancel() }
		l.mu.Unlock()

		l.p.Spawn(rctx, func(context.Context) error { l.readerPump(); return nil })
		l.p.Spawn(wctx, func(context.Context) error { l.writerPump(); return nil })
		return nil
	})
	return nil
}

func classifyHandshakeErr(err error) neterr.Error {
	if err == io.EOF {
		return neterr.Wrap(neterr.FatalIO, "handshake: peer closed connection", err)
	}
	if nerr, ok := err.(neterr.Error); ok {
		return nerr
	}
	return neterr.Wrap(neterr.TLSError, "handshake failed", err)
}

func protocolName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown"
	}
}
