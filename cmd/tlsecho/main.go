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

// Command tlsecho is a TLS-secured counterpart to echoserver: -listen runs
// an echo server behind a freshly generated self-signed certificate,
// otherwise -host (with -port) connects to one (or to any TLS server) and
// sends a single HTTP request, printing the response. The dial path mirrors a plain HTTPS
// fetch over the same event loop and socket stack echoserver uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/logkit"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/netcfg"
	"github.com/sabouaram/netkit/pool"
	"github.com/sabouaram/netkit/socket"
	sklayer "github.com/sabouaram/netkit/socket/layer"
	"github.com/sabouaram/netkit/tlslayer"
)

func main() {
	listenPort := flag.Int("listen", 0, "run an echo server on this TLS port instead of dialing")
	dialHost := flag.String("host", "", "host to dial in client mode")
	dialPort := flag.Int("port", 443, "port to dial in client mode")
	flag.Parse()

	cfg, err := netcfg.NewLoader("TLSECHO").Load("")
	if err != nil {
		fatalf("netcfg.Load: %v", err)
	}

	log := logkit.NewLogrus(nil)
	log.Enable(logkit.DebugInfo)

	loop := eventloop.New()
	p := pool.New(context.Background(), int64(cfg.LoopCount)*64)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listenPort != 0 {
		runServer(ctx, loop, p, log, *listenPort)
		return
	}
	if *dialHost == "" {
		fatalf("either -listen or -host is required")
	}
	runClient(ctx, loop, p, log, *dialHost, *dialPort)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// tlsConn pairs an accepted socket with its TLS layer and echo buffer.
type tlsConn struct {
	layer *tlslayer.Layer
	buf   [4096]byte
}

type server struct {
	log        *logkit.Logger
	loop       *eventloop.Loop
	p          *pool.Pool
	trustStore *tlslayer.SystemTrustStore
	certPEM    []byte
	keyPEM     []byte

	ln *socket.ListenSocket

	mu    sync.Mutex
	conns map[*tlslayer.Layer]*tlsConn
}

func runServer(ctx context.Context, loop *eventloop.Loop, p *pool.Pool, log *logkit.Logger, port int) {
	keyPEM, certPEM, err := tlslayer.GenerateSelfSignedCertificate("", tlslayer.DistinguishedName{CommonName: "tlsecho.local"}, []string{"tlsecho.local", "127.0.0.1"})
	if err != nil {
		fatalf("generate self-signed certificate: %v", err)
	}

	s := &server{
		log:        log,
		loop:       loop,
		p:          p,
		trustStore: tlslayer.NewSystemTrustStore(),
		certPEM:    certPEM,
		keyPEM:     keyPEM,
		conns:      map[*tlslayer.Layer]*tlsConn{},
	}
	s.ln = socket.NewListenSocket(loop, p, s)

	if err := s.ln.Listen(sklayer.IPv4, port); err != nil {
		fatalf("listen: %v", err)
	}
	boundPort, _ := s.ln.Port()
	log.Log(logkit.Status, "tlsecho server listening on port %d", boundPort)

	loop.RunContext(ctx)
	_ = s.ln.Close()
}

func (s *server) HandleEvent(_ context.Context, ev event.Base) {
	if flag, _, ok := sklayer.EventFlag(ev, s.ln); ok && flag == sklayer.Connection {
		s.acceptOne()
		return
	}
	s.mu.Lock()
	for l, c := range s.conns {
		if flag, errCode, ok := sklayer.EventFlag(ev, l); ok {
			s.mu.Unlock()
			s.handleConnEvent(c, flag, errCode)
			return
		}
	}
	s.mu.Unlock()
}

func (s *server) acceptOne() {
	for {
		sock, err := s.ln.Accept(nil)
		if err != nil {
			if neterr.IsWouldBlock(err) {
				return
			}
			s.log.Log(logkit.Error, "accept: %v", err)
			return
		}

		l := tlslayer.New(s.loop, s.p, s, sock, s.trustStore, s.log.HCLog("tlsecho-server"))
		if err := l.SetCertificate(s.certPEM, s.keyPEM); err != nil {
			s.log.Log(logkit.Error, "set_certificate: %v", err)
			_ = sock.Close()
			continue
		}

		c := &tlsConn{layer: l}
		s.mu.Lock()
		s.conns[l] = c
		s.mu.Unlock()

		go func() {
			if err := l.ServerHandshake(context.Background(), nil, nil, 0); err != nil {
				s.log.Log(logkit.Error, "server handshake: %v", err)
			}
		}()
	}
}

func (s *server) handleConnEvent(c *tlsConn, flag sklayer.Flag, errCode int) {
	if errCode != 0 {
		s.closeConn(c)
		return
	}
	if flag == sklayer.Connection {
		s.log.Log(logkit.Status, "handshake complete: %s", c.layer.Negotiated().Protocol)
		return
	}
	if flag != sklayer.Read {
		return
	}
	for {
		n, err := c.layer.Read(c.buf[:])
		if err != nil {
			if neterr.IsWouldBlock(err) {
				return
			}
			s.closeConn(c)
			return
		}
		if n == 0 {
			s.closeConn(c)
			return
		}
		if _, err := c.layer.Write(c.buf[:n]); err != nil && !neterr.IsWouldBlock(err) {
			s.closeConn(c)
			return
		}
	}
}

func (s *server) closeConn(c *tlsConn) {
	s.mu.Lock()
	delete(s.conns, c.layer)
	s.mu.Unlock()
	_ = c.layer.Shutdown()
	s.log.Log(logkit.Status, "connection closed")
}

// client dials host:port, runs a client TLS handshake, sends one HTTP
// request, and prints the response as it arrives.
type client struct {
	log   *logkit.Logger
	layer *tlslayer.Layer
	sent  bool
	done  chan struct{}
}

func runClient(ctx context.Context, loop *eventloop.Loop, p *pool.Pool, log *logkit.Logger, host string, port int) {
	sock := socket.New(loop, p, nil)
	trustStore := tlslayer.NewSystemTrustStore()

	c := &client{log: log, done: make(chan struct{})}
	l := tlslayer.New(loop, p, c, sock, trustStore, log.HCLog("tlsecho-client"))
	c.layer = l

	if err := sock.Connect(ctx, host, uint16(port), sklayer.Unknown); err != nil {
		fatalf("connect: %v", err)
	}

	go func() {
		if err := l.ClientHandshake(ctx, nil, nil, host); err != nil {
			log.Log(logkit.Error, "client handshake: %v", err)
			c.finish()
			return
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-c.done
		cancel()
	}()
	loop.RunContext(loopCtx)
}

func (c *client) HandleEvent(_ context.Context, ev event.Base) {
	flag, errCode, ok := sklayer.EventFlag(ev, c.layer)
	if !ok {
		return
	}
	if errCode != 0 {
		c.log.Log(logkit.Error, "connection error (code %d)", errCode)
		c.finish()
		return
	}
	switch flag {
	case sklayer.Connection:
		c.log.Log(logkit.Status, "handshake complete: %s", c.layer.Negotiated().Protocol)
		c.sendRequest()
	case sklayer.Read:
		c.drainResponse()
	}
}

func (c *client) sendRequest() {
	if c.sent {
		return
	}
	c.sent = true
	req := "GET / HTTP/1.1\r\nConnection: close\r\nUser-Agent: tlsecho\r\nHost: " + c.layer.PeerHost() + "\r\n\r\n"
	if _, err := c.layer.Write([]byte(req)); err != nil && !neterr.IsWouldBlock(err) {
		c.log.Log(logkit.Error, "write request: %v", err)
		c.finish()
	}
}

func (c *client) drainResponse() {
	var buf [4096]byte
	for {
		n, err := c.layer.Read(buf[:])
		if err != nil {
			if neterr.IsWouldBlock(err) {
				return
			}
			c.finish()
			return
		}
		if n == 0 {
			c.finish()
			return
		}
		os.Stdout.Write(buf[:n])
	}
}

func (c *client) finish() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
