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

// Command echoserver is a plaintext demonstration of the event loop and
// socket stack: it accepts connections and writes back whatever it reads,
// with no TLS layer involved.
package main

import (
	"context"
	"flag"
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
)

// conn pairs one accepted connection with the scratch buffer each read
// fills before its bytes are written back.
type conn struct {
	sock *socket.Socket
	buf  [4096]byte
}

// server dispatches listener and per-connection events onto the same
// event loop, the handler for every socket this program creates.
type server struct {
	log   *logkit.Logger
	loop  *eventloop.Loop
	pool  *pool.Pool
	ln    *socket.ListenSocket
	mu    sync.Mutex
	conns map[*socket.Socket]*conn
}

func (s *server) HandleEvent(_ context.Context, ev event.Base) {
	if flag, errCode, ok := sklayer.EventFlag(ev, s.ln); ok {
		s.handleListener(flag, errCode)
		return
	}
	s.mu.Lock()
	for sock, c := range s.conns {
		if flag, errCode, ok := sklayer.EventFlag(ev, sock); ok {
			s.mu.Unlock()
			s.handleConn(c, flag, errCode)
			return
		}
	}
	s.mu.Unlock()
}

func (s *server) handleListener(flag sklayer.Flag, errCode int) {
	if flag != sklayer.Connection {
		return
	}
	for {
		sock, err := s.ln.Accept(s)
		if err != nil {
			if neterr.IsWouldBlock(err) {
				return
			}
			s.log.Log(logkit.Error, "accept: %v", err)
			return
		}
		s.mu.Lock()
		s.conns[sock] = &conn{sock: sock}
		s.mu.Unlock()
		s.log.Log(logkit.Status, "accepted connection from %s", sock.PeerHost())
	}
}

func (s *server) handleConn(c *conn, flag sklayer.Flag, errCode int) {
	if errCode != 0 {
		s.closeConn(c)
		return
	}
	if flag != sklayer.Read {
		return
	}
	for {
		n, err := c.sock.Read(c.buf[:])
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
		if _, err := c.sock.Write(c.buf[:n]); err != nil && !neterr.IsWouldBlock(err) {
			s.closeConn(c)
			return
		}
	}
}

func (s *server) closeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.sock)
	s.mu.Unlock()
	_ = c.sock.Close()
	s.log.Log(logkit.Status, "connection from %s closed", c.sock.PeerHost())
}

func main() {
	port := flag.Int("port", 9000, "TCP port to listen on")
	flag.Parse()

	cfg, err := netcfg.NewLoader("ECHOSERVER").Load("")
	if err != nil {
		os.Stderr.WriteString("netcfg.Load: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logkit.NewLogrus(nil)
	log.Enable(logkit.DebugInfo)

	loop := eventloop.New()
	p := pool.New(context.Background(), int64(cfg.LoopCount)*64)

	srv := &server{log: log, loop: loop, pool: p, conns: map[*socket.Socket]*conn{}}
	srv.ln = socket.NewListenSocket(loop, p, srv)
	srv.ln.SetBufferSizes(cfg.Socket.ReceiveBufferBytes, cfg.Socket.SendBufferBytes)

	if err := srv.ln.Listen(sklayer.IPv4, *port); err != nil {
		log.Log(logkit.Error, "listen: %v", err)
		os.Exit(1)
	}
	boundPort, _ := srv.ln.Port()
	log.Log(logkit.Status, "echoserver listening on port %d", boundPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop.RunContext(ctx)

	_ = srv.ln.Close()
}
