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
	"testing"
	"time"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// recordingHandler collects every event delivered to it, safe for
// concurrent use since eventloop.Loop may dispatch from its own goroutine
// while the test goroutine inspects the slice.
type recordingHandler struct {
	mu     sync.Mutex
	events []event.Base
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev event.Base) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) snapshot() []event.Base {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]event.Base, len(h.events))
	copy(out, h.events)
	return out
}

func runLoop(t *testing.T, loop *eventloop.Loop, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				loop.Step(20 * time.Millisecond)
			}
		}
	}()
}

func waitForConnection(t *testing.T, h *recordingHandler, source any) (flag sklayer.Flag, errCode int, found bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range h.snapshot() {
			if f, code, ok := sklayer.EventFlag(ev, source); ok && f == sklayer.Connection {
				return f, code, true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0, 0, false
}

func waitForFlag(t *testing.T, h *recordingHandler, source any, want sklayer.Flag) bool {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range h.snapshot() {
			if f, _, ok := sklayer.EventFlag(ev, source); ok && f == want {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestListenConnectAcceptRoundTrip(t *testing.T) {
	loop := eventloop.New()
	stop := make(chan struct{})
	defer close(stop)
	runLoop(t, loop, stop)

	p := pool.New(context.Background(), -1)
	defer p.Close()

	listenHandler := &recordingHandler{}
	ln := NewListenSocket(loop, p, listenHandler)
	if err := ln.Listen(sklayer.IPv4, 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	port, err := ln.Port()
	if err != nil {
		t.Fatalf("Port: %v", err)
	}

	clientHandler := &recordingHandler{}
	client := New(loop, p, clientHandler)
	if err := client.Connect(context.Background(), "127.0.0.1", uint16(port), sklayer.IPv4); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if !waitForConnection(t, listenHandler, ln) {
		t.Fatal("listener never reported a pending connection")
	}
	server, err := ln.Accept(&recordingHandler{})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer server.Close()

	if _, _, ok := waitForConnection(t, clientHandler, client); !ok {
		t.Fatal("client never observed connection completion")
	}
	if client.State() != sklayer.StateConnected {
		t.Fatalf("client state = %v, want StateConnected", client.State())
	}

	msg := []byte("hello")
	for {
		n, err := client.Write(msg)
		if err == nil {
			if n != len(msg) {
				t.Fatalf("short write: %d", n)
			}
			break
		}
		if neterr.IsWouldBlock(err) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 16)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := server.Read(buf)
		if err == nil {
			if string(buf[:n]) != "hello" {
				t.Fatalf("got %q, want %q", buf[:n], "hello")
			}
			return
		}
		if neterr.IsWouldBlock(err) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		t.Fatalf("Read: %v", err)
	}
	t.Fatal("server never received the message")
}

func TestConnectTwiceFails(t *testing.T) {
	loop := eventloop.New()
	p := pool.New(context.Background(), -1)
	defer p.Close()

	s := New(loop, p, &recordingHandler{})
	s.mu.Lock()
	s.state = sklayer.StateConnecting
	s.mu.Unlock()

	err := s.Connect(context.Background(), "127.0.0.1", 9, sklayer.IPv4)
	if err == nil {
		t.Fatal("expected an error connecting twice")
	}
	var nerr neterr.Error
	if !errorsAs(err, &nerr) || nerr.Kind() != neterr.AlreadyConnected {
		t.Fatalf("expected AlreadyConnected, got %v", err)
	}
}

func errorsAs(err error, target *neterr.Error) bool {
	if e, ok := err.(neterr.Error); ok {
		*target = e
		return true
	}
	return false
}

// TestConnectTriesNextCandidate exercises the "one bad, one good" resolved-
// address contract directly against beginCandidates/tryNextCandidate: a
// hostname resolving to two addresses must surface the first candidate's
// failure as a ConnectionNext Event and still reach StateConnected through
// the second, rather than failing the Socket outright after the first.
//
// The listener below binds only 127.0.0.1, not every interface, so
// 127.0.0.2 on the same port is a guaranteed, immediate ECONNREFUSED and not
// an accident of INADDR_ANY.
func TestConnectTriesNextCandidate(t *testing.T) {
	loop := eventloop.New()
	stop := make(chan struct{})
	defer close(stop)
	runLoop(t, loop, stop)

	p := pool.New(context.Background(), -1)
	defer p.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	goodPort := ln.Addr().(*net.TCPAddr).Port

	clientHandler := &recordingHandler{}
	client := New(loop, p, clientHandler)
	client.mu.Lock()
	client.state = sklayer.StateConnecting
	client.host = "multi-candidate.test"
	client.port = uint16(goodPort)
	client.wantFamily = sklayer.IPv4
	client.mu.Unlock()
	defer client.Close()

	client.beginCandidates([]string{"127.0.0.2", "127.0.0.1"})

	if !waitForFlag(t, clientHandler, client, sklayer.ConnectionNext) {
		t.Fatal("client never reported ConnectionNext for the failing candidate")
	}
	if client.State() == sklayer.StateFailed {
		t.Fatal("client gave up after the first candidate instead of trying the next one")
	}

	if _, _, ok := waitForConnection(t, clientHandler, client); !ok {
		t.Fatal("client never connected via the fallback candidate")
	}
	if client.State() != sklayer.StateConnected {
		t.Fatalf("client state = %v, want StateConnected", client.State())
	}
}

func TestPeerHostPort(t *testing.T) {
	loop := eventloop.New()
	p := pool.New(context.Background(), -1)
	defer p.Close()

	s := New(loop, p, &recordingHandler{})
	if _, err := s.PeerPort(); err == nil {
		t.Fatal("expected error for unconnected PeerPort")
	}

	s.mu.Lock()
	s.host = "example.test"
	s.port = 443
	s.state = sklayer.StateConnecting
	s.mu.Unlock()

	if got := s.PeerHost(); got != "example.test" {
		t.Fatalf("PeerHost = %q", got)
	}
	port, err := s.PeerPort()
	if err != nil || port != 443 {
		t.Fatalf("PeerPort = %d, %v", port, err)
	}
}
