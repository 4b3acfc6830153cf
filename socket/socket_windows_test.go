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
	"sync"
	"testing"
	"time"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

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

// TestListenConnectAcceptRoundTrip exercises the net.Conn-backed fallback
// through the same Listen/Connect/Accept/Write/Read sequence the unix
// poller-backed Socket's equivalent test drives, since both implementations
// share the same sklayer.Interface contract.
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

	if !waitForConnection(t, clientHandler, client) {
		t.Fatal("client never observed connection completion")
	}
	if client.State() != sklayer.StateConnected {
		t.Fatalf("client state = %v, want StateConnected", client.State())
	}

	var server *Socket
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		server, err = ln.Accept(&recordingHandler{})
		if err == nil {
			break
		}
		if neterr.IsWouldBlock(err) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		t.Fatalf("Accept: %v", err)
	}
	if server == nil {
		t.Fatal("listener never produced an accepted connection")
	}
	defer server.Close()

	msg := []byte("hello")
	n, err := client.Write(msg)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("short write: %d", n)
	}

	buf := make([]byte, 16)
	deadline = time.Now().Add(5 * time.Second)
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
	nerr, ok := err.(neterr.Error)
	if !ok || nerr.Kind() != neterr.AlreadyConnected {
		t.Fatalf("expected AlreadyConnected, got %v", err)
	}
}

func TestReadOnUnconnectedSocketFails(t *testing.T) {
	loop := eventloop.New()
	p := pool.New(context.Background(), -1)
	defer p.Close()

	s := New(loop, p, &recordingHandler{})
	if _, err := s.Read(make([]byte, 4)); err == nil {
		t.Fatal("expected an error reading from an unconnected socket")
	}
}
