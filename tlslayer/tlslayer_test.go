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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sabouaram/netkit/buffer"
	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// memPipe is a minimal in-memory sklayer.Interface test double: Write
// appends straight to its peer's read buffer and (if the peer's buffer was
// empty) wakes the peer's handler with a Read event, the same observable
// contract a real Socket gives a layer stacked on top of it.
type memPipe struct {
	loop *eventloop.Loop
	name string

	mu      sync.Mutex
	buf     buffer.Buffer
	handler eventloop.Handler
	peer    *memPipe
}

func newMemPipePair(loop *eventloop.Loop) (client, server *memPipe) {
	client = &memPipe{loop: loop, name: "client"}
	server = &memPipe{loop: loop, name: "server"}
	client.peer = server
	server.peer = client
	return client, server
}

func (m *memPipe) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf.Empty() {
		return 0, neterr.New(neterr.WouldBlock, "memPipe: no data")
	}
	n := copy(p, m.buf.Get())
	m.buf.Consume(n)
	return n, nil
}

func (m *memPipe) Write(p []byte) (int, error) {
	m.peer.mu.Lock()
	wasEmpty := m.peer.buf.Empty()
	m.peer.buf.Append(p)
	handler := m.peer.handler
	m.peer.mu.Unlock()

	if wasEmpty && handler != nil {
		m.loop.Send(handler, sklayer.NewEvent(m.peer, sklayer.Read, 0))
	}
	return len(p), nil
}

func (m *memPipe) SetEventHandler(handler eventloop.Handler, _ sklayer.Flag) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *memPipe) PeerHost() string       { return m.name + ".test" }
func (m *memPipe) PeerPort() (int, error) { return 4433, nil }

func (m *memPipe) Connect(context.Context, string, uint16, sklayer.Family) error { return nil }
func (m *memPipe) Shutdown() error                                              { return nil }
func (m *memPipe) ShutdownRead() error                                          { return nil }
func (m *memPipe) State() sklayer.State                                         { return sklayer.StateConnected }

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

func runLoop(loop *eventloop.Loop, stop <-chan struct{}) {
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

// TestClientServerHandshakeAndDataRoundTrip wires a client Layer and a
// server Layer on top of a single in-memory pipe pair, pins the client to
// the server's self-signed leaf, and checks that a completed handshake
// lets application data flow in both directions through the non-blocking
// Read/Write facade.
func TestClientServerHandshakeAndDataRoundTrip(t *testing.T) {
	keyPEM, certPEM, err := GenerateSelfSignedCertificate("", DistinguishedName{CommonName: "server.test"}, []string{"server.test"})
	if err != nil {
		t.Fatalf("GenerateSelfSignedCertificate: %v", err)
	}

	loop := eventloop.New()
	stop := make(chan struct{})
	defer close(stop)
	runLoop(loop, stop)

	p := pool.New(context.Background(), -1)
	defer p.Close()

	clientPipe, serverPipe := newMemPipePair(loop)

	clientHandler := &recordingHandler{}
	serverHandler := &recordingHandler{}

	client := New(loop, p, clientHandler, clientPipe, nil, nil)
	server := New(loop, p, serverHandler, serverPipe, nil, nil)

	if err := server.SetCertificate(certPEM, keyPEM); err != nil {
		t.Fatalf("SetCertificate: %v", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- server.ServerHandshake(context.Background(), nil, nil, 0)
	}()

	clientErrCh := make(chan error, 1)
	go func() {
		clientErrCh <- client.ClientHandshake(context.Background(), certPEM, nil, "server.test")
	}()

	if err := <-clientErrCh; err != nil {
		t.Fatalf("ClientHandshake returned synchronously with an error: %v", err)
	}
	if err := <-serverErrCh; err != nil {
		t.Fatalf("ServerHandshake returned synchronously with an error: %v", err)
	}

	if !waitForFlag(t, clientHandler, client, sklayer.Connection) {
		t.Fatal("client never observed handshake completion")
	}
	if !waitForFlag(t, serverHandler, server, sklayer.Connection) {
		t.Fatal("server never observed handshake completion")
	}

	if got := client.State(); got != sklayer.StateConnected {
		t.Fatalf("client state = %v, want StateConnected", got)
	}
	if got := client.Negotiated().Protocol; got != "TLS 1.3" {
		t.Fatalf("negotiated protocol = %q, want TLS 1.3", got)
	}

	msg := []byte("hello over tls")
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := client.Write(msg)
		if err == nil {
			if n != len(msg) {
				t.Fatalf("short write: %d", n)
			}
			break
		}
		if neterr.IsWouldBlock(err) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 64)
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := server.Read(buf)
		if err == nil {
			if string(buf[:n]) != string(msg) {
				t.Fatalf("got %q, want %q", buf[:n], msg)
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

// TestSessionResumptionOnReconnect exercises scenario #4's contract
// end-to-end: a first connection resumes nothing, and a second connection
// that feeds back both sides' SessionParameters blobs from the first one
// (including the server's, which is its ticket-encryption key rather than
// an actual ticket) resumes, even though the second connection's Layers are
// entirely fresh instances over a fresh pipe pair.
func TestSessionResumptionOnReconnect(t *testing.T) {
	keyPEM, certPEM, err := GenerateSelfSignedCertificate("", DistinguishedName{CommonName: "server.test"}, []string{"server.test"})
	if err != nil {
		t.Fatalf("GenerateSelfSignedCertificate: %v", err)
	}

	loop := eventloop.New()
	stop := make(chan struct{})
	defer close(stop)
	runLoop(loop, stop)

	p := pool.New(context.Background(), -1)
	defer p.Close()

	handshake := func(serverResume, clientResume []byte) (client, server *Layer) {
		clientPipe, serverPipe := newMemPipePair(loop)
		clientHandler := &recordingHandler{}
		serverHandler := &recordingHandler{}

		client = New(loop, p, clientHandler, clientPipe, nil, nil)
		server = New(loop, p, serverHandler, serverPipe, nil, nil)
		if err := server.SetCertificate(certPEM, keyPEM); err != nil {
			t.Fatalf("SetCertificate: %v", err)
		}

		serverErrCh := make(chan error, 1)
		go func() {
			serverErrCh <- server.ServerHandshake(context.Background(), serverResume, nil, 0)
		}()
		clientErrCh := make(chan error, 1)
		go func() {
			clientErrCh <- client.ClientHandshake(context.Background(), certPEM, clientResume, "server.test")
		}()

		if err := <-clientErrCh; err != nil {
			t.Fatalf("ClientHandshake returned synchronously with an error: %v", err)
		}
		if err := <-serverErrCh; err != nil {
			t.Fatalf("ServerHandshake returned synchronously with an error: %v", err)
		}
		if !waitForFlag(t, clientHandler, client, sklayer.Connection) {
			t.Fatal("client never observed handshake completion")
		}
		if !waitForFlag(t, serverHandler, server, sklayer.Connection) {
			t.Fatal("server never observed handshake completion")
		}
		return client, server
	}

	client1, server1 := handshake(nil, nil)

	if client1.ResumedSession() {
		t.Fatal("first connection's client reported a resumed session")
	}
	if server1.ResumedSession() {
		t.Fatal("first connection's server reported a resumed session")
	}

	serverParams, err := server1.SessionParameters()
	if err != nil {
		t.Fatalf("server1.SessionParameters: %v", err)
	}
	if len(serverParams) == 0 {
		t.Fatal("server1.SessionParameters returned an empty blob")
	}

	var clientParams []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		clientParams, err = client1.SessionParameters()
		if err == nil && len(clientParams) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(clientParams) == 0 {
		t.Fatal("client1 never received a session ticket to export via SessionParameters")
	}

	client2, server2 := handshake(serverParams, clientParams)

	if !client2.ResumedSession() {
		t.Fatal("reconnect's client did not report a resumed session")
	}
	if !server2.ResumedSession() {
		t.Fatal("reconnect's server did not report a resumed session")
	}
}

// TestWriteReturnsWouldBlockUntilBufferDrains exercises the send_buffer
// EAGAIN contract directly: a second Write before the first one's bytes
// have been fully drained to next must fail with WouldBlock.
func TestWriteReturnsWouldBlockUntilBufferDrains(t *testing.T) {
	loop := eventloop.New()
	l := &Layer{loop: loop, state: sklayer.StateConnected}
	l.cond = sync.NewCond(&l.mu)

	n, err := l.Write([]byte("first"))
	if err != nil || n != 5 {
		t.Fatalf("first Write: n=%d err=%v", n, err)
	}

	_, err = l.Write([]byte("second"))
	if !neterr.IsWouldBlock(err) {
		t.Fatalf("second Write: expected WouldBlock, got %v", err)
	}
}

// TestReadReturnsWouldBlockWhenEmpty exercises the non-blocking Read
// contract for a connected layer with nothing buffered.
func TestReadReturnsWouldBlockWhenEmpty(t *testing.T) {
	loop := eventloop.New()
	l := &Layer{loop: loop, state: sklayer.StateConnected}
	l.cond = sync.NewCond(&l.mu)

	_, err := l.Read(make([]byte, 16))
	if !neterr.IsWouldBlock(err) {
		t.Fatalf("expected WouldBlock, got %v", err)
	}
}
