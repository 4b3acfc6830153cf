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

package layer

import (
	"context"
	"testing"
	"time"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/ratelimit"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// memoryLayer is a trivial socket/layer.Interface backed by an in-memory
// byte slice, standing in for the raw socket at the bottom of the stack.
type memoryLayer struct {
	unread []byte
	writes [][]byte
}

func (m *memoryLayer) Read(buffer []byte) (int, error) {
	if len(m.unread) == 0 {
		return 0, neterr.New(neterr.WouldBlock, "no data")
	}
	n := copy(buffer, m.unread)
	m.unread = m.unread[n:]
	return n, nil
}

func (m *memoryLayer) Write(buffer []byte) (int, error) {
	cp := append([]byte(nil), buffer...)
	m.writes = append(m.writes, cp)
	return len(buffer), nil
}

func (m *memoryLayer) SetEventHandler(eventloop.Handler, sklayer.Flag) {}
func (m *memoryLayer) PeerHost() string                                { return "peer" }
func (m *memoryLayer) PeerPort() (int, error)                          { return 0, nil }
func (m *memoryLayer) Connect(context.Context, string, uint16, sklayer.Family) error {
	return nil
}
func (m *memoryLayer) Shutdown() error     { return nil }
func (m *memoryLayer) ShutdownRead() error { return nil }
func (m *memoryLayer) State() sklayer.State { return sklayer.StateConnected }

type recordingHandler struct {
	events []sklayer.Flag
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev event.Base) {
	if e, ok := ev.(sklayer.Event); ok {
		h.events = append(h.events, e.Value.Flag)
	}
}

func tick(t *testing.T, loop *eventloop.Loop) {
	t.Helper()
	if !loop.Step(time.Second) {
		t.Fatal("expected a pending timer to fire")
	}
}

func TestLayerThrottlesWrites(t *testing.T) {
	loop := eventloop.New()
	mgr := ratelimit.NewManager(loop)
	limiter := ratelimit.NewRateLimiter()
	mgr.Add(limiter)
	limiter.SetLimits(ratelimit.Unlimited, 100)

	next := &memoryLayer{}
	l := New(loop, nil, next, limiter)

	tick(t, loop)

	payload := make([]byte, 1000)
	n, err := l.Write(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n == 0 || n > 100 {
		t.Fatalf("expected a throttled partial write between 1 and 100 bytes, got %d", n)
	}
	if len(next.writes) != 1 || len(next.writes[0]) != n {
		t.Fatalf("expected exactly one write of %d bytes to reach the next layer", n)
	}
}

func TestLayerReadReturnsWouldBlockWhenExhausted(t *testing.T) {
	loop := eventloop.New()
	mgr := ratelimit.NewManager(loop)
	limiter := ratelimit.NewRateLimiter()
	mgr.Add(limiter)
	limiter.SetLimits(5, ratelimit.Unlimited) // 5 octets/s: one tick yields exactly 1 octet

	next := &memoryLayer{unread: []byte("hello world")}
	l := New(loop, nil, next, limiter)

	tick(t, loop)

	buf := make([]byte, 64)
	n, err := l.Read(buf)
	if err != nil {
		t.Fatalf("first read: unexpected error: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one byte read on first tick")
	}

	_, err = l.Read(buf)
	if !neterr.IsWouldBlock(err) {
		t.Fatalf("expected WouldBlock after exhausting the inbound allotment, got %v", err)
	}
}

func TestLayerCloseDetachesBucket(t *testing.T) {
	loop := eventloop.New()
	mgr := ratelimit.NewManager(loop)
	limiter := ratelimit.NewRateLimiter()
	mgr.Add(limiter)

	next := &memoryLayer{}
	l := New(loop, nil, next, limiter)

	if err := l.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.Available(ratelimit.Inbound); got != ratelimit.Unlimited {
		t.Fatalf("expected Unlimited after Close detaches the bucket, got %d", got)
	}
}

func TestCompoundRequiresEveryLimiterToHaveTokens(t *testing.T) {
	loop := eventloop.New()
	mgr := ratelimit.NewManager(loop)

	generous := ratelimit.NewRateLimiter()
	mgr.Add(generous)
	generous.SetLimits(ratelimit.Unlimited, ratelimit.Unlimited)

	stingy := ratelimit.NewRateLimiter()
	mgr.Add(stingy)
	stingy.SetLimits(ratelimit.Unlimited, 0)

	next := &memoryLayer{}
	c := NewCompound(loop, nil, next)
	c.AddLimiter(generous)
	c.AddLimiter(stingy)

	tick(t, loop)

	_, err := c.Write([]byte("x"))
	if !neterr.IsWouldBlock(err) {
		t.Fatalf("expected WouldBlock since the stingy limiter has no tokens, got %v", err)
	}
}

func TestLayerWakeupPostsEventAfterExhaustion(t *testing.T) {
	loop := eventloop.New()
	mgr := ratelimit.NewManager(loop)
	limiter := ratelimit.NewRateLimiter()
	mgr.Add(limiter)
	limiter.SetLimits(ratelimit.Unlimited, 500)

	next := &memoryLayer{}
	l := New(loop, nil, next, limiter)

	tick(t, loop)
	avail := l.Available(ratelimit.Outbound)
	if avail == 0 {
		t.Fatal("expected nonzero allotment on first tick")
	}
	l.Consume(ratelimit.Outbound, avail)
	if got := l.Available(ratelimit.Outbound); got != 0 {
		t.Fatalf("expected 0 after consuming everything, got %d", got)
	}

	handler := &recordingHandler{}
	l.SetEventHandler(handler, 0)

	// The 250 octets granted on attach are debt, repaid from the next ticks'
	// 100-octet allotments, so the second tick adds nothing.
	tick(t, loop)
	tick(t, loop) // allots new tokens, Bucket.unlockTree fires Wakeup -> posts an event
	if !loop.Step(time.Second) {
		t.Fatal("expected the posted wakeup event to be dispatched")
	}

	if len(handler.events) == 0 {
		t.Fatal("expected the wakeup event to reach the handler")
	}
	if handler.events[0] != sklayer.Write {
		t.Fatalf("expected a Write wakeup, got %v", handler.events[0])
	}
}

func TestCompoundRemoveLimiterWakesUp(t *testing.T) {
	loop := eventloop.New()
	mgr := ratelimit.NewManager(loop)
	limiter := ratelimit.NewRateLimiter()
	mgr.Add(limiter)

	next := &memoryLayer{}
	c := NewCompound(loop, nil, next)
	c.AddLimiter(limiter)

	c.RemoveLimiter(limiter)
	if len(c.buckets) != 0 {
		t.Fatal("expected no buckets left attached after RemoveLimiter")
	}
}
