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

package hostlookup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
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

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func waitFor(t *testing.T, loop *eventloop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		loop.Step(50 * time.Millisecond)
	}
}

func TestLookupRejectsEmptyHost(t *testing.T) {
	loop := eventloop.New()
	p := pool.New(context.Background(), 0)
	defer p.Close()

	l := New(loop, &recordingHandler{}, p)
	if l.Lookup(context.Background(), "", sklayer.Unknown) {
		t.Fatal("expected Lookup to reject an empty host")
	}
}

func TestLookupRejectsSecondCallWhileBusy(t *testing.T) {
	loop := eventloop.New()
	p := pool.New(context.Background(), 0)
	defer p.Close()

	handler := &recordingHandler{}
	l := New(loop, handler, p)

	if !l.Lookup(context.Background(), "localhost", sklayer.Unknown) {
		t.Fatal("expected first Lookup to be accepted")
	}
	if l.Lookup(context.Background(), "localhost", sklayer.Unknown) {
		t.Fatal("expected second Lookup to be rejected while the first is in flight")
	}

	waitFor(t, loop, func() bool { return handler.count() > 0 })
}

func TestLookupDeliversEvent(t *testing.T) {
	loop := eventloop.New()
	p := pool.New(context.Background(), 0)
	defer p.Close()

	handler := &recordingHandler{}
	l := New(loop, handler, p)

	if !l.Lookup(context.Background(), "localhost", sklayer.IPv4) {
		t.Fatal("expected Lookup to be accepted")
	}

	waitFor(t, loop, func() bool { return handler.count() > 0 })

	handler.mu.Lock()
	ev := handler.events[0]
	handler.mu.Unlock()

	_, _, ok := Result(ev, l)
	if !ok {
		t.Fatal("expected the delivered event to match Result for this Lookup")
	}
}

func TestResetAllowsImmediateNewLookup(t *testing.T) {
	loop := eventloop.New()
	p := pool.New(context.Background(), 0)
	defer p.Close()

	handler := &recordingHandler{}
	l := New(loop, handler, p)

	if !l.Lookup(context.Background(), "localhost", sklayer.Unknown) {
		t.Fatal("expected Lookup to be accepted")
	}
	l.Reset()

	if !l.Lookup(context.Background(), "localhost", sklayer.Unknown) {
		t.Fatal("expected a fresh Lookup to be accepted immediately after Reset")
	}

	waitFor(t, loop, func() bool { return handler.count() > 0 })
}
