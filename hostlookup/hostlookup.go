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

// Package hostlookup performs asynchronous hostname resolution: one lookup
// runs on a pool-managed goroutine at a time, its result delivered to the
// loop as an Event rather than blocking the caller.
package hostlookup

import (
	"context"
	"net"
	"sync"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/pool"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// resultValues is the payload delivered once a lookup completes.
type resultValues struct {
	Source *Lookup
	Addrs  []string
	Err    error
}

// Event is sent to the handler registered at construction time when a
// lookup started with Lookup finishes, successfully or not.
type Event = event.Typed[resultValues]

// Result reports the resolved addresses and error carried by ev if it is an
// Event originating from source.
func Result(ev event.Base, source *Lookup) ([]string, error, bool) {
	e, ok := ev.(Event)
	if !ok || e.Value.Source != source {
		return nil, nil, false
	}
	return e.Value.Addrs, e.Value.Err, true
}

// Lookup serializes hostname resolution the way the reference
// hostname_lookup does: at most one outstanding lookup at a time, spawned on
// a background goroutine so the caller's own goroutine (typically the event
// loop's) never blocks on DNS.
type Lookup struct {
	loop    *eventloop.Loop
	handler eventloop.Handler
	pool    *pool.Pool

	mu         sync.Mutex
	generation uint64
	busy       bool
}

// New builds a Lookup that posts results to handler via loop, running
// resolutions on p.
func New(loop *eventloop.Loop, handler eventloop.Handler, p *pool.Pool) *Lookup {
	return &Lookup{loop: loop, handler: handler, pool: p}
}

// Lookup starts resolving host for the given family. It returns false
// without doing anything if host is empty or a lookup is already in
// flight; wait for Event before calling again in that case.
func (l *Lookup) Lookup(ctx context.Context, host string, family sklayer.Family) bool {
	if host == "" {
		return false
	}

	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return false
	}
	l.busy = true
	gen := l.generation
	l.mu.Unlock()

	l.pool.Spawn(ctx, func(ctx context.Context) error {
		addrs, err := resolve(ctx, host, family)

		l.mu.Lock()
		if gen == l.generation {
			l.busy = false
			l.loop.Send(l.handler, Event{Value: resultValues{Source: l, Addrs: addrs, Err: err}})
		}
		l.mu.Unlock()
		return nil
	})
	return true
}

// Reset discards any in-flight lookup's result: a result already queued on
// the loop for this Lookup is filtered out, and a future delivery for a
// generation started before this call is dropped instead of reaching the
// handler, the Go mirror of hostname_lookup::reset's event filtering.
func (l *Lookup) Reset() {
	l.mu.Lock()
	l.generation++
	l.busy = false
	l.loop.FilterEvents(func(_ eventloop.Handler, ev event.Base) bool {
		e, ok := ev.(Event)
		return ok && e.Value.Source == l
	})
	l.mu.Unlock()
}

var familyNetwork = map[sklayer.Family]string{
	sklayer.IPv4: "ip4",
	sklayer.IPv6: "ip6",
}

func resolve(ctx context.Context, host string, family sklayer.Family) ([]string, error) {
	network, ok := familyNetwork[family]
	if !ok {
		network = "ip"
	}

	addrs, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, neterr.Wrap(neterr.ResolverError, "lookup "+host, err)
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out, nil
}
