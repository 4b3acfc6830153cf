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

// Package layer adapts ratelimit.Bucket into socket/layer.Interface
// implementations: Layer throttles a single socket stack against one
// ratelimit.RateLimiter, and Compound throttles it against any number of
// independent RateLimiters simultaneously, each one capable of limiting the
// connection on its own.
package layer

import (
	"sync"
	"sync/atomic"

	"github.com/sabouaram/netkit/eventloop"
	"github.com/sabouaram/netkit/neterr"
	"github.com/sabouaram/netkit/ratelimit"
	"github.com/sabouaram/netkit/socket/layer"
)

// Layer is a socket/layer.Interface that throttles reads and writes against
// a single ratelimit.RateLimiter, the Go mirror of rate_limited_layer.
type Layer struct {
	*layer.Base
	*ratelimit.Bucket

	loop *eventloop.Loop
}

// New wires a rate-limited layer on top of next. If limiter is non-nil, the
// layer's bucket is attached to it immediately; pass nil to start
// unattached (Unlimited in both directions) and attach later via
// limiter.Add(l.Bucket). loop is the event loop handler is dispatched on;
// Wakeup posts to it rather than calling handler directly, since Wakeup
// runs with the bucket's own lock held (see ratelimit.Bucket.unlockTree).
func New(loop *eventloop.Loop, handler eventloop.Handler, next layer.Interface, limiter *ratelimit.RateLimiter) *Layer {
	l := &Layer{loop: loop}
	l.Bucket = ratelimit.NewBucket(l)
	l.Base = layer.NewBase(handler, next, true)
	if limiter != nil {
		limiter.Add(l.Bucket)
	}
	return l
}

// Wakeup implements ratelimit.Waker: re-arms the read or write event once
// tokens become available after Read/Write returned WouldBlock. Posts
// through loop instead of invoking the handler directly: the caller
// (ratelimit.Bucket.unlockTree) still holds the bucket's mutex, and a direct
// synchronous call could reenter the bucket through the handler's own
// Read/Write path.
func (l *Layer) Wakeup(d ratelimit.Direction) {
	handler := l.EventHandler()
	if handler == nil {
		return
	}
	if d == ratelimit.Inbound {
		l.loop.Send(handler, layer.NewEvent(l, layer.Read, 0))
	} else {
		l.loop.Send(handler, layer.NewEvent(l, layer.Write, 0))
	}
}

func (l *Layer) Read(buffer []byte) (int, error) {
	max := l.Available(ratelimit.Inbound)
	if max == 0 {
		return 0, neterr.New(neterr.WouldBlock, "rate limit: no inbound tokens available")
	}
	if max != ratelimit.Unlimited && ratelimit.Type(len(buffer)) > max {
		buffer = buffer[:max]
	}

	n, err := l.Base.Read(buffer)
	if n > 0 && max != ratelimit.Unlimited {
		l.Consume(ratelimit.Inbound, ratelimit.Type(n))
	}
	return n, err
}

func (l *Layer) Write(buffer []byte) (int, error) {
	max := l.Available(ratelimit.Outbound)
	if max == 0 {
		return 0, neterr.New(neterr.WouldBlock, "rate limit: no outbound tokens available")
	}
	if max != ratelimit.Unlimited && ratelimit.Type(len(buffer)) > max {
		buffer = buffer[:max]
	}

	n, err := l.Base.Write(buffer)
	if n > 0 && max != ratelimit.Unlimited {
		l.Consume(ratelimit.Outbound, ratelimit.Type(n))
	}
	return n, err
}

// SetEventHandler additionally re-blocks whichever direction is still
// waiting for tokens, so a handler swap never drops a pending retrigger.
func (l *Layer) SetEventHandler(handler eventloop.Handler, retriggerBlock layer.Flag) {
	if l.Waiting(ratelimit.Inbound) {
		retriggerBlock |= layer.Read
	}
	if l.Waiting(ratelimit.Outbound) {
		retriggerBlock |= layer.Write
	}
	l.Base.SetEventHandler(handler, retriggerBlock)
}

// Close detaches the layer's bucket from its limiter and stops forwarding
// events from the next layer down, the Go mirror of ~rate_limited_layer.
func (l *Layer) Close() error {
	l.RemoveBucket()
	l.Next().SetEventHandler(nil, 0)
	return nil
}

// compoundBucket is a ratelimit.Bucket bound to one of a Compound's
// limiters, the Go mirror of compound_rate_limited_layer::crll_bucket.
type compoundBucket struct {
	*ratelimit.Bucket
	parent  *Compound
	limiter *ratelimit.RateLimiter

	max     [2]ratelimit.Type
	waiting [2]atomic.Bool
}

func newCompoundBucket(parent *Compound, limiter *ratelimit.RateLimiter) *compoundBucket {
	cb := &compoundBucket{parent: parent, limiter: limiter}
	cb.Bucket = ratelimit.NewBucket(cb)
	return cb
}

// Wakeup implements ratelimit.Waker. Unlike Layer, it only forwards once per
// rising edge (the reference implementation's atomic exchange(false) guard),
// since several compoundBuckets sharing one Compound would otherwise all
// fire for the same read/write opportunity. Posts through the parent's loop
// rather than calling the handler directly, for the same reentrancy reason
// as Layer.Wakeup.
func (cb *compoundBucket) Wakeup(d ratelimit.Direction) {
	if !cb.waiting[d].Swap(false) {
		return
	}
	handler := cb.parent.EventHandler()
	if handler == nil {
		return
	}
	if d == ratelimit.Inbound {
		cb.parent.loop.Send(handler, layer.NewEvent(cb.parent, layer.Read, 0))
	} else {
		cb.parent.loop.Send(handler, layer.NewEvent(cb.parent, layer.Write, 0))
	}
}

// Compound is a socket/layer.Interface that throttles a single socket stack
// against any number of independent RateLimiters, the Go mirror of
// compound_rate_limited_layer. Every attached limiter can independently
// stall the connection; the layer is only readable/writable while every one
// of them reports a nonzero allotment.
type Compound struct {
	*layer.Base

	loop *eventloop.Loop

	mu      sync.Mutex
	buckets []*compoundBucket
}

// NewCompound wires a compound rate-limited layer on top of next with no
// limiters attached; add them with AddLimiter. loop is the event loop
// handler is dispatched on, used the same way as in New.
func NewCompound(loop *eventloop.Loop, handler eventloop.Handler, next layer.Interface) *Compound {
	c := &Compound{loop: loop}
	c.Base = layer.NewBase(handler, next, true)
	return c
}

// AddLimiter attaches limiter to the layer, a no-op if it is already
// attached.
func (c *Compound) AddLimiter(limiter *ratelimit.RateLimiter) {
	if limiter == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.buckets {
		if b.limiter == limiter {
			return
		}
	}

	cb := newCompoundBucket(c, limiter)
	c.buckets = append(c.buckets, cb)
	limiter.Add(cb.Bucket)
}

// RemoveLimiter detaches the bucket bound to limiter, if any, waking up any
// pending read/write so the caller re-evaluates against the remaining
// limiters.
func (c *Compound) RemoveLimiter(limiter *ratelimit.RateLimiter) {
	c.mu.Lock()
	var removed *compoundBucket
	for i, b := range c.buckets {
		if b.limiter == limiter {
			removed = b
			last := len(c.buckets) - 1
			c.buckets[i] = c.buckets[last]
			c.buckets = c.buckets[:last]
			break
		}
	}
	c.mu.Unlock()

	if removed != nil {
		removed.RemoveBucket()
		removed.Wakeup(ratelimit.Inbound)
		removed.Wakeup(ratelimit.Outbound)
	}
}

func (c *Compound) Read(buffer []byte) (int, error) {
	c.mu.Lock()
	buckets := append([]*compoundBucket(nil), c.buckets...)
	c.mu.Unlock()

	max := ratelimit.Unlimited
	for _, b := range buckets {
		b.waiting[ratelimit.Inbound].Store(true)
		b.max[ratelimit.Inbound] = b.Available(ratelimit.Inbound)
		if b.max[ratelimit.Inbound] == 0 {
			return 0, neterr.New(neterr.WouldBlock, "rate limit: no inbound tokens available")
		}
		b.waiting[ratelimit.Inbound].Store(false)
		if b.max[ratelimit.Inbound] < max {
			max = b.max[ratelimit.Inbound]
		}
	}

	if max != ratelimit.Unlimited && ratelimit.Type(len(buffer)) > max {
		buffer = buffer[:max]
	}

	n, err := c.Base.Read(buffer)
	if n > 0 {
		for _, b := range buckets {
			if b.max[ratelimit.Inbound] != ratelimit.Unlimited {
				b.Consume(ratelimit.Inbound, ratelimit.Type(n))
			}
		}
	}
	return n, err
}

func (c *Compound) Write(buffer []byte) (int, error) {
	c.mu.Lock()
	buckets := append([]*compoundBucket(nil), c.buckets...)
	c.mu.Unlock()

	max := ratelimit.Unlimited
	for _, b := range buckets {
		b.waiting[ratelimit.Outbound].Store(true)
		b.max[ratelimit.Outbound] = b.Available(ratelimit.Outbound)
		if b.max[ratelimit.Outbound] == 0 {
			return 0, neterr.New(neterr.WouldBlock, "rate limit: no outbound tokens available")
		}
		b.waiting[ratelimit.Outbound].Store(false)
		if b.max[ratelimit.Outbound] < max {
			max = b.max[ratelimit.Outbound]
		}
	}

	if max != ratelimit.Unlimited && ratelimit.Type(len(buffer)) > max {
		buffer = buffer[:max]
	}

	n, err := c.Base.Write(buffer)
	if n > 0 {
		for _, b := range buckets {
			if b.max[ratelimit.Outbound] != ratelimit.Unlimited {
				b.Consume(ratelimit.Outbound, ratelimit.Type(n))
			}
		}
	}
	return n, err
}

// SetEventHandler additionally re-blocks whichever directions any attached
// bucket is still waiting on.
func (c *Compound) SetEventHandler(handler eventloop.Handler, retriggerBlock layer.Flag) {
	c.mu.Lock()
	for _, b := range c.buckets {
		if b.waiting[ratelimit.Inbound].Load() {
			retriggerBlock |= layer.Read
		}
		if b.waiting[ratelimit.Outbound].Load() {
			retriggerBlock |= layer.Write
		}
	}
	c.Base.SetEventHandler(handler, retriggerBlock)
	c.mu.Unlock()
}

// Close detaches every attached bucket and stops forwarding events from the
// next layer down, the Go mirror of ~compound_rate_limited_layer.
func (c *Compound) Close() error {
	c.mu.Lock()
	buckets := c.buckets
	c.buckets = nil
	c.mu.Unlock()

	for _, b := range buckets {
		b.RemoveBucket()
	}
	c.Next().SetEventHandler(nil, 0)
	return nil
}
