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

package ratelimit

// bucketData is the per-direction state of a leaf Bucket.
type bucketData struct {
	available          Type
	overflowMultiplier Type
	bucketSize         Type
	waiting            bool
	unsaturated        bool
}

// Waker is implemented by types embedding Bucket that want to be notified
// when tokens become available after having returned 0 from Available -
// typically a socket.layer re-arming a Read or Write event on its handler.
// The reference implementation calls this wakeup(). A Bucket uses the Waker
// passed to NewBucket; a nil Waker means no notification.
type Waker interface {
	Wakeup(d Direction)
}

// Bucket is a leaf token bucket: the thing an I/O path actually calls
// Available/Consume against. Embed it in a socket layer (see
// ratelimit/layer) or use it standalone.
type Bucket struct {
	base
	data  [2]bucketData
	waker Waker
}

// NewBucket creates an unattached Bucket. Attach it to a RateLimiter with
// (*RateLimiter).Add.
func NewBucket(waker Waker) *Bucket {
	b := &Bucket{base: newBase(), waker: waker}
	b.data[Inbound].available = Unlimited
	b.data[Inbound].overflowMultiplier = 1
	b.data[Inbound].bucketSize = Unlimited
	b.data[Outbound].available = Unlimited
	b.data[Outbound].overflowMultiplier = 1
	b.data[Outbound].bucketSize = Unlimited
	return b
}

// Available returns the octets currently available for d, possibly
// Unlimited. If it returns 0, the caller should wait for Wakeup(d); calling
// Available in that case also records activity with the owning Manager so
// the tick timer restarts.
func (b *Bucket) Available(d Direction) Type {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := &b.data[d]
	if data.available == 0 {
		data.waiting = true
		if b.mgr != nil {
			b.mgr.recordActivity()
		}
	}
	return data.available
}

// Consume subtracts amount from the available pool for d, clamped at 0. Only
// call with a nonzero amount no greater than what Available last reported,
// and never when Available reported Unlimited.
func (b *Bucket) Consume(d Direction, amount Type) {
	if amount == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data := &b.data[d]
	if data.available == Unlimited {
		return
	}
	if b.mgr != nil {
		b.mgr.recordActivity()
	}
	if data.available > amount {
		data.available -= amount
	} else {
		data.available = 0
	}
}

// Waiting reports whether d is currently marked as waiting for tokens.
// Callers must hold no lock; intended for tests and diagnostics.
func (b *Bucket) Waiting(d Direction) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[d].waiting
}

func (b *Bucket) lockTree()   { b.mu.Lock() }
func (b *Bucket) unlockTree() {
	for _, d := range [2]Direction{Inbound, Outbound} {
		data := &b.data[d]
		if data.waiting && data.available != 0 {
			data.waiting = false
			if b.waker != nil {
				b.waker.Wakeup(d)
			}
		}
	}
	b.mu.Unlock()
}

func (b *Bucket) weight() uint64 { return 1 }

func (b *Bucket) unsaturated(d Direction) uint64 {
	if b.data[d].unsaturated {
		return 1
	}
	return 0
}

func (b *Bucket) setMgrRecursive(mgr *Manager) { b.mgr = mgr }

func (b *Bucket) addTokens(d Direction, tokens, limit Type) Type {
	data := &b.data[d]
	if limit == Unlimited {
		data.bucketSize = Unlimited
		data.available = Unlimited
		return 0
	}

	data.bucketSize = limit * data.overflowMultiplier
	if b.mgr != nil {
		data.bucketSize *= b.mgr.burstTolerance.Load()
	}

	switch {
	case data.available == Unlimited:
		data.available = tokens
		return 0
	case data.bucketSize < data.available:
		data.available = data.bucketSize
		return tokens
	default:
		capacity := data.bucketSize - data.available
		if capacity < tokens && data.unsaturated {
			data.unsaturated = false
			if data.overflowMultiplier < 1024*1024 {
				capacity += data.bucketSize
				data.bucketSize *= 2
				data.overflowMultiplier *= 2
			}
		}
		added := minType(tokens, capacity)
		data.available += added
		return tokens - added
	}
}

func (b *Bucket) distributeOverflow(d Direction, tokens Type) Type {
	data := &b.data[d]
	if data.available == Unlimited {
		return 0
	}

	capacity := data.bucketSize - data.available
	if capacity < tokens && data.unsaturated {
		data.unsaturated = false
		if data.overflowMultiplier < 1024*1024 {
			capacity += data.bucketSize
			data.bucketSize *= 2
			data.overflowMultiplier *= 2
		}
	}
	added := minType(tokens, capacity)
	data.available += added
	return tokens - added
}

func (b *Bucket) updateStats(active *bool) {
	for _, d := range [2]Direction{Inbound, Outbound} {
		data := &b.data[d]
		if data.bucketSize == Unlimited {
			data.overflowMultiplier = 1
			continue
		}
		if data.available > data.bucketSize/2 && data.overflowMultiplier > 1 {
			data.overflowMultiplier /= 2
		} else {
			data.unsaturated = data.waiting
			if data.waiting {
				*active = true
			}
		}
	}
}

func (b *Bucket) gatherUnspentForRemoval() [2]Type {
	var ret [2]Type
	for i := 0; i < 2; i++ {
		if b.data[i].available != Unlimited {
			ret[i] = b.data[i].available
			b.data[i].available = 0
		}
	}
	return ret
}

// RemoveBucket detaches b from its current RateLimiter, if any, resetting
// its token state.
func (b *Bucket) RemoveBucket() {
	b.removeFromOwner(b)
	b.data[Inbound] = bucketData{available: Unlimited, overflowMultiplier: 1, bucketSize: Unlimited}
	b.data[Outbound] = bucketData{available: Unlimited, overflowMultiplier: 1, bucketSize: Unlimited}
}
