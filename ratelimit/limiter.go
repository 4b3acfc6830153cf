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

// limiterData is the per-direction bookkeeping of a RateLimiter, named
// after the reference implementation's data_t so the tick algorithm below
// reads the same way its source does.
type limiterData struct {
	limit          Type
	mergedTokens   Type
	overflow       Type
	debt           Type
	unusedCapacity Type
	carry          Type
	unsaturated    uint64
}

// RateLimiter distributes tokens fairly between its children - which may be
// leaf Buckets or further RateLimiters - and redistributes overflow to
// whichever children still have spare capacity. Attach it to a Manager with
// Manager.Add, or nest it under another RateLimiter with Add.
type RateLimiter struct {
	base

	children []node
	scratch  []int
	wgt      uint64
	data     [2]limiterData
}

// NewRateLimiter creates an unattached RateLimiter with no limits set
// (Unlimited in both directions). Attach it with mgr.Add or a parent
// RateLimiter's Add.
func NewRateLimiter() *RateLimiter {
	l := &RateLimiter{base: newBase()}
	l.data[Inbound].limit = Unlimited
	l.data[Outbound].limit = Unlimited
	return l
}

// Add attaches child (a Bucket or a nested RateLimiter) under l, removing it
// from any previous owner first.
func (l *RateLimiter) Add(child node) {
	if child == nil {
		return
	}
	child.RemoveBucket()

	l.mu.Lock()
	defer l.mu.Unlock()

	child.lockTree()
	defer child.unlockTree()

	child.setMgrRecursive(l.mgr)
	setOwner(child, l, len(l.children))
	l.children = append(l.children, child)

	var active bool
	child.updateStats(&active)
	if active && l.mgr != nil {
		l.mgr.recordActivity()
	}

	weight := child.weight()
	if weight == 0 {
		weight = 1
	}
	l.wgt += weight

	for _, d := range [2]Direction{Inbound, Outbound} {
		data := &l.data[d]
		var tokens Type
		if data.mergedTokens == Unlimited {
			tokens = Unlimited
		} else {
			tokens = data.mergedTokens / (weight * 2)
		}
		child.addTokens(d, tokens, tokens)
		child.distributeOverflow(d, 0)

		if tokens != Unlimited {
			data.debt += tokens * weight
		}
	}
}

// SetLimits sets the per-direction octets/second cap, Unlimited meaning no
// cap. The default is Unlimited in both directions.
func (l *RateLimiter) SetLimits(download, upload Type) {
	l.mu.Lock()
	changed := l.doSetLimit(Inbound, download)
	changed = l.doSetLimit(Outbound, upload) || changed
	mgr := l.mgr
	l.mu.Unlock()

	if changed && mgr != nil {
		mgr.recordActivity()
	}
}

func (l *RateLimiter) doSetLimit(d Direction, limit Type) bool {
	data := &l.data[d]
	if data.limit == limit {
		return false
	}
	data.limit = limit

	weight := l.wgt
	if weight == 0 {
		weight = 1
	}
	if data.limit != Unlimited {
		data.mergedTokens = minType(data.mergedTokens, data.limit/weight)
	}
	return true
}

// Limit returns the currently configured limit for d.
func (l *RateLimiter) Limit(d Direction) Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data[d].limit
}

func (l *RateLimiter) lockTree() {
	l.mu.Lock()
	for _, c := range l.children {
		c.lockTree()
	}
}

func (l *RateLimiter) unlockTree() {
	for _, c := range l.children {
		c.unlockTree()
	}
	l.mu.Unlock()
}

func (l *RateLimiter) weight() uint64 { return l.wgt }

func (l *RateLimiter) unsaturated(d Direction) uint64 {
	if l.data[d].unusedCapacity != 0 {
		return l.data[d].unsaturated
	}
	return 0
}

func (l *RateLimiter) setMgrRecursive(mgr *Manager) {
	if mgr == l.mgr {
		return
	}
	l.mgr = mgr
	for _, c := range l.children {
		c.setMgrRecursive(mgr)
	}
}

func (l *RateLimiter) payDebt(d Direction) {
	data := &l.data[d]
	if data.mergedTokens != Unlimited {
		weight := l.wgt
		if weight == 0 {
			weight = 1
		}
		reduction := minType(data.mergedTokens, data.debt/weight)
		data.mergedTokens -= reduction
		data.debt -= reduction * weight
	} else {
		data.debt = 0
	}
}

func (l *RateLimiter) addTokens(d Direction, tokens, limit Type) Type {
	l.scratch = l.scratch[:0]

	data := &l.data[d]
	data.overflow = 0

	if l.wgt == 0 {
		data.mergedTokens = minType(data.limit, tokens)
		l.payDebt(d)
		if tokens == Unlimited {
			return 0
		}
		return tokens
	}

	mergedLimit := limit
	if data.limit != Unlimited {
		myLimit := (data.carry + data.limit) / l.wgt
		data.carry = (data.carry + data.limit) % l.wgt
		if myLimit < mergedLimit {
			mergedLimit = myLimit
		}
		data.carry += (mergedLimit % tickFrequency) * l.wgt
	}

	data.unusedCapacity = 0

	if mergedLimit != Unlimited {
		data.mergedTokens = mergedLimit / tickFrequency
	} else {
		data.mergedTokens = Unlimited
	}

	if tokens < data.mergedTokens {
		data.mergedTokens = tokens
	}

	l.payDebt(d)

	if data.limit == Unlimited {
		data.unusedCapacity = Unlimited
	} else if data.mergedTokens*l.wgt*tickFrequency < data.limit {
		data.unusedCapacity = (data.limit - data.mergedTokens*l.wgt*tickFrequency) / tickFrequency
	} else {
		data.unusedCapacity = 0
	}

	for i, child := range l.children {
		overflow := child.addTokens(d, data.mergedTokens, mergedLimit)
		if overflow != 0 {
			data.overflow += overflow
		}
		if child.unsaturated(d) != 0 {
			l.scratch = append(l.scratch, i)
		} else {
			data.overflow += child.distributeOverflow(d, 0)
		}
	}
	if data.overflow >= data.unusedCapacity {
		data.unusedCapacity = 0
	} else if data.unusedCapacity != Unlimited {
		data.unusedCapacity -= data.overflow
	}

	if tokens == Unlimited {
		return 0
	}
	return (tokens - data.mergedTokens) * l.wgt
}

func (l *RateLimiter) distributeOverflow(d Direction, overflow Type) Type {
	data := &l.data[d]

	var usableExternal Type
	if data.unusedCapacity == Unlimited {
		usableExternal = overflow
	} else {
		usableExternal = minType(overflow, data.unusedCapacity)
	}
	overflowSum := data.overflow + usableExternal
	remaining := overflowSum

	for {
		data.unsaturated = 0
		for _, idx := range l.scratch {
			data.unsaturated += l.children[idx].unsaturated(d)
		}

		var extraTokens Type
		if data.unsaturated != 0 {
			extraTokens = remaining / data.unsaturated
			remaining %= data.unsaturated
		}
		for i := 0; i < len(l.scratch); {
			idx := l.scratch[i]
			child := l.children[idx]
			subOverflow := child.distributeOverflow(d, extraTokens)
			if subOverflow != 0 || child.unsaturated(d) == 0 {
				remaining += subOverflow
				last := len(l.scratch) - 1
				l.scratch[i] = l.scratch[last]
				l.scratch = l.scratch[:last]
			} else {
				i++
			}
		}
		if extraTokens == 0 {
			data.unsaturated = 0
			for _, idx := range l.scratch {
				data.unsaturated += l.children[idx].unsaturated(d)
			}
			break
		}
	}

	if usableExternal > remaining {
		data.unusedCapacity -= usableExternal - remaining
		data.overflow = 0
		return remaining + overflow - usableExternal
	}
	data.overflow = remaining - usableExternal
	return overflow
}

func (l *RateLimiter) updateStats(active *bool) {
	l.wgt = 0
	l.data[Inbound].unsaturated = 0
	l.data[Outbound].unsaturated = 0
	for _, c := range l.children {
		c.updateStats(active)
		l.wgt += c.weight()
		l.data[Inbound].unsaturated += c.unsaturated(Inbound)
		l.data[Outbound].unsaturated += c.unsaturated(Outbound)
	}
}

func (l *RateLimiter) gatherUnspentForRemoval() [2]Type {
	var ret [2]Type
	for _, c := range l.children {
		c.lockSelf()
		u := c.gatherUnspentForRemoval()
		c.unlockSelf()
		ret[0] += u[0]
		ret[1] += u[1]
	}
	for i := 0; i < 2; i++ {
		reduction := minType(ret[i], l.data[i].debt)
		ret[i] -= reduction
		l.data[i].debt -= reduction
	}
	return ret
}

// RemoveBucket detaches l from its current owner (a Manager or a parent
// RateLimiter), if any. l's own children are left attached to l, so l may
// be re-added elsewhere (or to a new Manager) without losing them.
func (l *RateLimiter) RemoveBucket() {
	l.removeFromOwner(l)
}

// swapRemove drops the child at idx, swapping the last child into its place
// (updating that child's recorded index) unless it was already the child
// being removed.
func (l *RateLimiter) swapRemove(idx int) {
	last := len(l.children) - 1
	if idx != last {
		other := l.children[last]
		other.lockSelf()
		other.setIdx(idx)
		l.children[idx] = other
		other.unlockSelf()
	}
	l.children = l.children[:last]
}

func (l *RateLimiter) reduceDebt(unspent [2]Type) {
	for i := 0; i < 2; i++ {
		reduction := minType(unspent[i], l.data[i].debt)
		l.data[i].debt -= reduction
	}
}

// setOwner and clearOwner reach into a node's embedded base from outside the
// package-private base type's own methods, since Go has no protected access
// and node itself intentionally does not expose owner/mgr setters beyond
// setMgrRecursive.
func setOwner(n node, o owner, idx int) {
	switch v := n.(type) {
	case *RateLimiter:
		v.owner = o
		v.idx = idx
	case *Bucket:
		v.owner = o
		v.idx = idx
	}
}
