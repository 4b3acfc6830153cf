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

// Package ratelimit implements hierarchical token-bucket rate limiting:
// a tree of RateLimiters and Buckets fed by a Manager's periodic tick,
// distributing tokens fairly between siblings and redistributing overflow
// to whichever siblings still have spare capacity.
package ratelimit

import (
	"runtime"
	"sync"
)

// Type is the unit tokens and limits are expressed in (octets/second, or
// octets when it denotes a one-off amount).
type Type = uint64

// Unlimited is the sentinel meaning "no cap".
const Unlimited Type = ^Type(0)

// Direction selects which of a bucket's two independent token pools (inbound
// / download, outbound / upload) an operation applies to.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

const tickFrequency = 5 // ticks/second

func minType(a, b Type) Type {
	if a < b {
		return a
	}
	return b
}

// node is the capability every tree member (RateLimiter or Bucket) offers to
// its parent during a tick or during removal - the Go mirror of the
// reference implementation's bucket_base virtuals.
type node interface {
	lockTree()
	unlockTree()
	updateStats(active *bool)
	weight() uint64
	unsaturated(d Direction) uint64
	setMgrRecursive(mgr *Manager)
	addTokens(d Direction, tokens, limit Type) Type
	distributeOverflow(d Direction, tokens Type) Type
	gatherUnspentForRemoval() [2]Type
	RemoveBucket()

	lockSelf()
	unlockSelf()
	setIdx(i int)
	getIdx() int
}

// owner is the capability a node's container offers back: try-lock the
// container, swap-remove a child by index, and repay debt with whatever
// tokens a removed child never spent. Implemented by both *Manager (for its
// top-level RateLimiters) and *RateLimiter (for its children).
type owner interface {
	tryLockSelf() bool
	unlockSelf()
	swapRemove(idx int)
	reduceDebt(unspent [2]Type)
}

// base holds the bookkeeping common to every tree member: the mutex that
// doubles as both the node's own tree-lock and the guard for its
// owner/idx fields, the owning Manager (for burst_tolerance/activity), and
// the (owner, idx) pair identifying this node's slot in its parent, if any.
type base struct {
	mu    sync.Mutex
	mgr   *Manager
	owner owner
	idx   int
}

func newBase() base {
	return base{idx: -1}
}

func (b *base) lockSelf()     { b.mu.Lock() }
func (b *base) unlockSelf()   { b.mu.Unlock() }
func (b *base) tryLockSelf() bool { return b.mu.TryLock() }
func (b *base) setIdx(i int)  { b.idx = i }
func (b *base) getIdx() int   { return b.idx }

// removeFromOwner is the shared body of RemoveBucket: it walks up to
// whichever owner currently holds this node, tries to lock it, and on
// success asks it to swap-remove this node's slot and repay debt with
// whatever gatherUnspentForRemoval reports. Contention backs off with a
// Gosched instead of blocking, so top-down tree locking (parent before
// child) can never deadlock with this bottom-up removal (child before
// parent).
func (b *base) removeFromOwner(self node) {
	b.mu.Lock()
	for b.idx != -1 && b.owner != nil {
		if b.owner.tryLockSelf() {
			b.owner.swapRemove(b.idx)
			unspent := self.gatherUnspentForRemoval()
			b.owner.reduceDebt(unspent)
			b.owner.unlockSelf()
			break
		}
		b.mu.Unlock()
		runtime.Gosched()
		b.mu.Lock()
	}
	b.owner = nil
	b.idx = -1
	b.mu.Unlock()
}

var (
	_ node  = (*RateLimiter)(nil)
	_ node  = (*Bucket)(nil)
	_ owner = (*RateLimiter)(nil)
	_ owner = (*Manager)(nil)
)
