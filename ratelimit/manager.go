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

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
)

// Manager drives the periodic tick that feeds tokens to every RateLimiter
// attached to it. The tick only runs while at least one limiter has made
// progress since the previous tick; two consecutive idle ticks suspend it,
// avoiding needless wakeups, exactly as the reference manager's activity_
// counter does.
type Manager struct {
	loop *eventloop.Loop

	mu       sync.Mutex
	limiters []*RateLimiter

	activity       atomic.Int32
	timerID        atomic.Uint64 // eventloop.TimerID, 0 means "no timer running"
	burstTolerance atomic.Uint64
}

// NewManager creates a Manager whose tick timer is scheduled on loop.
func NewManager(loop *eventloop.Loop) *Manager {
	m := &Manager{loop: loop}
	m.activity.Store(2)
	m.burstTolerance.Store(1)
	return m
}

// SetBurstTolerance sets the manager-wide bucket-size multiplier, clamped to
// [1, 10].
func (m *Manager) SetBurstTolerance(tolerance Type) {
	if tolerance < 1 {
		tolerance = 1
	} else if tolerance > 10 {
		tolerance = 10
	}
	m.burstTolerance.Store(tolerance)
}

// Add attaches limiter as a top-level child of the manager, removing it from
// any previous owner first.
func (m *Manager) Add(limiter *RateLimiter) {
	if limiter == nil {
		return
	}
	limiter.RemoveBucket()

	m.mu.Lock()
	limiter.lockTree()

	limiter.setMgrRecursive(m)
	limiter.owner = m
	limiter.idx = len(m.limiters)
	m.limiters = append(m.limiters, limiter)

	m.process(limiter, true)

	limiter.unlockTree()
	m.mu.Unlock()
}

// process runs one tick's worth of work for a single limiter: update stats,
// add tokens, distribute overflow, for both directions.
func (m *Manager) process(limiter *RateLimiter, locked bool) {
	if limiter == nil {
		return
	}
	if !locked {
		limiter.lockTree()
	}

	var active bool
	limiter.updateStats(&active)
	if active {
		m.recordActivity()
	}
	for _, d := range [2]Direction{Inbound, Outbound} {
		limiter.addTokens(d, Unlimited, Unlimited)
		limiter.distributeOverflow(d, 0)
	}

	if !locked {
		limiter.unlockTree()
	}
}

// recordActivity marks that progress happened this tick and, if the timer
// had been stopped for idleness, restarts it.
func (m *Manager) recordActivity() {
	if m.activity.Swap(0) == 2 {
		old := m.timerID.Load()
		id := m.loop.AddTimer(m, time.Second/tickFrequency, false)
		m.timerID.Store(uint64(id))
		if old != 0 {
			m.loop.StopTimer(eventloop.TimerID(old))
		}
	}
}

// HandleEvent implements eventloop.Handler: on every timer firing it
// processes each attached limiter and, after two idle ticks in a row, stops
// its own timer.
func (m *Manager) HandleEvent(ctx context.Context, ev event.Base) {
	if _, ok := eventloop.TimerIDOf(ev); !ok {
		return
	}

	m.mu.Lock()
	if m.activity.Add(1) == 2 {
		id := eventloop.TimerID(m.timerID.Load())
		m.timerID.Store(0)
		m.loop.StopTimer(id)
	}
	limiters := append([]*RateLimiter(nil), m.limiters...)
	m.mu.Unlock()

	for _, l := range limiters {
		m.process(l, false)
	}
}

// Close stops the manager's tick timer and removes it from its loop. Any
// limiters still attached keep their last-assigned token state but stop
// receiving further ticks.
func (m *Manager) Close(ctx context.Context) {
	if id := eventloop.TimerID(m.timerID.Swap(0)); id != 0 {
		m.loop.StopTimer(id)
	}
	m.loop.RemoveHandler(ctx, m)
}

func (m *Manager) tryLockSelf() bool { return m.mu.TryLock() }
func (m *Manager) unlockSelf()       { m.mu.Unlock() }

// swapRemove drops the limiter at idx from m.limiters, swapping the last
// element into its place (updating that element's recorded index) unless it
// was already the one being removed.
func (m *Manager) swapRemove(idx int) {
	last := len(m.limiters) - 1
	if idx != last {
		other := m.limiters[last]
		other.lockSelf()
		other.setIdx(idx)
		m.limiters[idx] = other
		other.unlockSelf()
	}
	m.limiters = m.limiters[:last]
}

// reduceDebt is a no-op for Manager: only RateLimiter tracks per-direction
// debt against its children.
func (m *Manager) reduceDebt(_ [2]Type) {}
