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

package eventloop

import (
	"context"
	"time"

	"github.com/sabouaram/netkit/event"
)

// Run dequeues and dispatches events until Stop is called. If the queue is
// empty and no timer is due, it blocks until a new event/timer is added or
// the next timer's due time, whichever comes first.
func (l *Loop) Run() {
	for {
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return
		}

		h, ev, ok := l.popOrFireLocked()
		if ok {
			l.dispatchOne(h, ev)
			continue
		}

		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		delay, hasDeadline := l.nextDeadlineLocked()
		l.mu.Unlock()

		if hasDeadline {
			timer := time.NewTimer(delay)
			select {
			case <-l.wake:
				timer.Stop()
			case <-timer.C:
			case <-l.done:
				timer.Stop()
				return
			}
		} else {
			select {
			case <-l.wake:
			case <-l.done:
				return
			}
		}
	}
}

// RunContext runs the loop until ctx is cancelled, at which point the loop
// stops as if Stop had been called. This is additive sugar over Stop/Run,
// not part of the reference contract.
func (l *Loop) RunContext(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.Stop()
	}()
	l.Run()
}

// Step performs a single dequeue-and-dispatch cycle ("threadless run" mode):
// it dispatches at most one event (or fires at most one due timer, which
// counts as dispatching its TimerFired event) and returns true if it did so.
// If nothing was ready and timeout elapses, it returns false.
func (l *Loop) Step(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		h, ev, ok := l.popOrFireLocked()
		if ok {
			l.dispatchOne(h, ev)
			return true
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return false
		}
		l.mu.Lock()
		delay, hasDeadline := l.nextDeadlineLocked()
		l.mu.Unlock()
		if hasDeadline && delay < wait {
			wait = delay
		}

		timer := time.NewTimer(wait)
		select {
		case <-l.wake:
		case <-timer.C:
		case <-l.done:
			timer.Stop()
			return false
		}
		timer.Stop()
	}
}

// Stop causes Run (or a blocked Step) to return once any in-progress
// dispatch completes. Safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.done)
	l.mu.Unlock()
}

// popOrFireLocked pops the next ready unit of work: a queued event if one
// exists, else the earliest due timer converted into a TimerFired event. It
// returns ok=false if nothing is currently ready.
func (l *Loop) popOrFireLocked() (Handler, event.Base, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if front := l.queue.Front(); front != nil {
		q := l.queue.Remove(front).(queuedEvent)
		return q.handler, q.ev, true
	}

	now := time.Now()
	var due *timerEntry
	for _, t := range l.timers {
		if !now.Before(t.next) {
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
	}
	if due == nil {
		return nil, nil, false
	}

	if due.oneShot {
		delete(l.timers, due.id)
	} else {
		// Monotonically non-decreasing due times; never double-fires for
		// the same period, may skip firings under load.
		due.next = due.next.Add(due.interval)
		for !due.next.After(now) {
			due.next = due.next.Add(due.interval)
		}
	}

	return due.handler, TimerFired{Value: timerFiredValues{ID: due.id}}, true
}

// nextDeadlineLocked returns the delay until the earliest timer is due, and
// whether any timer exists at all. Must be called with l.mu held.
func (l *Loop) nextDeadlineLocked() (time.Duration, bool) {
	if len(l.timers) == 0 {
		return 0, false
	}
	now := time.Now()
	var earliest time.Time
	first := true
	for _, t := range l.timers {
		if first || t.next.Before(earliest) {
			earliest = t.next
			first = false
		}
	}
	d := earliest.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// dispatchOne delivers ev to h, marking it as the loop's in-flight dispatch
// for the duration of the call so RemoveHandler can detect both "someone
// else is dispatching h, please wait" and "I *am* that dispatch, don't
// deadlock on myself".
func (l *Loop) dispatchOne(h Handler, ev event.Base) {
	marker := new(int)

	l.mu.Lock()
	l.dispatching = h
	l.marker = marker
	l.mu.Unlock()

	ctx := context.WithValue(context.Background(), dispatchMarkerKey, marker)

	func() {
		defer func() {
			_ = recover() // a panicking handler must not wedge the loop
		}()
		h.HandleEvent(ctx, ev)
	}()

	l.mu.Lock()
	l.dispatching = nil
	l.marker = nil
	if l.condVar != nil {
		l.condVar.Broadcast()
	}
	l.mu.Unlock()
}
