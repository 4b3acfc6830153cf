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

// Package eventloop implements the single-threaded cooperative scheduler
// that underpins every asynchronous operation in this module: a FIFO of
// (handler, event) pairs plus a monotonically-timestamped timer set.
//
// At most one handler executes at a time per Loop. Handlers may enqueue
// further events, add/stop timers and synchronously remove handlers
// (including themselves) from within their own HandleEvent callback,
// provided they forward the context.Context they were given — that context
// carries the reentrancy marker RemoveHandler needs to avoid deadlocking
// against its own in-flight dispatch.
package eventloop

import (
	"container/list"
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/sabouaram/netkit/event"
)

// Handler is the capability "receive one event at a time, in FIFO order".
type Handler interface {
	HandleEvent(ctx context.Context, ev event.Base)
}

// TimerID identifies a timer registered with a Loop. IDs are never reused
// within the lifetime of a Loop.
type TimerID uint64

// timerFiredValues is the payload of the event delivered when a timer fires,
// mirroring the reference implementation's timer_event (a simple_event
// carrying the firing timer_id).
type timerFiredValues struct {
	ID TimerID
}

// TimerFired is the event type delivered to a timer's handler when it fires.
type TimerFired = event.Typed[timerFiredValues]

// TimerIDOf reports the TimerID carried by ev if it is a TimerFired event.
// Exported because timerFiredValues itself is not, so callers outside this
// package cannot spell event.As[timerFiredValues] themselves.
func TimerIDOf(ev event.Base) (TimerID, bool) {
	t, ok := ev.(TimerFired)
	if !ok {
		return 0, false
	}
	return t.Value.ID, true
}

type queuedEvent struct {
	handler Handler
	ev      event.Base
}

type timerEntry struct {
	id       TimerID
	handler  Handler
	next     time.Time
	interval time.Duration
	oneShot  bool
}

type dispatchMarkerKeyType struct{}

var dispatchMarkerKey = dispatchMarkerKeyType{}

// Loop is a single-threaded cooperative scheduler. The zero value is not
// usable; construct one with New.
type Loop struct {
	mu   sync.Mutex
	wake chan struct{}
	done chan struct{}

	queue  *list.List // of queuedEvent
	timers map[TimerID]*timerEntry
	nextID uint64

	dispatching Handler
	marker      *int
	condVar     *sync.Cond

	stopped bool
}

// New creates a ready-to-run Loop.
func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		queue:  list.New(),
		timers: make(map[TimerID]*timerEntry),
	}
}

func (l *Loop) wakeLocked() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Send enqueues ev for delivery to handler at the tail of its FIFO and wakes
// the loop if it is idle. Non-blocking, safe to call from any goroutine.
func (l *Loop) Send(handler Handler, ev event.Base) {
	l.mu.Lock()
	l.queue.PushBack(queuedEvent{handler: handler, ev: ev})
	l.wakeLocked()
	l.mu.Unlock()
}

// AddTimer schedules handler to receive a TimerFired event after interval,
// repeating every interval unless oneShot is set. The returned TimerID is
// unique for the lifetime of the Loop.
func (l *Loop) AddTimer(handler Handler, interval time.Duration, oneShot bool) TimerID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := TimerID(l.nextID)
	l.timers[id] = &timerEntry{
		id:       id,
		handler:  handler,
		next:     time.Now().Add(interval),
		interval: interval,
		oneShot:  oneShot,
	}
	l.wakeLocked()
	return id
}

// StopTimer cancels a timer. Idempotent: it is not an error to stop a timer
// that has already fired (one-shot) or was already stopped.
func (l *Loop) StopTimer(id TimerID) {
	l.mu.Lock()
	delete(l.timers, id)
	l.mu.Unlock()
}

// FilterEvents atomically removes every queued event for which predicate
// returns true. Runs under the loop's lock, so it always completes before
// the next dispatch.
func (l *Loop) FilterEvents(predicate func(h Handler, ev event.Base) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for e := l.queue.Front(); e != nil; {
		next := e.Next()
		q := e.Value.(queuedEvent)
		if predicate(q.handler, q.ev) {
			l.queue.Remove(e)
		}
		e = next
	}
}

// RemoveHandler ensures h will receive no further events or timer firings
// and that no dispatch to h is in progress by the time this call returns.
//
// Pass the context.Context the calling handler received from HandleEvent
// when removing a handler from within a dispatch (including removing
// itself); this lets RemoveHandler recognize "I am the dispatch in
// progress" and avoid waiting on itself. Pass context.Background() (or any
// context obtained outside a dispatch) when calling from an unrelated
// goroutine.
func (l *Loop) RemoveHandler(ctx context.Context, h Handler) {
	callerMarker, _ := ctx.Value(dispatchMarkerKey).(*int)

	l.mu.Lock()
	defer l.mu.Unlock()

	for e := l.queue.Front(); e != nil; {
		next := e.Next()
		if sameHandler(e.Value.(queuedEvent).handler, h) {
			l.queue.Remove(e)
		}
		e = next
	}
	for id, t := range l.timers {
		if sameHandler(t.handler, h) {
			delete(l.timers, id)
		}
	}

	for sameHandler(l.dispatching, h) {
		if callerMarker != nil && callerMarker == l.marker {
			// Reentrant removal from within h's own dispatch: the
			// dispatch will end when this very call returns, so waiting
			// here would deadlock.
			return
		}
		l.cond().Wait()
	}
}

// sameHandler reports whether a and b are the same Handler. Handlers of a
// func type (not comparable with ==) are compared by code pointer.
func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb {
		return ta == nil && tb == nil
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return ta.Comparable() && a == b
}

// cond lazily creates (and caches) a sync.Cond bound to l.mu on first use
// by RemoveHandler.
func (l *Loop) cond() *sync.Cond {
	if l.condVar == nil {
		l.condVar = sync.NewCond(&l.mu)
	}
	return l.condVar
}
