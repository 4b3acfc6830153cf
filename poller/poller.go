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

// Package poller wraps a single poll(2) call guarding an arbitrary set of
// file descriptors, plus an out-of-band interrupt so a goroutine blocked in
// Wait can be woken without a signal being delivered to a fd it is already
// polling. It is the building block the socket core's background thread
// uses to learn when a raw descriptor becomes readable or writable.
package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Poller multiplexes poll(2) over a caller-supplied descriptor set. Not safe
// for concurrent Wait calls; Interrupt may be called from any goroutine.
type Poller struct {
	mu        sync.Mutex
	cond      *sync.Cond
	signalled bool
	idleWait  bool

	intr interrupter
}

// New creates a ready-to-use Poller. Call Close when done to release the
// interrupt descriptor(s).
func New() (*Poller, error) {
	intr, err := newInterrupter()
	if err != nil {
		return nil, err
	}
	p := &Poller{intr: intr}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Close releases the interrupt descriptor(s). The Poller must not be used
// afterwards.
func (p *Poller) Close() error {
	return p.intr.close()
}

// Idle blocks until Interrupt is called, without polling any descriptor.
// Used by a socket's background goroutine when neither direction is armed
// but it still wants a wakeable sleep.
func (p *Poller) Idle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.signalled {
		p.idleWait = true
		p.cond.Wait()
		p.idleWait = false
	}
	p.signalled = false
}

// Wait polls fds (which callers own and populate) together with the
// internal interrupt descriptor, appended automatically. It blocks
// indefinitely until either a descriptor in fds is ready or Interrupt is
// called, returning true in the former case.
//
// fds must have len(fds)+1 capacity is not required; Wait allocates its own
// scratch slice for the combined set and copies results back into fds, so
// fds itself is never resized.
func (p *Poller) Wait(fds []unix.PollFd) (bool, error) {
	combined := make([]unix.PollFd, len(fds)+1)
	copy(combined, fds)
	combined[len(fds)] = unix.PollFd{Fd: int32(p.intr.fd()), Events: unix.POLLIN}

	var res int
	var err error
	for {
		res, err = unix.Poll(combined, -1)
		if err != unix.EINTR {
			break
		}
	}
	copy(fds, combined[:len(fds)])

	p.mu.Lock()
	p.signalled = false
	p.mu.Unlock()

	if err != nil {
		return false, err
	}
	if res > 0 && combined[len(fds)].Revents != 0 {
		p.intr.drain()
	}
	return res > 0, nil
}

// Interrupt wakes a goroutine currently blocked in Wait or Idle. Safe to
// call from any goroutine, including before Wait/Idle is first called.
func (p *Poller) Interrupt() {
	p.mu.Lock()
	p.signalled = true
	idle := p.idleWait
	p.mu.Unlock()

	if idle {
		p.cond.Signal()
	} else {
		p.intr.raise()
	}
}

// interrupter is the portable capability "a descriptor Wait can poll for
// readability, armed by raise and cleared by drain". Implemented by an
// eventfd on Linux and a self-pipe everywhere else, mirroring the reference
// poller's own HAVE_EVENTFD split.
type interrupter interface {
	fd() int
	raise()
	drain()
	close() error
}
