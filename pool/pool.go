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

// Package pool bounds the number of goroutines concurrently performing
// blocking work on behalf of the event loop - per-socket background reads,
// hostname lookups, anything that cannot be done on the loop's own
// goroutine without stalling every other handler.
package pool

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MaxSimultaneous returns the default concurrency limit used when a Pool is
// constructed with weight == 0: the runtime's GOMAXPROCS.
func MaxSimultaneous() int {
	return runtime.GOMAXPROCS(0)
}

// SetSimultaneous clamps n to the range [1, MaxSimultaneous()], returning
// MaxSimultaneous() itself for any n outside that range.
func SetSimultaneous(n int64) int64 {
	max := int64(MaxSimultaneous())
	if n < 1 || n > max {
		return max
	}
	return n
}

// Pool bounds concurrent work. weight == 0 means MaxSimultaneous(), a
// negative weight means unlimited (backed by a sync.WaitGroup instead of a
// semaphore - every Spawn succeeds immediately). The zero value is not
// usable; construct one with New.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	weight int64

	sem *semaphore.Weighted // nil when unlimited
	wg  sync.WaitGroup
}

// New creates a Pool bound to ctx. Acquiring a slot fails once ctx is done.
func New(ctx context.Context, weight int64) *Pool {
	c, cancel := context.WithCancel(ctx)
	p := &Pool{ctx: c, cancel: cancel}

	switch {
	case weight == 0:
		p.weight = int64(MaxSimultaneous())
		p.sem = semaphore.NewWeighted(p.weight)
	case weight < 0:
		p.weight = -1
	default:
		p.weight = weight
		p.sem = semaphore.NewWeighted(p.weight)
	}
	return p
}

// New creates a child Pool with the same weight, inheriting p's context.
func (p *Pool) New() *Pool {
	return New(p.ctx, p.weight)
}

// Weighted returns the configured concurrency limit, or -1 if unlimited.
func (p *Pool) Weighted() int64 {
	return p.weight
}

// Err reports why p's context ended, or nil if it is still live.
func (p *Pool) Err() error {
	return p.ctx.Err()
}

// Close cancels p's context. Outstanding slots already acquired are
// unaffected; new Acquire calls fail once this returns.
func (p *Pool) Close() {
	p.cancel()
}

// acquire blocks until a slot is available or ctx is done.
func (p *Pool) acquire(ctx context.Context) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if p.sem == nil {
		p.wg.Add(1)
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	return nil
}

// tryAcquire acquires a slot without blocking, reporting whether it
// succeeded. Always succeeds in unlimited mode.
func (p *Pool) tryAcquire() bool {
	if p.ctx.Err() != nil {
		return false
	}
	if p.sem == nil {
		p.wg.Add(1)
		return true
	}
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	return true
}

// release returns a slot acquired by acquire/tryAcquire.
func (p *Pool) release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
	p.wg.Done()
}

// Wait blocks until every slot currently held has been released.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Task is the handle returned by Spawn: the join-on-close counterpart of the
// goroutine it started.
type Task struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task's function has returned and reports its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Close is Wait expressed as io.Closer, so a Task can be used with defer or
// held behind an io.Closer-typed field.
func (t *Task) Close() error {
	return t.Wait()
}

// Spawn blocks until a slot is free (or ctx is done), then runs fn on a new
// goroutine holding that slot for the duration of the call. The returned
// Task's Wait/Close blocks until fn returns and yields its error.
//
// If ctx is done before a slot frees up, Spawn returns a Task whose Wait
// immediately reports ctx.Err() without ever running fn.
func (p *Pool) Spawn(ctx context.Context, fn func(context.Context) error) *Task {
	t := &Task{done: make(chan struct{})}

	if err := p.acquire(ctx); err != nil {
		t.err = err
		close(t.done)
		return t
	}

	go func() {
		defer p.release()
		defer close(t.done)
		t.err = fn(ctx)
	}()

	return t
}

// SpawnTry is Spawn's non-blocking counterpart: if no slot is immediately
// available it returns nil instead of waiting for one.
func (p *Pool) SpawnTry(ctx context.Context, fn func(context.Context) error) *Task {
	if !p.tryAcquire() {
		return nil
	}

	t := &Task{done: make(chan struct{})}
	go func() {
		defer p.release()
		defer close(t.done)
		t.err = fn(ctx)
	}()
	return t
}
