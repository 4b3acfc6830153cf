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

package tlslayer

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/neterr"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// layerConn adapts a non-blocking sklayer.Interface into a blocking
// net.Conn, the one crypto/tls.Conn needs underneath it. It registers
// itself as next's event handler and turns every WouldBlock from next into
// a wait on a condition variable, woken by whichever Read/Write/Connection
// event next delivers next.
//
// This only ever runs inside the handshake/pump goroutine spawned by a
// Layer: blocking here blocks that background goroutine, never the
// application, matching "background workers never call user handlers
// directly" from the concurrency model.
type layerConn struct {
	next sklayer.Interface

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func newLayerConn(next sklayer.Interface) *layerConn {
	lc := &layerConn{next: next}
	lc.cond = sync.NewCond(&lc.mu)
	return lc
}

// HandleEvent implements eventloop.Handler. Any event concerning next wakes
// every waiter; each waiter re-evaluates its own Read/Write call rather than
// trusting the event's flag, the same tolerance-of-spurious-wakeups a
// condition variable always requires.
func (lc *layerConn) HandleEvent(_ context.Context, ev event.Base) {
	if _, _, ok := sklayer.EventFlag(ev, lc.next); !ok {
		return
	}
	lc.mu.Lock()
	lc.cond.Broadcast()
	lc.mu.Unlock()
}

func (lc *layerConn) Read(p []byte) (int, error) {
	for {
		lc.mu.Lock()
		if lc.closed {
			lc.mu.Unlock()
			return 0, io.EOF
		}
		lc.mu.Unlock()

		n, err := lc.next.Read(p)
		if err == nil {
			return n, nil
		}
		if !neterr.IsWouldBlock(err) {
			return 0, err
		}

		lc.mu.Lock()
		if !lc.closed {
			lc.cond.Wait()
		}
		closed := lc.closed
		lc.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
	}
}

func (lc *layerConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		lc.mu.Lock()
		if lc.closed {
			lc.mu.Unlock()
			return written, io.ErrClosedPipe
		}
		lc.mu.Unlock()

		n, err := lc.next.Write(p[written:])
		written += n
		if err == nil {
			continue
		}
		if !neterr.IsWouldBlock(err) {
			return written, err
		}

		lc.mu.Lock()
		if !lc.closed {
			lc.cond.Wait()
		}
		closed := lc.closed
		lc.mu.Unlock()
		if closed {
			return written, io.ErrClosedPipe
		}
	}
	return written, nil
}

// Close unblocks any pending Read/Write with io.EOF/io.ErrClosedPipe. It
// does not close next: the layer above owns next's lifetime.
func (lc *layerConn) Close() error {
	lc.mu.Lock()
	lc.closed = true
	lc.cond.Broadcast()
	lc.mu.Unlock()
	return nil
}

func (lc *layerConn) LocalAddr() net.Addr  { return connAddr{} }
func (lc *layerConn) RemoteAddr() net.Addr { return connAddr{host: lc.next.PeerHost()} }

// Deadlines are not supported: next exposes no syscall-level timeout knob,
// and this module's timeout model is the application-supplied
// context.Context on the handshake call, not per-read/write deadlines.
func (lc *layerConn) SetDeadline(time.Time) error      { return nil }
func (lc *layerConn) SetReadDeadline(time.Time) error  { return nil }
func (lc *layerConn) SetWriteDeadline(time.Time) error { return nil }

// connAddr is a minimal net.Addr so crypto/tls's logging/SNI-adjacent code
// paths that call LocalAddr/RemoteAddr have something non-nil to print.
type connAddr struct{ host string }

func (a connAddr) Network() string { return "tcp" }
func (a connAddr) String() string  { return a.host }
