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
	"io"

	"github.com/sabouaram/netkit/neterr"
	sklayer "github.com/sabouaram/netkit/socket/layer"
)

// writerPump blocks draining send_buffer into the TLS connection, the
// background half of Write's non-blocking facade. One per Layer, started
// once the handshake completes, living until the layer fails or closes.
func (l *Layer) writerPump() {
	for {
		l.mu.Lock()
		for l.sendBuf.Empty() && l.state == sklayer.StateConnected {
			l.cond.Wait()
		}
		if l.state != sklayer.StateConnected {
			l.mu.Unlock()
			return
		}
		data := append([]byte(nil), l.sendBuf.Get()...)
		conn := l.conn
		l.mu.Unlock()

		_, err := conn.Write(data)

		l.mu.Lock()
		if err != nil {
			l.failLocked(neterr.Wrap(neterr.TLSError, "tls write", err))
			l.mu.Unlock()
			return
		}
		l.sendBuf.Consume(len(data))
		empty := l.sendBuf.Empty()
		handler := l.handler
		l.mu.Unlock()

		if empty && handler != nil {
			l.loop.Send(handler, sklayer.NewEvent(l, sklayer.Write, 0))
		}
	}
}

// readerPump blocks filling recvBuf from the TLS connection, the
// background half of Read's non-blocking facade. Pauses (without
// abandoning the connection) once recvBuf reaches maxRecvBuffer, resuming
// as soon as Read makes room, providing the backpressure the design leaves
// to the implementation.
func (l *Layer) readerPump() {
	buf := make([]byte, 16*1024)
	for {
		l.mu.Lock()
		for l.recvBuf.Len() >= maxRecvBuffer && l.state == sklayer.StateConnected {
			l.cond.Wait()
		}
		if l.state != sklayer.StateConnected {
			l.mu.Unlock()
			return
		}
		conn := l.conn
		l.mu.Unlock()

		n, err := conn.Read(buf)
		if n > 0 {
			l.mu.Lock()
			wasEmpty := l.recvBuf.Empty()
			l.recvBuf.Append(buf[:n])
			handler := l.handler
			l.mu.Unlock()
			if wasEmpty && handler != nil {
				l.loop.Send(handler, sklayer.NewEvent(l, sklayer.Read, 0))
			}
		}
		if err != nil {
			l.mu.Lock()
			if err == io.EOF {
				l.state = sklayer.StateShutDown
				handler := l.handler
				l.cond.Broadcast()
				l.mu.Unlock()
				if handler != nil {
					l.loop.Send(handler, sklayer.NewEvent(l, sklayer.Read, 0))
				}
				return
			}
			l.failLocked(neterr.Wrap(neterr.TLSError, "tls read", err))
			l.mu.Unlock()
			return
		}
	}
}
