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

//go:build !linux

package poller

import "golang.org/x/sys/unix"

// pipeInterrupter is the self-pipe fallback used on platforms without
// eventfd, exactly as the reference poller falls back to a pipe when
// HAVE_EVENTFD is not defined.
type pipeInterrupter struct {
	r, w int
}

func newInterrupter() (interrupter, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &pipeInterrupter{r: fds[0], w: fds[1]}, nil
}

func (p *pipeInterrupter) fd() int { return p.r }

func (p *pipeInterrupter) raise() {
	buf := [1]byte{0}
	for {
		_, err := unix.Write(p.w, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (p *pipeInterrupter) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *pipeInterrupter) close() error {
	err1 := unix.Close(p.r)
	err2 := unix.Close(p.w)
	if err1 != nil {
		return err1
	}
	return err2
}
