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

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

type eventFDInterrupter struct {
	fdVal int
}

func newInterrupter() (interrupter, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &eventFDInterrupter{fdVal: fd}, nil
}

func (e *eventFDInterrupter) fd() int { return e.fdVal }

func (e *eventFDInterrupter) raise() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(e.fdVal, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (e *eventFDInterrupter) drain() {
	var buf [8]byte
	_, _ = unix.Read(e.fdVal, buf[:])
}

func (e *eventFDInterrupter) close() error {
	return unix.Close(e.fdVal)
}
