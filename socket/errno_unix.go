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

//go:build !windows

package socket

import (
	"github.com/sabouaram/netkit/neterr"
	"golang.org/x/sys/unix"
)

// mapErrno classifies a raw syscall error the way the reference's read/
// write/connect error handling does: EAGAIN/EWOULDBLOCK means "wait for the
// next event", EINTR is retried internally and never surfaced, everything
// else is fatal for the socket.
func mapErrno(err error) neterr.Error {
	if e, ok := err.(neterr.Error); ok {
		return e
	}

	errno, _ := err.(unix.Errno)
	switch errno {
	case unix.EAGAIN, unix.EWOULDBLOCK:
		return neterr.New(neterr.WouldBlock, "operation would block")
	case unix.EINTR:
		return neterr.New(neterr.TransientIO, "interrupted system call")
	default:
		return neterr.Wrap(neterr.FatalIO, "socket error", err)
	}
}
