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

package neterr

import (
	"fmt"
	"runtime"
	"strings"
)

// Error is the module-wide error type. It behaves like a standard error
// (Error(), Unwrap(), Is()) but additionally carries a Kind, a numeric code,
// capture-site file/line and an optional chain of parent causes, so a fatal
// error raised deep in a socket layer can be inspected by an application
// without string-matching the message.
type Error interface {
	error

	// Kind returns the classification of this error.
	Kind() Kind

	// Code returns the numeric code for Kind(), mirroring POSIX errno where
	// one applies.
	Code() int

	// Is reports whether this error or any of its parents is of the given
	// kind.
	Is(kind Kind) bool

	// Unwrap returns the immediate parent, or nil if this is a root cause.
	// Satisfies errors.Is/errors.As from the standard library.
	Unwrap() error

	// File and Line report the capture site.
	File() string
	Line() int
}

type netErr struct {
	kind   Kind
	msg    string
	parent error
	file   string
	line   int
}

// New builds an Error of the given kind with a message, capturing the
// caller's file/line the way the teacher's error package captures a stack
// frame at construction time.
func New(kind Kind, msg string) Error {
	return wrap(kind, msg, nil)
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) Error {
	return wrap(kind, fmt.Sprintf(format, args...), nil)
}

// Wrap builds an Error of the given kind around an existing error as its
// parent cause. Passing a nil parent is equivalent to New.
func Wrap(kind Kind, msg string, parent error) Error {
	return wrap(kind, msg, parent)
}

func wrap(kind Kind, msg string, parent error) Error {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "unknown", 0
	} else if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return &netErr{kind: kind, msg: msg, parent: parent, file: file, line: line}
}

func (e *netErr) Error() string {
	if e.parent != nil {
		return fmt.Sprintf("%s: %s: %s", e.kind, e.msg, e.parent.Error())
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *netErr) Kind() Kind  { return e.kind }
func (e *netErr) Code() int  { return e.kind.Code() }
func (e *netErr) File() string { return e.file }
func (e *netErr) Line() int    { return e.line }

func (e *netErr) Unwrap() error { return e.parent }

func (e *netErr) Is(kind Kind) bool {
	if e.kind == kind {
		return true
	}
	if p, ok := e.parent.(Error); ok {
		return p.Is(kind)
	}
	return false
}

// IsWouldBlock is a convenience matching the spec's WouldBlock/EAGAIN
// contract used pervasively by the socket and TLS layers to decide whether
// to arm an edge-trigger and return control to the caller.
func IsWouldBlock(err error) bool {
	e, ok := err.(Error)
	return ok && e.Is(WouldBlock)
}

// IsTransient reports whether err is the internal-only TransientIO kind,
// which callers of this module's public API should never observe.
func IsTransient(err error) bool {
	e, ok := err.(Error)
	return ok && e.Is(TransientIO)
}
