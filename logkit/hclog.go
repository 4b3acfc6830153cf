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

package logkit

import "github.com/hashicorp/go-hclog"

// HCLog returns an hclog.Logger backed by l, for components (tlslayer's
// handshake logger among them) that only know how to consume hclog. It is
// an io.Writer bridge rather than a from-scratch hclog.Logger
// implementation: hclog.New already does the formatting and level
// filtering, it only needs a sink, and l itself is that sink.
func (l *Logger) HCLog(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Output: l,
		Level:  hclog.Trace,
	})
}

// hclogBackend adapts an hclog.Logger to Backend, for applications that
// want logkit's mask semantics on top of an hclog sink they already own
// (e.g. one configured elsewhere with its own formatting/output).
type hclogBackend struct {
	l hclog.Logger
}

// NewHCLog wraps an existing hclog.Logger as a Logger backend.
func NewHCLog(l hclog.Logger) *Logger {
	if l == nil {
		l = hclog.NewNullLogger()
	}
	return New(&hclogBackend{l: l})
}

func (b *hclogBackend) Write(level Level, msg string) {
	switch level {
	case Error:
		b.l.Error(msg)
	case DebugWarning:
		b.l.Warn(msg)
	case Status, Command, Reply:
		b.l.Info(msg)
	default:
		b.l.Debug(msg)
	}
}
