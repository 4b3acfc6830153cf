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

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Backend receives already-formatted log lines for levels the Logger has
// decided are enabled. Implementations must be safe for concurrent use.
type Backend interface {
	Write(level Level, msg string)
}

// Logger gates writes to a Backend behind an atomically-updated bitmask of
// enabled Levels.
type Logger struct {
	mask    atomic.Uint64
	backend Backend
}

// New wraps backend with a mask starting at DefaultMask. A nil backend is
// legal and makes every call to Log a no-op, which is convenient for tests
// and for components that accept an optional Logger.
func New(backend Backend) *Logger {
	l := &Logger{backend: backend}
	l.mask.Store(DefaultMask)
	return l
}

// SetEnabledMask replaces the set of enabled levels wholesale.
func (l *Logger) SetEnabledMask(mask uint64) {
	l.mask.Store(mask)
}

// EnabledMask returns the current set of enabled levels.
func (l *Logger) EnabledMask() uint64 {
	return l.mask.Load()
}

// Enable turns on the given levels without disturbing the rest of the mask.
func (l *Logger) Enable(levels ...Level) {
	for {
		old := l.mask.Load()
		next := old
		for _, lvl := range levels {
			next |= lvl.Bit()
		}
		if l.mask.CompareAndSwap(old, next) {
			return
		}
	}
}

// Disable turns off the given levels without disturbing the rest of the mask.
func (l *Logger) Disable(levels ...Level) {
	for {
		old := l.mask.Load()
		next := old
		for _, lvl := range levels {
			next &^= lvl.Bit()
		}
		if l.mask.CompareAndSwap(old, next) {
			return
		}
	}
}

// Enabled reports whether level is currently turned on.
func (l *Logger) Enabled(level Level) bool {
	return l.mask.Load()&level.Bit() != 0
}

// Log writes a formatted message at level if level is enabled and a
// backend is set. If nil, l and Log are both safe to call (matching the
// teacher idiom of every logger method tolerating a nil receiver).
func (l *Logger) Log(level Level, format string, args ...interface{}) {
	if l == nil || l.backend == nil || !l.Enabled(level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.backend.Write(level, msg)
}

// Write implements io.Writer, logging each line of p at DebugInfo. This is
// the bridge used to hand a Logger to code (the standard log package,
// hclog) that only knows how to write to an io.Writer.
func (l *Logger) Write(p []byte) (int, error) {
	if l == nil || l.backend == nil {
		return len(p), nil
	}
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		l.Log(DebugInfo, "%s", line)
	}
	return len(p), nil
}
