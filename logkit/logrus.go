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

import "github.com/sirupsen/logrus"

// logrusBackend adapts a *logrus.Logger to Backend, the default backend for
// a Logger built with NewLogrus.
type logrusBackend struct {
	l *logrus.Logger
}

// NewLogrus wraps l (or a fresh logrus.New() if l is nil) as a Logger
// backend, mapping this package's bit-position Levels onto logrus's linear
// severities.
func NewLogrus(l *logrus.Logger) *Logger {
	if l == nil {
		l = logrus.New()
	}
	return New(&logrusBackend{l: l})
}

func (b *logrusBackend) Write(level Level, msg string) {
	b.l.WithField("level_name", level.String()).Log(logrusSeverity(level), msg)
}

func logrusSeverity(level Level) logrus.Level {
	switch level {
	case Status, Command, Reply:
		return logrus.InfoLevel
	case Error:
		return logrus.ErrorLevel
	case DebugWarning:
		return logrus.WarnLevel
	default:
		return logrus.DebugLevel
	}
}
