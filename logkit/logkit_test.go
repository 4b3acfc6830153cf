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

import "testing"

type recordingBackend struct {
	entries []string
}

func (r *recordingBackend) Write(level Level, msg string) {
	r.entries = append(r.entries, level.String()+": "+msg)
}

func TestDefaultMaskEnablesOnlyTheDocumentedLevels(t *testing.T) {
	l := New(&recordingBackend{})
	for _, lvl := range []Level{Status, Error, Command, Reply} {
		if !l.Enabled(lvl) {
			t.Fatalf("expected %s enabled by default", lvl)
		}
	}
	for _, lvl := range []Level{DebugWarning, DebugInfo, DebugVerbose, DebugDebug, Custom(1)} {
		if l.Enabled(lvl) {
			t.Fatalf("expected %s disabled by default", lvl)
		}
	}
}

func TestLogSkipsDisabledLevels(t *testing.T) {
	b := &recordingBackend{}
	l := New(b)

	l.Log(DebugVerbose, "should not appear")
	if len(b.entries) != 0 {
		t.Fatalf("expected no entries, got %v", b.entries)
	}

	l.Enable(DebugVerbose)
	l.Log(DebugVerbose, "now visible: %d", 42)
	if len(b.entries) != 1 || b.entries[0] != "DebugVerbose: now visible: 42" {
		t.Fatalf("unexpected entries: %v", b.entries)
	}
}

func TestDisableRemovesOnlyRequestedLevels(t *testing.T) {
	l := New(&recordingBackend{})
	l.Disable(Error)
	if l.Enabled(Error) {
		t.Fatal("expected Error disabled")
	}
	if !l.Enabled(Status) {
		t.Fatal("expected Status to remain enabled")
	}
}

func TestCustomLevelNaming(t *testing.T) {
	if got := Custom(1).String(); got != "Custom1" {
		t.Fatalf("Custom(1).String() = %q, want Custom1", got)
	}
	if got := Custom(32).String(); got != "Custom32" {
		t.Fatalf("Custom(32).String() = %q, want Custom32", got)
	}
}

func TestNilLoggerLogIsANoOp(t *testing.T) {
	var l *Logger
	l.Log(Status, "must not panic")
}

func TestWriteBridgesToLog(t *testing.T) {
	b := &recordingBackend{}
	l := New(b)
	l.Enable(DebugInfo)

	n, err := l.Write([]byte("line one\nline two\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("line one\nline two\n") {
		t.Fatalf("n = %d", n)
	}
	if len(b.entries) != 2 {
		t.Fatalf("expected 2 entries, got %v", b.entries)
	}
}

func TestHCLogBridgeWritesThroughLogger(t *testing.T) {
	b := &recordingBackend{}
	l := New(b)
	l.Enable(DebugInfo)

	hc := l.HCLog("test")
	hc.Info("hello from hclog")

	if len(b.entries) == 0 {
		t.Fatal("expected the hclog bridge to produce at least one entry")
	}
}
