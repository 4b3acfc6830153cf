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

package netcfg

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	l := NewLoader("NETKIT_TEST_UNUSED")
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "loop_count: 4\nsocket:\n  receive_buffer_bytes: 4096\ntls:\n  min_version: \"1.3\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := NewLoader("NETKIT_TEST_UNUSED")
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LoopCount != 4 {
		t.Fatalf("LoopCount = %d, want 4", cfg.LoopCount)
	}
	if cfg.Socket.ReceiveBufferBytes != 4096 {
		t.Fatalf("ReceiveBufferBytes = %d, want 4096", cfg.Socket.ReceiveBufferBytes)
	}
	if cfg.TLS.MinVersion != "1.3" {
		t.Fatalf("MinVersion = %q, want 1.3", cfg.TLS.MinVersion)
	}
	if cfg.Socket.KeepaliveInterval != Default().Socket.KeepaliveInterval {
		t.Fatalf("expected an unset field to keep its default")
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("NETKIT_TEST_LOOP_COUNT", "7")

	l := NewLoader("NETKIT_TEST")
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LoopCount != 7 {
		t.Fatalf("LoopCount = %d, want 7", cfg.LoopCount)
	}
}

func TestTLSVersionResolution(t *testing.T) {
	if got := TLSVersion("1.3"); got != tls.VersionTLS13 {
		t.Fatalf("TLSVersion(1.3) = %x, want %x", got, tls.VersionTLS13)
	}
	if got := TLSVersion("bogus"); got != tls.VersionTLS12 {
		t.Fatalf("TLSVersion(bogus) = %x, want TLS 1.2 default", got)
	}
}

func TestDefaultIsStable(t *testing.T) {
	a := Default()
	b := Default()
	if !reflect.DeepEqual(a, b) {
		t.Fatal("expected Default() to be deterministic")
	}
	if a.RateLimiter.TickInterval != 100*time.Millisecond {
		t.Fatalf("TickInterval = %v, want 100ms", a.RateLimiter.TickInterval)
	}
}
