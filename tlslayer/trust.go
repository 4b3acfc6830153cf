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
	"crypto/x509"
	"encoding/pem"
	"sync"

	"github.com/sabouaram/netkit/neterr"
)

// SystemTrustStore leases the host's trust root pool for system-trust
// verification, plus any additional root CAs the application registers on
// top of it. The system pool is loaded once, lazily, and cached: reloading
// x509.SystemCertPool() on every handshake would mean re-parsing the host's
// entire CA bundle per connection for no benefit, since the bundle does not
// change within a process lifetime.
type SystemTrustStore struct {
	once sync.Once
	base *x509.CertPool
	err  error

	mu    sync.Mutex
	extra []*x509.Certificate
}

// NewSystemTrustStore returns a trust store that lazily loads the host
// system pool on first use.
func NewSystemTrustStore() *SystemTrustStore {
	return &SystemTrustStore{}
}

// AddRootCA registers an additional trusted root, appended to the system
// pool on every subsequent Pool() call, the Go mirror of the teacher's
// AddRootCA.
func (s *SystemTrustStore) AddRootCA(cert *x509.Certificate) {
	if cert == nil {
		return
	}
	s.mu.Lock()
	s.extra = append(s.extra, cert)
	s.mu.Unlock()
}

// AddRootCAPEM parses pemBytes as one or more concatenated PEM-encoded
// certificates and registers each as an additional trusted root.
func (s *SystemTrustStore) AddRootCAPEM(pemBytes []byte) error {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return neterr.Wrap(neterr.InvalidArgument, "add_root_ca: parse certificate", err)
		}
		s.AddRootCA(cert)
	}
}

// Pool returns the current trust pool: the lazily-loaded system pool (if
// the platform exposes one) plus every root registered via AddRootCA*. A nil
// pool with a non-nil error means the platform has no accessible system
// pool and no extra roots were added either; callers (verifyConnection)
// treat that as "system trust unavailable" rather than a hard failure.
func (s *SystemTrustStore) Pool() (*x509.CertPool, error) {
	s.once.Do(func() {
		s.base, s.err = x509.SystemCertPool()
	})

	s.mu.Lock()
	extra := append([]*x509.Certificate(nil), s.extra...)
	s.mu.Unlock()

	if s.base == nil && len(extra) == 0 {
		return nil, s.err
	}

	var pool *x509.CertPool
	if s.base != nil {
		pool = s.base.Clone()
	} else {
		pool = x509.NewCertPool()
	}
	for _, c := range extra {
		pool.AddCert(c)
	}
	return pool, nil
}
