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
	"crypto/tls"
	"crypto/x509"
	"testing"
)

func TestComputeWarningsFlagsWeakCipherAndMAC(t *testing.T) {
	w := computeWarnings(tls.VersionTLS12, "TLS_RSA_WITH_RC4_128_SHA")
	if w&WarnCipher == 0 {
		t.Fatal("expected WarnCipher for an RC4 suite")
	}

	w = computeWarnings(tls.VersionTLS12, "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256")
	if w&WarnCipher != 0 || w&WarnMac != 0 {
		t.Fatalf("expected no warnings for a modern AEAD suite, got %v", w)
	}
}

func TestComputeWarningsFlagsWeakVersion(t *testing.T) {
	if w := computeWarnings(weakVersionSSL30, "TLS_RSA_WITH_AES_128_GCM_SHA256"); w&WarnTlsVersion == 0 {
		t.Fatal("expected WarnTlsVersion for SSLv3")
	}
	if w := computeWarnings(tls.VersionTLS13, "TLS_AES_128_GCM_SHA256"); w&WarnTlsVersion != 0 {
		t.Fatal("did not expect WarnTlsVersion for TLS 1.3")
	}
}

func TestMacNameAEADVsClassical(t *testing.T) {
	if got := macName("TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"); got != "AEAD" {
		t.Fatalf("macName(GCM suite) = %q, want AEAD", got)
	}
	if got := macName("TLS_RSA_WITH_AES_256_CBC_SHA384"); got != "SHA384" {
		t.Fatalf("macName(CBC/SHA384 suite) = %q, want SHA384", got)
	}
}

func TestKeyExchangeNamePrefersECDHE(t *testing.T) {
	if got := keyExchangeName(tls.VersionTLS13, "TLS_AES_128_GCM_SHA256"); got != "ECDHE" {
		t.Fatalf("keyExchangeName(TLS 1.3) = %q, want ECDHE", got)
	}
	if got := keyExchangeName(tls.VersionTLS12, "TLS_RSA_WITH_AES_128_GCM_SHA256"); got != "RSA" {
		t.Fatalf("keyExchangeName(plain RSA suite) = %q, want RSA", got)
	}
}

func TestChainHasBlacklistedAuthority(t *testing.T) {
	prior := BlacklistedAuthorityKeyIDs
	defer func() { BlacklistedAuthorityKeyIDs = prior }()

	bad := []byte{0x01, 0x02, 0x03}
	BlacklistedAuthorityKeyIDs = [][]byte{bad}

	chain := []*x509.Certificate{{AuthorityKeyId: bad}}
	if !chainHasBlacklistedAuthority(chain) {
		t.Fatal("expected a chain carrying the blacklisted key ID to match")
	}

	chain = []*x509.Certificate{{AuthorityKeyId: []byte{0x09}}}
	if chainHasBlacklistedAuthority(chain) {
		t.Fatal("did not expect an unrelated key ID to match")
	}
}
