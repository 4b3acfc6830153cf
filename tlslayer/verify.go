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
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"strings"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/tlslayer/certinfo"
)

// AlgorithmWarnings is a bitmask of negotiated choices considered weak,
// the Go mirror of the spec's AlgorithmWarnings flags.
type AlgorithmWarnings uint8

const (
	WarnTlsVersion AlgorithmWarnings = 1 << iota
	WarnCipher
	WarnMac
	WarnKex
)

// weakVersionSSL30 is SSLv3's wire version number. crypto/tls has never
// supported negotiating it (or anything below TLS 1.0), so this only ever
// matches a version value reported by a future non-stdlib peer description;
// kept for fidelity with the spec's named weak set.
const weakVersionSSL30 = 0x0300

var weakCipherSubstrings = []string{"NULL", "RC4", "3DES", "RC2-40", "DES-CBC", "DES_CBC"}
var weakMacSubstrings = []string{"MD5", "MD2", "UMAC-96", "UMAC96"}

// BlacklistedAuthorityKeyIDs is a non-overridable deny-list of certificate
// authority key identifiers (DER-encoded, as found in the
// AuthorityKeyId/SubjectKeyId extensions). Any chain containing one of
// these fails verification regardless of trust-store or pin outcome, the Go
// mirror of the spec's hard-coded MITM-root blacklist. Empty by default;
// deployments wire in their own entries at startup.
var BlacklistedAuthorityKeyIDs [][]byte

func chainHasBlacklistedAuthority(chain []*x509.Certificate) bool {
	for _, c := range chain {
		for _, bad := range BlacklistedAuthorityKeyIDs {
			if bytes.Equal(c.AuthorityKeyId, bad) || bytes.Equal(c.SubjectKeyId, bad) {
				return true
			}
		}
	}
	return false
}

// computeWarnings derives the AlgorithmWarnings bitmask from a completed
// handshake's negotiated parameters against the weak sets in spec §4.4.5.
// crypto/tls.ConnectionState does not expose MAC or key-exchange group
// directly (TLS 1.2 folds both into the cipher suite name, TLS 1.3 never
// surfaces the negotiated group at all); both are therefore derived
// heuristically from the cipher suite's name, which is the best crypto/tls
// exposes — documented in DESIGN.md.
func computeWarnings(version uint16, cipherSuiteName string) AlgorithmWarnings {
	var w AlgorithmWarnings

	if version == weakVersionSSL30 || version < tls.VersionTLS10 {
		w |= WarnTlsVersion
	}

	upper := strings.ToUpper(cipherSuiteName)
	for _, s := range weakCipherSubstrings {
		if strings.Contains(upper, s) {
			w |= WarnCipher
			break
		}
	}
	for _, s := range weakMacSubstrings {
		if strings.Contains(upper, s) {
			w |= WarnMac
			break
		}
	}
	if strings.Contains(upper, "ANON") || strings.Contains(upper, "EXPORT") {
		w |= WarnKex
	}
	return w
}

// keyExchangeName derives a human-readable key-exchange label from the
// negotiated protocol/cipher suite, the best crypto/tls exposes (see
// computeWarnings).
func keyExchangeName(version uint16, cipherSuiteName string) string {
	if version == tls.VersionTLS13 {
		return "ECDHE"
	}
	if strings.Contains(cipherSuiteName, "ECDHE") {
		return "ECDHE"
	}
	if strings.Contains(cipherSuiteName, "_DHE_") {
		return "DHE"
	}
	return "RSA"
}

// macName derives a human-readable MAC label from the cipher suite name:
// the trailing _SHA/_SHA256/_SHA384 component for classical suites, or
// "AEAD" for the GCM/ChaCha20-Poly1305/TLS-1.3 suites where the MAC is
// integrated into the AEAD construction rather than a separate primitive.
func macName(cipherSuiteName string) string {
	upper := strings.ToUpper(cipherSuiteName)
	switch {
	case strings.Contains(upper, "GCM"), strings.Contains(upper, "POLY1305"), strings.Contains(upper, "CCM"):
		return "AEAD"
	case strings.HasSuffix(upper, "_SHA384"):
		return "SHA384"
	case strings.HasSuffix(upper, "_SHA256"):
		return "SHA256"
	case strings.HasSuffix(upper, "_SHA"):
		return "SHA1"
	default:
		return "unknown"
	}
}

// verificationValues is the payload posted to the application's
// out-of-band verification handler, the Go mirror of TlsSessionInfo plus
// the envelope fields client_handshake documents posting alongside it.
type verificationValues struct {
	Source any

	Host string
	Port int

	Protocol    string
	KeyExchange string
	Cipher      string
	MAC         string
	Warnings    AlgorithmWarnings

	PresentedChain   []certinfo.Certificate
	SystemTrustChain []certinfo.Certificate
	HostnameMismatch bool
}

// CertificateVerificationEvent is posted during a verification-handler
// client handshake once the layer has completed its own relaxed validation
// pass and needs the application to decide whether the connection is
// trusted, the Go mirror of the spec's CertificateVerificationEvent.
type CertificateVerificationEvent = event.Typed[verificationValues]

// VerificationInfo extracts the session info carried by ev if it
// originated from source.
func VerificationInfo(ev event.Base, source any) (host string, port int, protocol, kex, cipher, mac string, warnings AlgorithmWarnings, presented, trustChain []certinfo.Certificate, mismatch bool, ok bool) {
	e, good := ev.(CertificateVerificationEvent)
	if !good || e.Value.Source != source {
		return "", 0, "", "", "", "", 0, nil, nil, false, false
	}
	v := e.Value
	return v.Host, v.Port, v.Protocol, v.KeyExchange, v.Cipher, v.MAC, v.Warnings, v.PresentedChain, v.SystemTrustChain, v.HostnameMismatch, true
}
