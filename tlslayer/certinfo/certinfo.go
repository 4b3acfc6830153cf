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

// Package certinfo extracts the application-facing certificate contract
// (spec §4.4.7) out of a parsed *x509.Certificate: activation/expiration
// window, serial, key/signature algorithm, fingerprints, distinguished
// names and subject alternative names, in the exact shapes
// CertificateVerificationEvent hands to a verification handler.
//
// The teacher's certificate handling spreads this across five sub-packages
// (certs/ca/cipher/curves/tlsversion), one per independently pluggable
// TLS-config-source concern. This package deliberately collapses all of
// that down to one: the contract here is a single read-only data structure
// describing a certificate already produced by a completed handshake, not
// an independently configurable source of trust material, so the extra
// package boundaries would buy nothing.
package certinfo

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"net"
	"strings"
	"time"
)

// SAN is one subject-alternative-name entry, the Go mirror of the spec's
// (value, is_dns) pair. IsDNS is true for DNS and RFC822 (email) names; IP
// addresses are rendered as text and also flagged false, matching "DNS/
// RFC822/IP supported" without inventing a richer tagged union the spec
// doesn't ask for.
type SAN struct {
	Value string
	IsDNS bool
}

// Certificate is the parsed, application-facing view of one X.509
// certificate, the Go mirror of the spec's certificate parsing contract.
type Certificate struct {
	ActivationTime time.Time
	ExpirationTime time.Time

	Serial string

	PublicKeyAlgorithm string
	PublicKeyBits      int
	SignatureAlgorithm string

	SHA256Fingerprint string
	SHA1Fingerprint   string

	Issuer  string
	Subject string

	SubjectAltNames []SAN

	// SelfSigned is only meaningful for the last certificate of a chain.
	SelfSigned bool

	DER []byte
}

// Parse extracts Certificate from a parsed X.509 certificate.
func Parse(cert *x509.Certificate) Certificate {
	return Certificate{
		ActivationTime:     cert.NotBefore,
		ExpirationTime:     cert.NotAfter,
		Serial:             hexColon(serialBytes(cert)),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		PublicKeyBits:      publicKeyBits(cert),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		SHA256Fingerprint:  hexColon(sha256Sum(cert.Raw)),
		SHA1Fingerprint:    hexColon(sha1Sum(cert.Raw)),
		Issuer:             cert.Issuer.String(),
		Subject:            cert.Subject.String(),
		SubjectAltNames:    subjectAltNames(cert),
		SelfSigned:         isSelfSigned(cert),
		DER:                cert.Raw,
	}
}

// ParseChain applies Parse to every certificate in chain, leaf first,
// setting SelfSigned meaningfully only on the last element as specified.
func ParseChain(chain []*x509.Certificate) []Certificate {
	out := make([]Certificate, len(chain))
	for i, c := range chain {
		out[i] = Parse(c)
		if i != len(chain)-1 {
			out[i].SelfSigned = false
		}
	}
	return out
}

func serialBytes(cert *x509.Certificate) []byte {
	if cert.SerialNumber == nil {
		return nil
	}
	return cert.SerialNumber.Bytes()
}

func hexColon(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := hex.EncodeToString(b)
	var out strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			out.WriteByte(':')
		}
		out.WriteString(s[i : i+2])
	}
	return out.String()
}

func sha256Sum(der []byte) []byte {
	sum := sha256.Sum256(der)
	return sum[:]
}

func sha1Sum(der []byte) []byte {
	sum := sha1.Sum(der)
	return sum[:]
}

func publicKeyBits(cert *x509.Certificate) int {
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	case ed25519.PublicKey:
		return len(key) * 8
	default:
		return 0
	}
}

func subjectAltNames(cert *x509.Certificate) []SAN {
	sans := make([]SAN, 0, len(cert.DNSNames)+len(cert.EmailAddresses)+len(cert.IPAddresses))
	for _, d := range cert.DNSNames {
		sans = append(sans, SAN{Value: d, IsDNS: true})
	}
	for _, e := range cert.EmailAddresses {
		sans = append(sans, SAN{Value: e, IsDNS: true})
	}
	for _, ip := range cert.IPAddresses {
		sans = append(sans, SAN{Value: ipString(ip), IsDNS: false})
	}
	return sans
}

// ipString renders an IP the same way the socket package's peer-address
// formatting does, via net.IP.String(), so a SAN and a PeerHost() read the
// same for the same address.
func ipString(ip net.IP) string {
	return ip.String()
}

// isSelfSigned reports whether cert's issuer matches its subject and the
// certificate verifies against its own public key.
func isSelfSigned(cert *x509.Certificate) bool {
	if cert.Issuer.String() != cert.Subject.String() {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}
