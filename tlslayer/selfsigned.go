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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/sabouaram/netkit/neterr"
)

// certValidityBefore/After mirror the spec's fixed validity window for a
// generated self-signed certificate: backdated five minutes to tolerate
// clock skew against a peer that checks NotBefore immediately, good for a
// year.
const (
	certValidityBefore = -5 * time.Minute
	certValidityAfter  = 366 * 24 * time.Hour
)

// DistinguishedName is the subject the generated certificate or CSR
// carries, the Go mirror of the spec's DN parameter.
type DistinguishedName struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
	Country            string
	Locality           string
	Province           string
}

func (dn DistinguishedName) pkixName() pkix.Name {
	name := pkix.Name{CommonName: dn.CommonName}
	if dn.Organization != "" {
		name.Organization = []string{dn.Organization}
	}
	if dn.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{dn.OrganizationalUnit}
	}
	if dn.Country != "" {
		name.Country = []string{dn.Country}
	}
	if dn.Locality != "" {
		name.Locality = []string{dn.Locality}
	}
	if dn.Province != "" {
		name.Province = []string{dn.Province}
	}
	return name
}

// generateKeyAndSerial builds the ECDSA P-256 key and random serial common
// to both generate_selfsigned_certificate and generate_csr: "high" security
// parameter maps to P-256 since it is the only curve crypto/tls negotiates
// by default on both TLS 1.2 and 1.3 without extra configuration.
func generateKeyAndSerial() (*ecdsa.PrivateKey, *big.Int, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, neterr.Wrap(neterr.InvalidArgument, "generate key: ecdsa", err)
	}

	// 20 random bytes, the serial width the spec names; a uuid.UUID is a
	// convenient pre-sized 16-byte random source, padded with 4 more random
	// bytes to reach it.
	id := uuid.New()
	serialBytes := make([]byte, 20)
	copy(serialBytes, id[:])
	if _, err := rand.Read(serialBytes[16:]); err != nil {
		return nil, nil, neterr.Wrap(neterr.InvalidArgument, "generate key: serial", err)
	}
	serial := new(big.Int).SetBytes(serialBytes)

	return key, serial, nil
}

// marshalKeyPEM encodes key as a PKCS#8 PEM block. When password is
// non-empty the block is encrypted with AES-256 via the legacy PEM cipher
// envelope (crypto/x509.EncryptPEMBlock): crypto/x509 has never grown a
// password-protected PKCS#8 marshaller, and no third-party alternative is
// grounded elsewhere in this module's dependency set, so this is the only
// avenue stdlib offers for an encrypted private key PEM. See DESIGN.md.
func marshalKeyPEM(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, neterr.Wrap(neterr.InvalidArgument, "marshal key: pkcs8", err)
	}

	if password == "" {
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}

	//lint:ignore SA1019 no unencrypted-alternative-free replacement exists for PEM-level password protection
	block, err := x509.EncryptPEMBlock(rand.Reader, "PRIVATE KEY", der, []byte(password), x509.PEMCipherAES256)
	if err != nil {
		return nil, neterr.Wrap(neterr.InvalidArgument, "marshal key: encrypt", err)
	}
	return pem.EncodeToMemory(block), nil
}

// GenerateSelfSignedCertificate builds a fresh ECDSA P-256 self-signed leaf
// certificate valid for hostnames, the Go mirror of
// generate_selfsigned_certificate. password may be empty for an unencrypted
// key PEM.
func GenerateSelfSignedCertificate(password string, dn DistinguishedName, hostnames []string) (keyPEM, certPEM []byte, err error) {
	key, serial, err := generateKeyAndSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               dn.pkixName(),
		NotBefore:             now.Add(certValidityBefore),
		NotAfter:              now.Add(certValidityAfter),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	splitHostnames(tmpl, hostnames)

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, neterr.Wrap(neterr.InvalidArgument, "generate_selfsigned_certificate: create certificate", err)
	}

	keyPEM, err = marshalKeyPEM(key, password)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return keyPEM, certPEM, nil
}

// GenerateCSR builds a PKCS#10 certificate signing request for the same key
// generation parameters as GenerateSelfSignedCertificate, the Go mirror of
// generate_csr. csrAsPEM selects a PEM-wrapped ("CERTIFICATE REQUEST") or
// raw DER result.
func GenerateCSR(password string, dn DistinguishedName, hostnames []string, csrAsPEM bool) (keyPEM, csr []byte, err error) {
	key, _, err := generateKeyAndSerial()
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.CertificateRequest{
		Subject:            dn.pkixName(),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	splitHostnamesCSR(tmpl, hostnames)

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, nil, neterr.Wrap(neterr.InvalidArgument, "generate_csr: create request", err)
	}

	keyPEM, err = marshalKeyPEM(key, password)
	if err != nil {
		return nil, nil, err
	}

	if csrAsPEM {
		return keyPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
	}
	return keyPEM, der, nil
}

// splitHostnames classifies each hostnames entry as a DNS name or IP
// literal and assigns it to the matching SAN field, mirroring how
// certinfo.subjectAltNames reads them back.
func splitHostnames(tmpl *x509.Certificate, hostnames []string) {
	for _, h := range hostnames {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
}

func splitHostnamesCSR(tmpl *x509.CertificateRequest, hostnames []string) {
	for _, h := range hostnames {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
}
