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
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

func TestGenerateSelfSignedCertificateShape(t *testing.T) {
	dn := DistinguishedName{CommonName: "gen.test", Organization: "netkit"}
	keyPEM, certPEM, err := GenerateSelfSignedCertificate("", dn, []string{"gen.test", "127.0.0.1"})
	if err != nil {
		t.Fatalf("GenerateSelfSignedCertificate: %v", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		t.Fatalf("expected an unencrypted PRIVATE KEY PEM block, got %v", keyBlock)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		t.Fatalf("ParsePKCS8PrivateKey: %v", err)
	}
	if _, ok := key.(*ecdsa.PrivateKey); !ok {
		t.Fatalf("key type = %T, want *ecdsa.PrivateKey", key)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		t.Fatalf("expected a CERTIFICATE PEM block, got %v", certBlock)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}

	if cert.IsCA {
		t.Fatal("expected IsCA=false")
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 || cert.KeyUsage&x509.KeyUsageKeyEncipherment == 0 {
		t.Fatalf("KeyUsage = %v, want digital signature + key encipherment", cert.KeyUsage)
	}
	if len(cert.SerialNumber.Bytes()) == 0 {
		t.Fatal("expected a non-empty serial")
	}
	wantDNS := map[string]bool{"gen.test": false}
	for _, d := range cert.DNSNames {
		if _, ok := wantDNS[d]; ok {
			wantDNS[d] = true
		}
	}
	for name, seen := range wantDNS {
		if !seen {
			t.Fatalf("missing expected DNS SAN %q", name)
		}
	}
	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "127.0.0.1" {
		t.Fatalf("IPAddresses = %v, want [127.0.0.1]", cert.IPAddresses)
	}

	window := cert.NotAfter.Sub(cert.NotBefore)
	wantWindow := certValidityAfter - certValidityBefore
	if d := window - wantWindow; d > time.Second || d < -time.Second {
		t.Fatalf("validity window = %v, want approximately %v", window, wantWindow)
	}
}

func TestGenerateSelfSignedCertificateWithPassword(t *testing.T) {
	keyPEM, _, err := GenerateSelfSignedCertificate("s3cret", DistinguishedName{CommonName: "enc.test"}, nil)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCertificate: %v", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		t.Fatal("expected a PEM block")
	}
	//lint:ignore SA1019 verifying the encrypted counterpart to EncryptPEMBlock
	if !x509.IsEncryptedPEMBlock(block) {
		t.Fatal("expected an encrypted PEM block when a password is given")
	}
	//lint:ignore SA1019 see above
	der, err := x509.DecryptPEMBlock(block, []byte("s3cret"))
	if err != nil {
		t.Fatalf("DecryptPEMBlock: %v", err)
	}
	if _, err := x509.ParsePKCS8PrivateKey(der); err != nil {
		t.Fatalf("ParsePKCS8PrivateKey after decrypt: %v", err)
	}
}

func TestGenerateCSRShape(t *testing.T) {
	dn := DistinguishedName{CommonName: "csr.test"}
	_, csrPEM, err := GenerateCSR("", dn, []string{"csr.test"}, true)
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		t.Fatalf("expected a CERTIFICATE REQUEST PEM block, got %v", block)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificateRequest: %v", err)
	}
	if csr.Subject.CommonName != "csr.test" {
		t.Fatalf("CommonName = %q, want csr.test", csr.Subject.CommonName)
	}
	if err := csr.CheckSignature(); err != nil {
		t.Fatalf("CheckSignature: %v", err)
	}

	_, rawCSR, err := GenerateCSR("", dn, nil, false)
	if err != nil {
		t.Fatalf("GenerateCSR (raw DER): %v", err)
	}
	if _, err := x509.ParseCertificateRequest(rawCSR); err != nil {
		t.Fatalf("ParseCertificateRequest(raw DER): %v", err)
	}
}
