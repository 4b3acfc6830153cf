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

package netcrypt

import (
	"bytes"
	"testing"
)

func TestAsymmetricEncryptDecryptRoundTrip(t *testing.T) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}

	plain := []byte("hello over the wire")
	ct, err := Encrypt(plain, pub, []byte("context-1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(ct) != len(plain)+AsymmetricOverhead {
		t.Fatalf("len(ct) = %d, want %d", len(ct), len(plain)+AsymmetricOverhead)
	}

	got, err := Decrypt(ct, priv, []byte("context-1"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}
}

func TestAsymmetricDecryptFailsOnWrongAAD(t *testing.T) {
	priv, _ := GeneratePrivateKey()
	pub, _ := priv.PublicKey()

	ct, err := Encrypt([]byte("secret"), pub, []byte("context-a"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ct, priv, []byte("context-b")); err == nil {
		t.Fatal("expected Decrypt to fail with mismatched AAD")
	}
}

func TestAsymmetricDecryptFailsForWrongRecipient(t *testing.T) {
	priv, _ := GeneratePrivateKey()
	pub, _ := priv.PublicKey()
	other, _ := GeneratePrivateKey()

	ct, err := Encrypt([]byte("secret"), pub, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ct, other, nil); err == nil {
		t.Fatal("expected Decrypt to fail for a non-matching private key")
	}
}

func TestSymmetricEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("GenerateSymmetricKey: %v", err)
	}

	plain := []byte("framed payload")
	ct, err := SymmetricEncrypt(plain, key, []byte("frame-1"))
	if err != nil {
		t.Fatalf("SymmetricEncrypt: %v", err)
	}
	if len(ct) != len(plain)+SymmetricOverhead {
		t.Fatalf("len(ct) = %d, want %d", len(ct), len(plain)+SymmetricOverhead)
	}

	got, err := SymmetricDecrypt(ct, key, []byte("frame-1"))
	if err != nil {
		t.Fatalf("SymmetricDecrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}
}

func TestSymmetricDecryptFailsOnWrongKey(t *testing.T) {
	key, _ := GenerateSymmetricKey()
	other, _ := GenerateSymmetricKey()

	ct, err := SymmetricEncrypt([]byte("payload"), key, nil)
	if err != nil {
		t.Fatalf("SymmetricEncrypt: %v", err)
	}
	if _, err := SymmetricDecrypt(ct, other, nil); err == nil {
		t.Fatal("expected SymmetricDecrypt to fail under a different key")
	}
}

func TestWrapUnwrapSymmetricKey(t *testing.T) {
	priv, _ := GeneratePrivateKey()
	pub, _ := priv.PublicKey()
	sym, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("GenerateSymmetricKey: %v", err)
	}

	wrapped, err := WrapSymmetricKey(sym, pub)
	if err != nil {
		t.Fatalf("WrapSymmetricKey: %v", err)
	}
	got, err := UnwrapSymmetricKey(wrapped, priv)
	if err != nil {
		t.Fatalf("UnwrapSymmetricKey: %v", err)
	}
	if !sym.Equal(got) {
		t.Fatal("unwrapped key does not match original")
	}
}

func TestPrivateKeyFromPasswordDeterministic(t *testing.T) {
	var salt [32]byte
	for i := range salt {
		salt[i] = byte(i)
	}

	k1, err := PrivateKeyFromPassword("correct horse", salt, MinPasswordIterations)
	if err != nil {
		t.Fatalf("PrivateKeyFromPassword: %v", err)
	}
	k2, err := PrivateKeyFromPassword("correct horse", salt, MinPasswordIterations)
	if err != nil {
		t.Fatalf("PrivateKeyFromPassword: %v", err)
	}
	if k1.Key != k2.Key {
		t.Fatal("expected the same password+salt to derive the same key")
	}

	if _, err := PrivateKeyFromPassword("x", salt, MinPasswordIterations-1); err == nil {
		t.Fatal("expected an error for iterations below the minimum")
	}
}

func TestBase64RoundTrip(t *testing.T) {
	priv, _ := GeneratePrivateKey()
	pub, _ := priv.PublicKey()

	got, err := PublicKeyFromBase64(pub.Base64())
	if err != nil {
		t.Fatalf("PublicKeyFromBase64: %v", err)
	}
	if got.Key != pub.Key || got.Salt != pub.Salt {
		t.Fatal("round-tripped public key does not match original")
	}
}
