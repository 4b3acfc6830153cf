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
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/sabouaram/netkit/neterr"
)

const nonceSeedSize = 24

// SymmetricOverhead is the number of bytes SymmetricEncrypt adds to a
// plaintext: the random nonce seed and the Poly1305 tag.
const SymmetricOverhead = nonceSeedSize + secretbox.Overhead

// SymmetricEncrypt encrypts plaintext under key using XSalsa20-Poly1305.
// aad may be nil; if non-nil it must be supplied identically to
// SymmetricDecrypt or decryption fails authentication.
//
// Wire layout: nonce_seed(24) || sealed_box.
func SymmetricEncrypt(plaintext []byte, key SymmetricKey, aad []byte) ([]byte, error) {
	var seed [nonceSeedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, neterr.Wrap(neterr.InvalidArgument, "symmetric_encrypt", err)
	}

	nonce := symmetricNonce(seed[:], key.Salt[:], aad)

	out := make([]byte, 0, nonceSeedSize+SymmetricOverhead+len(plaintext))
	out = append(out, seed[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &key.Key)
	return out, nil
}

// SymmetricDecrypt reverses SymmetricEncrypt. aad must match what was
// passed to SymmetricEncrypt.
func SymmetricDecrypt(ciphertext []byte, key SymmetricKey, aad []byte) ([]byte, error) {
	if len(ciphertext) < nonceSeedSize+secretbox.Overhead {
		return nil, neterr.New(neterr.InvalidArgument, "symmetric_decrypt: ciphertext too short")
	}
	seed := ciphertext[:nonceSeedSize]
	sealed := ciphertext[nonceSeedSize:]

	nonce := symmetricNonce(seed, key.Salt[:], aad)

	plain, ok := secretbox.Open(nil, sealed, &nonce, &key.Key)
	if !ok {
		return nil, neterr.New(neterr.InvalidArgument, "symmetric_decrypt: authentication failed")
	}
	return plain, nil
}

func symmetricNonce(seed, salt, aad []byte) [24]byte {
	h := sha256.New()
	h.Write(seed)
	h.Write(salt)
	h.Write(aad)
	sum := h.Sum(nil)
	var nonce [24]byte
	copy(nonce[:], sum[:24])
	return nonce
}
