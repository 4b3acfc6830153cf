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
	"crypto/sha256"

	"golang.org/x/crypto/nacl/box"

	"github.com/sabouaram/netkit/neterr"
)

// AsymmetricOverhead is the number of bytes Encrypt adds to a plaintext:
// the ephemeral public key, its salt, and the Poly1305 tag.
const AsymmetricOverhead = keySize + saltSize + box.Overhead

// nonceFromContext derives a 24-byte nonce from values both sides of an
// exchange can reproduce: the ephemeral public key, the recipient's public
// key, and the caller-supplied associated data. Binding the nonce to aad
// means a mismatched aad at decrypt time fails the Poly1305 tag rather than
// silently decrypting under the wrong context, which is what lets this
// scheme carry associated data despite box.Seal having no AAD parameter of
// its own.
func nonceFromContext(ephPub, recipientPub, aad []byte) [24]byte {
	h := sha256.New()
	h.Write(ephPub)
	h.Write(recipientPub)
	h.Write(aad)
	sum := h.Sum(nil)
	var nonce [24]byte
	copy(nonce[:], sum[:24])
	return nonce
}

// Encrypt encrypts plaintext for recipient's public key using an ephemeral
// X25519 key pair generated per call. aad may be nil; if non-nil it must be
// supplied identically to Decrypt or decryption fails authentication.
//
// Wire layout: ephemeral_pub(32) || ephemeral_salt(32) || sealed_box.
func Encrypt(plaintext []byte, recipient PublicKey, aad []byte) ([]byte, error) {
	eph, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	ephPub, err := eph.PublicKey()
	if err != nil {
		return nil, err
	}

	nonce := nonceFromContext(ephPub.Key[:], recipient.Key[:], aad)

	out := make([]byte, 0, keySize+saltSize+AsymmetricOverhead+len(plaintext))
	out = append(out, ephPub.Key[:]...)
	out = append(out, ephPub.Salt[:]...)
	out = box.Seal(out, plaintext, &nonce, &recipient.Key, &eph.Key)
	return out, nil
}

// Decrypt reverses Encrypt using the recipient's private key. aad must
// match what was passed to Encrypt.
func Decrypt(ciphertext []byte, recipient PrivateKey, aad []byte) ([]byte, error) {
	if len(ciphertext) < keySize+saltSize+box.Overhead {
		return nil, neterr.New(neterr.InvalidArgument, "netcrypt.decrypt: ciphertext too short")
	}

	var ephPub [keySize]byte
	copy(ephPub[:], ciphertext[:keySize])
	sealed := ciphertext[keySize+saltSize:]

	recipientPub, err := recipient.PublicKey()
	if err != nil {
		return nil, err
	}

	nonce := nonceFromContext(ephPub[:], recipientPub.Key[:], aad)

	plain, ok := box.Open(nil, sealed, &nonce, &ephPub, &recipient.Key)
	if !ok {
		return nil, neterr.New(neterr.InvalidArgument, "netcrypt.decrypt: authentication failed")
	}
	return plain, nil
}

// WrapSymmetricKey asymmetrically encrypts sym for recipient, so it can be
// distributed alongside data encrypted under sym with SymmetricEncrypt.
func WrapSymmetricKey(sym SymmetricKey, recipient PublicKey) ([]byte, error) {
	plain := make([]byte, 0, keySize+saltSize)
	plain = append(plain, sym.Key[:]...)
	plain = append(plain, sym.Salt[:]...)
	return Encrypt(plain, recipient, []byte("netcrypt.symmetric-key-wrap"))
}

// UnwrapSymmetricKey reverses WrapSymmetricKey.
func UnwrapSymmetricKey(wrapped []byte, recipient PrivateKey) (SymmetricKey, error) {
	plain, err := Decrypt(wrapped, recipient, []byte("netcrypt.symmetric-key-wrap"))
	if err != nil {
		return SymmetricKey{}, err
	}
	if len(plain) != keySize+saltSize {
		return SymmetricKey{}, neterr.New(neterr.InvalidArgument, "netcrypt.unwrap_symmetric_key: bad length")
	}
	var k SymmetricKey
	copy(k.Key[:], plain[:keySize])
	copy(k.Salt[:], plain[keySize:])
	return k, nil
}
