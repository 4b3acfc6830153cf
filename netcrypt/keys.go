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

// Package netcrypt provides asymmetric and symmetric framed encryption for
// application use on top of X25519 key agreement. It is a utility consumed
// by applications; the core event loop and socket stack never import it.
package netcrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"

	"github.com/sabouaram/netkit/neterr"
)

// MinPasswordIterations is the floor enforced by every password-derived key
// in this package.
const MinPasswordIterations = 100000

const keySize = 32
const saltSize = 32

// PublicKey is the public half of an X25519 key pair, carrying the salt of
// the private key it was derived from. Encrypt and Decrypt do not use the
// salt; it travels with the key so both halves share one layout.
type PublicKey struct {
	Key  [keySize]byte
	Salt [saltSize]byte
}

// PrivateKey is an X25519 scalar plus the salt used if it was derived from a
// password (or a random salt otherwise, kept only to mirror PublicKey's
// layout and to seed shared KDF contexts).
type PrivateKey struct {
	Key  [keySize]byte
	Salt [saltSize]byte
}

// SymmetricKey is a random 256-bit XSalsa20-Poly1305 (secretbox) key plus
// salt, used for the key-wrapping half of a hybrid asymmetric/symmetric
// scheme.
type SymmetricKey struct {
	Key  [keySize]byte
	Salt [saltSize]byte
}

// GeneratePrivateKey returns a fresh random X25519 key pair seed.
func GeneratePrivateKey() (PrivateKey, error) {
	var k PrivateKey
	if _, err := rand.Read(k.Key[:]); err != nil {
		return PrivateKey{}, neterr.Wrap(neterr.InvalidArgument, "generate_private_key", err)
	}
	if _, err := rand.Read(k.Salt[:]); err != nil {
		return PrivateKey{}, neterr.Wrap(neterr.InvalidArgument, "generate_private_key", err)
	}
	clamp(&k.Key)
	return k, nil
}

// PrivateKeyFromPassword derives a private key deterministically from a
// password and salt via PBKDF2-HMAC-SHA256. iterations below
// MinPasswordIterations are rejected.
func PrivateKeyFromPassword(password string, salt [saltSize]byte, iterations int) (PrivateKey, error) {
	if iterations < MinPasswordIterations {
		return PrivateKey{}, neterr.New(neterr.InvalidArgument, "private_key_from_password: iterations below minimum")
	}
	derived := pbkdf2.Key([]byte(password), salt[:], iterations, keySize, sha256.New)
	var k PrivateKey
	copy(k.Key[:], derived)
	k.Salt = salt
	clamp(&k.Key)
	return k, nil
}

// clamp applies the standard X25519 scalar clamping so the raw key material
// is always a valid Curve25519 scalar, regardless of its source.
func clamp(k *[keySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// PublicKey derives the public counterpart of k.
func (k PrivateKey) PublicKey() (PublicKey, error) {
	var pub PublicKey
	out, err := curve25519.X25519(k.Key[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, neterr.Wrap(neterr.InvalidArgument, "private_key.public_key", err)
	}
	copy(pub.Key[:], out)
	pub.Salt = k.Salt
	return pub, nil
}

// SharedSecret computes the X25519 Diffie-Hellman shared secret between k
// and pub. It is not suitable for use as a symmetric key directly.
// Encrypt/Decrypt do not call it: nacl/box derives its own key from the
// X25519 exchange via HSalsa20.
func (k PrivateKey) SharedSecret(pub PublicKey) ([]byte, error) {
	out, err := curve25519.X25519(k.Key[:], pub.Key[:])
	if err != nil {
		return nil, neterr.Wrap(neterr.InvalidArgument, "private_key.shared_secret", err)
	}
	return out, nil
}

// GenerateSymmetricKey returns a fresh random 256-bit key and salt.
func GenerateSymmetricKey() (SymmetricKey, error) {
	var k SymmetricKey
	if _, err := rand.Read(k.Key[:]); err != nil {
		return SymmetricKey{}, neterr.Wrap(neterr.InvalidArgument, "generate_symmetric_key", err)
	}
	if _, err := rand.Read(k.Salt[:]); err != nil {
		return SymmetricKey{}, neterr.Wrap(neterr.InvalidArgument, "generate_symmetric_key", err)
	}
	return k, nil
}

// SymmetricKeyFromPassword derives a symmetric key deterministically from a
// password and salt via PBKDF2-HMAC-SHA256.
func SymmetricKeyFromPassword(password string, salt [saltSize]byte, iterations int) (SymmetricKey, error) {
	if iterations < MinPasswordIterations {
		return SymmetricKey{}, neterr.New(neterr.InvalidArgument, "symmetric_key_from_password: iterations below minimum")
	}
	derived := pbkdf2.Key([]byte(password), salt[:], iterations, keySize, sha256.New)
	var k SymmetricKey
	copy(k.Key[:], derived)
	k.Salt = salt
	return k, nil
}

// Equal compares two symmetric keys in constant time.
func (k SymmetricKey) Equal(other SymmetricKey) bool {
	return subtle.ConstantTimeCompare(k.Key[:], other.Key[:]) == 1 &&
		subtle.ConstantTimeCompare(k.Salt[:], other.Salt[:]) == 1
}

// Base64 encodes Key||Salt as a single base64 string.
func (k PublicKey) Base64() string  { return encode64(k.Key[:], k.Salt[:]) }
func (k PrivateKey) Base64() string { return encode64(k.Key[:], k.Salt[:]) }
func (k SymmetricKey) Base64() string { return encode64(k.Key[:], k.Salt[:]) }

func encode64(key, salt []byte) string {
	buf := make([]byte, 0, len(key)+len(salt))
	buf = append(buf, key...)
	buf = append(buf, salt...)
	return base64.StdEncoding.EncodeToString(buf)
}

func decode64(s string) (key, salt [32]byte, err error) {
	raw, decErr := base64.StdEncoding.DecodeString(s)
	if decErr != nil {
		return key, salt, neterr.Wrap(neterr.InvalidArgument, "decode_base64", decErr)
	}
	if len(raw) != keySize+saltSize {
		return key, salt, neterr.New(neterr.InvalidArgument, "decode_base64: wrong length")
	}
	copy(key[:], raw[:keySize])
	copy(salt[:], raw[keySize:])
	return key, salt, nil
}

// PublicKeyFromBase64 decodes a PublicKey produced by PublicKey.Base64.
func PublicKeyFromBase64(s string) (PublicKey, error) {
	key, salt, err := decode64(s)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{Key: key, Salt: salt}, nil
}

// PrivateKeyFromBase64 decodes a PrivateKey produced by PrivateKey.Base64.
func PrivateKeyFromBase64(s string) (PrivateKey, error) {
	key, salt, err := decode64(s)
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKey{Key: key, Salt: salt}, nil
}

// SymmetricKeyFromBase64 decodes a SymmetricKey produced by SymmetricKey.Base64.
func SymmetricKeyFromBase64(s string) (SymmetricKey, error) {
	key, salt, err := decode64(s)
	if err != nil {
		return SymmetricKey{}, err
	}
	return SymmetricKey{Key: key, Salt: salt}, nil
}
