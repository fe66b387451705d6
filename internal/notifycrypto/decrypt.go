// Package notifycrypto decrypts and verifies the encrypted resource bundles of
// rich change notifications.
//
// The publisher wraps a random symmetric key with the relay's RSA public key
// (OAEP), signs the ciphertext with HMAC-SHA256 under that key, and encrypts the
// resource with AES-CBC using the first 16 bytes of the key as IV.
package notifycrypto

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// ErrDecryption is returned for malformed keys, ciphertext or padding
var ErrDecryption = errors.New("decryption failed")

// OAEPHash parses the configured OAEP hash name
func OAEPHash(name string) (crypto.Hash, error) {
	switch strings.ToLower(name) {
	case "", "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	}
	return 0, fmt.Errorf("unsupported OAEP hash %q", name)
}

func newHash(h crypto.Hash) hash.Hash {
	if h == crypto.SHA256 {
		return sha256.New()
	}
	return sha1.New()
}

// DecryptSymmetricKey unwraps the base64 data key with the relay's private key
func DecryptSymmetricKey(dataKey string, priv *rsa.PrivateKey, oaepHash crypto.Hash) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key loaded", ErrDecryption)
	}
	wrapped, err := base64.StdEncoding.DecodeString(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: data key is not base64: %v", ErrDecryption, err)
	}
	if len(wrapped) != priv.Size() {
		return nil, fmt.Errorf("%w: data key length %d, want %d", ErrDecryption, len(wrapped), priv.Size())
	}

	key, err := rsa.DecryptOAEP(newHash(oaepHash), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key: %v", ErrDecryption, err)
	}
	return key, nil
}

// VerifySignature reports whether signature is the HMAC-SHA256 of the decoded
// data under key. Malformed input verifies as false.
func VerifySignature(signature, data string, key []byte) bool {
	if len(key) == 0 {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(raw)
	return hmac.Equal(mac.Sum(nil), expected)
}

// DecryptPayload decrypts the base64 AES-CBC ciphertext and strips PKCS#7 padding
func DecryptPayload(data string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64: %v", ErrDecryption, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrDecryption, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrDecryption, len(raw))
	}

	plaintext := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(plaintext, raw)

	return unpad(plaintext)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
	}
	return b[:len(b)-n], nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Decryptor binds the three decryption steps to a loaded private key
type Decryptor struct {
	priv     *rsa.PrivateKey
	oaepHash crypto.Hash
}

// NewDecryptor creates a Decryptor for priv
func NewDecryptor(priv *rsa.PrivateKey, oaepHash crypto.Hash) *Decryptor {
	return &Decryptor{priv: priv, oaepHash: oaepHash}
}

// DecryptSymmetricKey unwraps dataKey with the bound private key
func (d *Decryptor) DecryptSymmetricKey(dataKey string) ([]byte, error) {
	return DecryptSymmetricKey(dataKey, d.priv, d.oaepHash)
}

// VerifySignature checks the HMAC signature over data
func (d *Decryptor) VerifySignature(signature, data string, key []byte) bool {
	return VerifySignature(signature, data, key)
}

// DecryptPayload decrypts data with the unwrapped key
func (d *Decryptor) DecryptPayload(data string, key []byte) ([]byte, error) {
	return DecryptPayload(data, key)
}
