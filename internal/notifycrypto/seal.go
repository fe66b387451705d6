package notifycrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/xelth-com/graphnotify/internal/models"
)

// Seal builds an encrypted content bundle the way the publisher does.
// The relay itself only decrypts; Seal backs the simulate command and tests.
func Seal(pub *rsa.PublicKey, oaepHash crypto.Hash, plaintext []byte) (*models.EncryptedContent, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate symmetric key: %w", err)
	}
	return SealWithKey(pub, oaepHash, key, plaintext)
}

// SealWithKey is Seal with a caller-chosen symmetric key
func SealWithKey(pub *rsa.PublicKey, oaepHash crypto.Hash, key, plaintext []byte) (*models.EncryptedContent, error) {
	block, err := newCBCEncrypter(key)
	if err != nil {
		return nil, err
	}
	padded := pad(append([]byte(nil), plaintext...))
	ciphertext := make([]byte, len(padded))
	block.CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, key)
	mac.Write(ciphertext)

	wrapped, err := rsa.EncryptOAEP(newHash(oaepHash), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap symmetric key: %w", err)
	}

	return &models.EncryptedContent{
		DataKey:       base64.StdEncoding.EncodeToString(wrapped),
		DataSignature: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Data:          base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func newCBCEncrypter(key []byte) (cipher.BlockMode, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewCBCEncrypter(block, key[:aes.BlockSize]), nil
}
