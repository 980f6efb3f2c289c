package beamcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Seal encrypts plaintext with AES-256-GCM and returns ciphertext and nonce.
func Seal(sessionKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts AES-256-GCM ciphertext using the provided nonce.
func Open(sessionKey, nonce, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}

	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	return plaintext, nil
}

func newAEAD(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != sessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), sessionKeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
