// Package beamcrypto provides the session-key agreement and payload sealing
// used for optional transfer encryption, plus PIN hashing for the share
// server.
package beamcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKeyPair creates a fresh X25519 keypair for one session.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParsePublicKey validates raw X25519 public key bytes.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// DeriveSessionKey computes the shared X25519 secret and expands it with
// HKDF-SHA256 bound to both peer IDs, so a key derived for one pairing can
// never be replayed against another.
func DeriveSessionKey(localPrivate *ecdh.PrivateKey, peerPublic *ecdh.PublicKey, localID, peerID string) ([]byte, error) {
	if localPrivate == nil || peerPublic == nil {
		return nil, errors.New("both keys are required for session derivation")
	}

	sharedSecret, err := localPrivate.ECDH(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	// Sort the context so both sides derive the same key regardless of role.
	context := localID + "|" + peerID
	if peerID < localID {
		context = peerID + "|" + localID
	}

	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte("lanbeam-session-v1|"+context))
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}

	return key, nil
}
