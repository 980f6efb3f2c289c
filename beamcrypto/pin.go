package beamcrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	pinSaltSize    = 16
	pinKeySize     = 32
	pinArgonTime   = 1
	pinArgonMemory = 64 * 1024
	pinArgonLanes  = 4
)

// ErrPINFormat indicates a stored PIN hash could not be parsed.
var ErrPINFormat = errors.New("beamcrypto: malformed pin hash")

// HashPIN derives an argon2id hash of the PIN with a random salt. The
// returned string is self-contained ("salt$digest", both base64).
func HashPIN(pin string) (string, error) {
	salt := make([]byte, pinSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate pin salt: %w", err)
	}

	digest := argon2.IDKey([]byte(pin), salt, pinArgonTime, pinArgonMemory, pinArgonLanes, pinKeySize)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(digest), nil
}

// VerifyPIN reports whether pin matches a stored hash in constant time.
func VerifyPIN(stored, pin string) (bool, error) {
	parts := strings.SplitN(stored, "$", 2)
	if len(parts) != 2 {
		return false, ErrPINFormat
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPINFormat, err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPINFormat, err)
	}

	got := argon2.IDKey([]byte(pin), salt, pinArgonTime, pinArgonMemory, pinArgonLanes, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
