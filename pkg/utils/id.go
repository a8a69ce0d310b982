package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// secretKeyBytes gives stream keys 256 bits of entropy.
const secretKeyBytes = 32

// GenerateSecretKey returns an unguessable hex token used as a stream's capability key
func GenerateSecretKey() (string, error) {
	b := make([]byte, secretKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateConnectionID generates a transport session id
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateStreamID generates an id for streams the relay creates on an operator's behalf
func GenerateStreamID() string {
	return "op-" + uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
