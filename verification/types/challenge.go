package types

import (
	"crypto/rand"
	"fmt"
)

const (
	// NonceSize is the size of nonces generated by NewChallenge.
	NonceSize = 64

	// MaxUserDataSize is the largest user data the NSM accepts.
	MaxUserDataSize = 1024
	// MaxNonceSize is the largest nonce the NSM accepts.
	MaxNonceSize = 1024
)

// Challenge is the data a relying party asks the enclave to bind into its attestation document.
type Challenge struct {
	UserData []byte
	Nonce    []byte
}

// NewChallenge returns a challenge carrying userData and a fresh random nonce.
func NewChallenge(userData []byte) (Challenge, error) {
	if len(userData) > MaxUserDataSize {
		return Challenge{}, fmt.Errorf("user data must not be longer than %d bytes, received %d bytes", MaxUserDataSize, len(userData))
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("generating nonce: %w", err)
	}
	return Challenge{
		UserData: append([]byte(nil), userData...),
		Nonce:    nonce,
	}, nil
}

// Validate checks the challenge fits into an attestation request.
func (c Challenge) Validate() error {
	if len(c.UserData) > MaxUserDataSize {
		return fmt.Errorf("user data must not be longer than %d bytes, received %d bytes", MaxUserDataSize, len(c.UserData))
	}
	if len(c.Nonce) > MaxNonceSize {
		return fmt.Errorf("nonce must not be longer than %d bytes, received %d bytes", MaxNonceSize, len(c.Nonce))
	}
	return nil
}
