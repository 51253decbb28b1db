package security

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// MinTokenEntropyBits is the lowest entropy accepted for codes and tokens.
const MinTokenEntropyBits = 128

// Generator produces opaque credentials: authorization codes, access tokens
// and refresh tokens. Generated values carry no embedded semantics.
type Generator interface {
	Generate() (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func() (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate() (string, error) {
	return f()
}

// TokenGenerator draws 32 bytes from crypto/rand and encodes them as
// unpadded base64url (43 characters, 256 bits of entropy).
type TokenGenerator struct{}

// NewTokenGenerator returns the default cryptographically secure generator.
func NewTokenGenerator() TokenGenerator {
	return TokenGenerator{}
}

// Generate implements Generator.
func (TokenGenerator) Generate() (string, error) {
	// GenerateVerifier panics if crypto/rand fails, which only happens when
	// the OS entropy source is broken.
	token := oauth2.GenerateVerifier()
	if bits := EntropyBits(token); bits < MinTokenEntropyBits {
		return "", fmt.Errorf("generated token carries %d bits of entropy, need %d", bits, MinTokenEntropyBits)
	}
	return token, nil
}

// EntropyBits returns the number of random bits encoded in an unpadded
// base64url token, or 0 if s is not valid base64url.
func EntropyBits(s string) int {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0
	}
	return len(raw) * 8
}
