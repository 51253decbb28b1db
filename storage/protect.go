package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/giantswarm/oauth-grants/security"
)

// Protector turns token values into what persistent backends store:
// a fingerprint used as lookup key and a sealed copy kept inside the record.
//
// Without keys, fingerprints are plain SHA-256 and sealing is a no-op.
type Protector struct {
	fingerprintKey []byte
	encryptor      *security.Encryptor
}

// NewProtector builds a Protector from derived keys. An empty KeySet yields
// an unkeyed Protector.
func NewProtector(keys security.KeySet) (*Protector, error) {
	enc, err := security.NewEncryptor(keys.Encryption)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	return &Protector{
		fingerprintKey: keys.Fingerprint,
		encryptor:      enc,
	}, nil
}

// Fingerprint returns a stable hex digest of token. Equal tokens always map
// to equal fingerprints, so it can serve as an index key.
func (p *Protector) Fingerprint(token string) string {
	if p == nil || len(p.fingerprintKey) == 0 {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, p.fingerprintKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal encrypts value bound to recordID. Empty values stay empty.
func (p *Protector) Seal(value, recordID string) (string, error) {
	if value == "" || p == nil {
		return value, nil
	}
	return p.encryptor.Seal(value, recordID)
}

// Open reverses Seal.
func (p *Protector) Open(sealed, recordID string) (string, error) {
	if sealed == "" || p == nil {
		return sealed, nil
	}
	return p.encryptor.Open(sealed, recordID)
}

// IsEncrypting reports whether sealed values are encrypted.
func (p *Protector) IsEncrypting() bool {
	return p != nil && p.encryptor.IsEnabled()
}
