package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdf info labels. Changing them invalidates every stored fingerprint and
// sealed value.
const (
	infoEncryption  = "oauth-grants/v1/encryption"
	infoFingerprint = "oauth-grants/v1/fingerprint"
)

// KeySet holds the subkeys derived from one master key.
type KeySet struct {
	// Encryption keys the AES-256-GCM Encryptor.
	Encryption []byte

	// Fingerprint keys the HMAC used to index tokens without storing them.
	Fingerprint []byte
}

// DeriveKeys expands a master key into independent subkeys with HKDF-SHA256,
// so a single configured secret never serves two purposes.
// An empty master yields an empty KeySet (encryption off, unkeyed fingerprints).
func DeriveKeys(master []byte) (KeySet, error) {
	if len(master) == 0 {
		return KeySet{}, nil
	}
	if len(master) < KeySize {
		return KeySet{}, fmt.Errorf("master key must be at least %d bytes, got %d", KeySize, len(master))
	}

	enc, err := expand(master, infoEncryption)
	if err != nil {
		return KeySet{}, err
	}
	fp, err := expand(master, infoFingerprint)
	if err != nil {
		return KeySet{}, err
	}
	return KeySet{Encryption: enc, Fingerprint: fp}, nil
}

func expand(master []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}
