package store

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// encryptSecret seals plaintext with a fresh random nonce under key,
// returning nonce||ciphertext ready to store in a bytea/text column.
func encryptSecret(key [32]byte, plaintext string) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &key)
	return out, nil
}

// decryptSecret opens a nonce||ciphertext blob produced by encryptSecret.
func decryptSecret(key [32]byte, sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", fmt.Errorf("sealed secret too short (%d bytes)", len(sealed))
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return "", fmt.Errorf("decrypting secret: authentication failed")
	}
	return string(plaintext), nil
}
