package config

import (
	"encoding/base64"
	"fmt"
)

// decodeSecretKey base64-decodes AGENTCORE_SECRET_KEY into a nacl/secretbox
// key. The value must decode to exactly 32 bytes.
func decodeSecretKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decoding base64: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("decoded key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
