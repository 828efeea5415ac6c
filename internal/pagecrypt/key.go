package pagecrypt

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the length of a raw store key in bytes.
const KeySize = 32

// Key is the per-installation secret that unlocks an encrypted store.
type Key []byte

// ParseKey decodes a 64-character hex string into a Key.
func ParseKey(s string) (Key, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("pagecrypt: parse key: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("pagecrypt: key must be %d bytes, got %d", KeySize, len(b))
	}
	return Key(b), nil
}

// Wipe overwrites the key material with zeros.
func (k Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// String returns a redacted form for logging. Use Hex for the full key.
func (k Key) String() string {
	if len(k) == 0 {
		return "(empty)"
	}
	return fmt.Sprintf("%02x..%02x (%d bytes)", k[0], k[len(k)-1], len(k))
}

// Hex returns the full hex encoding of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k)
}
