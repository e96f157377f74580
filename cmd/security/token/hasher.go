package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher turns plaintext session tokens into registry lookup keys.
// The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher copies key; an empty key selects plain SHA-256.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// HasherFromEnv keys the Hasher with CHATD_TOKEN_HMAC_KEY when it is set.
func HasherFromEnv() Hasher {
	return NewHasher([]byte(envKey()))
}

// HMAC reports whether h is keyed.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// Hash returns the 64-char hex lookup key for tok.
func (h Hasher) Hash(tok string) string {
	if !h.HMAC() {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, h.key)
}

func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}
