package app

import (
	"errors"

	"chatd/cmd/security/token"
)

// minTokenHMACKeyBytes is measured in bytes, not runes; the key is used raw.
const minTokenHMACKeyBytes = 32

// ValidateSecurityConfig enforces the startup security policy.
// Under CHATD_REQUIRE_TOKEN_HMAC the server refuses to start rather than fall back to plain SHA-256.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	if _, err := token.HMACKeyFromEnv(minTokenHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: CHATD_REQUIRE_TOKEN_HMAC=true but CHATD_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: CHATD_REQUIRE_TOKEN_HMAC=true but CHATD_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: CHATD_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
