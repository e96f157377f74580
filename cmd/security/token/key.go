package token

import (
	"errors"
	"os"
	"strings"
)

// HMACEnvKey names the env var holding the token HMAC secret.
// #nosec G101 -- variable name, not a credential
const HMACEnvKey = "CHATD_TOKEN_HMAC_KEY"

var (
	ErrHMACKeyMissing  = errors.New("token HMAC key missing")
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")
)

func envKey() string { return strings.TrimSpace(os.Getenv(HMACEnvKey)) }

// HMACKeyFromEnv returns the trimmed key, failing when it is blank or shorter than minBytes.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	k := envKey()
	switch {
	case k == "":
		return nil, ErrHMACKeyMissing
	case minBytes > 0 && len(k) < minBytes:
		return nil, ErrHMACKeyTooShort
	}
	return []byte(k), nil
}

// HMACEnabled reports whether a key is present. Length is not checked.
func HMACEnabled() bool { return envKey() != "" }
