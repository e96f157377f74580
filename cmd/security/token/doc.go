// Package token generates opaque session tokens and derives the keys the
// session registry stores them under.
//
// Tokens are DefaultTokenBytes of randomness in base64url. Lookup keys are
// 64 hex chars: SHA-256 of the token, or HMAC-SHA256 when CHATD_TOKEN_HMAC_KEY
// is set.
package token
