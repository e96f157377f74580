package password

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned by Verify for stored strings it refuses to evaluate.
var ErrInvalidHash = errors.New("invalid password hash")

// Hash validates password against the policy and returns a fresh salted Argon2id encoding.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	h := phc{
		memKiB:  c.Params.MemoryKiB,
		time:    c.Params.Iterations,
		threads: c.Params.Parallelism,
		salt:    make([]byte, c.Params.SaltLength),
	}
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("password: salt: %w", err)
	}
	h.key = argon2.IDKey([]byte(password), h.salt, h.time, h.memKiB, h.threads, c.Params.KeyLength)

	return h.String(), nil
}

// Verify reports whether password matches encodedHash.
// A mismatch is (false, nil); a malformed or oversized hash is (false, ErrInvalidHash).
// Stored bcrypt hashes are accepted for verification only.
func (c Config) Verify(encodedHash, password string) (bool, error) {
	if isBcryptHash(encodedHash) {
		return verifyBcrypt(encodedHash, password)
	}

	h, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if !h.fits(c.Params) {
		return false, ErrInvalidHash
	}

	got := argon2.IDKey([]byte(password), h.salt, h.time, h.memKiB, h.threads, uint32(len(h.key))) // #nosec G115 -- bounded by fits
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}
