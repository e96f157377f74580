package password

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams is the cost used for new hashes and the ceiling for verifying stored ones.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds what Hash will accept.
type Policy struct {
	MinLength int
	MaxLength int
	// RejectVeryWeak turns on the small blocklist in looksVeryWeak.
	RejectVeryWeak bool
}

// Config satisfies the hash/verify capability the realtime layer consumes.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig accepts any non-empty password up to 256 runes.
func DefaultConfig() Config {
	threads := min(max(runtime.NumCPU(), 1), 4)

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4]
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{MinLength: 1, MaxLength: 256},
	}
}

type boundedInt interface {
	~int | ~uint8 | ~uint32
}

// boundedEnv overwrites *dst with key's value when set. Values outside [lo..hi] are an error.
func boundedEnv[T boundedInt](key string, lo, hi T, dst *T) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return fmt.Errorf("%s: not an unsigned integer", key)
	}
	if n < uint64(lo) || n > uint64(hi) {
		return fmt.Errorf("%s: out of range [%d..%d]", key, lo, hi)
	}
	*dst = T(n)
	return nil
}

// FromEnv layers CHATD_PASSWORD_* and CHATD_ARGON2_* over DefaultConfig.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	p := &cfg.Params

	for _, load := range []func() error{
		func() error { return boundedEnv("CHATD_PASSWORD_MIN_LEN", 1, 1024, &cfg.Policy.MinLength) },
		func() error { return boundedEnv("CHATD_PASSWORD_MAX_LEN", 1, 4096, &cfg.Policy.MaxLength) },
		func() error { return boundedEnv("CHATD_ARGON2_MEMORY_KIB", 8*1024, 1024*1024, &p.MemoryKiB) },
		func() error { return boundedEnv("CHATD_ARGON2_ITERATIONS", 1, 20, &p.Iterations) },
		func() error { return boundedEnv("CHATD_ARGON2_PARALLELISM", 1, 64, &p.Parallelism) },
		func() error { return boundedEnv("CHATD_ARGON2_SALT_LEN", 8, 64, &p.SaltLength) },
		func() error { return boundedEnv("CHATD_ARGON2_KEY_LEN", 16, 64, &p.KeyLength) },
	} {
		if err := load(); err != nil {
			return Config{}, err
		}
	}

	if v, ok := os.LookupEnv("CHATD_PASSWORD_REJECT_VERY_WEAK"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("CHATD_PASSWORD_REJECT_VERY_WEAK: invalid boolean")
		}
		cfg.Policy.RejectVeryWeak = b
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}
