package password

import (
	"encoding/base64"
	"strconv"
	"strings"
)

const (
	phcScheme  = "argon2id"
	phcVersion = 19
)

var phcB64 = base64.RawStdEncoding

// phc is a decoded "$argon2id$v=19$m=..,t=..,p=..$salt$key" string.
type phc struct {
	memKiB  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (h phc) String() string {
	var b strings.Builder
	b.Grow(64 + phcB64.EncodedLen(len(h.salt)) + phcB64.EncodedLen(len(h.key)))
	b.WriteString("$" + phcScheme + "$v=" + strconv.Itoa(phcVersion))
	b.WriteString("$m=" + strconv.FormatUint(uint64(h.memKiB), 10))
	b.WriteString(",t=" + strconv.FormatUint(uint64(h.time), 10))
	b.WriteString(",p=" + strconv.FormatUint(uint64(h.threads), 10))
	b.WriteString("$" + phcB64.EncodeToString(h.salt))
	b.WriteString("$" + phcB64.EncodeToString(h.key))
	return b.String()
}

// parsePHC is strict: unknown schemes, versions or parameter orderings are rejected.
func parsePHC(s string) (phc, error) {
	rest, ok := strings.CutPrefix(s, "$"+phcScheme+"$v="+strconv.Itoa(phcVersion)+"$")
	if !ok {
		return phc{}, ErrInvalidHash
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 3 {
		return phc{}, ErrInvalidHash
	}

	var h phc
	kv := strings.Split(fields[0], ",")
	if len(kv) != 3 {
		return phc{}, ErrInvalidHash
	}
	want := [3]string{"m=", "t=", "p="}
	var nums [3]uint64
	for i, item := range kv {
		v, ok := strings.CutPrefix(item, want[i])
		if !ok {
			return phc{}, ErrInvalidHash
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return phc{}, ErrInvalidHash
		}
		nums[i] = n
	}
	if nums[2] > 255 {
		return phc{}, ErrInvalidHash
	}
	h.memKiB, h.time, h.threads = uint32(nums[0]), uint32(nums[1]), uint8(nums[2])

	var err error
	if h.salt, err = phcB64.DecodeString(fields[1]); err != nil {
		return phc{}, ErrInvalidHash
	}
	if h.key, err = phcB64.DecodeString(fields[2]); err != nil {
		return phc{}, ErrInvalidHash
	}
	return h, nil
}

// fits reports whether h can be verified under limits without
// letting a stored string dictate unbounded work.
func (h phc) fits(limits Argon2idParams) bool {
	switch {
	case h.memKiB > 2*limits.MemoryKiB,
		h.time > 2*limits.Iterations,
		uint32(h.threads) > 2*uint32(limits.Parallelism):
		return false
	case len(h.salt) < 8 || len(h.salt) > 64:
		return false
	case len(h.key) < 16 || len(h.key) > 128:
		return false
	}
	return true
}
