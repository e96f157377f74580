package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Compare with errors.Is; every store error unwraps to exactly one.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// StoreError is returned by every Store method that fails for a domain reason.
// Subject names what was missing, duplicated or malformed ("user", "username", "recipient").
type StoreError struct {
	Op      string
	Kind    error
	Subject string
}

func (e *StoreError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Subject)
}

func (e *StoreError) Unwrap() error { return e.Kind }

func invalid(op, subject string) error {
	return &StoreError{Op: op, Kind: ErrInvalidInput, Subject: subject}
}

func notFound(op, subject string) error {
	return &StoreError{Op: op, Kind: ErrNotFound, Subject: subject}
}

func conflict(op, subject string) error {
	return &StoreError{Op: op, Kind: ErrConflict, Subject: subject}
}

// IsConflict reports a uniqueness violation (duplicate username).
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports a missing user, or a message that references one.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports input rejected before reaching storage.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// NormalizeUsername is the uniqueness key of a username: trimmed and lower-cased.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
