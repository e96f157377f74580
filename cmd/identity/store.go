package identity

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// UserID is the opaque numeric identity of a user.
type UserID = int64

// User is a registered account. Immutable after creation.
type User struct {
	ID           UserID
	Username     string
	UsernameNorm string
	PasswordHash string
	CreatedAt    time.Time
}

// UserSummary is the public projection used by user listings.
type UserSummary struct {
	ID       UserID
	Username string
}

// Message is a persisted direct message.
// Timestamp is milliseconds since epoch, assigned by the server at receipt.
type Message struct {
	ID        int64
	From      UserID
	To        UserID
	Content   string
	Timestamp int64
}

// InsertUserInput describes a new user row. PasswordHash is already encoded.
type InsertUserInput struct {
	Username     string
	PasswordHash string
	Now          time.Time
}

// Store is the credential/message persistence boundary.
//
// Contract:
//   - FindUserByUsername returns ErrNotFound when no row matches.
//   - InsertUser returns ErrConflict on duplicate usernames.
//   - InsertMessage returns ErrNotFound when From or To is not a user.
//   - FindMessagesBetween returns rows where (from,to) is exactly the unordered
//     pair {a,b}, ordered by timestamp ASC then insertion order.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (User, error)
	InsertUser(ctx context.Context, in InsertUserInput) (User, error)
	InsertMessage(ctx context.Context, m Message) (Message, error)
	FindMessagesBetween(ctx context.Context, a, b UserID) ([]Message, error)
	ListUsersExcept(ctx context.Context, id UserID) ([]UserSummary, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	maxUsernameChars = 64
)

// prepareUser validates and normalizes an InsertUserInput.
func prepareUser(op string, in InsertUserInput) (InsertUserInput, string, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return in, "", invalid(op, "username is required")
	}
	if utf8.RuneCountInString(in.Username) > maxUsernameChars {
		return in, "", invalid(op, "username too long")
	}
	if in.PasswordHash == "" {
		return in, "", invalid(op, "password hash is required")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, NormalizeUsername(in.Username), nil
}

func validateMessage(op string, m Message) error {
	if m.From <= 0 || m.To <= 0 {
		return invalid(op, "from/to must be positive user ids")
	}
	if m.Timestamp <= 0 {
		return invalid(op, "timestamp is required")
	}
	return nil
}
