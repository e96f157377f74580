package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when WithSchema is not given.
const DefaultSchema = "chatd"

// SQLSTATE codes mapped onto store errors.
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore implements Store over a caller-owned pgx pool. Close does
// not close the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string

	// Quoted "schema"."table" names, fixed at construction.
	users    string
	messages string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

// WithSchema places the tables in schema, which must be a plain identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	st.users = pgx.Identifier{st.schema, "users"}.Sanitize()
	st.messages = pgx.Identifier{st.schema, "messages"}.Sanitize()
	return st, nil
}

// EnsureSchema is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.users + ` (
			id            BIGSERIAL PRIMARY KEY,
			username      TEXT NOT NULL,
			username_norm TEXT NOT NULL UNIQUE,
			password      TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.messages + ` (
			id        BIGSERIAL PRIMARY KEY,
			from_user BIGINT NOT NULL REFERENCES ` + s.users + `(id) ON DELETE CASCADE,
			to_user   BIGINT NOT NULL REFERENCES ` + s.users + `(id) ON DELETE CASCADE,
			content   TEXT NOT NULL,
			sent_at   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_pair_sent_at ON ` + s.messages + ` (from_user, to_user, sent_at)`,
	}

	b := &pgx.Batch{}
	for _, q := range stmts {
		b.Queue(q)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("identity: postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	const op = "identity.FindUserByUsername"

	norm := NormalizeUsername(username)
	if norm == "" {
		return User{}, notFound(op, "user")
	}

	rows, _ := s.pool.Query(ctx,
		`SELECT id, username, username_norm, password, created_at FROM `+s.users+` WHERE username_norm = $1`,
		norm)
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[User])
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return User{}, notFound(op, "user")
	case err != nil:
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, in InsertUserInput) (User, error) {
	const op = "identity.InsertUser"

	in, norm, err := prepareUser(op, in)
	if err != nil {
		return User{}, err
	}

	u := User{Username: in.Username, UsernameNorm: norm, PasswordHash: in.PasswordHash}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+s.users+` (username, username_norm, password, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		in.Username, norm, in.PasswordHash, in.Now,
	).Scan(&u.ID, &u.CreatedAt)
	switch {
	case pgCode(err) == pgUniqueViolation:
		return User{}, conflict(op, "username")
	case err != nil:
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	const op = "identity.InsertMessage"

	if err := validateMessage(op, m); err != nil {
		return Message{}, err
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.messages+` (from_user, to_user, content, sent_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		m.From, m.To, m.Content, m.Timestamp,
	).Scan(&m.ID)
	switch {
	case pgCode(err) == pgForeignKeyViolation:
		return Message{}, notFound(op, "user")
	case err != nil:
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

func (s *PostgresStore) FindMessagesBetween(ctx context.Context, a, b UserID) ([]Message, error) {
	const op = "identity.FindMessagesBetween"

	rows, _ := s.pool.Query(ctx,
		`SELECT id, from_user, to_user, content, sent_at FROM `+s.messages+`
		  WHERE (from_user = $1 AND to_user = $2) OR (from_user = $2 AND to_user = $1)
		  ORDER BY sent_at, id`,
		a, b)
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) ListUsersExcept(ctx context.Context, id UserID) ([]UserSummary, error) {
	const op = "identity.ListUsersExcept"

	rows, _ := s.pool.Query(ctx, `SELECT id, username FROM `+s.users+` WHERE id <> $1 ORDER BY id`, id)
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[UserSummary])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// pgCode returns the SQLSTATE of err, or "" when err is not from the server.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

var _ Store = (*PostgresStore)(nil)
