package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store over a single SQLite database file.
//
// Design notes:
// - The store owns its *sql.DB and closes it in Close.
// - Foreign keys are enabled through the DSN so every pooled connection enforces them.
// - Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT    NOT NULL,
	username_norm TEXT    NOT NULL,
	password      TEXT    NOT NULL,
	created_at    INTEGER NOT NULL,
	CONSTRAINT uq_users_username_norm UNIQUE (username_norm)
);

CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	from_user INTEGER NOT NULL REFERENCES users(id),
	to_user   INTEGER NOT NULL REFERENCES users(id),
	content   TEXT    NOT NULL,
	sent_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_pair_ts ON messages(from_user, to_user, sent_at);
`

// OpenSQLite opens (and creates, if needed) the database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("identity: empty sqlite path")
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("identity: create sqlite directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("identity: ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// EnsureSchema creates tables and indexes if they don't exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("identity: sqlite schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindUserByUsername looks up a user by normalized username.
func (s *SQLiteStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	const op = "identity.FindUserByUsername"

	norm := NormalizeUsername(username)
	if norm == "" {
		return User{}, notFound(op, "user")
	}

	var (
		u         User
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, username_norm, password, created_at
		   FROM users
		  WHERE username_norm = ?`,
		norm,
	).Scan(&u.ID, &u.Username, &u.UsernameNorm, &u.PasswordHash, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, notFound(op, "user")
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	u.CreatedAt = time.UnixMilli(createdMS).UTC()
	return u, nil
}

// InsertUser creates a user row.
func (s *SQLiteStore) InsertUser(ctx context.Context, in InsertUserInput) (User, error) {
	const op = "identity.InsertUser"

	in, norm, err := prepareUser(op, in)
	if err != nil {
		return User{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, username_norm, password, created_at) VALUES (?, ?, ?, ?)`,
		in.Username, norm, in.PasswordHash, in.Now.UnixMilli(),
	)
	if err != nil {
		if sqliteIsConstraint(err, sqlite3.ErrConstraintUnique) {
			return User{}, conflict(op, "username")
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("%s: last insert id: %w", op, err)
	}

	return User{
		ID:           id,
		Username:     in.Username,
		UsernameNorm: norm,
		PasswordHash: in.PasswordHash,
		CreatedAt:    time.UnixMilli(in.Now.UnixMilli()).UTC(),
	}, nil
}

// InsertMessage stores a message. Unknown users surface as ErrNotFound.
func (s *SQLiteStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	const op = "identity.InsertMessage"

	if err := validateMessage(op, m); err != nil {
		return Message{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (from_user, to_user, content, sent_at) VALUES (?, ?, ?, ?)`,
		m.From, m.To, m.Content, m.Timestamp,
	)
	if err != nil {
		if sqliteIsConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return Message{}, notFound(op, "user")
		}
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("%s: last insert id: %w", op, err)
	}
	m.ID = id
	return m, nil
}

// FindMessagesBetween returns the history of the unordered pair {a, b}.
func (s *SQLiteStore) FindMessagesBetween(ctx context.Context, a, b UserID) ([]Message, error) {
	const op = "identity.FindMessagesBetween"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_user, to_user, content, sent_at
		   FROM messages
		  WHERE (from_user = ? AND to_user = ?) OR (from_user = ? AND to_user = ?)
		  ORDER BY sent_at ASC, id ASC`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Message, 0, 32)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListUsersExcept returns every user except id, ordered by id.
func (s *SQLiteStore) ListUsersExcept(ctx context.Context, id UserID) ([]UserSummary, error) {
	const op = "identity.ListUsersExcept"

	rows, err := s.db.QueryContext(ctx, `SELECT id, username FROM users WHERE id != ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]UserSummary, 0, 16)
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func sqliteIsConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == code
}

var _ Store = (*SQLiteStore)(nil)
