package identity

import (
	"context"
	"sort"
	"sync"
)

const (
	memMaxMessagesPerPair = 10_000
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It enforces the same contract as the SQL stores (unique usernames,
// referential integrity for messages) so tests exercise real semantics.
type InMemoryStore struct {
	mu      sync.RWMutex
	nextID  UserID
	nextMsg int64
	users   map[UserID]User
	byName  map[string]UserID
	pairs   map[pairKey][]Message // ordered by insertion
}

type pairKey struct{ lo, hi UserID }

func newPairKey(a, b UserID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:  make(map[UserID]User),
		byName: make(map[string]UserID),
		pairs:  make(map[pairKey][]Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// FindUserByUsername looks up a user by normalized username.
func (s *InMemoryStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	const op = "identity.FindUserByUsername"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	norm := NormalizeUsername(username)
	if norm == "" {
		return User{}, notFound(op, "user")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[norm]
	if !ok {
		return User{}, notFound(op, "user")
	}
	return s.users[id], nil
}

// InsertUser creates a user with the next numeric id.
func (s *InMemoryStore) InsertUser(ctx context.Context, in InsertUserInput) (User, error) {
	const op = "identity.InsertUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	in, norm, err := prepareUser(op, in)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[norm]; exists {
		return User{}, conflict(op, "username")
	}

	s.nextID++
	u := User{
		ID:           s.nextID,
		Username:     in.Username,
		UsernameNorm: norm,
		PasswordHash: in.PasswordHash,
		CreatedAt:    in.Now,
	}
	s.users[u.ID] = u
	s.byName[norm] = u.ID
	return u, nil
}

// InsertMessage appends a message to the pair's history.
func (s *InMemoryStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	const op = "identity.InsertMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := validateMessage(op, m); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[m.From]; !ok {
		return Message{}, notFound(op, "sender")
	}
	if _, ok := s.users[m.To]; !ok {
		return Message{}, notFound(op, "recipient")
	}

	s.nextMsg++
	m.ID = s.nextMsg

	k := newPairKey(m.From, m.To)
	msgs := append(s.pairs[k], m)
	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerPair {
		msgs = msgs[len(msgs)-memMaxMessagesPerPair:]
	}
	s.pairs[k] = msgs
	return m, nil
}

// FindMessagesBetween returns the pair's history ordered by timestamp ASC.
func (s *InMemoryStore) FindMessagesBetween(ctx context.Context, a, b UserID) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	snap := append([]Message(nil), s.pairs[newPairKey(a, b)]...)
	s.mu.RUnlock()

	// Insertion order is kept for equal timestamps.
	sort.SliceStable(snap, func(i, j int) bool { return snap[i].Timestamp < snap[j].Timestamp })
	return snap, nil
}

// ListUsersExcept returns every user except id, ordered by id.
func (s *InMemoryStore) ListUsersExcept(ctx context.Context, id UserID) ([]UserSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]UserSummary, 0, len(s.users))
	for _, u := range s.users {
		if u.ID == id {
			continue
		}
		out = append(out, UserSummary{ID: u.ID, Username: u.Username})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*InMemoryStore)(nil)
