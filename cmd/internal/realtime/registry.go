package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chatd/cmd/identity"
	"chatd/cmd/security/token"
)

// maxTokenAttempts bounds IssueToken retries. A collision on 32 random bytes is
// practically unreachable, so exhausting this means the RNG is broken.
const maxTokenAttempts = 8

// ErrTokenExhausted is returned when IssueToken could not produce a fresh token.
var ErrTokenExhausted = errors.New("realtime: could not issue session token")

// Registry maps session tokens to users and users to their live connections.
//
// Concurrency guarantees:
// - One RWMutex guards both maps; it is never held across I/O.
// - LiveConnections returns a snapshot, so fan-out runs without the lock.
// - A connection closed between snapshot and push fails soft (Client.Push reports false).
type Registry struct {
	log    *slog.Logger
	hasher token.Hasher

	mu     sync.RWMutex
	tokens map[string]identity.UserID             // token hash -> user
	conns  map[identity.UserID]map[string]*Client // user -> conn id -> client
	closed bool
}

// RegistryStats is a point-in-time view used by metrics and diagnostics.
type RegistryStats struct {
	Users       int
	Connections int
	Tokens      int
}

// NewRegistry constructs an empty registry. Tokens are stored hashed with h.
func NewRegistry(log *slog.Logger, h token.Hasher) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log,
		hasher: h,
		tokens: make(map[string]identity.UserID),
		conns:  make(map[identity.UserID]map[string]*Client),
	}
}

// IssueToken mints a fresh session token for userID and records it.
// Tokens never expire; they are forgotten on process restart.
func (r *Registry) IssueToken(userID identity.UserID) (string, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		tok, err := token.NewOpaque(token.DefaultTokenBytes)
		if err != nil {
			r.log.Error("registry.token.rand.fail", "attempt", attempt+1, "err", err)
			continue
		}
		key := r.hasher.Hash(tok)

		r.mu.Lock()
		_, taken := r.tokens[key]
		if !taken {
			r.tokens[key] = userID
		}
		r.mu.Unlock()

		if !taken {
			return tok, nil
		}
		r.log.Warn("registry.token.collision", "attempt", attempt+1)
	}
	return "", fmt.Errorf("%w after %d attempts", ErrTokenExhausted, maxTokenAttempts)
}

// ResolveToken returns the user a token was issued to.
func (r *Registry) ResolveToken(tok string) (identity.UserID, bool) {
	if tok == "" {
		return 0, false
	}
	key := r.hasher.Hash(tok)

	r.mu.RLock()
	id, ok := r.tokens[key]
	r.mu.RUnlock()
	return id, ok
}

// Track adds c to the live set of userID. Tracking the same connection twice is a no-op.
// It reports false when the registry is already closed.
func (r *Registry) Track(userID identity.UserID, c *Client) bool {
	if c == nil || c.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]*Client)
		r.conns[userID] = set
	}
	set[c.ID] = c
	return true
}

// Untrack removes c from the live set of userID. Missing entries are a no-op.
func (r *Registry) Untrack(userID identity.UserID, c *Client) {
	if c == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.conns, userID)
	}
}

// LiveConnections returns a snapshot of the connections tracked for userID.
func (r *Registry) LiveConnections(userID identity.UserID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// OnlineUsers returns the ids with at least one live connection, ascending.
func (r *Registry) OnlineUsers() []identity.UserID {
	r.mu.RLock()
	out := make([]identity.UserID, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns current counts.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RegistryStats{Users: len(r.conns), Tokens: len(r.tokens)}
	for _, set := range r.conns {
		st.Connections += len(set)
	}
	return st
}

// Close stops every tracked connection and refuses further Track calls.
// Connections untrack themselves as their gateway loops exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := make([]*Client, 0, len(r.conns))
	for _, set := range r.conns {
		for _, c := range set {
			all = append(all, c)
		}
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	r.log.Info("registry.closed", "connections", len(all))
}
