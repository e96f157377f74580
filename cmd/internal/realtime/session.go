package realtime

import (
	"log/slog"
	"sync"
	"time"

	"chatd/cmd/identity"
	v1 "chatd/shared/contracts/chat/v1"
)

// Phase is the lifecycle state of one connection.
type Phase uint8

const (
	PhaseUnauthenticated Phase = iota
	PhaseAuthenticated
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Wire-stable result messages.
const (
	msgInvalidToken      = "Invalid token!"
	msgUserNotFound      = "User not found!"
	msgCredentials       = "Credentials do not match!"
	msgDatabaseError     = "Database error!"
	msgUserExists        = "User already exists!"
	msgUserAdded         = "User added"
	msgInvalidUsername   = "Invalid username!"
	msgPasswordPolicy    = "Password does not meet policy!"
	msgCouldNotAddUser   = "Could not add user!"
	msgSomethingBad      = "Something bad happened!"
	msgMalformedRequest  = "Malformed request!"
	msgServerUnavailable = "Server is shutting down!"
)

// PasswordHasher hashes new passwords and verifies stored hashes.
// Verify returns (false, nil) on mismatch and an error for malformed hashes.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(encodedHash, password string) (bool, error)
}

// SessionDeps are the shared collaborators of every Session.
type SessionDeps struct {
	Log       *slog.Logger
	Store     identity.Store
	Registry  *Registry
	Router    *Router
	Passwords PasswordHasher
	Metrics   *Metrics
}

// Session is the per-connection state machine.
//
// Unauthenticated -> Authenticated -> Closed. The legal operations of each phase
// live in an opTable that is replaced wholesale on transition.
type Session struct {
	deps   SessionDeps
	client *Client
	log    *slog.Logger

	mu     sync.Mutex
	phase  Phase
	userID identity.UserID
	ops    opTable

	closeOnce sync.Once
}

// NewSession binds a state machine to client, starting unauthenticated.
func NewSession(deps SessionDeps, client *Client) *Session {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		deps:   deps,
		client: client,
		log:    log.With("conn_id", client.ID),
		phase:  PhaseUnauthenticated,
		ops:    preAuthOps,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// UserID returns the bound user, if authenticated.
func (s *Session) UserID() (identity.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.phase == PhaseAuthenticated
}

// Client returns the outbound side of the connection.
func (s *Session) Client() *Client { return s.client }

// bind moves the session to Authenticated for userID.
// It reports false if the session is no longer unauthenticated or the registry refused the connection.
func (s *Session) bind(userID identity.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseUnauthenticated {
		return false
	}
	if !s.deps.Registry.Track(userID, s.client) {
		return false
	}
	s.userID = userID
	s.phase = PhaseAuthenticated
	s.ops = postAuthOps
	return true
}

// Close moves the session to Closed, untracks it and stops the client.
// It runs at most once, whether triggered by a disconnect envelope or by transport loss.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasAuthed := s.phase == PhaseAuthenticated
		uid := s.userID
		s.phase = PhaseClosed
		s.ops = nil
		s.mu.Unlock()

		// Untrack before stopping the client so fan-out never sees a half-closed entry for long.
		if wasAuthed {
			s.deps.Registry.Untrack(uid, s.client)
		}
		s.client.Close()

		s.log.Debug("session.closed", "user_id", uid, "was_authenticated", wasAuthed)
	})
}

// reply queues a response for this connection. A full or closed queue drops it.
func (s *Session) reply(typ string, p any) {
	env, err := encodeEnvelope(typ, p, time.Now().UTC())
	if err != nil {
		s.log.Error("session.reply.encode.fail", "type", typ, "err", err)
		return
	}
	if !s.client.Push(env) {
		s.log.Debug("session.reply.drop", "type", typ)
	}
}

func (s *Session) replyAuth(p v1.AuthResultPayload) { s.reply(v1.TypeAuth, p) }

func (s *Session) replyCreation(success bool, msg string) {
	s.reply(v1.TypeCreation, v1.CreationResultPayload{Success: success, Msg: msg})
}
