package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"chatd/cmd/identity"
	"chatd/cmd/security/password"
	"chatd/cmd/security/token"
	v1 "chatd/shared/contracts/chat/v1"

	"github.com/prometheus/client_golang/prometheus"
)

var errStoreDown = errors.New("store down")

// testPasswords keeps Argon2id cheap so tests stay fast.
func testPasswords() password.Config {
	return password.Config{
		Params: password.Argon2idParams{
			MemoryKiB:   8 * 1024,
			Iterations:  1,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: password.Policy{MinLength: 1, MaxLength: 256},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	store    identity.Store
	registry *Registry
	router   *Router
	metrics  *Metrics
	deps     SessionDeps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, identity.NewInMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store identity.Store) *testEnv {
	t.Helper()

	log := discardLogger()
	reg := NewRegistry(log, token.NewHasher(nil))
	m := NewMetrics(prometheus.NewRegistry(), reg)
	rt := NewRouter(log, store, reg, m)
	t.Cleanup(reg.Close)

	return &testEnv{
		store:    store,
		registry: reg,
		router:   rt,
		metrics:  m,
		deps: SessionDeps{
			Log:       log,
			Store:     store,
			Registry:  reg,
			Router:    rt,
			Passwords: testPasswords(),
			Metrics:   m,
		},
	}
}

func (e *testEnv) newSession(t *testing.T) *Session {
	t.Helper()
	id, err := NewConnID(time.Now().UTC())
	if err != nil {
		t.Fatalf("conn id: %v", err)
	}
	return NewSession(e.deps, NewClient(id, 64))
}

// register runs creation on a throwaway session and returns the user id.
func (e *testEnv) register(t *testing.T, username, pw string) identity.UserID {
	t.Helper()

	s := e.newSession(t)
	defer s.Close()

	s.Dispatch(context.Background(), mustEnv(t, v1.TypeCreation, v1.CreationPayload{Username: username, Password: pw}))
	res := decodeAs[v1.CreationResultPayload](t, recvType(t, s.Client(), v1.TypeCreation))
	if !res.Success {
		t.Fatalf("register %q: %s", username, res.Msg)
	}

	u, err := e.store.FindUserByUsername(context.Background(), username)
	if err != nil {
		t.Fatalf("find %q: %v", username, err)
	}
	return u.ID
}

// login authenticates a fresh session with a password and returns it with the issued token.
func (e *testEnv) login(t *testing.T, username, pw string) (*Session, string) {
	t.Helper()

	s := e.newSession(t)
	s.Dispatch(context.Background(), mustEnv(t, v1.TypeAuth, v1.AuthPayload{Username: username, Password: pw}))
	res := decodeAs[v1.AuthResultPayload](t, recvType(t, s.Client(), v1.TypeAuth))
	if !res.Success || res.Token == "" {
		t.Fatalf("login %q: success=%v msg=%q", username, res.Success, res.Msg)
	}
	return s, res.Token
}

func mustEnv(t *testing.T, typ string, p any) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, Payload: mustJSONRaw(t, p)}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

// recvType expects the next queued envelope on c to have type typ.
func recvType(t *testing.T, c *Client, typ string) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		if env.Type != typ {
			t.Fatalf("got envelope type %q, want %q (payload=%s)", env.Type, typ, env.Payload)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", typ)
		return v1.Envelope{}
	}
}

func expectNoEnvelope(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.Send:
		t.Fatalf("unexpected envelope %q: %s", env.Type, env.Payload)
	default:
	}
}

func decodeAs[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %q payload: %v", env.Type, err)
	}
	return out
}

// failingStore fails the selected operations and delegates the rest.
type failingStore struct {
	identity.Store
	failFind    bool
	failInsert  bool
	failMessage bool
	failReads   bool
}

func (f *failingStore) FindUserByUsername(ctx context.Context, username string) (identity.User, error) {
	if f.failFind {
		return identity.User{}, errStoreDown
	}
	return f.Store.FindUserByUsername(ctx, username)
}

func (f *failingStore) InsertUser(ctx context.Context, in identity.InsertUserInput) (identity.User, error) {
	if f.failInsert {
		return identity.User{}, errStoreDown
	}
	return f.Store.InsertUser(ctx, in)
}

func (f *failingStore) InsertMessage(ctx context.Context, m identity.Message) (identity.Message, error) {
	if f.failMessage {
		return identity.Message{}, errStoreDown
	}
	return f.Store.InsertMessage(ctx, m)
}

func (f *failingStore) FindMessagesBetween(ctx context.Context, a, b identity.UserID) ([]identity.Message, error) {
	if f.failReads {
		return nil, errStoreDown
	}
	return f.Store.FindMessagesBetween(ctx, a, b)
}

func (f *failingStore) ListUsersExcept(ctx context.Context, id identity.UserID) ([]identity.UserSummary, error) {
	if f.failReads {
		return nil, errStoreDown
	}
	return f.Store.ListUsersExcept(ctx, id)
}
