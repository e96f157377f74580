package realtime

import (
	"context"
	"testing"

	"chatd/cmd/identity"
	v1 "chatd/shared/contracts/chat/v1"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSession_RegisterTwice(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	s := e.newSession(t)
	ctx := context.Background()

	s.Dispatch(ctx, mustEnv(t, v1.TypeCreation, v1.CreationPayload{Username: "alice", Password: "pw1"}))
	first := decodeAs[v1.CreationResultPayload](t, recvType(t, s.Client(), v1.TypeCreation))
	if !first.Success || first.Msg != "User added" {
		t.Fatalf("first registration: %+v", first)
	}

	s.Dispatch(ctx, mustEnv(t, v1.TypeCreation, v1.CreationPayload{Username: "ALICE", Password: "pw2"}))
	second := decodeAs[v1.CreationResultPayload](t, recvType(t, s.Client(), v1.TypeCreation))
	if second.Success || second.Msg != "User already exists!" {
		t.Fatalf("second registration: %+v", second)
	}

	if s.Phase() != PhaseUnauthenticated {
		t.Fatalf("registration must not authenticate, phase=%s", s.Phase())
	}
}

func TestSession_CreationValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   v1.CreationPayload
		msg  string
	}{
		{name: "blank username", in: v1.CreationPayload{Username: "   ", Password: "pw"}, msg: "Invalid username!"},
		{name: "empty password", in: v1.CreationPayload{Username: "bob", Password: ""}, msg: "Password does not meet policy!"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t)
			s := e.newSession(t)
			s.Dispatch(context.Background(), mustEnv(t, v1.TypeCreation, tc.in))

			got := decodeAs[v1.CreationResultPayload](t, recvType(t, s.Client(), v1.TypeCreation))
			if got.Success || got.Msg != tc.msg {
				t.Fatalf("got %+v, want failure %q", got, tc.msg)
			}
		})
	}
}

func TestSession_CreationStoreFailures(t *testing.T) {
	t.Parallel()

	t.Run("lookup", func(t *testing.T) {
		t.Parallel()
		e := newTestEnvWithStore(t, &failingStore{Store: identity.NewInMemoryStore(), failFind: true})
		s := e.newSession(t)
		s.Dispatch(context.Background(), mustEnv(t, v1.TypeCreation, v1.CreationPayload{Username: "a", Password: "pw"}))

		got := decodeAs[v1.CreationResultPayload](t, recvType(t, s.Client(), v1.TypeCreation))
		if got.Success || got.Msg != "Database error!" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("insert", func(t *testing.T) {
		t.Parallel()
		e := newTestEnvWithStore(t, &failingStore{Store: identity.NewInMemoryStore(), failInsert: true})
		s := e.newSession(t)
		s.Dispatch(context.Background(), mustEnv(t, v1.TypeCreation, v1.CreationPayload{Username: "a", Password: "pw"}))

		got := decodeAs[v1.CreationResultPayload](t, recvType(t, s.Client(), v1.TypeCreation))
		if got.Success || got.Msg != "Could not add user!" {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestSession_AuthFailures(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.register(t, "alice", "pw1")

	cases := []struct {
		name string
		in   v1.AuthPayload
		msg  string
	}{
		{name: "wrong password", in: v1.AuthPayload{Username: "alice", Password: "nope"}, msg: "Credentials do not match!"},
		{name: "unknown user", in: v1.AuthPayload{Username: "mallory", Password: "pw1"}, msg: "User not found!"},
		{name: "unknown token", in: v1.AuthPayload{Token: "not-a-real-token"}, msg: "Invalid token!"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := e.newSession(t)
			s.Dispatch(context.Background(), mustEnv(t, v1.TypeAuth, tc.in))

			got := decodeAs[v1.AuthResultPayload](t, recvType(t, s.Client(), v1.TypeAuth))
			if got.Success || got.Msg != tc.msg || got.Token != "" {
				t.Fatalf("got %+v, want failure %q", got, tc.msg)
			}
			if s.Phase() != PhaseUnauthenticated {
				t.Fatalf("phase=%s, want unauthenticated", s.Phase())
			}
		})
	}

	if n := e.registry.Stats().Connections; n != 0 {
		t.Fatalf("failed auth must not track connections, got %d", n)
	}
	if got := testutil.ToFloat64(e.metrics.authTotal.WithLabelValues("password", "mismatch")); got != 1 {
		t.Fatalf("mismatch counter=%v want 1", got)
	}
}

func TestSession_AuthMalformedStoredHash(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	if _, err := e.store.InsertUser(context.Background(), identity.InsertUserInput{Username: "legacy", PasswordHash: "not-a-hash"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	s := e.newSession(t)
	s.Dispatch(context.Background(), mustEnv(t, v1.TypeAuth, v1.AuthPayload{Username: "legacy", Password: "x"}))

	got := decodeAs[v1.AuthResultPayload](t, recvType(t, s.Client(), v1.TypeAuth))
	if got.Success || got.Msg != "Credentials do not match!" {
		t.Fatalf("got %+v", got)
	}
}

func TestSession_AuthStoreFailure(t *testing.T) {
	t.Parallel()

	e := newTestEnvWithStore(t, &failingStore{Store: identity.NewInMemoryStore(), failFind: true})
	s := e.newSession(t)
	s.Dispatch(context.Background(), mustEnv(t, v1.TypeAuth, v1.AuthPayload{Username: "a", Password: "b"}))

	got := decodeAs[v1.AuthResultPayload](t, recvType(t, s.Client(), v1.TypeAuth))
	if got.Success || got.Msg != "Database error!" {
		t.Fatalf("got %+v", got)
	}
}

func TestSession_AuthTracksOnceAndDisconnectUntracks(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	uid := e.register(t, "alice", "pw1")

	s, tok := e.login(t, "alice", "pw1")
	if s.Phase() != PhaseAuthenticated {
		t.Fatalf("phase=%s want authenticated", s.Phase())
	}
	if got, ok := s.UserID(); !ok || got != uid {
		t.Fatalf("bound user=%d ok=%v want %d", got, ok, uid)
	}
	if got, ok := e.registry.ResolveToken(tok); !ok || got != uid {
		t.Fatalf("token resolves to %d ok=%v", got, ok)
	}

	live := e.registry.LiveConnections(uid)
	if len(live) != 1 || live[0] != s.Client() {
		t.Fatalf("expected exactly this connection tracked, got %d", len(live))
	}

	s.Dispatch(context.Background(), mustEnv(t, v1.TypeDisconnect, struct{}{}))
	if s.Phase() != PhaseClosed {
		t.Fatalf("phase=%s want closed", s.Phase())
	}
	if n := len(e.registry.LiveConnections(uid)); n != 0 {
		t.Fatalf("expected no live connections after disconnect, got %d", n)
	}

	// A second close from the transport side is a no-op.
	s.Close()
	select {
	case <-s.Client().Done():
	default:
		t.Fatalf("client should be stopped after close")
	}
}

func TestSession_TokenReauthentication(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	uid := e.register(t, "alice", "pw1")
	first, tok := e.login(t, "alice", "pw1")
	first.Close()

	s := e.newSession(t)
	s.Dispatch(context.Background(), mustEnv(t, v1.TypeAuth, v1.AuthPayload{Token: tok}))

	got := decodeAs[v1.AuthResultPayload](t, recvType(t, s.Client(), v1.TypeAuth))
	if !got.Success || got.Token != tok {
		t.Fatalf("token auth: %+v", got)
	}
	if id, ok := s.UserID(); !ok || id != uid {
		t.Fatalf("bound user=%d ok=%v want %d", id, ok, uid)
	}

	// Token authentication echoes the token; it does not mint a new one.
	if n := e.registry.Stats().Tokens; n != 1 {
		t.Fatalf("tokens=%d want 1", n)
	}
}

func TestSession_PhaseGatesOperations(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	bob := e.register(t, "bob", "pw2")
	e.register(t, "alice", "pw1")

	pre := e.newSession(t)
	for _, typ := range []string{v1.TypeGetConversations, v1.TypeNewMessage, "bogus"} {
		pre.Dispatch(context.Background(), mustEnv(t, typ, struct{}{}))
	}
	pre.Dispatch(context.Background(), mustEnv(t, v1.TypeMessage, v1.MessagePayload{Receiver: bob, Content: "sneaky"}))
	expectNoEnvelope(t, pre.Client())

	if got := testutil.ToFloat64(e.metrics.unknownOps.WithLabelValues("unauthenticated")); got != 4 {
		t.Fatalf("dropped pre-auth ops=%v want 4", got)
	}

	msgs, err := e.store.FindMessagesBetween(context.Background(), bob, bob+1)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("unauthenticated message must not be stored")
	}

	post, _ := e.login(t, "alice", "pw1")
	post.Dispatch(context.Background(), mustEnv(t, v1.TypeAuth, v1.AuthPayload{Username: "alice", Password: "pw1"}))
	post.Dispatch(context.Background(), mustEnv(t, v1.TypeCreation, v1.CreationPayload{Username: "carol", Password: "pw"}))
	expectNoEnvelope(t, post.Client())

	if got := testutil.ToFloat64(e.metrics.unknownOps.WithLabelValues("authenticated")); got != 2 {
		t.Fatalf("dropped post-auth ops=%v want 2", got)
	}
	if _, err := e.store.FindUserByUsername(context.Background(), "carol"); !identity.IsNotFound(err) {
		t.Fatalf("creation after auth must be ignored, got err=%v", err)
	}

	post.Close()
	post.Dispatch(context.Background(), mustEnv(t, v1.TypeGetConversations, struct{}{}))
	expectNoEnvelope(t, post.Client())
}

func TestSession_AliceBobScenario(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	aliceID := e.register(t, "alice", "pw1")
	bobID := e.register(t, "bob", "pw2")

	alice, _ := e.login(t, "alice", "pw1")
	bob, _ := e.login(t, "bob", "pw2")

	alice.Dispatch(ctx, mustEnv(t, v1.TypeGetConversations, struct{}{}))
	convs := decodeAs[v1.ConversationsPayload](t, recvType(t, alice.Client(), v1.TypeGetConversations))
	if !convs.Success || len(convs.Conversations) != 1 || convs.Conversations[0].ID != bobID || convs.Conversations[0].Username != "bob" {
		t.Fatalf("alice conversations: %+v", convs)
	}

	alice.Dispatch(ctx, mustEnv(t, v1.TypeMessage, v1.MessagePayload{Receiver: bobID, Content: "hi"}))

	nm := decodeAs[v1.NewMessagePayload](t, recvType(t, bob.Client(), v1.TypeNewMessage))
	if !nm.IsReceiver || nm.From != aliceID || nm.To != bobID || nm.Content != "hi" || nm.Timestamp <= 0 {
		t.Fatalf("bob newMessage: %+v", nm)
	}
	expectNoEnvelope(t, alice.Client())

	bob.Dispatch(ctx, mustEnv(t, v1.TypeMessage, v1.MessagePayload{Receiver: aliceID, Content: "hey"}))
	recvType(t, alice.Client(), v1.TypeNewMessage)

	alice.Dispatch(ctx, mustEnv(t, v1.TypeGetConversationMessages, v1.GetConversationMessagesPayload{UserID: bobID}))
	fromAlice := decodeAs[v1.ConversationMessagesPayload](t, recvType(t, alice.Client(), v1.TypeGetConversationMessages))

	bob.Dispatch(ctx, mustEnv(t, v1.TypeGetConversationMessages, v1.GetConversationMessagesPayload{UserID: aliceID}))
	fromBob := decodeAs[v1.ConversationMessagesPayload](t, recvType(t, bob.Client(), v1.TypeGetConversationMessages))

	if !fromAlice.Success || !fromBob.Success {
		t.Fatalf("history failed: alice=%+v bob=%+v", fromAlice, fromBob)
	}
	if len(fromAlice.Messages) != 2 || len(fromBob.Messages) != 2 {
		t.Fatalf("history lengths alice=%d bob=%d", len(fromAlice.Messages), len(fromBob.Messages))
	}
	for i := range fromAlice.Messages {
		a, b := fromAlice.Messages[i], fromBob.Messages[i]
		if a.Content != b.Content || a.Timestamp != b.Timestamp || a.From != b.From {
			t.Fatalf("history differs at %d: %+v vs %+v", i, a, b)
		}
		if a.IsReceiver == b.IsReceiver {
			t.Fatalf("isReceiver must flip between sides at %d", i)
		}
	}
	if fromAlice.Messages[0].Content != "hi" || fromAlice.Messages[0].IsReceiver {
		t.Fatalf("alice sent the first message: %+v", fromAlice.Messages[0])
	}
}

func TestSession_TwoDevicesReceiveMessage(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	aliceID := e.register(t, "alice", "pw1")
	bobID := e.register(t, "bob", "pw2")

	alice, _ := e.login(t, "alice", "pw1")
	bobPhone, _ := e.login(t, "bob", "pw2")
	bobLaptop, _ := e.login(t, "bob", "pw2")

	if n := len(e.registry.LiveConnections(bobID)); n != 2 {
		t.Fatalf("bob live connections=%d want 2", n)
	}

	alice.Dispatch(context.Background(), mustEnv(t, v1.TypeMessage, v1.MessagePayload{Receiver: bobID, Content: "both?"}))

	for _, dev := range []*Session{bobPhone, bobLaptop} {
		nm := decodeAs[v1.NewMessagePayload](t, recvType(t, dev.Client(), v1.TypeNewMessage))
		if nm.From != aliceID || nm.Content != "both?" {
			t.Fatalf("unexpected delivery: %+v", nm)
		}
	}

	// After one device leaves only the other one receives.
	bobPhone.Close()
	alice.Dispatch(context.Background(), mustEnv(t, v1.TypeMessage, v1.MessagePayload{Receiver: bobID, Content: "one"}))
	recvType(t, bobLaptop.Client(), v1.TypeNewMessage)
	expectNoEnvelope(t, bobPhone.Client())
}

func TestSession_ReadFailuresAreGeneric(t *testing.T) {
	t.Parallel()

	fs := &failingStore{Store: identity.NewInMemoryStore()}
	e := newTestEnvWithStore(t, fs)
	e.register(t, "alice", "pw1")
	bobID := e.register(t, "bob", "pw2")
	alice, _ := e.login(t, "alice", "pw1")

	fs.failReads = true

	alice.Dispatch(context.Background(), mustEnv(t, v1.TypeGetConversations, struct{}{}))
	convs := decodeAs[v1.ConversationsPayload](t, recvType(t, alice.Client(), v1.TypeGetConversations))
	if convs.Success || convs.Msg != "Something bad happened!" {
		t.Fatalf("conversations: %+v", convs)
	}

	alice.Dispatch(context.Background(), mustEnv(t, v1.TypeGetConversationMessages, v1.GetConversationMessagesPayload{UserID: bobID}))
	hist := decodeAs[v1.ConversationMessagesPayload](t, recvType(t, alice.Client(), v1.TypeGetConversationMessages))
	if hist.Success || hist.Msg != "Something bad happened!" {
		t.Fatalf("history: %+v", hist)
	}
}

func TestSession_MalformedPayload(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	s := e.newSession(t)
	s.Dispatch(context.Background(), v1.Envelope{Type: v1.TypeAuth, Payload: []byte(`"just a string"`)})

	got := decodeAs[v1.AuthResultPayload](t, recvType(t, s.Client(), v1.TypeAuth))
	if got.Success || got.Msg != "Malformed request!" {
		t.Fatalf("got %+v", got)
	}
}

func TestSession_AuthAfterRegistryClosed(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.register(t, "alice", "pw1")
	e.registry.Close()

	s := e.newSession(t)
	s.Dispatch(context.Background(), mustEnv(t, v1.TypeAuth, v1.AuthPayload{Username: "alice", Password: "pw1"}))

	got := decodeAs[v1.AuthResultPayload](t, recvType(t, s.Client(), v1.TypeAuth))
	if got.Success {
		t.Fatalf("auth must fail once the registry is closed: %+v", got)
	}
	if s.Phase() != PhaseUnauthenticated {
		t.Fatalf("phase=%s", s.Phase())
	}
}
