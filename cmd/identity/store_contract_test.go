package identity

import (
	"context"
	"testing"
	"time"
)

// runStoreContract exercises the behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("insert and find user", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		u, err := s.InsertUser(ctx, InsertUserInput{Username: "  Alice ", PasswordHash: "h1"})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if u.ID <= 0 {
			t.Fatalf("expected positive id, got %d", u.ID)
		}
		if u.Username != "Alice" {
			t.Fatalf("username=%q want %q", u.Username, "Alice")
		}

		got, err := s.FindUserByUsername(ctx, "alice")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.ID != u.ID || got.PasswordHash != "h1" {
			t.Fatalf("unexpected user: %+v", got)
		}
	})

	t.Run("duplicate username conflicts case-insensitively", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		mustInsertUser(t, s, "Navid")
		_, err := s.InsertUser(ctx, InsertUserInput{Username: "nAvId", PasswordHash: "h2"})
		if err == nil {
			t.Fatalf("expected conflict, got nil")
		}
		if !IsConflict(err) {
			t.Fatalf("expected conflict error, got: %v", err)
		}
	})

	t.Run("unknown user is not found", func(t *testing.T) {
		s := newStore(t)

		_, err := s.FindUserByUsername(testCtx(t), "ghost")
		if !IsNotFound(err) {
			t.Fatalf("expected not found, got: %v", err)
		}
	})

	t.Run("invalid user input", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		if _, err := s.InsertUser(ctx, InsertUserInput{Username: "   ", PasswordHash: "h"}); !IsInvalidInput(err) {
			t.Fatalf("expected invalid input for blank username, got: %v", err)
		}
		if _, err := s.InsertUser(ctx, InsertUserInput{Username: "bob"}); !IsInvalidInput(err) {
			t.Fatalf("expected invalid input for empty hash, got: %v", err)
		}
	})

	t.Run("conversation is symmetric and ordered", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		a := mustInsertUser(t, s, "alice")
		b := mustInsertUser(t, s, "bob")
		c := mustInsertUser(t, s, "carol")

		mustInsertMessage(t, s, Message{From: a.ID, To: b.ID, Content: "second", Timestamp: 200})
		mustInsertMessage(t, s, Message{From: b.ID, To: a.ID, Content: "first", Timestamp: 100})
		mustInsertMessage(t, s, Message{From: a.ID, To: c.ID, Content: "other pair", Timestamp: 150})
		mustInsertMessage(t, s, Message{From: b.ID, To: a.ID, Content: "third", Timestamp: 200})

		ab, err := s.FindMessagesBetween(ctx, a.ID, b.ID)
		if err != nil {
			t.Fatalf("find a,b: %v", err)
		}
		ba, err := s.FindMessagesBetween(ctx, b.ID, a.ID)
		if err != nil {
			t.Fatalf("find b,a: %v", err)
		}

		want := []string{"first", "second", "third"}
		for _, got := range [][]Message{ab, ba} {
			if len(got) != len(want) {
				t.Fatalf("len=%d want %d: %+v", len(got), len(want), got)
			}
			for i := range want {
				if got[i].Content != want[i] {
					t.Fatalf("msg[%d]=%q want %q", i, got[i].Content, want[i])
				}
			}
		}
	})

	t.Run("message to unknown user is not found", func(t *testing.T) {
		s := newStore(t)

		a := mustInsertUser(t, s, "alice")
		_, err := s.InsertMessage(testCtx(t), Message{From: a.ID, To: a.ID + 999, Content: "x", Timestamp: 1})
		if !IsNotFound(err) {
			t.Fatalf("expected not found, got: %v", err)
		}
	})

	t.Run("invalid message input", func(t *testing.T) {
		s := newStore(t)

		a := mustInsertUser(t, s, "alice")
		if _, err := s.InsertMessage(testCtx(t), Message{From: a.ID, To: 0, Content: "x", Timestamp: 1}); !IsInvalidInput(err) {
			t.Fatalf("expected invalid input, got: %v", err)
		}
		if _, err := s.InsertMessage(testCtx(t), Message{From: a.ID, To: a.ID, Content: "x"}); !IsInvalidInput(err) {
			t.Fatalf("expected invalid input for zero timestamp, got: %v", err)
		}
	})

	t.Run("list users except self", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		a := mustInsertUser(t, s, "alice")
		b := mustInsertUser(t, s, "bob")
		c := mustInsertUser(t, s, "carol")

		got, err := s.ListUsersExcept(ctx, b.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 || got[0].ID != a.ID || got[1].ID != c.ID {
			t.Fatalf("unexpected listing: %+v", got)
		}
		if got[0].Username != "alice" || got[1].Username != "carol" {
			t.Fatalf("unexpected usernames: %+v", got)
		}

		// A non-existent id still lists everyone.
		all, err := s.ListUsersExcept(ctx, 0)
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("len=%d want 3", len(all))
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(testCtx(t)); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustInsertUser(t *testing.T, s Store, username string) User {
	t.Helper()
	u, err := s.InsertUser(testCtx(t), InsertUserInput{Username: username, PasswordHash: "hash-" + username})
	if err != nil {
		t.Fatalf("insert user %q: %v", username, err)
	}
	return u
}

func mustInsertMessage(t *testing.T, s Store, m Message) Message {
	t.Helper()
	out, err := s.InsertMessage(testCtx(t), m)
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if out.ID <= 0 {
		t.Fatalf("expected message id, got %d", out.ID)
	}
	return out
}
