package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"chatd/cmd/identity"
	"chatd/cmd/security/password"
	v1 "chatd/shared/contracts/chat/v1"
)

// opHandler handles one inbound envelope payload for a session.
type opHandler func(ctx context.Context, s *Session, payload json.RawMessage)

// opTable maps an envelope type to its handler for one phase.
type opTable map[string]opHandler

var preAuthOps = opTable{
	v1.TypeAuth:       handleAuth,
	v1.TypeCreation:   handleCreation,
	v1.TypeDisconnect: handleDisconnect,
}

var postAuthOps = opTable{
	v1.TypeMessage:                 handleMessage,
	v1.TypeGetConversationMessages: handleGetConversationMessages,
	v1.TypeGetConversations:        handleGetConversations,
	v1.TypeDisconnect:              handleDisconnect,
}

// Dispatch routes env to the handler legal in the current phase.
// Types the phase does not know are dropped silently (debug log + metric).
func (s *Session) Dispatch(ctx context.Context, env v1.Envelope) {
	s.mu.Lock()
	ops, phase := s.ops, s.phase
	s.mu.Unlock()

	h, ok := ops[env.Type]
	if !ok {
		s.log.Debug("session.dispatch.drop", "type", env.Type, "phase", phase.String())
		s.deps.Metrics.droppedOp(phase)
		return
	}
	h(ctx, s, env.Payload)
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		// An absent payload decodes as the zero value.
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// ---- pre-auth ----

func handleAuth(ctx context.Context, s *Session, raw json.RawMessage) {
	var p v1.AuthPayload
	if err := decodePayload(raw, &p); err != nil {
		s.replyAuth(v1.AuthResultPayload{Success: false, Msg: msgMalformedRequest})
		return
	}

	if tok := strings.TrimSpace(p.Token); tok != "" {
		authenticateToken(s, tok)
		return
	}
	authenticatePassword(ctx, s, p.Username, p.Password)
}

func authenticateToken(s *Session, tok string) {
	uid, ok := s.deps.Registry.ResolveToken(tok)
	if !ok {
		s.deps.Metrics.authResult("token", "invalid_token")
		s.replyAuth(v1.AuthResultPayload{Success: false, Msg: msgInvalidToken})
		return
	}

	if !s.bind(uid) {
		s.deps.Metrics.authResult("token", "unavailable")
		s.replyAuth(v1.AuthResultPayload{Success: false, Msg: msgServerUnavailable})
		return
	}

	s.deps.Metrics.authResult("token", "ok")
	s.log.Info("session.auth.ok", "user_id", uid, "method", "token")
	s.replyAuth(v1.AuthResultPayload{Success: true, Token: tok})
}

func authenticatePassword(ctx context.Context, s *Session, username, pw string) {
	u, err := s.deps.Store.FindUserByUsername(ctx, username)
	if err != nil {
		if identity.IsNotFound(err) {
			s.deps.Metrics.authResult("password", "not_found")
			s.replyAuth(v1.AuthResultPayload{Success: false, Msg: msgUserNotFound})
			return
		}
		s.log.Error("session.auth.lookup.fail", "err", err)
		s.deps.Metrics.authResult("password", "error")
		s.replyAuth(v1.AuthResultPayload{Success: false, Msg: msgDatabaseError})
		return
	}

	ok, err := s.deps.Passwords.Verify(u.PasswordHash, pw)
	if err != nil {
		// Malformed stored hash; the peer only learns that credentials failed.
		s.log.Error("session.auth.verify.fail", "user_id", u.ID, "err", err)
	}
	if !ok {
		s.deps.Metrics.authResult("password", "mismatch")
		s.replyAuth(v1.AuthResultPayload{Success: false, Msg: msgCredentials})
		return
	}

	tok, err := s.deps.Registry.IssueToken(u.ID)
	if err != nil {
		s.log.Error("session.auth.token.fail", "user_id", u.ID, "err", err)
		s.deps.Metrics.authResult("password", "error")
		s.replyAuth(v1.AuthResultPayload{Success: false, Msg: msgDatabaseError})
		return
	}

	if !s.bind(u.ID) {
		s.deps.Metrics.authResult("password", "unavailable")
		s.replyAuth(v1.AuthResultPayload{Success: false, Msg: msgServerUnavailable})
		return
	}

	s.deps.Metrics.authResult("password", "ok")
	s.log.Info("session.auth.ok", "user_id", u.ID, "method", "password")
	s.replyAuth(v1.AuthResultPayload{Success: true, Token: tok})
}

func handleCreation(ctx context.Context, s *Session, raw json.RawMessage) {
	var p v1.CreationPayload
	if err := decodePayload(raw, &p); err != nil {
		s.replyCreation(false, msgMalformedRequest)
		return
	}

	username := strings.TrimSpace(p.Username)
	if username == "" {
		s.deps.Metrics.creationResult("invalid")
		s.replyCreation(false, msgInvalidUsername)
		return
	}

	_, err := s.deps.Store.FindUserByUsername(ctx, username)
	switch {
	case err == nil:
		s.deps.Metrics.creationResult("exists")
		s.replyCreation(false, msgUserExists)
		return
	case !identity.IsNotFound(err):
		s.log.Error("session.creation.lookup.fail", "err", err)
		s.deps.Metrics.creationResult("error")
		s.replyCreation(false, msgDatabaseError)
		return
	}

	hash, err := s.deps.Passwords.Hash(p.Password)
	if err != nil {
		if password.IsPolicyError(err) {
			s.deps.Metrics.creationResult("policy")
			s.replyCreation(false, msgPasswordPolicy)
			return
		}
		s.log.Error("session.creation.hash.fail", "err", err)
		s.deps.Metrics.creationResult("error")
		s.replyCreation(false, msgCouldNotAddUser)
		return
	}

	u, err := s.deps.Store.InsertUser(ctx, identity.InsertUserInput{Username: username, PasswordHash: hash})
	if err != nil {
		switch {
		case identity.IsConflict(err):
			// Lost a race with a concurrent registration.
			s.deps.Metrics.creationResult("exists")
			s.replyCreation(false, msgUserExists)
		case identity.IsInvalidInput(err):
			s.deps.Metrics.creationResult("invalid")
			s.replyCreation(false, msgInvalidUsername)
		default:
			s.log.Error("session.creation.insert.fail", "err", err)
			s.deps.Metrics.creationResult("error")
			s.replyCreation(false, msgCouldNotAddUser)
		}
		return
	}

	s.deps.Metrics.creationResult("ok")
	s.log.Info("session.creation.ok", "user_id", u.ID)
	s.replyCreation(true, msgUserAdded)
}

// ---- post-auth ----

func handleMessage(ctx context.Context, s *Session, raw json.RawMessage) {
	uid, _ := s.UserID()

	var p v1.MessagePayload
	if err := decodePayload(raw, &p); err != nil {
		s.log.Debug("session.message.bad_payload", "user_id", uid, "err", err)
		return
	}

	d, err := s.deps.Router.Send(ctx, uid, p.Receiver, p.Content)
	if err != nil {
		s.log.Debug("session.message.drop", "user_id", uid, "receiver", p.Receiver, "err", err)
		return
	}
	s.log.Debug("session.message.routed",
		"user_id", uid,
		"receiver", p.Receiver,
		"persisted", d.Persisted,
		"delivered", d.Delivered,
		"dropped", d.Dropped,
	)
}

func handleGetConversationMessages(ctx context.Context, s *Session, raw json.RawMessage) {
	uid, _ := s.UserID()

	var p v1.GetConversationMessagesPayload
	if err := decodePayload(raw, &p); err != nil || p.UserID <= 0 {
		s.reply(v1.TypeGetConversationMessages, v1.ConversationMessagesPayload{
			Success:  false,
			Messages: []v1.NewMessagePayload{},
			Msg:      msgSomethingBad,
		})
		return
	}

	msgs, err := s.deps.Router.GetConversation(ctx, uid, p.UserID)
	if err != nil {
		s.log.Error("session.history.fail", "user_id", uid, "other", p.UserID, "err", err)
		s.reply(v1.TypeGetConversationMessages, v1.ConversationMessagesPayload{
			Success:  false,
			Messages: []v1.NewMessagePayload{},
			Msg:      msgSomethingBad,
		})
		return
	}

	s.reply(v1.TypeGetConversationMessages, v1.ConversationMessagesPayload{Success: true, Messages: msgs})
}

func handleGetConversations(ctx context.Context, s *Session, _ json.RawMessage) {
	uid, _ := s.UserID()

	convs, err := s.deps.Router.ListOtherUsers(ctx, uid)
	if err != nil {
		s.log.Error("session.conversations.fail", "user_id", uid, "err", err)
		s.reply(v1.TypeGetConversations, v1.ConversationsPayload{
			Success:       false,
			Conversations: []v1.Conversation{},
			Msg:           msgSomethingBad,
		})
		return
	}

	s.reply(v1.TypeGetConversations, v1.ConversationsPayload{Success: true, Conversations: convs})
}

// ---- any phase ----

func handleDisconnect(_ context.Context, s *Session, _ json.RawMessage) {
	s.Close()
}
