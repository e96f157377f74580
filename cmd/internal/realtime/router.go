package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chatd/cmd/identity"
	v1 "chatd/shared/contracts/chat/v1"
)

// maxMessageChars bounds message content, counted in runes.
const maxMessageChars = 4000

// ErrInvalidMessage is returned by Send for input it refuses to route.
var ErrInvalidMessage = errors.New("realtime: invalid message")

// Delivery reports what happened to one routed message.
type Delivery struct {
	Persisted bool
	Delivered int
	Dropped   int
}

// Router persists direct messages and fans them out to the recipient's live connections.
type Router struct {
	log      *slog.Logger
	store    identity.Store
	registry *Registry
	metrics  *Metrics
	now      func() time.Time
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, store identity.Store, registry *Registry, metrics *Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		store:    store,
		registry: registry,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send stores the message and pushes it to every live connection of to.
// A storage failure is logged and does not stop delivery. Senders get no ack.
func (rt *Router) Send(ctx context.Context, from, to identity.UserID, content string) (Delivery, error) {
	if to <= 0 {
		return Delivery{}, fmt.Errorf("%w: receiver must be a positive user id", ErrInvalidMessage)
	}
	if strings.TrimSpace(content) == "" {
		return Delivery{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > maxMessageChars {
		return Delivery{}, fmt.Errorf("%w: content too long: max=%d chars", ErrInvalidMessage, maxMessageChars)
	}

	now := rt.now()
	msg := identity.Message{From: from, To: to, Content: content, Timestamp: now.UnixMilli()}

	var d Delivery
	if _, err := rt.store.InsertMessage(ctx, msg); err != nil {
		rt.log.Warn("router.persist.fail", "from", from, "to", to, "err", err)
	} else {
		d.Persisted = true
	}

	env, err := encodeEnvelope(v1.TypeNewMessage, v1.NewMessagePayload{
		IsReceiver: true,
		From:       msg.From,
		To:         msg.To,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	}, now)
	if err != nil {
		return d, fmt.Errorf("realtime: encode newMessage: %w", err)
	}

	for _, c := range rt.registry.LiveConnections(to) {
		if c.Push(env) {
			d.Delivered++
			continue
		}
		d.Dropped++
		rt.log.Debug("router.deliver.drop", "to", to, "conn_id", c.ID)
	}

	rt.metrics.routed(d)
	return d, nil
}

// GetConversation returns the history between self and other, oldest first.
// IsReceiver is true for messages addressed to self.
func (rt *Router) GetConversation(ctx context.Context, self, other identity.UserID) ([]v1.NewMessagePayload, error) {
	msgs, err := rt.store.FindMessagesBetween(ctx, self, other)
	if err != nil {
		return nil, err
	}

	out := make([]v1.NewMessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.NewMessagePayload{
			IsReceiver: m.To == self,
			From:       m.From,
			To:         m.To,
			Content:    m.Content,
			Timestamp:  m.Timestamp,
		})
	}
	return out, nil
}

// ListOtherUsers returns every user except self.
func (rt *Router) ListOtherUsers(ctx context.Context, self identity.UserID) ([]v1.Conversation, error) {
	users, err := rt.store.ListUsersExcept(ctx, self)
	if err != nil {
		return nil, err
	}

	out := make([]v1.Conversation, 0, len(users))
	for _, u := range users {
		out = append(out, v1.Conversation{ID: u.ID, Username: u.Username})
	}
	return out, nil
}
