package v1

// ---- Payloads ----

// AuthPayload authenticates with either username+password or a previously issued token.
// A non-empty Token selects the token path.
type AuthPayload struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// AuthResultPayload is the server answer to TypeAuth.
type AuthResultPayload struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Msg     string `json:"msg,omitempty"`
}

// CreationPayload registers a user.
type CreationPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreationResultPayload is the server answer to TypeCreation.
type CreationResultPayload struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

// MessagePayload sends content to Receiver.
type MessagePayload struct {
	Receiver int64  `json:"receiver"`
	Content  string `json:"content"`
}

// NewMessagePayload is pushed to the recipient's connections and is also the
// row shape of conversation history.
type NewMessagePayload struct {
	IsReceiver bool   `json:"isReceiver"`
	From       int64  `json:"from"`
	To         int64  `json:"to"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// GetConversationMessagesPayload requests the history with UserID.
type GetConversationMessagesPayload struct {
	UserID int64 `json:"userId"`
}

// ConversationMessagesPayload answers TypeGetConversationMessages.
type ConversationMessagesPayload struct {
	Success  bool                `json:"success"`
	Messages []NewMessagePayload `json:"messages"`
	Msg      string              `json:"msg,omitempty"`
}

// Conversation is one entry of the user listing.
type Conversation struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ConversationsPayload answers TypeGetConversations.
type ConversationsPayload struct {
	Success       bool           `json:"success"`
	Conversations []Conversation `json:"conversations"`
	Msg           string         `json:"msg,omitempty"`
}

// ErrorPayload is a generic transport error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
