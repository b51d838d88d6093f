package chatstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Chat is the root object owning a message graph. Chats are created by first
// reference (the first message or branch written for an unknown id creates
// the row) and destroyed only by an explicit cascading delete.
type Chat struct {
	ID       string                 `json:"id"`
	UserID   string                 `json:"userId"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Message is a single node in a chat's message graph. IDs are caller-supplied
// and unique within a chat only; writing an existing id overwrites the row
// instead of inserting a new one.
type Message struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	ParentID string `json:"parentId,omitempty"`
	// Name is the role tag (user, assistant, ...), Type the payload kind.
	Name string          `json:"name"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`

	CreatedAt time.Time `json:"createdAt"`
}

type MessageOption func(*Message)

func WithParentID(parentID string) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func NewMessage(chatID string, name string, type_ string, data json.RawMessage, options ...MessageOption) *Message {
	ret := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Name:      name,
		Type:      type_,
		Data:      data,
		CreatedAt: time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Branch is a named pointer to one head message within a chat's graph.
// HeadMessageID may be empty (fresh conversation) or, after external
// interference, reference a message that no longer exists; both are
// tolerated on the read path.
type Branch struct {
	ChatID        string `json:"chatId"`
	Name          string `json:"name"`
	HeadMessageID string `json:"headMessageId,omitempty"`
}

// DefaultBranchName is the branch every chat starts on.
const DefaultBranchName = "main"

// SearchMatch is one full-text hit, scoped to a single chat.
type SearchMatch struct {
	MessageID string `json:"messageId"`
	Snippet   string `json:"snippet"`
}

// textPayload is the conventional shape of a text message payload.
type textPayload struct {
	Text string `json:"text"`
}

// TextData builds the payload for a plain text message.
func TextData(text string) json.RawMessage {
	b, _ := json.Marshal(textPayload{Text: text})
	return b
}

// ExtractText derives the indexable text from an opaque payload. Payloads
// carrying a "text" field index that field; anything else is indexed as its
// raw serialized form so that no message is invisible to search.
func ExtractText(data json.RawMessage) string {
	var p textPayload
	if err := json.Unmarshal(data, &p); err == nil && p.Text != "" {
		return p.Text
	}
	return string(data)
}
