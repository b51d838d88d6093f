// Package events publishes store lifecycle notifications over watermill so
// that observers (UIs, audit logs, the CLI's verbose mode) can follow
// commits without coupling to the session engine.
package events

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

type EventType string

const (
	// EventTypeCommitted is published for every durably appended or
	// overwritten message.
	EventTypeCommitted EventType = "committed"
	// EventTypeForked is published when a divergent head rewrite creates a
	// new branch.
	EventTypeForked EventType = "forked"
	// EventTypeChatDeleted is published after a cascading chat delete.
	EventTypeChatDeleted EventType = "chat-deleted"
)

// Event is the JSON payload carried on the wire.
type Event struct {
	Type      EventType `json:"type"`
	ChatID    string    `json:"chatId"`
	Branch    string    `json:"branch,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher fans events out to a watermill publisher on a single topic.
type Publisher struct {
	pub   message.Publisher
	topic string
}

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

func (p *Publisher) Publish(e Event) error {
	if p == nil || p.pub == nil {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	return p.pub.Publish(p.topic, msg)
}

// NewEventFromJson decodes a wire payload back into an Event.
func NewEventFromJson(b []byte) (*Event, error) {
	e := &Event{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, errors.Wrap(err, "unmarshal event")
	}
	return e, nil
}
