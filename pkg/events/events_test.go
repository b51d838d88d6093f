package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() {
		_ = pubSub.Close()
	}()

	messages, err := pubSub.Subscribe(ctx, "chat")
	require.NoError(t, err)

	p := NewPublisher(pubSub, "chat")
	require.NoError(t, p.Publish(Event{
		Type:      EventTypeForked,
		ChatID:    "c1",
		Branch:    "main-v2",
		MessageID: "m42",
	}))

	select {
	case msg := <-messages:
		msg.Ack()
		e, err := NewEventFromJson(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, EventTypeForked, e.Type)
		assert.Equal(t, "c1", e.ChatID)
		assert.Equal(t, "main-v2", e.Branch)
		assert.Equal(t, "m42", e.MessageID)
		assert.False(t, e.Time.IsZero())
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher
	require.NoError(t, p.Publish(Event{Type: EventTypeCommitted, ChatID: "c1"}))
}
