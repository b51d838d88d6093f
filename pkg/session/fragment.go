package session

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/go-go-golems/grillo/pkg/chatstore"
)

// FragmentKind is the closed set of staged fragment variants. Each variant
// carries an explicit id-resolution strategy: user and assistant fragments
// ship a fixed id, replace-head fragments resolve their id to the current
// branch head at commit time.
type FragmentKind string

const (
	FragmentKindUser        FragmentKind = "user"
	FragmentKindAssistant   FragmentKind = "assistant"
	FragmentKindReplaceHead FragmentKind = "replace-head"
)

// Fragment is a message-like unit buffered in a session but not yet durably
// committed.
type Fragment struct {
	Kind FragmentKind
	// ID is the fixed target id. Empty for replace-head fragments, which
	// resolve against the live branch head instead.
	ID   string
	Name string
	Type string
	Data json.RawMessage
}

// resolveTargetID returns the message id this fragment commits to, given the
// branch head at commit time. A replace-head fragment on an empty branch has
// nothing to replace and falls back to a fresh id, turning into an append.
func (f Fragment) resolveTargetID(head string) string {
	if f.Kind == FragmentKindReplaceHead && head != "" {
		return head
	}
	if f.ID != "" {
		return f.ID
	}
	return uuid.NewString()
}

type FragmentOption func(*Fragment)

func WithFragmentID(id string) FragmentOption {
	return func(f *Fragment) {
		f.ID = id
	}
}

func WithFragmentType(type_ string) FragmentOption {
	return func(f *Fragment) {
		f.Type = type_
	}
}

func newFragment(kind FragmentKind, name string, data json.RawMessage, options ...FragmentOption) Fragment {
	ret := Fragment{
		Kind: kind,
		Name: name,
		Type: "text",
		Data: data,
	}
	for _, option := range options {
		option(&ret)
	}
	if ret.ID == "" && kind != FragmentKindReplaceHead {
		ret.ID = uuid.NewString()
	}
	return ret
}

// NewUserFragment stages a user turn with a fresh (or caller-supplied) id.
func NewUserFragment(text string, options ...FragmentOption) Fragment {
	return newFragment(FragmentKindUser, "user", chatstore.TextData(text), options...)
}

// NewAssistantFragment stages an assistant turn with a fresh (or
// caller-supplied) id.
func NewAssistantFragment(text string, options ...FragmentOption) Fragment {
	return newFragment(FragmentKindAssistant, "assistant", chatstore.TextData(text), options...)
}

// NewReplaceHeadFragment stages an assistant turn that replaces the current
// branch head at commit time — the regenerate/correct operation.
func NewReplaceHeadFragment(text string, options ...FragmentOption) Fragment {
	return newFragment(FragmentKindReplaceHead, "assistant", chatstore.TextData(text), options...)
}
