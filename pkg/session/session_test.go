package session

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/chatstore"
	"github.com/go-go-golems/grillo/pkg/chatstore/sqlite"
)

func newTestSession(t *testing.T, options ...Option) (*Session, chatstore.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	s, err := New(context.Background(), store, "c1", "u1", options...)
	require.NoError(t, err)
	return s, store
}

func text(t *testing.T, msg *chatstore.Message) string {
	t.Helper()
	return chatstore.ExtractText(msg.Data)
}

func TestAppendTwoTurns(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSession(t)

	s.Set(NewUserFragment("hi"), NewAssistantFragment("hello"))
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 0, s.Staged())

	chain, err := s.Chain(ctx, false)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "user", chain[0].Name)
	assert.Equal(t, "hi", text(t, chain[0]))
	assert.Equal(t, "assistant", chain[1].Name)
	assert.Equal(t, "hello", text(t, chain[1]))
	assert.Equal(t, chain[0].ID, chain[1].ParentID)

	branches, err := store.ListBranches(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, "main", branches[0].Name)
	assert.Equal(t, chain[1].ID, branches[0].HeadMessageID)
}

func TestDivergentHeadRewriteForks(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSession(t)

	s.Set(NewUserFragment("hi"), NewAssistantFragment("hello"))
	require.NoError(t, s.Save(ctx))

	original, err := s.Chain(ctx, false)
	require.NoError(t, err)
	require.Len(t, original, 2)

	s.Set(NewReplaceHeadFragment("howdy"))
	require.NoError(t, s.Save(ctx))

	// Exactly one new branch, and the session moved to it.
	branches, err := store.ListBranches(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "main-v2", s.Branch())

	active, err := store.GetActiveBranch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "main-v2", active.Name)

	// The fork holds two messages with the rewritten content, sharing the
	// same user turn.
	forked, err := s.Chain(ctx, false)
	require.NoError(t, err)
	require.Len(t, forked, 2)
	assert.Equal(t, original[0].ID, forked[0].ID)
	assert.Equal(t, "howdy", text(t, forked[1]))
	assert.NotEqual(t, original[1].ID, forked[1].ID)
	assert.Equal(t, original[0].ID, forked[1].ParentID)

	// The superseded branch still resolves to its original content.
	require.NoError(t, s.SwitchBranch(ctx, "main"))
	prior, err := s.Chain(ctx, false)
	require.NoError(t, err)
	require.Len(t, prior, 2)
	assert.Equal(t, "hello", text(t, prior[1]))
	assert.Equal(t, original[1].ID, prior[1].ID)
}

func TestForkFromForkStripsVersionSuffix(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	s.Set(NewUserFragment("hi"), NewAssistantFragment("hello"))
	require.NoError(t, s.Save(ctx))

	s.Set(NewReplaceHeadFragment("howdy"))
	require.NoError(t, s.Save(ctx))
	require.Equal(t, "main-v2", s.Branch())

	s.Set(NewReplaceHeadFragment("hiya"))
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, "main-v3", s.Branch())
}

func TestIdenticalHeadRewriteIsNoop(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSession(t)

	s.Set(NewUserFragment("hi"), NewAssistantFragment("hello"))
	require.NoError(t, s.Save(ctx))
	tip := s.Tip()

	s.Set(NewReplaceHeadFragment("hello"))
	require.NoError(t, s.Save(ctx))

	assert.Equal(t, tip, s.Tip())
	branches, err := store.ListBranches(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}

func TestOverwriteInPlaceMode(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSession(t, WithCommitMode(CommitModeOverwriteInPlace))

	s.Set(NewUserFragment("hi"), NewAssistantFragment("hello"))
	require.NoError(t, s.Save(ctx))
	tip := s.Tip()

	s.Set(NewReplaceHeadFragment("howdy"))
	require.NoError(t, s.Save(ctx))

	assert.Equal(t, tip, s.Tip())
	branches, err := store.ListBranches(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, branches, 1)

	msg, err := store.GetMessage(ctx, "c1", tip)
	require.NoError(t, err)
	assert.Equal(t, "howdy", text(t, msg))
}

func TestNonHeadRewriteOverwritesWithoutFork(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSession(t)

	user := NewUserFragment("hi")
	s.Set(user, NewAssistantFragment("hello"))
	require.NoError(t, s.Save(ctx))
	tip := s.Tip()

	// Re-address the non-head user turn directly.
	s.Set(NewUserFragment("hi there", WithFragmentID(user.ID)))
	require.NoError(t, s.Save(ctx))

	assert.Equal(t, tip, s.Tip())
	branches, err := store.ListBranches(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, branches, 1)

	msg, err := store.GetMessage(ctx, "c1", user.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi there", text(t, msg))
}

func TestResolveIncludesStagedFragments(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	s.Set(NewUserFragment("hi"), NewAssistantFragment("hello"))
	require.NoError(t, s.Save(ctx))

	s.Set(NewUserFragment("how are you?"))
	chain, err := s.Chain(ctx, true)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "how are you?", text(t, chain[2]))

	// Without staged fragments only the persisted chain shows.
	chain, err = s.Chain(ctx, false)
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	// A staged replace-head fragment virtually swaps the last turn.
	s.staged = nil
	s.Set(NewReplaceHeadFragment("howdy"))
	chain, err = s.Chain(ctx, true)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "howdy", text(t, chain[1]))
}

func TestRewindMovesTipToAncestor(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	s.Set(NewUserFragment("one"), NewAssistantFragment("two"), NewUserFragment("three"))
	require.NoError(t, s.Save(ctx))

	chain, err := s.Chain(ctx, false)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	require.NoError(t, s.Rewind(ctx, chain[0].ID))
	assert.Equal(t, chain[0].ID, s.Tip())

	rewound, err := s.Chain(ctx, false)
	require.NoError(t, err)
	require.Len(t, rewound, 1)
	assert.Equal(t, "one", text(t, rewound[0]))

	err = s.Rewind(ctx, "not-an-ancestor")
	require.ErrorIs(t, err, chatstore.ErrNotFound)
}

// failingStore wraps a Store and fails AddMessage until disarmed.
type failingStore struct {
	chatstore.Store
	armed bool
}

var errInjected = errors.New("injected write failure")

func (f *failingStore) AddMessage(ctx context.Context, msg *chatstore.Message) error {
	if f.armed {
		return errInjected
	}
	return f.Store.AddMessage(ctx, msg)
}

func TestFailedSaveKeepsStagedBufferForRetry(t *testing.T) {
	ctx := context.Background()
	inner, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = inner.Close()
	})

	store := &failingStore{Store: inner}
	s, err := New(ctx, store, "c1", "u1")
	require.NoError(t, err)

	store.armed = true
	s.Set(NewUserFragment("hi"), NewAssistantFragment("hello"))
	err = s.Save(ctx)
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, 2, s.Staged())

	store.armed = false
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 0, s.Staged())

	chain, err := s.Chain(ctx, false)
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestOpenPreservesExistingChatOwnership(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	require.NoError(t, store.UpsertChat(ctx, &chatstore.Chat{
		ID:       "c1",
		UserID:   "owner",
		Metadata: map[string]interface{}{"total_tokens": float64(42)},
	}))

	// Read-only tooling opens sessions without knowing the owner; that must
	// not rewrite the chat row.
	_, err = New(ctx, store, "c1", "")
	require.NoError(t, err)

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "owner", chat.UserID)
	assert.Equal(t, float64(42), chat.Metadata["total_tokens"])

	// A chat seen for the first time is still created with the caller's id.
	_, err = New(ctx, store, "c2", "u2")
	require.NoError(t, err)
	chat, err = store.GetChat(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "u2", chat.UserID)
}

func TestDeleteChatResetsSession(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSession(t)

	s.Set(NewUserFragment("hi"), NewAssistantFragment("hello"))
	require.NoError(t, s.Save(ctx))

	require.NoError(t, s.DeleteChat(ctx))
	assert.Equal(t, "", s.Tip())
	assert.Equal(t, chatstore.DefaultBranchName, s.Branch())

	matches, err := store.SearchMessages(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestBatchedSaveAtScale(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 25k message scale test in short mode")
	}

	ctx := context.Background()
	s, _ := newTestSession(t)

	const total = 25000
	for i := 0; i < total; i++ {
		if i%2 == 0 {
			s.Set(NewUserFragment("ping"))
		} else {
			s.Set(NewAssistantFragment("pong"))
		}
	}
	require.NoError(t, s.SaveBatched(ctx, 500))
	assert.Equal(t, 0, s.Staged())

	chain, err := s.Chain(ctx, false)
	require.NoError(t, err)
	require.Len(t, chain, total)
	assert.Equal(t, "ping", text(t, chain[0]))
	assert.Equal(t, "pong", text(t, chain[total-1]))
	for i := 1; i < total; i++ {
		if chain[i].ParentID != chain[i-1].ID {
			t.Fatalf("chain broken at %d", i)
		}
	}
}
