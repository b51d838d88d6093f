// Package session implements the per-conversation commit/staging engine: it
// buffers message fragments in memory and applies the branch-or-append
// policy against a chatstore.Store when saving.
package session

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/chatstore"
	"github.com/go-go-golems/grillo/pkg/events"
)

// CommitMode selects what a rewrite of the current branch head does. The
// choice is explicit: callers that regenerate turns fork, callers that edit
// in place overwrite. No call-site inference.
type CommitMode string

const (
	CommitModeForkOnDivergence CommitMode = "fork-on-divergence"
	CommitModeOverwriteInPlace CommitMode = "overwrite-in-place"
)

// Renderer consumes a resolved, ordered chain and produces a transcript in
// whatever format a consuming model or UI expects.
type Renderer interface {
	Render(msgs []*chatstore.Message) (string, error)
}

// Session owns the in-memory staged fragments and the caller's current
// branch selection for one conversation. It holds no authoritative state
// that outlives a commit; everything durable lives in the store.
type Session struct {
	store  chatstore.Store
	chatID string
	userID string

	branch string
	tip    string
	staged []Fragment
	mode   CommitMode

	publisher *events.Publisher
}

type Option func(*Session)

func WithCommitMode(mode CommitMode) Option {
	return func(s *Session) {
		s.mode = mode
	}
}

func WithPublisher(publisher *events.Publisher) Option {
	return func(s *Session) {
		s.publisher = publisher
	}
}

// New opens a session on a chat, creating the chat row by first reference
// and loading the active branch tip.
func New(ctx context.Context, store chatstore.Store, chatID string, userID string, options ...Option) (*Session, error) {
	s := &Session{
		store:  store,
		chatID: chatID,
		userID: userID,
		mode:   CommitModeForkOnDivergence,
	}
	for _, option := range options {
		option(s)
	}

	// Create the chat row only when it does not exist yet. Opening a
	// session on a known chat must not touch its stored owner or metadata.
	switch _, err := store.GetChat(ctx, chatID); {
	case errors.Is(err, chatstore.ErrNotFound):
		if err := store.UpsertChat(ctx, &chatstore.Chat{ID: chatID, UserID: userID}); err != nil {
			return nil, errors.Wrap(err, "create chat")
		}
	case err != nil:
		return nil, errors.Wrap(err, "load chat")
	}

	branch, err := store.GetActiveBranch(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "load active branch")
	}
	s.branch = branch.Name
	s.tip = branch.HeadMessageID

	log.Debug().
		Str("chat_id", chatID).
		Str("branch", s.branch).
		Str("tip", s.tip).
		Str("commit_mode", string(s.mode)).
		Msg("session opened")

	return s, nil
}

// Branch returns the branch subsequent Save/Resolve calls target.
func (s *Session) Branch() string {
	return s.branch
}

// Tip returns the session's current working tip.
func (s *Session) Tip() string {
	return s.tip
}

// Staged returns the number of fragments waiting for a save.
func (s *Session) Staged() int {
	return len(s.staged)
}

// Set buffers fragments for the next save. Pure in-memory, no I/O.
func (s *Session) Set(fragments ...Fragment) {
	s.staged = append(s.staged, fragments...)
}

// Save commits every staged fragment in staging order. A failure partway
// aborts the whole commit and keeps the staged buffer intact so the caller
// can retry; the buffer is cleared only when every fragment went through.
func (s *Session) Save(ctx context.Context) error {
	if err := s.commit(ctx, s.staged); err != nil {
		return err
	}
	s.staged = nil
	return nil
}

// SaveBatched commits the staged buffer in chunks of batchSize fragments so
// that no single commit is unbounded. Fragments of a successfully committed
// chunk are removed from the buffer before the next chunk starts.
func (s *Session) SaveBatched(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		return s.Save(ctx)
	}

	for len(s.staged) > 0 {
		n := batchSize
		if n > len(s.staged) {
			n = len(s.staged)
		}
		if err := s.commit(ctx, s.staged[:n]); err != nil {
			return err
		}
		s.staged = s.staged[n:]
	}
	s.staged = nil
	return nil
}

func (s *Session) commit(ctx context.Context, fragments []Fragment) error {
	for i, f := range fragments {
		if err := s.commitFragment(ctx, f); err != nil {
			return errors.Wrapf(err, "commit fragment %d of %d", i+1, len(fragments))
		}
	}
	return nil
}

// commitFragment applies the fork-or-append policy to a single fragment.
func (s *Session) commitFragment(ctx context.Context, f Fragment) error {
	targetID := f.resolveTargetID(s.tip)

	existing, err := s.store.GetMessage(ctx, s.chatID, targetID)
	switch {
	case errors.Is(err, chatstore.ErrNotFound):
		return s.commitAppend(ctx, f, targetID)
	case err != nil:
		return err
	}

	if targetID != s.tip {
		// Rewriting a non-head id does not affect which branch is live:
		// direct content overwrite, parent untouched.
		return s.overwrite(ctx, f, existing)
	}

	if bytes.Equal(existing.Data, f.Data) {
		// Identical rewrite of the head. Idempotent no-op.
		log.Debug().
			Str("chat_id", s.chatID).
			Str("message_id", targetID).
			Msg("conflict ignored: identical head rewrite")
		return nil
	}

	if s.mode == CommitModeOverwriteInPlace {
		return s.overwrite(ctx, f, existing)
	}
	return s.fork(ctx, f, existing)
}

func (s *Session) commitAppend(ctx context.Context, f Fragment, targetID string) error {
	msg := chatstore.NewMessage(s.chatID, f.Name, f.Type, f.Data,
		chatstore.WithID(targetID),
		chatstore.WithParentID(s.tip),
	)
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return err
	}
	if err := s.store.UpdateBranchHead(ctx, s.chatID, s.branch, targetID); err != nil {
		return err
	}
	s.tip = targetID

	return s.publish(events.Event{
		Type:      events.EventTypeCommitted,
		ChatID:    s.chatID,
		Branch:    s.branch,
		MessageID: targetID,
	})
}

func (s *Session) overwrite(ctx context.Context, f Fragment, existing *chatstore.Message) error {
	msg := chatstore.NewMessage(s.chatID, f.Name, f.Type, f.Data,
		chatstore.WithID(existing.ID),
		chatstore.WithParentID(existing.ParentID),
		chatstore.WithCreatedAt(existing.CreatedAt),
	)
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return err
	}

	return s.publish(events.Event{
		Type:      events.EventTypeCommitted,
		ChatID:    s.chatID,
		Branch:    s.branch,
		MessageID: existing.ID,
	})
}

// fork handles a divergent rewrite of the head: the new content becomes a
// sibling of the superseded head on a freshly named branch, and the session
// moves there. The superseded branch stays retrievable unchanged.
func (s *Session) fork(ctx context.Context, f Fragment, supersededHead *chatstore.Message) error {
	msg := chatstore.NewMessage(s.chatID, f.Name, f.Type, f.Data,
		chatstore.WithParentID(supersededHead.ParentID),
	)
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return err
	}

	name, err := s.nextBranchName(ctx)
	if err != nil {
		return err
	}
	if err := s.store.CreateBranch(ctx, s.chatID, name, msg.ID); err != nil {
		return err
	}
	if err := s.store.SwitchActiveBranch(ctx, s.chatID, name); err != nil {
		return err
	}

	log.Debug().
		Str("chat_id", s.chatID).
		Str("from_branch", s.branch).
		Str("to_branch", name).
		Str("superseded_head", supersededHead.ID).
		Str("new_head", msg.ID).
		Msg("forked branch on divergent head rewrite")

	s.branch = name
	s.tip = msg.ID

	return s.publish(events.Event{
		Type:      events.EventTypeForked,
		ChatID:    s.chatID,
		Branch:    name,
		MessageID: msg.ID,
	})
}

var branchVersionSuffix = regexp.MustCompile(`-v\d+$`)

// nextBranchName derives the fork name from the per-chat branch count, never
// from process-wide state: base-v{count+1} is unique within the chat.
func (s *Session) nextBranchName(ctx context.Context) (string, error) {
	branches, err := s.store.ListBranches(ctx, s.chatID)
	if err != nil {
		return "", errors.Wrap(err, "count branches")
	}

	base := branchVersionSuffix.ReplaceAllString(s.branch, "")
	if base == "" {
		base = chatstore.DefaultBranchName
	}
	return fmt.Sprintf("%s-v%d", base, len(branches)+1), nil
}

// Chain returns the active branch's persisted chain; with includeStaged, the
// not-yet-saved fragments are appended virtually so a caller can inspect an
// in-flight turn before committing.
func (s *Session) Chain(ctx context.Context, includeStaged bool) ([]*chatstore.Message, error) {
	chain, err := s.store.GetMessageChain(ctx, s.chatID, s.tip)
	if err != nil {
		return nil, errors.Wrap(err, "resolve chain")
	}
	if !includeStaged {
		return chain, nil
	}

	parent := s.tip
	for _, f := range s.staged {
		if f.Kind == FragmentKindReplaceHead && len(chain) > 0 {
			last := *chain[len(chain)-1]
			last.Name = f.Name
			last.Type = f.Type
			last.Data = f.Data
			chain[len(chain)-1] = &last
			continue
		}
		options := []chatstore.MessageOption{chatstore.WithParentID(parent)}
		if f.ID != "" {
			options = append(options, chatstore.WithID(f.ID))
		}
		virtual := chatstore.NewMessage(s.chatID, f.Name, f.Type, f.Data, options...)
		chain = append(chain, virtual)
		parent = virtual.ID
	}
	return chain, nil
}

// Resolve renders the active branch's chain (plus staged fragments) through
// the given renderer.
func (s *Session) Resolve(ctx context.Context, renderer Renderer, includeStaged bool) (string, error) {
	chain, err := s.Chain(ctx, includeStaged)
	if err != nil {
		return "", err
	}
	return renderer.Render(chain)
}

// Rewind moves the session's working tip back to an ancestor in the current
// branch without touching any other branch's data. Used to re-derive a new
// branch from a historical point.
func (s *Session) Rewind(ctx context.Context, messageID string) error {
	chain, err := s.store.GetMessageChain(ctx, s.chatID, s.tip)
	if err != nil {
		return errors.Wrap(err, "resolve chain")
	}

	for _, msg := range chain {
		if msg.ID == messageID {
			s.tip = messageID
			log.Debug().
				Str("chat_id", s.chatID).
				Str("tip", s.tip).
				Msg("session rewound")
			return nil
		}
	}
	return errors.Wrapf(chatstore.ErrNotFound, "message %s not an ancestor of %s", messageID, s.tip)
}

// SwitchBranch changes which branch subsequent Save/Resolve calls target.
func (s *Session) SwitchBranch(ctx context.Context, name string) error {
	if err := s.store.SwitchActiveBranch(ctx, s.chatID, name); err != nil {
		return err
	}

	branch, err := s.store.GetActiveBranch(ctx, s.chatID)
	if err != nil {
		return errors.Wrap(err, "load branch head")
	}
	s.branch = branch.Name
	s.tip = branch.HeadMessageID
	return nil
}

// DeleteChat cascades the whole conversation away and resets the session.
func (s *Session) DeleteChat(ctx context.Context) error {
	if err := s.store.DeleteChat(ctx, s.chatID); err != nil {
		return err
	}
	s.branch = chatstore.DefaultBranchName
	s.tip = ""
	s.staged = nil

	return s.publish(events.Event{
		Type:   events.EventTypeChatDeleted,
		ChatID: s.chatID,
	})
}

func (s *Session) publish(e events.Event) error {
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.Publish(e); err != nil {
		// Notifications are best effort; a slow or closed subscriber must
		// not fail a commit that is already durable.
		log.Warn().Err(err).Str("chat_id", e.ChatID).Msg("failed to publish store event")
	}
	return nil
}
