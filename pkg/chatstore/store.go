package chatstore

import "context"

// Store is the persistence contract for branching conversation histories.
//
// It is backend-agnostic: any transactional engine with unique lookup by id,
// atomic multi-row writes and a text-search primitive can implement it. All
// mutating operations are atomic with respect to their own row set — a
// message write and its search-entry update commit or fail together.
type Store interface {
	// UpsertChat idempotently creates or updates a chat row.
	UpsertChat(ctx context.Context, chat *Chat) error

	// GetChat returns a chat by id, or ErrNotFound.
	GetChat(ctx context.Context, chatID string) (*Chat, error)

	// AddMessage inserts a message or overwrites the existing row with the
	// same id, replacing its search entry in the same unit of work. It fails
	// with ErrInvalidReference when the message is its own parent.
	AddMessage(ctx context.Context, msg *Message) error

	// GetMessage returns a single message by id, or ErrNotFound.
	GetMessage(ctx context.Context, chatID string, id string) (*Message, error)

	// GetMessageChain walks parent pointers from headID and returns the
	// root→head ordered sequence. The walk is iterative and cycle-safe; a
	// dangling parent truncates the chain, a missing head yields an empty
	// chain. It never fails on absent rows.
	GetMessageChain(ctx context.Context, chatID string, headID string) ([]*Message, error)

	// ListBranches returns every branch of a chat in creation order.
	ListBranches(ctx context.Context, chatID string) ([]*Branch, error)

	// GetActiveBranch returns the branch the chat currently points at. An
	// unknown chat or a missing branch row resolves to the default branch
	// with an empty head rather than an error.
	GetActiveBranch(ctx context.Context, chatID string) (*Branch, error)

	// SwitchActiveBranch makes name the chat's active branch. The branch
	// must exist; otherwise ErrNotFound.
	SwitchActiveBranch(ctx context.Context, chatID string, name string) error

	// CreateBranch creates a new branch pointing at headID.
	CreateBranch(ctx context.Context, chatID string, name string, headID string) error

	// UpdateBranchHead moves a branch tip, creating the branch row if the
	// chat has never been written before.
	UpdateBranchHead(ctx context.Context, chatID string, name string, headID string) error

	// DeleteChat removes the chat and cascades to all its messages, branches
	// and search entries. No residue remains queryable afterwards.
	DeleteChat(ctx context.Context, chatID string) error

	// SearchMessages runs a full-text query scoped strictly to one chat,
	// reflecting only current message content.
	SearchMessages(ctx context.Context, chatID string, query string) ([]SearchMatch, error)

	Close() error
}
