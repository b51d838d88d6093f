// Package sqlite implements the chatstore persistence contract on top of
// SQLite, using an FTS5 virtual table for per-chat full-text search.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/go-go-golems/grillo/pkg/chatstore"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    active_branch TEXT NOT NULL DEFAULT 'main',
    created_at TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS messages (
    chat_id TEXT NOT NULL,
    id TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (chat_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(chat_id, parent_id);

CREATE TABLE IF NOT EXISTS branches (
    chat_id TEXT NOT NULL,
    name TEXT NOT NULL,
    head_message_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (chat_id, name)
);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    chat_id UNINDEXED,
    message_id UNINDEXED,
    content
);
`

// Store implements chatstore.Store on a single SQLite database.
type Store struct {
	db *sql.DB
}

var _ chatstore.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at dsn and migrates the schema.
// Use ":memory:" for an ephemeral store.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	// A single connection keeps ":memory:" databases coherent across the
	// pool and sidesteps SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, wrapBackendErr("migrate", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schemaV1)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// wrapBackendErr maps SQLite resource failures onto the typed chatstore
// taxonomy and wraps everything else with context.
func wrapBackendErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// Mask the extended result code down to its primary code so that
		// e.g. SQLITE_IOERR_WRITE still maps onto SQLITE_IOERR.
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR:
			return &chatstore.StorageError{Op: op, Code: serr.Code(), Kind: chatstore.ErrStorageExhausted, Err: err}
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return &chatstore.StorageError{Op: op, Code: serr.Code(), Kind: chatstore.ErrCorrupted, Err: err}
		}
	}
	return errors.Wrap(err, op)
}

func (s *Store) UpsertChat(ctx context.Context, chat *chatstore.Chat) error {
	metadata := chat.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "marshal chat metadata")
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO chats (id, user_id, metadata) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    user_id = excluded.user_id,
    metadata = excluded.metadata
`, chat.ID, chat.UserID, string(b))
	return wrapBackendErr("upsert chat", err)
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*chatstore.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, metadata FROM chats WHERE id = ?`, chatID)

	chat := &chatstore.Chat{}
	var metadata string
	switch err := row.Scan(&chat.ID, &chat.UserID, &metadata); err {
	case nil:
	case sql.ErrNoRows:
		return nil, errors.Wrapf(chatstore.ErrNotFound, "chat %s", chatID)
	default:
		return nil, wrapBackendErr("get chat", err)
	}

	if err := json.Unmarshal([]byte(metadata), &chat.Metadata); err != nil {
		return nil, errors.Wrap(err, "unmarshal chat metadata")
	}
	return chat, nil
}

// ensureChat creates the chat row on first reference.
func ensureChat(ctx context.Context, tx *sql.Tx, chatID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO chats (id) VALUES (?)`, chatID)
	return err
}

func (s *Store) AddMessage(ctx context.Context, msg *chatstore.Message) error {
	if msg.ParentID != "" && msg.ParentID == msg.ID {
		return errors.Wrapf(chatstore.ErrInvalidReference, "message %s", msg.ID)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBackendErr("begin add message", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := ensureChat(ctx, tx, msg.ChatID); err != nil {
		return wrapBackendErr("ensure chat", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO messages (chat_id, id, parent_id, name, type, data, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id, id) DO UPDATE SET
    parent_id = excluded.parent_id,
    name = excluded.name,
    type = excluded.type,
    data = excluded.data
`, msg.ChatID, msg.ID, msg.ParentID, msg.Name, msg.Type, string(msg.Data), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return wrapBackendErr("write message", err)
	}

	// Replace the search entry in the same transaction so that a message and
	// its index entry commit or fail together, and overwrites never leave a
	// stale duplicate behind.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE chat_id = ? AND message_id = ?`,
		msg.ChatID, msg.ID)
	if err != nil {
		return wrapBackendErr("drop search entry", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages_fts (chat_id, message_id, content) VALUES (?, ?, ?)`,
		msg.ChatID, msg.ID, chatstore.ExtractText(msg.Data))
	if err != nil {
		return wrapBackendErr("write search entry", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapBackendErr("commit add message", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, chatID string, id string) (*chatstore.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `
SELECT chat_id, id, parent_id, name, type, data, created_at
FROM messages WHERE chat_id = ? AND id = ?`, chatID, id))
}

func scanMessage(row *sql.Row) (*chatstore.Message, error) {
	msg := &chatstore.Message{}
	var data string
	var createdAt string
	err := row.Scan(&msg.ChatID, &msg.ID, &msg.ParentID, &msg.Name, &msg.Type, &data, &createdAt)
	switch err {
	case nil:
	case sql.ErrNoRows:
		return nil, chatstore.ErrNotFound
	default:
		return nil, wrapBackendErr("get message", err)
	}

	msg.Data = json.RawMessage(data)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		msg.CreatedAt = t
	}
	return msg, nil
}

// GetMessageChain walks parent pointers iteratively from headID. The visited
// set guards against parent cycles written by a corrupted or interfering
// backend; a dangling parent truncates the chain instead of failing.
func (s *Store) GetMessageChain(ctx context.Context, chatID string, headID string) ([]*chatstore.Message, error) {
	var reversed []*chatstore.Message
	visited := map[string]struct{}{}

	cur := headID
	for cur != "" {
		if _, ok := visited[cur]; ok {
			log.Warn().
				Str("chat_id", chatID).
				Str("message_id", cur).
				Msg("parent cycle detected, truncating chain")
			break
		}
		visited[cur] = struct{}{}

		msg, err := s.GetMessage(ctx, chatID, cur)
		if err != nil {
			if errors.Is(err, chatstore.ErrNotFound) {
				// Dangling pointer: return what we collected so far.
				break
			}
			return nil, err
		}

		reversed = append(reversed, msg)
		cur = msg.ParentID
	}

	chain := make([]*chatstore.Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		chain = append(chain, reversed[i])
	}
	return chain, nil
}

func (s *Store) ListBranches(ctx context.Context, chatID string) ([]*chatstore.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chat_id, name, head_message_id
FROM branches WHERE chat_id = ?
ORDER BY created_at ASC, name ASC`, chatID)
	if err != nil {
		return nil, wrapBackendErr("list branches", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var branches []*chatstore.Branch
	for rows.Next() {
		b := &chatstore.Branch{}
		if err := rows.Scan(&b.ChatID, &b.Name, &b.HeadMessageID); err != nil {
			return nil, wrapBackendErr("scan branch", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (s *Store) GetActiveBranch(ctx context.Context, chatID string) (*chatstore.Branch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT active_branch FROM chats WHERE id = ?`, chatID)

	name := chatstore.DefaultBranchName
	switch err := row.Scan(&name); err {
	case nil, sql.ErrNoRows:
		// An unknown chat resolves to the default branch with no head.
	default:
		return nil, wrapBackendErr("get active branch", err)
	}

	branch := &chatstore.Branch{ChatID: chatID, Name: name}
	row = s.db.QueryRowContext(ctx,
		`SELECT head_message_id FROM branches WHERE chat_id = ? AND name = ?`,
		chatID, name)
	switch err := row.Scan(&branch.HeadMessageID); err {
	case nil, sql.ErrNoRows:
		return branch, nil
	default:
		return nil, wrapBackendErr("get branch head", err)
	}
}

func (s *Store) SwitchActiveBranch(ctx context.Context, chatID string, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBackendErr("begin switch active branch", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT 1 FROM branches WHERE chat_id = ? AND name = ?`, chatID, name)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
	case sql.ErrNoRows:
		return errors.Wrapf(chatstore.ErrNotFound, "branch %s in chat %s", name, chatID)
	default:
		return wrapBackendErr("check branch", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE chats SET active_branch = ? WHERE id = ?`, name, chatID)
	if err != nil {
		return wrapBackendErr("switch active branch", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapBackendErr("switch active branch", err)
	}
	if affected == 0 {
		return errors.Wrapf(chatstore.ErrNotFound, "chat %s", chatID)
	}

	return wrapBackendErr("commit switch active branch", tx.Commit())
}

func (s *Store) CreateBranch(ctx context.Context, chatID string, name string, headID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBackendErr("begin create branch", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := ensureChat(ctx, tx, chatID); err != nil {
		return wrapBackendErr("ensure chat", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO branches (chat_id, name, head_message_id) VALUES (?, ?, ?)`,
		chatID, name, headID)
	if err != nil {
		return wrapBackendErr("create branch", err)
	}

	return wrapBackendErr("commit create branch", tx.Commit())
}

func (s *Store) UpdateBranchHead(ctx context.Context, chatID string, name string, headID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBackendErr("begin update branch head", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := ensureChat(ctx, tx, chatID); err != nil {
		return wrapBackendErr("ensure chat", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO branches (chat_id, name, head_message_id) VALUES (?, ?, ?)
ON CONFLICT(chat_id, name) DO UPDATE SET head_message_id = excluded.head_message_id
`, chatID, name, headID)
	if err != nil {
		return wrapBackendErr("update branch head", err)
	}

	return wrapBackendErr("commit update branch head", tx.Commit())
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBackendErr("begin delete chat", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range []string{
		`DELETE FROM messages_fts WHERE chat_id = ?`,
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM branches WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, chatID); err != nil {
			return wrapBackendErr("delete chat", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapBackendErr("commit delete chat", err)
	}

	log.Debug().Str("chat_id", chatID).Msg("chat deleted with cascade")
	return nil
}

func (s *Store) SearchMessages(ctx context.Context, chatID string, query string) ([]chatstore.SearchMatch, error) {
	ftsQuery := sanitizeFTS(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, snippet(messages_fts, 2, '[', ']', '…', 12)
FROM messages_fts
WHERE messages_fts MATCH ? AND chat_id = ?
ORDER BY rank`, ftsQuery, chatID)
	if err != nil {
		return nil, wrapBackendErr("search messages", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var matches []chatstore.SearchMatch
	for rows.Next() {
		var m chatstore.SearchMatch
		if err := rows.Scan(&m.MessageID, &m.Snippet); err != nil {
			return nil, wrapBackendErr("scan search match", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// sanitizeFTS wraps each term in quotes so FTS5 doesn't choke on special
// characters. "fix auth bug" → `"fix" "auth" "bug"`. Quotes inside a term
// are doubled, which is how FTS5 escapes them within a string.
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}
