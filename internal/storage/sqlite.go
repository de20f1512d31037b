// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/mitar/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	user_id         TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	attachments     TEXT NOT NULL DEFAULT '[]',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

// SQLiteStore is a Store backed by a single SQLite file. Writes from other
// processes are picked up by watching the database file.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	feed    *changeFeed
	watcher *fileWatcher

	closeOnce sync.Once
}

// OpenSQLite opens or creates the database at path and starts watching it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", p)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}

	s := &SQLiteStore{
		db:   db,
		path: path,
		feed: newChangeFeed(),
	}

	w, err := newFileWatcher(path, func() { s.feed.publish("") })
	if err != nil {
		// Same-process notifications still work without the watcher.
		log.WithError(err).WithField("path", path).Warn("database watch unavailable")
	} else {
		s.watcher = w
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, userID, title string) (model.Conversation, error) {
	conv := model.NewConversation(userID, title)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano())
	if err != nil {
		return model.Conversation{}, persistErr("create conversation", err, "insert conversation")
	}
	s.feed.publish(userID)
	return conv, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations
		 WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query conversations")
	}
	defer rows.Close()

	out := make([]model.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate conversations")
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrConversationNotFound
	}
	return c, err
}

// Rename implements Store.
func (s *SQLiteStore) Rename(ctx context.Context, id, title string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return persistErr("rename conversation", err, "update conversation")
	}
	s.feed.publish(conv.UserID)
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return persistErr("delete conversation", err, "delete messages")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return persistErr("delete conversation", err, "delete conversation")
	}
	s.feed.publish(conv.UserID)
	return nil
}

// AppendMessage implements Store.
func (s *SQLiteStore) AppendMessage(ctx context.Context, userID, conversationID string, msg model.Message) (model.Message, error) {
	stored := msg.Clone()
	stored.ID = model.NewID()
	stored.ConversationID = conversationID
	stored.CreatedAt = time.Now().UTC()
	stored.Streaming = false

	atts, err := encodeAttachments(stored.Attachments)
	if err != nil {
		return model.Message{}, &PersistenceError{Op: "append message", Err: err}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, role, content, attachments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, conversationID, userID, stored.Role.String(), stored.Content, atts, stored.CreatedAt.UnixNano())
	if err != nil {
		return model.Message{}, &PersistenceError{Op: "append message", Err: errors.Wrap(err, "insert message")}
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		stored.CreatedAt.UnixNano(), conversationID); err != nil {
		log.WithError(err).WithField("conversation", conversationID).Warn("failed to bump conversation timestamp")
	}

	s.feed.publish(userID)
	return stored, nil
}

// ListMessages implements Store.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, attachments, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	out := make([]model.Message, 0)
	for rows.Next() {
		var (
			m       model.Message
			role    string
			atts    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &atts, &created); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if m.Role, err = model.ParseRole(role); err != nil {
			return nil, errors.Wrapf(err, "read message %s", m.ID)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		if m.Attachments, err = decodeAttachments(atts); err != nil {
			log.WithError(err).WithField("message", m.ID).Warn("dropping unreadable attachments")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

// Subscribe implements Store.
func (s *SQLiteStore) Subscribe(userID string, onChange func()) (func(), error) {
	return s.feed.subscribe(userID, onChange)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.feed.close()
		err = s.db.Close()
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (model.Conversation, error) {
	var (
		c                model.Conversation
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, errors.Wrap(err, "scan conversation")
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return c, nil
}

func encodeAttachments(atts []model.Attachment) (string, error) {
	if len(atts) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return "", errors.Wrap(err, "encode attachments")
	}
	return string(data), nil
}

func decodeAttachments(raw string) ([]model.Attachment, error) {
	if raw == "" || raw == "[]" || raw == "null" {
		return nil, nil
	}
	var atts []model.Attachment
	if err := json.Unmarshal([]byte(raw), &atts); err != nil {
		return nil, errors.Wrap(err, "decode attachments")
	}
	return atts, nil
}
