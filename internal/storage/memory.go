// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/mitar/internal/model"
)

// MemoryStore is a process-local Store. Nothing survives Close.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]model.Conversation
	messages map[string][]model.Message
	seq      map[string]uint64 // message ID -> insertion order
	nextSeq  uint64
	closed   bool
	feed     *changeFeed

	// now is replaceable so tests can control timestamps.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]model.Conversation),
		messages: make(map[string][]model.Message),
		seq:      make(map[string]uint64),
		feed:     newChangeFeed(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, userID, title string) (model.Conversation, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Conversation{}, &PersistenceError{Op: "create conversation", Err: ErrClosed}
	}
	conv := model.NewConversation(userID, title)
	now := s.now()
	conv.CreatedAt, conv.UpdatedAt = now, now
	s.convs[conv.ID] = conv
	s.mu.Unlock()

	s.feed.publish(userID)
	return conv, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make([]model.Conversation, 0)
	for _, c := range s.convs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Conversation{}, ErrClosed
	}
	c, ok := s.convs[id]
	if !ok {
		return model.Conversation{}, ErrConversationNotFound
	}
	return c, nil
}

// Rename implements Store.
func (s *MemoryStore) Rename(ctx context.Context, id, title string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &PersistenceError{Op: "rename conversation", Err: ErrClosed}
	}
	c, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	c.Title = title
	c.UpdatedAt = s.now()
	s.convs[id] = c
	s.mu.Unlock()

	s.feed.publish(c.UserID)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &PersistenceError{Op: "delete conversation", Err: ErrClosed}
	}
	c, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	for _, m := range s.messages[id] {
		delete(s.seq, m.ID)
	}
	delete(s.messages, id)
	delete(s.convs, id)
	s.mu.Unlock()

	s.feed.publish(c.UserID)
	return nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(ctx context.Context, userID, conversationID string, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Message{}, &PersistenceError{Op: "append message", Err: ErrClosed}
	}
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, &PersistenceError{Op: "append message", Err: ErrConversationNotFound}
	}

	stored := msg.Clone()
	stored.ID = model.NewID()
	stored.ConversationID = conversationID
	stored.CreatedAt = s.now()
	stored.Streaming = false
	s.messages[conversationID] = append(s.messages[conversationID], stored)
	s.seq[stored.ID] = s.nextSeq
	s.nextSeq++

	c.UpdatedAt = stored.CreatedAt
	s.convs[conversationID] = c
	s.mu.Unlock()

	s.feed.publish(userID)
	return stored.Clone(), nil
}

// ListMessages implements Store.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	src := s.messages[conversationID]
	out := make([]model.Message, len(src))
	for i, m := range src {
		out[i] = m.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return s.seq[out[i].ID] < s.seq[out[j].ID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(userID string, onChange func()) (func(), error) {
	return s.feed.subscribe(userID, onChange)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.feed.close()
	return nil
}
