// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/storage"
)

// Workspace tracks the conversation list of one user and the session of
// the active conversation.
type Workspace struct {
	mu sync.Mutex

	// sendMu serializes the implicit create in Send.
	sendMu sync.Mutex

	store     storage.Store
	completer Completer
	opts      Options

	active *Session
	closed bool
}

// NewWorkspace creates a workspace with no active conversation.
func NewWorkspace(store storage.Store, completer Completer, opts Options) *Workspace {
	return &Workspace{
		store:     store,
		completer: completer,
		opts:      opts.withDefaults(),
	}
}

// UserID returns the owner of the workspace.
func (w *Workspace) UserID() string {
	return w.opts.UserID
}

// Conversations lists the user's conversations, most recent first.
func (w *Workspace) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return w.store.List(ctx, w.opts.UserID)
}

// Active returns the active session or nil.
func (w *Workspace) Active() *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Select makes conversation id active and loads its messages. The
// previously active session is closed.
func (w *Workspace) Select(ctx context.Context, id string) (*Session, error) {
	conv, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sess := NewSession(conv, w.store, w.completer, w.opts)
	if err := sess.Load(ctx); err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		sess.Close()
		return nil, ErrClosed
	}
	prev := w.active
	w.active = sess
	w.mu.Unlock()

	if prev != nil && prev != sess {
		prev.Close()
	}
	return sess, nil
}

// New clears the active conversation. The next Send creates one.
func (w *Workspace) New() {
	w.mu.Lock()
	prev := w.active
	w.active = nil
	w.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// Create persists a new conversation and makes it active.
func (w *Workspace) Create(ctx context.Context, title string) (*Session, error) {
	if strings.TrimSpace(title) == "" {
		title = model.DefaultTitle
	}
	conv, err := w.store.Create(ctx, w.opts.UserID, title)
	if err != nil {
		return nil, err
	}
	log.WithField("conversation", conv.ID).Debug("conversation created")

	sess := NewSession(conv, w.store, w.completer, w.opts)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		sess.Close()
		return nil, ErrClosed
	}
	prev := w.active
	w.active = sess
	w.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return sess, nil
}

// Send sends to the active conversation, creating one titled "New Chat"
// first when none is active.
func (w *Workspace) Send(ctx context.Context, text string, attachments ...model.Attachment) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}

	sess, err := w.activeOrCreate(ctx)
	if err != nil {
		return err
	}
	return sess.Send(ctx, text, attachments...)
}

func (w *Workspace) activeOrCreate(ctx context.Context) (*Session, error) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if sess := w.Active(); sess != nil {
		return sess, nil
	}
	return w.Create(ctx, model.DefaultTitle)
}

// Rename sets a conversation title.
func (w *Workspace) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultTitle
	}
	if err := w.store.Rename(ctx, id, title); err != nil {
		return err
	}
	if sess := w.Active(); sess != nil && sess.ID() == id {
		sess.setTitle(title)
	}
	return nil
}

// Delete removes a conversation. Deleting the active conversation closes
// its session first.
func (w *Workspace) Delete(ctx context.Context, id string) error {
	w.mu.Lock()
	var closing *Session
	if w.active != nil && w.active.ID() == id {
		closing = w.active
		w.active = nil
	}
	w.mu.Unlock()

	if closing != nil {
		closing.Close()
	}
	return w.store.Delete(ctx, id)
}

// Watch calls onChange whenever the user's data changes in the store,
// including changes made by other processes.
func (w *Workspace) Watch(onChange func()) (func(), error) {
	return w.store.Subscribe(w.opts.UserID, onChange)
}

// Close closes the active session. The store stays open.
func (w *Workspace) Close() {
	w.mu.Lock()
	w.closed = true
	prev := w.active
	w.active = nil
	w.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}
