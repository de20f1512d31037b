// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/storage"
)

func TestWorkspace_SendCreatesConversation(t *testing.T) {
	store := storage.NewMemoryStore()
	w := NewWorkspace(store, replying("hey"), Options{UserID: "user-1"})
	defer w.Close()

	assert.Nil(t, w.Active())
	require.NoError(t, w.Send(context.Background(), "What is Go?"))

	sess := w.Active()
	require.NotNil(t, sess)
	assert.Equal(t, "What is Go?", sess.Conversation().Title)

	convs, err := w.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, sess.ID(), convs[0].ID)
	assert.Equal(t, "What is Go?", convs[0].Title)
}

// slowCreateStore widens the window between checking for an active
// conversation and creating one.
type slowCreateStore struct {
	storage.Store
	creates atomic.Int32
}

func (s *slowCreateStore) Create(ctx context.Context, userID, title string) (model.Conversation, error) {
	s.creates.Add(1)
	time.Sleep(50 * time.Millisecond)
	return s.Store.Create(ctx, userID, title)
}

func TestWorkspace_ConcurrentSendsCreateOneConversation(t *testing.T) {
	store := &slowCreateStore{Store: storage.NewMemoryStore()}
	w := NewWorkspace(store, replying("hey"), Options{UserID: "user-1"})
	defer w.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.Send(context.Background(), "hello")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrBusy)
		}
	}
	assert.Equal(t, int32(1), store.creates.Load())
	convs, err := w.Conversations(context.Background())
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestWorkspace_EmptySendCreatesNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	w := NewWorkspace(store, replying("hey"), Options{UserID: "user-1"})
	defer w.Close()

	assert.ErrorIs(t, w.Send(context.Background(), "  "), ErrEmptyMessage)
	convs, err := w.Conversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestWorkspace_SelectLoadsMessages(t *testing.T) {
	store := storage.NewMemoryStore()
	w := NewWorkspace(store, replying("pong"), Options{UserID: "user-1"})
	defer w.Close()

	require.NoError(t, w.Send(context.Background(), "ping"))
	id := w.Active().ID()
	w.New()
	assert.Nil(t, w.Active())

	sess, err := w.Select(context.Background(), id)
	require.NoError(t, err)
	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ping", msgs[0].Content)
	assert.Equal(t, "pong", msgs[1].Content)

	_, err = w.Select(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
	assert.Same(t, sess, w.Active())
}

func TestWorkspace_SelectClosesPrevious(t *testing.T) {
	store := storage.NewMemoryStore()
	w := NewWorkspace(store, replying("x"), Options{UserID: "user-1"})
	defer w.Close()

	a, err := w.Create(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, a.Conversation().Title)
	b, err := w.Create(context.Background(), "second")
	require.NoError(t, err)

	assert.True(t, a.Closed())
	assert.False(t, b.Closed())
}

func TestWorkspace_Rename(t *testing.T) {
	store := storage.NewMemoryStore()
	w := NewWorkspace(store, replying("x"), Options{UserID: "user-1"})
	defer w.Close()

	sess, err := w.Create(context.Background(), "old")
	require.NoError(t, err)
	require.NoError(t, w.Rename(context.Background(), sess.ID(), "  new  "))
	assert.Equal(t, "new", sess.Conversation().Title)

	conv, err := store.Get(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, "new", conv.Title)
}

func TestWorkspace_DeleteActive(t *testing.T) {
	store := storage.NewMemoryStore()
	c, writers := pipeCompleter()
	w := NewWorkspace(store, c, Options{UserID: "user-1"})
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- w.Send(context.Background(), "hello") }()
	pw := <-writers
	_, _ = io.WriteString(pw, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")

	sess := w.Active()
	require.NotNil(t, sess)
	id := sess.ID()

	require.NoError(t, w.Delete(context.Background(), id))
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Nil(t, w.Active())
	assert.True(t, sess.Closed())

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
	msgs, err := store.ListMessages(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWorkspace_Watch(t *testing.T) {
	store := storage.NewMemoryStore()
	w := NewWorkspace(store, replying("x"), Options{UserID: "user-1"})
	defer w.Close()

	changed := make(chan struct{}, 8)
	unsub, err := w.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer unsub()

	_, err = store.Create(context.Background(), "user-1", "elsewhere")
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestWorkspace_ClosedRejectsCreate(t *testing.T) {
	store := storage.NewMemoryStore()
	w := NewWorkspace(store, replying("x"), Options{UserID: "user-1"})
	w.Close()

	_, err := w.Create(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
}
