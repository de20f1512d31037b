// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/model"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store persists conversations and messages for one or more identities.
// All write failures are returned as *PersistenceError. Implementations
// are safe for concurrent use.
type Store interface {
	// Create inserts a new conversation owned by userID.
	Create(ctx context.Context, userID, title string) (model.Conversation, error)

	// List returns the conversations of userID, most recently updated first.
	List(ctx context.Context, userID string) ([]model.Conversation, error)

	// Get returns a single conversation or ErrConversationNotFound.
	Get(ctx context.Context, id string) (model.Conversation, error)

	// Rename sets the title and bumps UpdatedAt.
	Rename(ctx context.Context, id, title string) error

	// Delete removes the messages of a conversation, then the conversation.
	// The two steps are independent; a failure between them leaves an empty
	// conversation behind.
	Delete(ctx context.Context, id string) error

	// AppendMessage persists msg. The store assigns the ID and CreatedAt of
	// the returned record.
	AppendMessage(ctx context.Context, userID, conversationID string, msg model.Message) (model.Message, error)

	// ListMessages returns the messages of a conversation, oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)

	// Subscribe registers onChange for mutations visible to userID. Calls are
	// coalesced and carry no payload. The returned function unsubscribes.
	Subscribe(userID string, onChange func()) (func(), error)

	// Close releases the store.
	Close() error
}

// =============================================================================
// OPEN
// =============================================================================

// Backend names reported by BackendFor.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// BackendFor returns the backend a DSN selects and the backend-specific
// remainder of the DSN.
func BackendFor(dsn string) (backend, rest string) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return BackendPostgres, dsn
	case dsn == "memory:" || dsn == "memory":
		return BackendMemory, ""
	case strings.HasPrefix(dsn, "sqlite://"):
		return BackendSQLite, strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "file:"):
		return BackendSQLite, strings.TrimPrefix(dsn, "file:")
	default:
		return BackendSQLite, dsn
	}
}

// Open creates the store selected by dsn.
func Open(ctx context.Context, dsn string) (Store, error) {
	backend, rest := BackendFor(dsn)
	log.WithField("backend", backend).Debug("opening conversation store")

	switch backend {
	case BackendPostgres:
		return OpenPostgres(ctx, rest)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		if rest == "" {
			return nil, fmt.Errorf("empty sqlite path in store dsn")
		}
		return OpenSQLite(ctx, rest)
	}
}
