// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jeranaias/mitar/internal/model"
)

// notifyChannel is the LISTEN/NOTIFY channel. The payload is the user ID
// whose data changed.
const notifyChannel = "mitar_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

// conversationRow is the gorm model of the conversations table.
type conversationRow struct {
	ID        string    `gorm:"primaryKey;type:text"`
	UserID    string    `gorm:"type:text;not null;index:idx_conversations_user"`
	Title     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index:idx_conversations_user"`
}

func (conversationRow) TableName() string { return "conversations" }

// messageRow is the gorm model of the messages table.
type messageRow struct {
	Seq            int64     `gorm:"primaryKey;autoIncrement"`
	ID             string    `gorm:"type:text;uniqueIndex;not null"`
	ConversationID string    `gorm:"type:text;not null;index:idx_messages_conversation"`
	UserID         string    `gorm:"type:text;not null"`
	Role           string    `gorm:"type:text;not null"`
	Content        string    `gorm:"type:text;not null"`
	Attachments    string    `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conversation"`
}

func (messageRow) TableName() string { return "messages" }

func (r conversationRow) toModel() model.Conversation {
	return model.Conversation{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (r messageRow) toModel() (model.Message, error) {
	role, err := model.ParseRole(r.Role)
	if err != nil {
		return model.Message{}, err
	}
	m := model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           role,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.Attachments != "" && r.Attachments != "[]" {
		if err := json.Unmarshal([]byte(r.Attachments), &m.Attachments); err != nil {
			log.WithError(err).WithField("message", r.ID).Warn("dropping unreadable attachments")
		}
	}
	return m, nil
}

// PostgresStore is a Store backed by PostgreSQL. Mutations are announced
// with NOTIFY so every process sharing the database sees them.
type PostgresStore struct {
	db       *gorm.DB
	listener *pq.Listener
	feed     *changeFeed
	done     chan struct{}

	closeOnce sync.Once
}

// OpenPostgres connects to dsn, migrates the schema and starts listening
// for change notifications.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	return openPostgres(ctx, postgres.Open(dsn), func() (*pq.Listener, error) {
		return listenForChanges(dsn)
	})
}

// openPostgres owns the pool it opens: every failure after the connection
// closes it again.
func openPostgres(ctx context.Context, dialector gorm.Dialector, listen func() (*pq.Listener, error)) (*PostgresStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	if err := db.WithContext(ctx).AutoMigrate(&conversationRow{}, &messageRow{}); err != nil {
		closePool(db)
		return nil, errors.Wrap(err, "migrate schema")
	}
	listener, err := listen()
	if err != nil {
		closePool(db)
		return nil, err
	}

	s := &PostgresStore{
		db:       db,
		listener: listener,
		feed:     newChangeFeed(),
		done:     make(chan struct{}),
	}
	go s.listen()
	return s, nil
}

func listenForChanges(dsn string) (*pq.Listener, error) {
	listener := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).WithField("event", ev).Warn("change listener event")
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "listen for changes")
	}
	return listener, nil
}

func closePool(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.WithError(err).Debug("closing postgres pool")
		}
	}
}

// listen forwards notifications to the feed. A nil notification means the
// connection was re-established and changes may have been missed.
func (s *PostgresStore) listen() {
	defer close(s.done)
	for n := range s.listener.Notify {
		if n == nil {
			s.feed.publish("")
			continue
		}
		s.feed.publish(n.Extra)
	}
}

// notify announces a change for userID to every listening process,
// this one included.
func (s *PostgresStore) notify(ctx context.Context, userID string) {
	if err := s.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", notifyChannel, userID).Error; err != nil {
		log.WithError(err).Warn("failed to publish change notification")
		s.feed.publish(userID)
	}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, userID, title string) (model.Conversation, error) {
	conv := model.NewConversation(userID, title)
	row := conversationRow{
		ID:        conv.ID,
		UserID:    conv.UserID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.Conversation{}, persistErr("create conversation", err, "insert conversation")
	}
	s.notify(ctx, userID)
	return row.toModel(), nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, userID string) ([]model.Conversation, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query conversations")
	}
	out := make([]model.Conversation, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (model.Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return model.Conversation{}, errors.Wrap(err, "query conversation")
	}
	return row.toModel(), nil
}

// Rename implements Store.
func (s *PostgresStore) Rename(ctx context.Context, id, title string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return persistErr("rename conversation", err, "update conversation")
	}
	s.notify(ctx, conv.UserID)
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	if err := db.Where("conversation_id = ?", id).Delete(&messageRow{}).Error; err != nil {
		return persistErr("delete conversation", err, "delete messages")
	}
	if err := db.Where("id = ?", id).Delete(&conversationRow{}).Error; err != nil {
		return persistErr("delete conversation", err, "delete conversation")
	}
	s.notify(ctx, conv.UserID)
	return nil
}

// AppendMessage implements Store.
func (s *PostgresStore) AppendMessage(ctx context.Context, userID, conversationID string, msg model.Message) (model.Message, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return model.Message{}, &PersistenceError{Op: "append message", Err: err}
	}

	atts, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return model.Message{}, &PersistenceError{Op: "append message", Err: err}
	}
	row := messageRow{
		ID:             model.NewID(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           msg.Role.String(),
		Content:        msg.Content,
		Attachments:    atts,
		CreatedAt:      time.Now().UTC(),
	}
	db := s.db.WithContext(ctx)
	if err := db.Create(&row).Error; err != nil {
		return model.Message{}, &PersistenceError{Op: "append message", Err: errors.Wrap(err, "insert message")}
	}
	if err := db.Model(&conversationRow{}).Where("id = ?", conversationID).
		Update("updated_at", row.CreatedAt).Error; err != nil {
		log.WithError(err).WithField("conversation", conversationID).Warn("failed to bump conversation timestamp")
	}

	s.notify(ctx, userID)
	stored, err := row.toModel()
	if err != nil {
		return model.Message{}, &PersistenceError{Op: "append message", Err: err}
	}
	stored.Attachments = model.CloneAttachments(msg.Attachments)
	return stored, nil
}

// ListMessages implements Store.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	out := make([]model.Message, len(rows))
	for i, r := range rows {
		if out[i], err = r.toModel(); err != nil {
			return nil, errors.Wrapf(err, "read message %s", r.ID)
		}
	}
	return out, nil
}

// Subscribe implements Store.
func (s *PostgresStore) Subscribe(userID string, onChange func()) (func(), error) {
	return s.feed.subscribe(userID, onChange)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if lerr := s.listener.Close(); lerr != nil {
			log.WithError(lerr).Debug("closing change listener")
		}
		<-s.done
		s.feed.close()
		if sqlDB, derr := s.db.DB(); derr == nil {
			err = sqlDB.Close()
		}
	})
	return err
}
