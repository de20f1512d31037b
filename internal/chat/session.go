// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/cloud"
	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/storage"
	"github.com/jeranaias/mitar/internal/stream"
	"github.com/jeranaias/mitar/internal/telemetry"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Completer opens a completion stream for a history. *cloud.Client
// implements it.
type Completer interface {
	Open(ctx context.Context, history []cloud.ChatMessage) (io.ReadCloser, error)
}

// Options configures sessions.
type Options struct {
	// UserID owns new conversations and persisted messages.
	UserID string

	// ContextWindow is how many trailing messages are sent (default 20).
	ContextWindow int

	// TitleLength is the rune limit of derived titles (default 50).
	TitleLength int

	// IdleTimeout stops a stream that stays silent this long (default 60s).
	// Negative disables it.
	IdleTimeout time.Duration

	// MaxLineSize bounds one event-stream line in bytes (default 1MB).
	MaxLineSize int

	// Usage receives a sample per stream when set.
	Usage *telemetry.UsageTracker
}

// Defaults for Options.
const (
	DefaultContextWindow = 20
	DefaultIdleTimeout   = 60 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ContextWindow <= 0 {
		o.ContextWindow = DefaultContextWindow
	}
	if o.TitleLength <= 0 {
		o.TitleLength = model.DefaultTitleLength
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	return o
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the send pipeline of a single conversation. It is safe for
// concurrent use; renderers may read while a send is running.
type Session struct {
	mu sync.Mutex

	conv      model.Conversation
	store     storage.Store
	completer Completer
	opts      Options

	messages []model.Message
	state    State
	lastErr  string
	closed   bool
	cancel   context.CancelFunc // in-flight send

	observers map[int]func(Event)
	nextObsID int
	notifyMu  sync.Mutex // serializes observer delivery
}

// NewSession creates a session for conv. Call Load to fill it from the
// store.
func NewSession(conv model.Conversation, store storage.Store, completer Completer, opts Options) *Session {
	return &Session{
		conv:      conv,
		store:     store,
		completer: completer,
		opts:      opts.withDefaults(),
		observers: make(map[int]func(Event)),
	}
}

// Conversation returns the conversation record as last seen.
func (s *Session) Conversation() model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// ID returns the conversation ID.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending reports whether a send is in flight.
func (s *Session) Pending() bool {
	return s.State().Busy()
}

// Err returns the last error as a single human-readable line.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ClearErr forgets the last error.
func (s *Session) ClearErr() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.emit()
}

// Messages returns a snapshot of the messages, oldest first.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn for every change. The returned function removes
// it. fn is never called concurrently with itself.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Load replaces the in-memory messages with the persisted ones.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Busy() {
		s.mu.Unlock()
		return ErrBusy
	}
	convID := s.conv.ID
	s.mu.Unlock()

	msgs, err := s.store.ListMessages(ctx, convID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Busy() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.messages = msgs
	s.mu.Unlock()
	s.emit()
	return nil
}

// Close tears the session down. An in-flight stream is cancelled and its
// partial content discarded; later sends fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.removeStreamingLocked()
	s.state = StateIdle
	s.mu.Unlock()

	s.emit()

	s.mu.Lock()
	s.observers = make(map[int]func(Event))
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// setTitle records a title change made outside the session.
func (s *Session) setTitle(title string) {
	s.mu.Lock()
	s.conv.Title = title
	s.mu.Unlock()
	s.emit()
}

// =============================================================================
// SEND PIPELINE
// =============================================================================

// Send runs one exchange and blocks until it finishes. Rejections
// (ErrEmptyMessage, ErrBusy, ErrClosed) leave the session untouched. Any
// other failure removes the placeholder, keeps the optimistic user message,
// records Describe(err) as the session error and returns err.
func (s *Session) Send(ctx context.Context, text string, attachments ...model.Attachment) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		telemetry.RecordSend(telemetry.OutcomeRejected)
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Busy() {
		s.mu.Unlock()
		telemetry.RecordSend(telemetry.OutcomeRejected)
		return ErrBusy
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	conv := s.conv
	firstExchange := len(s.messages) == 0
	user := model.NewUserMessage(conv.ID, text, attachments)
	s.messages = append(s.messages, user)
	s.state = StateSending
	s.lastErr = ""
	s.mu.Unlock()
	s.emit()

	log.WithFields(log.Fields{
		"conversation": conv.ID,
		"attachments":  len(attachments),
	}).Debug("sending message")

	// Sending: persist the user message.
	stored, err := s.store.AppendMessage(sendCtx, s.opts.UserID, conv.ID, user)
	if err != nil {
		return s.fail(err, "")
	}

	// Streaming: placeholder plus request with the trailing window.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.replaceLocked(user.ID, stored)
	history := s.windowLocked()
	placeholder := model.NewPlaceholder(conv.ID)
	s.messages = append(s.messages, placeholder)
	s.state = StateStreaming
	s.mu.Unlock()
	s.emit()

	content, err := s.receive(sendCtx, history, placeholder.ID)
	if err != nil {
		return s.fail(err, placeholder.ID)
	}

	// Finalizing: persist the response and derive the title.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = StateFinalizing
	if i := s.indexLocked(placeholder.ID); i >= 0 {
		s.messages[i].Streaming = false
	}
	s.mu.Unlock()
	s.emit()

	if content != "" {
		reply := model.Message{
			ConversationID: conv.ID,
			Role:           model.RoleAssistant,
			Content:        content,
		}
		persisted, err := s.store.AppendMessage(sendCtx, s.opts.UserID, conv.ID, reply)
		if err != nil {
			return s.fail(err, placeholder.ID)
		}
		s.mu.Lock()
		s.replaceLocked(placeholder.ID, persisted)
		s.mu.Unlock()
	} else {
		log.WithField("conversation", conv.ID).Warn("completion returned no content")
		s.mu.Lock()
		s.removeLocked(placeholder.ID)
		s.mu.Unlock()
	}

	if firstExchange {
		s.deriveTitle(sendCtx, conv.ID, text, attachments)
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel = nil
	}
	if !s.closed {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.emit()

	telemetry.RecordSend(telemetry.OutcomeOK)
	return nil
}

// receive opens the stream and appends every delta to the placeholder.
// It returns the full content.
func (s *Session) receive(ctx context.Context, history []model.Message, placeholderID string) (string, error) {
	start := time.Now()
	body, err := s.completer.Open(ctx, cloud.MessagesFrom(history))
	if err != nil {
		var upErr *cloud.UpstreamError
		if errors.As(err, &upErr) {
			telemetry.RecordUpstreamError(upErr.Kind.String())
		}
		s.observe(stream.Stats{}, start, err)
		return "", err
	}
	defer body.Close()

	var opts []stream.Option
	if s.opts.IdleTimeout > 0 {
		opts = append(opts, stream.WithIdleTimeout(s.opts.IdleTimeout))
	}
	if s.opts.MaxLineSize > 0 {
		opts = append(opts, stream.WithMaxLineSize(s.opts.MaxLineSize))
	}
	dec := stream.NewDecoder(body, opts...)

	var content strings.Builder
	for delta, err := range dec.Deltas() {
		if err != nil {
			s.observe(dec.Stats(), start, err)
			return "", err
		}
		content.WriteString(delta)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", ErrClosed
		}
		if i := s.indexLocked(placeholderID); i >= 0 {
			s.messages[i].Content = content.String()
		}
		s.mu.Unlock()
		s.emit()
	}

	s.observe(dec.Stats(), start, nil)
	return content.String(), nil
}

// fail moves the session through Failed back to Idle. placeholderID may be
// empty when no placeholder exists yet.
func (s *Session) fail(err error, placeholderID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		telemetry.RecordSend(telemetry.OutcomeCancelled)
		return ErrClosed
	}
	if placeholderID != "" {
		s.removeLocked(placeholderID)
	}
	s.cancel = nil
	s.lastErr = Describe(err)
	s.state = StateFailed
	s.mu.Unlock()
	s.emit()

	log.WithError(err).WithField("conversation", s.ID()).Warn("send failed")

	s.mu.Lock()
	if s.state == StateFailed {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.emit()

	if errors.Is(err, context.Canceled) {
		telemetry.RecordSend(telemetry.OutcomeCancelled)
	} else {
		telemetry.RecordSend(telemetry.OutcomeFailed)
	}
	return err
}

// deriveTitle renames the conversation after its first exchange. A failed
// rename is logged and otherwise ignored.
func (s *Session) deriveTitle(ctx context.Context, convID, text string, attachments []model.Attachment) {
	title := model.DeriveTitle(text, s.opts.TitleLength)
	if strings.TrimSpace(title) == "" && len(attachments) > 0 {
		title = model.DeriveTitle(attachments[0].Name, s.opts.TitleLength)
	}
	if strings.TrimSpace(title) == "" {
		return
	}
	if err := s.store.Rename(ctx, convID, title); err != nil {
		log.WithError(err).WithField("conversation", convID).Warn("failed to set conversation title")
		return
	}
	s.mu.Lock()
	s.conv.Title = title
	s.mu.Unlock()
}

func (s *Session) observe(stats stream.Stats, start time.Time, err error) {
	outcome := telemetry.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		outcome = telemetry.OutcomeCancelled
	default:
		outcome = telemetry.OutcomeFailed
	}
	sample := telemetry.StreamSample{
		Outcome:  outcome,
		Deltas:   stats.Deltas,
		Bytes:    stats.ContentBytes,
		Dropped:  stats.Dropped,
		Duration: time.Since(start),
		At:       start,
	}
	if !stats.FirstDeltaAt.IsZero() {
		sample.FirstDelta = stats.FirstDeltaAt.Sub(start)
	}
	telemetry.ObserveStream(sample)
	if s.opts.Usage != nil {
		s.opts.Usage.Record(sample)
	}
}

// =============================================================================
// HELPERS (caller holds mu unless noted)
// =============================================================================

// windowLocked returns the last ContextWindow messages, oldest first,
// excluding any streaming placeholder.
func (s *Session) windowLocked() []model.Message {
	history := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if !m.Streaming {
			history = append(history, m.Clone())
		}
	}
	if len(history) > s.opts.ContextWindow {
		history = history[len(history)-s.opts.ContextWindow:]
	}
	return history
}

func (s *Session) indexLocked(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) replaceLocked(id string, m model.Message) {
	if i := s.indexLocked(id); i >= 0 {
		m.Streaming = false
		s.messages[i] = m
	}
}

func (s *Session) removeLocked(id string) {
	if i := s.indexLocked(id); i >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	}
}

func (s *Session) removeStreamingLocked() {
	if n := len(s.messages); n > 0 && s.messages[n-1].Streaming {
		s.messages = s.messages[:n-1]
	}
}

func (s *Session) snapshotLocked() []model.Message {
	out := make([]model.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// emit delivers the current state to observers. Must not hold mu.
func (s *Session) emit() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	ev := Event{
		ConversationID: s.conv.ID,
		State:          s.state,
		Messages:       s.snapshotLocked(),
		Err:            s.lastErr,
	}
	observers := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
