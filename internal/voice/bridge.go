// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"context"
	"errors"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrUnsupported is returned when the needed backend is not configured.
var ErrUnsupported = errors.New("voice backend not available")

// Recognizer turns one utterance into text.
type Recognizer interface {
	Listen(ctx context.Context) (string, error)
}

// Synthesizer reads text aloud and blocks until playback ends or ctx is
// cancelled.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// =============================================================================
// COMPOSER
// =============================================================================

// Composer holds the text the user is about to send.
type Composer struct {
	mu   sync.Mutex
	text string
}

// Text returns the pending text.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Set replaces the pending text.
func (c *Composer) Set(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

// Append adds recognized text, separated from existing text by one space.
func (c *Composer) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.TrimSpace(c.text) == "" {
		c.text = text
		return
	}
	c.text = strings.TrimRight(c.text, " ") + " " + text
}

// Take returns the pending text and clears it.
func (c *Composer) Take() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.text
	c.text = ""
	return t
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge coordinates dictation and playback.
type Bridge struct {
	recognizer  Recognizer
	synthesizer Synthesizer
	composer    *Composer
	maxLength   int

	mu         sync.Mutex
	listenStop context.CancelFunc
	listenDone chan struct{}
	speakStop  context.CancelFunc
	speakDone  chan struct{}
	lastErr    error
	onChange   func()
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithMaxLength caps the characters read aloud per utterance.
func WithMaxLength(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.maxLength = n
		}
	}
}

// WithOnChange registers a callback fired when listening or speaking
// starts or stops.
func WithOnChange(fn func()) BridgeOption {
	return func(b *Bridge) {
		b.onChange = fn
	}
}

// NewBridge creates a bridge. recognizer and synthesizer may be nil.
func NewBridge(recognizer Recognizer, synthesizer Synthesizer, composer *Composer, opts ...BridgeOption) *Bridge {
	if composer == nil {
		composer = &Composer{}
	}
	b := &Bridge{
		recognizer:  recognizer,
		synthesizer: synthesizer,
		composer:    composer,
		maxLength:   DefaultMaxLength,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Composer returns the composer dictation writes to.
func (b *Bridge) Composer() *Composer {
	return b.composer
}

// CanListen reports whether a recognizer is configured.
func (b *Bridge) CanListen() bool {
	return b.recognizer != nil
}

// CanSpeak reports whether a synthesizer is configured.
func (b *Bridge) CanSpeak() bool {
	return b.synthesizer != nil
}

// Err returns the last backend error, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// IsListening reports whether the recognizer is running.
func (b *Bridge) IsListening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listenDone != nil
}

// IsSpeaking reports whether an utterance is playing.
func (b *Bridge) IsSpeaking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speakDone != nil
}

// StartListening runs the recognizer in the background. The transcript is
// appended to the composer. Calling it while already listening is a no-op.
func (b *Bridge) StartListening(ctx context.Context) error {
	if b.recognizer == nil {
		return ErrUnsupported
	}

	b.mu.Lock()
	if b.listenDone != nil {
		b.mu.Unlock()
		return nil
	}
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.listenStop = cancel
	b.listenDone = done
	b.lastErr = nil
	b.mu.Unlock()
	b.changed()

	go func() {
		defer close(done)
		defer cancel()

		text, err := b.recognizer.Listen(lctx)
		switch {
		case err == nil:
			b.composer.Append(text)
		case lctx.Err() != nil:
			// Stopped by the user.
		default:
			log.WithError(err).Warn("speech recognition failed")
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
		}

		b.mu.Lock()
		if b.listenDone == done {
			b.listenDone = nil
			b.listenStop = nil
		}
		b.mu.Unlock()
		b.changed()
	}()
	return nil
}

// StopListening stops the recognizer and waits for it to exit.
func (b *Bridge) StopListening() {
	b.mu.Lock()
	stop, done := b.listenStop, b.listenDone
	b.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// Speak reads text aloud in the background, stopping any current
// utterance first. Markdown is stripped before playback.
func (b *Bridge) Speak(ctx context.Context, text string) error {
	if b.synthesizer == nil {
		return ErrUnsupported
	}
	spoken := PrepareSpeech(text, b.maxLength)
	if spoken == "" {
		return nil
	}

	for {
		b.StopSpeaking()
		b.mu.Lock()
		if b.speakDone == nil {
			break
		}
		b.mu.Unlock()
	}
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.speakStop = cancel
	b.speakDone = done
	b.mu.Unlock()
	b.changed()

	go func() {
		defer close(done)
		defer cancel()

		if err := b.synthesizer.Speak(sctx, spoken); err != nil && sctx.Err() == nil {
			log.WithError(err).Warn("speech playback failed")
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
		}

		b.mu.Lock()
		if b.speakDone == done {
			b.speakDone = nil
			b.speakStop = nil
		}
		b.mu.Unlock()
		b.changed()
	}()
	return nil
}

// StopSpeaking cancels the current utterance and waits for it to end.
func (b *Bridge) StopSpeaking() {
	b.mu.Lock()
	stop, done := b.speakStop, b.speakDone
	b.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// Wait blocks until the current utterance finishes.
func (b *Bridge) Wait() {
	b.mu.Lock()
	done := b.speakDone
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops listening and speaking.
func (b *Bridge) Close() {
	b.StopListening()
	b.StopSpeaking()
}

func (b *Bridge) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}
