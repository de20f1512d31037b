// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// feedInterval is the minimum spacing between two calls to the same
	// subscriber.
	feedInterval = 100 * time.Millisecond
)

// changeFeed fans mutation signals out to subscribers. Each subscriber has a
// single-slot mailbox: signals that arrive while one is pending merge into
// it, so every mutation is followed by at least one call.
type changeFeed struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	userID   string
	onChange func()
	signal   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func newChangeFeed() *changeFeed {
	return &changeFeed{subs: make(map[uint64]*subscriber)}
}

// subscribe registers onChange for userID. An empty userID receives every
// signal.
func (f *changeFeed) subscribe(userID string, onChange func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		userID:   userID,
		onChange: onChange,
		signal:   make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	go sub.run(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			sub.cancel()
		})
	}, nil
}

// publish signals the subscribers of userID. An empty userID signals
// everyone; it is used when the origin of a change is unknown.
func (f *changeFeed) publish(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if userID != "" && sub.userID != "" && sub.userID != userID {
			continue
		}
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

// close stops every subscriber and waits for in-flight callbacks.
func (f *changeFeed) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = make(map[uint64]*subscriber)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("change subscriber panicked")
		}
	}()

	limiter := rate.NewLimiter(rate.Every(feedInterval), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		s.onChange()
	}
}
