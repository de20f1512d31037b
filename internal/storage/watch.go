// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce groups the burst of events a single transaction produces
// on the database, WAL and shared-memory files.
const watchDebounce = 150 * time.Millisecond

// fileWatcher reports writes to a SQLite database and its companion files.
// It watches the parent directory because WAL files come and go.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	base     string
	onChange func()
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func newFileWatcher(dbPath string, onChange func()) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	fw := &fileWatcher{
		watcher:  w,
		base:     filepath.Base(abs),
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go fw.processEvents()
	return fw, nil
}

// relevant reports whether name is the database or one of its -wal/-shm/
// -journal companions.
func (fw *fileWatcher) relevant(name string) bool {
	base := filepath.Base(name)
	return base == fw.base || strings.HasPrefix(base, fw.base+"-")
}

func (fw *fileWatcher) processEvents() {
	defer close(fw.done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-fw.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.relevant(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			fw.onChange()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("database watch error")
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (fw *fileWatcher) Close() error {
	fw.cancel()
	err := fw.watcher.Close()
	<-fw.done
	return err
}
