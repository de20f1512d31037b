// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// dayFormat names a day in storage and in DailyUsage.Date.
const dayFormat = "20060102"

// DailyUsage aggregates the streams of one local calendar day.
type DailyUsage struct {
	Date         string        `json:"date"`
	Sends        int           `json:"sends"`
	Failures     int           `json:"failures"`
	Cancelled    int           `json:"cancelled"`
	Deltas       int           `json:"deltas"`
	ContentBytes int           `json:"content_bytes"`
	Dropped      int           `json:"dropped"`
	TotalTime    time.Duration `json:"total_time"`
	FirstDelta   time.Duration `json:"first_delta_total"`
	FirstDeltaN  int           `json:"first_delta_count"`
}

// AvgFirstDelta returns the mean time to first delta.
func (d DailyUsage) AvgFirstDelta() time.Duration {
	if d.FirstDeltaN == 0 {
		return 0
	}
	return d.FirstDelta / time.Duration(d.FirstDeltaN)
}

// Day returns the parsed date.
func (d DailyUsage) Day() time.Time {
	t, _ := time.ParseInLocation(dayFormat, d.Date, time.Local)
	return t
}

// UsageTracker keeps daily aggregates in memory and on disk. Each Record
// rewrites the file of the affected day.
type UsageTracker struct {
	mu      sync.Mutex
	days    map[string]*DailyUsage
	storage *UsageStorage
}

// NewUsageTracker creates a tracker storing under dir; an empty dir means
// ~/.mitar/usage.
func NewUsageTracker(dir string) (*UsageTracker, error) {
	storage, err := NewUsageStorage(dir)
	if err != nil {
		return nil, err
	}
	return &UsageTracker{
		days:    make(map[string]*DailyUsage),
		storage: storage,
	}, nil
}

// Record adds a sample to its day.
func (ut *UsageTracker) Record(s StreamSample) {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	key := at.Local().Format(dayFormat)

	ut.mu.Lock()
	day := ut.load(key)
	switch s.Outcome {
	case OutcomeFailed:
		day.Failures++
	case OutcomeCancelled:
		day.Cancelled++
	default:
		day.Sends++
	}
	day.Deltas += s.Deltas
	day.ContentBytes += s.Bytes
	day.Dropped += s.Dropped
	day.TotalTime += s.Duration
	if s.FirstDelta > 0 {
		day.FirstDelta += s.FirstDelta
		day.FirstDeltaN++
	}
	snapshot := *day
	ut.mu.Unlock()

	if err := ut.storage.Save(&snapshot); err != nil {
		log.WithError(err).Debug("failed to save usage")
	}
}

// load returns the in-memory aggregate for key, reading it from disk the
// first time. Caller holds mu.
func (ut *UsageTracker) load(key string) *DailyUsage {
	if day, ok := ut.days[key]; ok {
		return day
	}
	day, err := ut.storage.Load(key)
	if err != nil {
		day = &DailyUsage{Date: key}
	}
	ut.days[key] = day
	return day
}

// Days returns the aggregates of the last n days that have data, newest
// first.
func (ut *UsageTracker) Days(n int) []DailyUsage {
	to := time.Now()
	from := to.AddDate(0, 0, -n)
	keys, err := ut.storage.List(from, to)
	if err != nil {
		return nil
	}

	ut.mu.Lock()
	defer ut.mu.Unlock()
	out := make([]DailyUsage, 0, len(keys))
	for _, k := range keys {
		out = append(out, *ut.load(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

// Prune deletes stored days older than keep.
func (ut *UsageTracker) Prune(keep time.Duration) error {
	before := time.Now().Add(-keep)
	ut.mu.Lock()
	for k := range ut.days {
		if t, err := time.ParseInLocation(dayFormat, k, time.Local); err == nil && t.Before(before) {
			delete(ut.days, k)
		}
	}
	ut.mu.Unlock()
	return ut.storage.DeleteBefore(before)
}
