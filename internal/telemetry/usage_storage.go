// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/mitar/internal/util"
)

// UsageStorage persists daily usage as one JSON file per day.
type UsageStorage struct {
	dir string
}

// NewUsageStorage creates the storage directory if needed.
func NewUsageStorage(dir string) (*UsageStorage, error) {
	// Default to ~/.mitar/usage/
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(homeDir, ".mitar", "usage")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &UsageStorage{dir: dir}, nil
}

// Save writes a day atomically.
func (us *UsageStorage) Save(day *DailyUsage) error {
	if day == nil {
		return nil
	}
	data, err := json.MarshalIndent(day, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(filepath.Join(us.dir, day.Date+".json"), data, 0600)
}

// Load reads a day.
func (us *UsageStorage) Load(date string) (*DailyUsage, error) {
	data, err := os.ReadFile(filepath.Join(us.dir, date+".json"))
	if err != nil {
		return nil, err
	}
	var day DailyUsage
	if err := json.Unmarshal(data, &day); err != nil {
		return nil, err
	}
	return &day, nil
}

// List returns the stored days between from and to, oldest first.
func (us *UsageStorage) List(from, to time.Time) ([]string, error) {
	entries, err := os.ReadDir(us.dir)
	if err != nil {
		return nil, err
	}

	fromKey := from.Local().Format(dayFormat)
	toKey := to.Local().Format(dayFormat)
	var days []string
	for _, entry := range entries {
		date, ok := dayFromEntry(entry)
		if !ok {
			continue
		}
		if date < fromKey || date > toKey {
			continue
		}
		days = append(days, date)
	}
	sort.Strings(days)
	return days, nil
}

// DeleteBefore removes days older than before.
func (us *UsageStorage) DeleteBefore(before time.Time) error {
	entries, err := os.ReadDir(us.dir)
	if err != nil {
		return err
	}
	cutoff := before.Local().Format(dayFormat)
	for _, entry := range entries {
		date, ok := dayFromEntry(entry)
		if ok && date < cutoff {
			os.Remove(filepath.Join(us.dir, entry.Name())) // Ignore errors
		}
	}
	return nil
}

func dayFromEntry(entry os.DirEntry) (string, bool) {
	if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
		return "", false
	}
	date := strings.TrimSuffix(entry.Name(), ".json")
	if _, err := time.Parse(dayFormat, date); err != nil {
		return "", false
	}
	return date, true
}
