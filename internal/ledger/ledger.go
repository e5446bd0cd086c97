package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pimsync/internal"
)

// Ledger is the local record of items written back to the catalog. The whole
// document is rewritten on every Upsert, so writes are expected from a single
// goroutine.
type Ledger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func New(path string) *Ledger {
	return &Ledger{path: path, now: time.Now}
}

func (l *Ledger) Path() string { return l.path }

// Upsert records a sync of key. The first sync time of an existing entry is
// kept.
func (l *Ledger) Upsert(key internal.ItemKey, title, url string) (internal.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return internal.LedgerEntry{}, err
	}

	now := l.now().UTC()
	var entry internal.LedgerEntry
	found := false
	for i := range entries {
		if entries[i].Key == key {
			entries[i].Title = title
			entries[i].URL = url
			entries[i].LastSyncedAt = now
			entry = entries[i]
			found = true
			break
		}
	}
	if !found {
		entry = internal.LedgerEntry{Key: key, Title: title, URL: url, FirstSyncedAt: now, LastSyncedAt: now}
		entries = append(entries, entry)
	}

	if err := l.write(entries); err != nil {
		return internal.LedgerEntry{}, err
	}
	return entry, nil
}

// LoadAll returns the entries sorted by key. A missing file is an empty ledger.
func (l *Ledger) LoadAll() ([]internal.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (l *Ledger) ClearAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write([]internal.LedgerEntry{})
}

func (l *Ledger) read() ([]internal.LedgerEntry, error) {
	blob, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []internal.LedgerEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := []internal.LedgerEntry{}
	if len(blob) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(blob, &entries); err != nil {
		return nil, fmt.Errorf("ledger %s: %w", l.path, err)
	}
	return entries, nil
}

func (l *Ledger) write(entries []internal.LedgerEntry) error {
	blob, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}
