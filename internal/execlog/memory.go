package execlog

import (
	"context"
	"sort"
	"sync"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// MemoryLog keeps entries in a slice ordered oldest first.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []types.ExecutionEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, entry types.ExecutionEntry) error {
	if err := checkEntry(&entry); err != nil {
		return err
	}
	entry.ExecutedActions = append([]types.ActionRecord(nil), entry.ExecutedActions...)

	l.mu.Lock()
	defer l.mu.Unlock()
	// Concurrent executions may finish out of timestamp order.
	i := sort.Search(len(l.entries), func(i int) bool { return before(&entry, &l.entries[i]) })
	l.entries = append(l.entries, types.ExecutionEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = entry
	return nil
}

func (l *MemoryLog) Query(_ context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	page := Page{Entries: []types.ExecutionEntry{}, Offset: f.Offset, Limit: f.Limit}
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if !f.match(e) {
			continue
		}
		if page.Total >= f.Offset && len(page.Entries) < f.Limit {
			page.Entries = append(page.Entries, *e)
		}
		page.Total++
	}
	return page, nil
}

func (l *MemoryLog) Scan(ctx context.Context, fn func(types.ExecutionEntry) error) error {
	l.mu.RLock()
	snapshot := append([]types.ExecutionEntry(nil), l.entries...)
	l.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
