package emissionlog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLog is an in-memory, thread-safe Log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemory creates a MemoryLog holding only the genesis entry.
func NewMemory() *MemoryLog {
	return &MemoryLog{entries: []*Entry{genesis(now())}}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := chain(l.entries[len(l.entries)-1], rec, now())
	l.entries = append(l.entries, e)
	return e, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return l.entries[index], nil
}

// List implements Log.
func (l *MemoryLog) List(_ context.Context, from, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 || from >= len(l.entries) || limit <= 0 {
		return nil, nil
	}
	end := min(from+limit, len(l.entries))
	return append([]*Entry(nil), l.entries[from:end]...), nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var v chainVerifier
	for _, e := range l.entries {
		if err := v.next(e); err != nil {
			return err
		}
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}

// Close implements Log.
func (l *MemoryLog) Close() error { return nil }
