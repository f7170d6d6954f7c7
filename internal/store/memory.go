package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process StateStore. State is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	rateLimits map[string]RateLimitState
	reputation map[string]ReputationRecord
	events     []EventRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rateLimits: make(map[string]RateLimitState),
		reputation: make(map[string]ReputationRecord),
	}
}

func (m *MemoryStore) GetRateLimit(_ context.Context, identity string) (*RateLimitState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.rateLimits[identity]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) UpsertRateLimit(_ context.Context, st RateLimitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits[st.Identity] = st
	return nil
}

func (m *MemoryStore) GetReputation(_ context.Context, identity string) (*ReputationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.reputation[identity]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) UpsertReputation(_ context.Context, rec ReputationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.reputation[rec.Identity]; ok {
		rec.Allowlisted = prev.Allowlisted
		rec.Blocklisted = prev.Blocklisted
	}
	m.reputation[rec.Identity] = rec
	return nil
}

func (m *MemoryStore) SetListFlags(_ context.Context, rec ReputationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.reputation[rec.Identity]; ok {
		prev.Allowlisted = rec.Allowlisted
		prev.Blocklisted = rec.Blocklisted
		rec = prev
	}
	m.reputation[rec.Identity] = rec
	return nil
}

func (m *MemoryStore) InsertEvent(_ context.Context, ev EventRecord) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *MemoryStore) DeleteEventsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var deleted int64
	for _, ev := range m.events {
		if ev.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return deleted, nil
}

// Events returns a copy of the stored events in insertion order.
func (m *MemoryStore) Events() []EventRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventRecord(nil), m.events...)
}

func (m *MemoryStore) Close() error { return nil }
