package cache

import (
	"context"
	"sync"

	"github.com/kjstillabower/weather-station/internal/models"
)

// Store holds at most one entry per location. Entries are not evicted on TTL;
// the caller decides what a stale entry means.
type Store interface {
	// Get returns the entry for key. (zero, false, nil) on miss.
	Get(ctx context.Context, key string) (models.CacheEntry, bool, error)
	// Set stores entry unless the existing entry carries a newer FetchedAt.
	Set(ctx context.Context, key string, entry models.CacheEntry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	// Entries returns a point-in-time copy of every entry.
	Entries(ctx context.Context) ([]models.CacheEntry, error)
}

// InMemoryStore implements Store with a mutex-guarded map. Safe for concurrent use.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]models.CacheEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]models.CacheEntry),
	}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	return entry, ok, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key string, entry models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data[key]; ok && isNewer(existing, entry) {
		return nil
	}
	s.data[key] = entry
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InMemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]models.CacheEntry)
	return nil
}

func (s *InMemoryStore) Entries(ctx context.Context) ([]models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CacheEntry, 0, len(s.data))
	for _, e := range s.data {
		out = append(out, e)
	}
	return out, nil
}

// isNewer reports whether existing was fetched after candidate.
func isNewer(existing, candidate models.CacheEntry) bool {
	return existing.Snapshot.FetchedAt.After(candidate.Snapshot.FetchedAt)
}
