package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-station/internal/models"
)

const keyPrefix = "weather:"

// maxCASAttempts bounds the compare-and-swap loop in Set.
const maxCASAttempts = 3

// MemcachedStore implements Store using memcached. Memcached cannot list keys,
// so the store remembers the keys it has written for Entries and Clear.
type MemcachedStore struct {
	client    *memcache.Client
	retention time.Duration

	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). retention is how long
// memcached keeps an entry past insertion, so stale fallbacks survive a TTL.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, retention time.Duration) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client, retention: retention, keys: make(map[string]struct{})}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcached keys may not contain spaces or control characters.
func (s *MemcachedStore) key(k string) string {
	return keyPrefix + strings.ReplaceAll(strings.ToLower(k), " ", "_")
}

func (s *MemcachedStore) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	if ctx.Err() != nil {
		return models.CacheEntry{}, false, ctx.Err()
	}
	item, err := s.client.Get(s.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.CacheEntry{}, false, nil
		}
		return models.CacheEntry{}, false, err
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return models.CacheEntry{}, false, err
	}
	return entry, true, nil
}

// Set writes with Add for new keys and CompareAndSwap for existing ones so a
// concurrent writer with a newer snapshot is never overwritten.
func (s *MemcachedStore) Set(ctx context.Context, key string, entry models.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	k := s.key(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := s.client.Get(k)
		switch {
		case errors.Is(err, memcache.ErrCacheMiss):
			err = s.client.Add(&memcache.Item{Key: k, Value: raw, Expiration: s.expiration()})
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
		case err != nil:
			return err
		default:
			var existing models.CacheEntry
			if json.Unmarshal(item.Value, &existing) == nil && isNewer(existing, entry) {
				s.remember(k)
				return nil
			}
			item.Value = raw
			item.Expiration = s.expiration()
			err = s.client.CompareAndSwap(item)
			if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
				continue
			}
		}
		if err != nil {
			return err
		}
		s.remember(k)
		return nil
	}
	return errors.New("memcached: too many concurrent writers for " + key)
}

func (s *MemcachedStore) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	k := s.key(key)
	if err := s.client.Delete(k); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	s.mu.Lock()
	delete(s.keys, k)
	s.mu.Unlock()
	return nil
}

func (s *MemcachedStore) Clear(ctx context.Context) error {
	for _, k := range s.knownKeys() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.client.Delete(k); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return err
		}
		s.mu.Lock()
		delete(s.keys, k)
		s.mu.Unlock()
	}
	return nil
}

// Entries returns the entries still present for keys this process has written.
func (s *MemcachedStore) Entries(ctx context.Context) ([]models.CacheEntry, error) {
	keys := s.knownKeys()
	if len(keys) == 0 {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	items, err := s.client.GetMulti(keys)
	if err != nil {
		return nil, err
	}
	out := make([]models.CacheEntry, 0, len(items))
	for _, item := range items {
		var entry models.CacheEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}

func (s *MemcachedStore) remember(k string) {
	s.mu.Lock()
	s.keys[k] = struct{}{}
	s.mu.Unlock()
}

func (s *MemcachedStore) knownKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}

func (s *MemcachedStore) expiration() int32 {
	expSec := int32(s.retention.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // memcached treats larger values as unix timestamps
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 24 * 60 * 60
	}
	return expSec
}
