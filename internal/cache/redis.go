package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/weather-station/internal/models"
)

const scanBatch = 100

// RedisStore implements Store on redis. Entries expire from redis after the
// retention period so stale fallbacks outlive the TTL.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// ConnectRedis initializes a redis client from a redis:// URL or host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: keyPrefix, retention: retention}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + strings.ToLower(k)
}

func (s *RedisStore) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.CacheEntry{}, false, nil
		}
		return models.CacheEntry{}, false, err
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.CacheEntry{}, false, err
	}
	return entry, true, nil
}

// Set runs inside WATCH so a newer entry written concurrently is kept.
func (s *RedisStore) Set(ctx context.Context, key string, entry models.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var existing models.CacheEntry
			if json.Unmarshal(cur, &existing) == nil && isNewer(existing, entry) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, raw, s.retention)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err = s.client.Watch(ctx, txf, k)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Entries(ctx context.Context) ([]models.CacheEntry, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.CacheEntry, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var entry models.CacheEntry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Ping checks if redis is reachable. Used for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
