package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knoguchi/medrag/internal/domain"
)

// DefaultRedisPrefix namespaces corpus keys in a shared redis.
const DefaultRedisPrefix = "medrag:corpus:"

// RedisStore keeps entries as JSON values in redis.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix overrides DefaultRedisPrefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires entries after ttl. Zero keeps them until cleared.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*domain.Corpus, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get corpus: %w", err)
	}

	var entry domain.Corpus
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal corpus: %w", err)
	}
	return &entry, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, entry *domain.Corpus) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal corpus: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(entry.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set corpus: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete corpus: %w", err)
	}
	return nil
}

// Clear implements Store. Only keys under the store prefix are removed.
func (s *RedisStore) Clear(ctx context.Context) ([]string, error) {
	var redisKeys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKeys = append(redisKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan corpus keys: %w", err)
	}

	keys := make([]string, 0, len(redisKeys))
	if len(redisKeys) == 0 {
		return keys, nil
	}
	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		return nil, fmt.Errorf("failed to delete corpus keys: %w", err)
	}
	for _, k := range redisKeys {
		keys = append(keys, strings.TrimPrefix(k, s.prefix))
	}
	return keys, nil
}

var _ Store = (*RedisStore)(nil)
