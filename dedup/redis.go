package dedup

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const seedBatch = 500

// RedisStore keeps the accepted set in Redis so several harvester processes
// can share one namespace. SADD provides the atomic test-and-insert; a local
// LRU of keys known to be accepted skips the round-trip for repeat hits.
type RedisStore struct {
	client *redis.Client
	key    string
	known  *lru.Cache[string, struct{}]
}

// NewRedisStore returns a store using the set isbn:{namespace}:accepted.
func NewRedisStore(client *redis.Client, namespace string, cacheSize int) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if namespace == "" {
		namespace = "default"
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	known, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &RedisStore{
		client: client,
		key:    fmt.Sprintf("isbn:%s:accepted", namespace),
		known:  known,
	}, nil
}

// Key returns the Redis set holding accepted keys.
func (s *RedisStore) Key() string {
	return s.key
}

func (s *RedisStore) TryAccept(ctx context.Context, isbn string) (bool, error) {
	key, err := Canonical(isbn)
	if err != nil {
		return false, err
	}
	if s.known.Contains(key) {
		return false, nil
	}
	added, err := s.client.SAdd(ctx, s.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis sadd %s: %w", s.key, err)
	}
	s.known.Add(key, struct{}{})
	return added == 1, nil
}

// Seed adds isbns to the shared set in batches of multi-member SADDs.
func (s *RedisStore) Seed(ctx context.Context, isbns []string) error {
	members := make([]interface{}, 0, seedBatch)
	flush := func() error {
		if len(members) == 0 {
			return nil
		}
		if err := s.client.SAdd(ctx, s.key, members...).Err(); err != nil {
			return fmt.Errorf("redis seed %s: %w", s.key, err)
		}
		members = members[:0]
		return nil
	}
	for _, isbn := range isbns {
		key, err := Canonical(isbn)
		if err != nil {
			continue
		}
		s.known.Add(key, struct{}{})
		members = append(members, key)
		if len(members) == seedBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard %s: %w", s.key, err)
	}
	return int(n), nil
}

// Reset drops the namespace so a fresh, non-resumed run starts empty.
func (s *RedisStore) Reset(ctx context.Context) error {
	s.known.Purge()
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}
