package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisAttributeStore keeps each session's attributes in one Redis hash
// ("sess:<id>") whose TTL is refreshed on every write.
type RedisAttributeStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOptions configures NewRedisAttributeStore.
type RedisOptions struct {
	URL      string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// NewRedisAttributeStore connects to Redis and verifies the connection.
func NewRedisAttributeStore(ctx context.Context, o RedisOptions) (*RedisAttributeStore, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if o.Password != "" {
		opts.Password = o.Password
	}
	if o.DB > 0 {
		opts.DB = o.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisAttributeStoreFromClient(client, o.TTL, o.Prefix), nil
}

// NewRedisAttributeStoreFromClient wraps an existing client.
func NewRedisAttributeStoreFromClient(client *redis.Client, ttl time.Duration, prefix string) *RedisAttributeStore {
	if ttl <= 0 {
		ttl = DefaultSessionDuration
	}
	if prefix == "" {
		prefix = "sess:"
	}
	return &RedisAttributeStore{client: client, ttl: ttl, prefix: prefix}
}

// Close closes the underlying client.
func (s *RedisAttributeStore) Close() error { return s.client.Close() }

func (s *RedisAttributeStore) key(sid string) string { return s.prefix + sid }

func (s *RedisAttributeStore) Get(ctx context.Context, sid, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, s.key(sid), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget: %w", err)
	}
	return v, true, nil
}

func (s *RedisAttributeStore) Set(ctx context.Context, sid, key string, value []byte) error {
	if sid == "" {
		return ErrInvalidSession
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(sid), key, value)
	pipe.Expire(ctx, s.key(sid), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (s *RedisAttributeStore) Remove(ctx context.Context, sid string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key(sid), keys...).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

func (s *RedisAttributeStore) Clear(ctx context.Context, sid string) error {
	if err := s.client.Del(ctx, s.key(sid)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisAttributeStore) Exists(ctx context.Context, sid string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(sid)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisAttributeStore) Rename(ctx context.Context, from, to string) error {
	if to == "" {
		return ErrInvalidSession
	}
	err := s.client.Rename(ctx, s.key(from), s.key(to)).Err()
	if err != nil && strings.Contains(err.Error(), "no such key") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis rename: %w", err)
	}
	return nil
}
