package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "domainlens:bucket:"

// ErrBadRedisURL is returned when the connection URL cannot be parsed.
var ErrBadRedisURL = errors.New("aggregate: bad redis url")

// RedisStore keeps each bucket in one Redis hash.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore parses a redis:// URL, connects and pings.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRedisURL, err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Close shuts down the underlying redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func hashKey(b Bucket) string {
	return redisKeyPrefix + string(b)
}

func (s *RedisStore) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	val, err := s.rdb.HGet(ctx, hashKey(bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget %s: %w", bucket, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, bucket Bucket, key string, value []byte) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, hashKey(bucket), key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", bucket, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, bucket Bucket) ([]string, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	keys, err := s.rdb.HKeys(ctx, hashKey(bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys %s: %w", bucket, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
