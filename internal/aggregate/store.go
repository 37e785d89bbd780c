// Package aggregate is the durable key/value layer behind the engine. Values
// are JSON documents grouped into named buckets. The engine reads a full
// value, computes the next one and writes it back; it never relies on the
// store for transactions because all writes come from one work queue.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("aggregate: not found")

// Bucket names a group of values.
type Bucket string

const (
	BucketDomainStats Bucket = "domain_stats"
	BucketActivity    Bucket = "activity_state"
	BucketRisk        Bucket = "risk_state"
	BucketOverrides   Bucket = "user_overrides"
)

// Buckets lists every bucket.
var Buckets = []Bucket{BucketDomainStats, BucketActivity, BucketRisk, BucketOverrides}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketDomainStats, BucketActivity, BucketRisk, BucketOverrides:
		return true
	}
	return false
}

// Store is a generic get/set over buckets.
type Store interface {
	Get(ctx context.Context, bucket Bucket, key string) ([]byte, error)
	Set(ctx context.Context, bucket Bucket, key string, value []byte) error
	Keys(ctx context.Context, bucket Bucket) ([]string, error)
	Ping(ctx context.Context) error
}

// GetJSON loads and decodes the value at bucket/key into v. It reports
// false when there is no value.
func GetJSON(ctx context.Context, s Store, bucket Bucket, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, bucket, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// SetJSON encodes v and writes it at bucket/key.
func SetJSON(ctx context.Context, s Store, bucket Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	if err := s.Set(ctx, bucket, key, raw); err != nil {
		return fmt.Errorf("set %s/%s: %w", bucket, key, err)
	}
	return nil
}

func checkBucket(b Bucket) error {
	if !b.Valid() {
		return fmt.Errorf("aggregate: unknown bucket %q", b)
	}
	return nil
}
