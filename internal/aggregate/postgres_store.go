package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps bucket values in a single JSONB table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed aggregate store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the aggregate_buckets table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS aggregate_buckets (
			bucket      VARCHAR(32) NOT NULL,
			key         VARCHAR(253) NOT NULL,
			value       JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (bucket, key)
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM aggregate_buckets WHERE bucket = $1 AND key = $2
	`, string(bucket), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregate: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, bucket Bucket, key string, value []byte) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregate_buckets (bucket, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, string(bucket), key, value)
	if err != nil {
		return fmt.Errorf("failed to write aggregate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Keys(ctx context.Context, bucket Bucket) ([]string, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM aggregate_buckets WHERE bucket = $1 ORDER BY key
	`, string(bucket))
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregate keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
