package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/domainlens/internal/activity"
)

// PostgresStore persists risk records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_records table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_records (
			id               VARCHAR(40) PRIMARY KEY,
			domain           VARCHAR(253) NOT NULL,
			score            SMALLINT NOT NULL CHECK (score >= 0 AND score <= 100),
			confidence       NUMERIC(4,3) NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			level            VARCHAR(16) NOT NULL CHECK (level IN ('view', 'account', 'ugc', 'transaction')),
			management_state VARCHAR(16) NOT NULL CHECK (management_state IN ('none', 'needs_review', 'suggested', 'pinned')),
			reasons          JSONB NOT NULL DEFAULT '[]',
			visits           INTEGER NOT NULL DEFAULT 0,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_records_domain
			ON risk_records (domain, updated_at DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	reasonsJSON, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_records (id, domain, score, confidence, level, management_state, reasons, visits, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID,
		rec.Domain,
		rec.Score,
		rec.Confidence,
		rec.Level.String(),
		string(rec.State),
		reasonsJSON,
		rec.Visits,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByDomain(ctx context.Context, domain string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, score, confidence, level, management_state, reasons, visits, updated_at
		FROM risk_records
		WHERE domain = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		var (
			r           Record
			level       string
			state       string
			reasonsJSON []byte
			updatedAt   time.Time
		)
		if err := rows.Scan(&r.ID, &r.Domain, &r.Score, &r.Confidence, &level, &state, &reasonsJSON, &r.Visits, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk record: %w", err)
		}
		if r.Level, err = activity.ParseLevel(level); err != nil {
			return nil, err
		}
		r.State = activity.ManagementState(state)
		r.UpdatedAt = updatedAt
		if err := json.Unmarshal(reasonsJSON, &r.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
