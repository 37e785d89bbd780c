// Package risk turns an activity estimation into a bounded 0-100 attention
// score and a management state.
//
// The score starts from a fixed per-level base, is pulled toward the view
// baseline when confidence is low, then adjusted by visit frequency and the
// user's own decisions about the domain. A high score means "worth the
// user's attention", not "malicious".
package risk

import (
	"context"
	"time"

	"github.com/mbd888/domainlens/internal/activity"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// Input carries everything scoring and state mapping need for one domain.
type Input struct {
	Domain     string
	Level      activity.Level
	Confidence float64
	Visits     int
	Override   activity.Override
	Pinned     bool // pin from the caller's context, ORed with Override.Pinned
	RPDomain   string
	// StrongSSO is set when a redirect match or completed round-trip was observed.
	StrongSSO bool
}

func (in Input) pinned() bool {
	return in.Pinned || in.Override.Pinned
}

// Record is the persisted result of a risk evaluation.
type Record struct {
	ID         string                   `json:"id"`
	Domain     string                   `json:"domain"`
	Score      int                      `json:"score"`
	Confidence float64                  `json:"confidence"`
	Level      activity.Level           `json:"level"`
	State      activity.ManagementState `json:"management_state"`
	Reasons    []string                 `json:"reasons"`
	Visits     int                      `json:"visits"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// Store keeps an append-only history of risk records for audit.
type Store interface {
	Record(ctx context.Context, rec *Record) error
	ListByDomain(ctx context.Context, domain string, limit int) ([]*Record, error)
}
