package aggregate

import (
	"time"

	"github.com/mbd888/domainlens/internal/activity"
)

// DomainStats is the domain_stats value: visit counts per level.
type DomainStats struct {
	Domain           string         `json:"domain"`
	Visits           int            `json:"visits"`
	LevelCounts      map[string]int `json:"level_counts"`
	LastLevel        activity.Level `json:"last_level"`
	LastVisitAt      time.Time      `json:"last_visit_at"`
	LastClassifiedAt time.Time      `json:"last_classified_at"`
}

// NewDomainStats returns empty stats for domain.
func NewDomainStats(domain string) *DomainStats {
	return &DomainStats{Domain: domain, LevelCounts: make(map[string]int)}
}

// RecordVisit counts a new visit at level.
func (s *DomainStats) RecordVisit(level activity.Level, at time.Time) {
	s.ensure()
	s.Visits++
	s.LevelCounts[level.String()]++
	s.LastLevel = level
	s.LastVisitAt = at
	s.LastClassifiedAt = at
}

// Reclassify moves the most recent visit from its recorded level to next.
// The visit total is unchanged. With no visit on record it counts one.
func (s *DomainStats) Reclassify(next activity.Level, at time.Time) {
	s.ensure()
	if s.Visits == 0 {
		s.RecordVisit(next, at)
		return
	}
	prev := s.LastLevel
	if prev != next {
		if s.LevelCounts[prev.String()] > 0 {
			s.LevelCounts[prev.String()]--
		}
		s.LevelCounts[next.String()]++
	}
	s.LastLevel = next
	s.LastClassifiedAt = at
}

// WithinReclassifyWindow reports whether a reclassification at now still
// refers to the last recorded visit.
func (s *DomainStats) WithinReclassifyWindow(now time.Time, window time.Duration) bool {
	return s.Visits > 0 && !s.LastVisitAt.IsZero() && now.Sub(s.LastVisitAt) <= window
}

func (s *DomainStats) ensure() {
	if s.LevelCounts == nil {
		s.LevelCounts = make(map[string]int)
	}
}

// ActivityState is the activity_state value: the latest estimation and the
// strongest one seen so far.
type ActivityState struct {
	Latest *activity.Estimation `json:"latest,omitempty"`
	Peak   *activity.Estimation `json:"peak,omitempty"`
}

// Observe records est as latest and promotes it to peak when it outranks
// the current peak.
func (a *ActivityState) Observe(est *activity.Estimation) {
	cp := *est
	cp.Evidence = append([]string(nil), est.Evidence...)
	a.Latest = &cp
	if a.Peak == nil || cp.Stronger(a.Peak) {
		peak := cp
		a.Peak = &peak
	}
}

// Scoring returns the estimation risk recomputation should use.
func (a *ActivityState) Scoring() *activity.Estimation {
	if a.Peak != nil {
		return a.Peak
	}
	return a.Latest
}
