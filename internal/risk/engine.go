package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/evidence"
	"github.com/mbd888/domainlens/internal/idgen"
)

const (
	baseView        = 5
	baseAccount     = 30
	baseUGC         = 45
	baseTransaction = 70

	boostVisitsHigh  = 10 // > 200 visits
	boostVisitsMid   = 5  // > 50 visits
	boostFinance     = 20
	boostAuth        = 15
	boostShopping    = 10
	penaltyWhitelist = 30
)

// Decision-table thresholds.
const (
	SuggestConfidence = 0.8
	ReviewConfidence  = 0.6
	ReviewScore       = 40
	FrequentVisits    = 100
	FrequentMinConf   = 0.3
	HabitualVisits    = 200
)

// BaseScore returns the fixed base score for a level.
func BaseScore(l activity.Level) int {
	switch l {
	case activity.LevelView:
		return baseView
	case activity.LevelAccount:
		return baseAccount
	case activity.LevelUGC:
		return baseUGC
	case activity.LevelTransaction:
		return baseTransaction
	default:
		return baseView
	}
}

// Score computes the attention score and the reasons behind it.
//
// Confidence blends between the view baseline and the level's base: a fully
// confident estimation scores its base, a zero-confidence one lands halfway.
// Ignored domains always score 0 with no reasons.
func Score(level activity.Level, confidence float64, visits int, o activity.Override) (int, []string) {
	if o.Ignored {
		return MinScore, []string{}
	}
	confidence = clamp01(confidence)

	base := BaseScore(level)
	raw := float64(baseView) + float64(base-baseView)*(0.5+0.5*confidence)
	reasons := []string{fmt.Sprintf("level %s base %d", level, base)}
	if level != activity.LevelView && confidence < 1 {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f", confidence))
	}

	switch {
	case visits > 200:
		raw += boostVisitsHigh
		reasons = append(reasons, "more than 200 visits")
	case visits > 50:
		raw += boostVisitsMid
		reasons = append(reasons, "more than 50 visits")
	}

	switch o.Category {
	case activity.CategoryFinance:
		raw += boostFinance
		reasons = append(reasons, "tagged finance")
	case activity.CategoryAuth:
		raw += boostAuth
		reasons = append(reasons, "tagged auth")
	case activity.CategoryShopping:
		raw += boostShopping
		reasons = append(reasons, "tagged shopping")
	case activity.CategoryNone:
	}

	if o.Whitelisted {
		raw -= penaltyWhitelist
		reasons = append(reasons, "whitelisted")
	}

	score := int(math.Round(raw))
	if score < MinScore {
		score = MinScore
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score, reasons
}

// StateInput is what the management-state decision table looks at.
type StateInput struct {
	Level      activity.Level
	Confidence float64
	Score      int
	Visits     int
	Pinned     bool
	Ignored    bool
	HasRP      bool
	StrongSSO  bool
}

// ManagementStateFor evaluates the decision table top to bottom; the first
// matching rule wins. Ignored domains that are not pinned map to none.
func ManagementStateFor(in StateInput) activity.ManagementState {
	switch {
	case in.Pinned:
		return activity.StatePinned
	case in.Ignored: // added rule, not in the base table: an ignored domain is never surfaced
		return activity.StateNone
	case in.Confidence >= SuggestConfidence && in.Level == activity.LevelTransaction:
		return activity.StateSuggested
	case in.Confidence >= SuggestConfidence && in.Level == activity.LevelAccount && (in.HasRP || in.StrongSSO):
		return activity.StateSuggested
	case in.Level != activity.LevelView && in.Confidence >= ReviewConfidence && in.Score >= ReviewScore:
		return activity.StateNeedsReview
	case in.Visits >= FrequentVisits && in.Confidence > FrequentMinConf:
		return activity.StateNeedsReview
	case in.Level == activity.LevelView && in.Visits >= HabitualVisits:
		return activity.StateNeedsReview
	default:
		return activity.StateNone
	}
}

// Engine evaluates inputs into records and keeps their history.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates a risk engine backed by the given history store.
// store may be nil, in which case records are not kept.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// WithClock overrides the engine clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Assessment is the pure outcome of scoring one input.
type Assessment struct {
	Score      int
	Confidence float64
	State      activity.ManagementState
	Reasons    []string
}

// Assess scores in and maps it onto a management state.
func Assess(in Input) Assessment {
	score, reasons := Score(in.Level, in.Confidence, in.Visits, in.Override)
	confidence := clamp01(in.Confidence)

	state := ManagementStateFor(StateInput{
		Level:      in.Level,
		Confidence: confidence,
		Score:      score,
		Visits:     in.Visits,
		Pinned:     in.pinned(),
		Ignored:    in.Override.Ignored,
		HasRP:      in.RPDomain != "",
		StrongSSO:  in.StrongSSO,
	})

	if in.Override.Ignored {
		confidence = 0
	}
	return Assessment{
		Score:      score,
		Confidence: math.Round(confidence*1000) / 1000,
		State:      state,
		Reasons:    reasons,
	}
}

// FromEstimation builds a scoring input from a stored estimation and the
// domain's current context.
func FromEstimation(est *activity.Estimation, visits int, pinned bool, o activity.Override) Input {
	strong := est.HasEvidence(evidence.KindRedirectMatch.String()) ||
		est.HasEvidence(evidence.KindTemporalChain.String())
	return Input{
		Domain:     est.Domain,
		Level:      est.Level,
		Confidence: est.Confidence,
		Visits:     visits,
		Override:   o,
		Pinned:     pinned,
		RPDomain:   est.RPDomain,
		StrongSSO:  strong,
	}
}

// Evaluate assesses in and wraps the result in a new record.
func (e *Engine) Evaluate(in Input) *Record {
	a := Assess(in)
	return &Record{
		ID:         idgen.WithPrefix("risk_"),
		Domain:     in.Domain,
		Score:      a.Score,
		Confidence: a.Confidence,
		Level:      in.Level,
		State:      a.State,
		Reasons:    a.Reasons,
		Visits:     in.Visits,
		UpdatedAt:  e.now(),
	}
}

// Persist appends rec to the history store.
func (e *Engine) Persist(ctx context.Context, rec *Record) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Record(ctx, rec); err != nil {
		return fmt.Errorf("persist risk record for %s: %w", rec.Domain, err)
	}
	return nil
}

// History returns the most recent records for domain, newest first.
func (e *Engine) History(ctx context.Context, domain string, limit int) ([]*Record, error) {
	if e.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return e.store.ListByDomain(ctx, domain, limit)
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
