package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/domainlens/internal/activity"
)

func TestScoreBaseTable(t *testing.T) {
	tests := []struct {
		level activity.Level
		want  int
	}{
		{activity.LevelView, 5},
		{activity.LevelAccount, 30},
		{activity.LevelUGC, 45},
		{activity.LevelTransaction, 70},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			score, reasons := Score(tt.level, 1.0, 0, activity.Override{})
			assert.Equal(t, tt.want, score)
			assert.NotEmpty(t, reasons)
		})
	}
}

func TestScoreMonotonicInConfidence(t *testing.T) {
	for _, level := range activity.Levels {
		prev := -1
		for c := 0.0; c <= 1.0; c += 0.05 {
			score, _ := Score(level, c, 0, activity.Override{})
			assert.GreaterOrEqual(t, score, prev, "level %s confidence %.2f", level, c)
			assert.LessOrEqual(t, score, BaseScore(level))
			assert.GreaterOrEqual(t, score, BaseScore(activity.LevelView))
			prev = score
		}
	}
}

func TestScoreAdjustments(t *testing.T) {
	tests := []struct {
		name     string
		level    activity.Level
		conf     float64
		visits   int
		override activity.Override
		want     int
	}{
		{"frequent view", activity.LevelView, 0.3, 250, activity.Override{}, 15},
		{"regular view", activity.LevelView, 0.3, 51, activity.Override{}, 10},
		{"boundary visits", activity.LevelView, 0.3, 50, activity.Override{}, 5},
		{"finance", activity.LevelTransaction, 1, 0, activity.Override{Category: activity.CategoryFinance}, 90},
		{"auth", activity.LevelAccount, 1, 0, activity.Override{Category: activity.CategoryAuth}, 45},
		{"shopping", activity.LevelUGC, 1, 0, activity.Override{Category: activity.CategoryShopping}, 55},
		{"whitelisted floors at zero", activity.LevelAccount, 1, 0, activity.Override{Whitelisted: true}, 0},
		{"clamped to 100", activity.LevelTransaction, 1, 500, activity.Override{Category: activity.CategoryFinance}, 100},
		{"pin adds nothing", activity.LevelAccount, 1, 0, activity.Override{Pinned: true}, 30},
		{"half confidence", activity.LevelTransaction, 0.5, 0, activity.Override{}, 54},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, _ := Score(tt.level, tt.conf, tt.visits, tt.override)
			assert.Equal(t, tt.want, score)
		})
	}
}

func TestScoreIgnoredOverridesEverything(t *testing.T) {
	score, reasons := Score(activity.LevelTransaction, 1, 1000, activity.Override{
		Ignored:  true,
		Category: activity.CategoryFinance,
	})
	assert.Equal(t, 0, score)
	assert.NotNil(t, reasons)
	assert.Empty(t, reasons)
}

func TestManagementStateDecisionTable(t *testing.T) {
	tests := []struct {
		name string
		in   StateInput
		want activity.ManagementState
	}{
		{"pin beats everything", StateInput{Pinned: true}, activity.StatePinned},
		{"pin beats suggested", StateInput{Pinned: true, Level: activity.LevelTransaction, Confidence: 1}, activity.StatePinned},
		{"ignored", StateInput{Ignored: true, Level: activity.LevelTransaction, Confidence: 1, Visits: 500}, activity.StateNone},
		{"pin beats ignored", StateInput{Pinned: true, Ignored: true}, activity.StatePinned},
		{"confident transaction", StateInput{Level: activity.LevelTransaction, Confidence: 0.8}, activity.StateSuggested},
		{"sso account with rp", StateInput{Level: activity.LevelAccount, Confidence: 0.9, HasRP: true}, activity.StateSuggested},
		{"sso account with round-trip", StateInput{Level: activity.LevelAccount, Confidence: 0.9, StrongSSO: true}, activity.StateSuggested},
		{"plain login page", StateInput{Level: activity.LevelAccount, Confidence: 0.9, Score: 30}, activity.StateNone},
		{"review by score", StateInput{Level: activity.LevelUGC, Confidence: 0.6, Score: 40}, activity.StateNeedsReview},
		{"score just below", StateInput{Level: activity.LevelUGC, Confidence: 0.6, Score: 39}, activity.StateNone},
		{"frequent", StateInput{Level: activity.LevelAccount, Confidence: 0.5, Visits: 100}, activity.StateNeedsReview},
		{"frequent but unsure", StateInput{Level: activity.LevelAccount, Confidence: 0.3, Visits: 150}, activity.StateNone},
		{"habitual view", StateInput{Level: activity.LevelView, Confidence: 0.3, Visits: 200}, activity.StateNeedsReview},
		{"quiet view", StateInput{Level: activity.LevelView, Confidence: 0.3, Visits: 10}, activity.StateNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ManagementStateFor(tt.in))
		})
	}
}

func TestEvaluateFrequentViewDomain(t *testing.T) {
	e := NewEngine(nil)
	rec := e.Evaluate(Input{
		Domain:     "news.example",
		Level:      activity.LevelView,
		Confidence: activity.TierLow,
		Visits:     250,
	})
	assert.Equal(t, 15, rec.Score)
	assert.Equal(t, activity.StateNeedsReview, rec.State)
	assert.Contains(t, rec.ID, "risk_")
}

func TestEvaluatePinnedFromContextOrOverride(t *testing.T) {
	e := NewEngine(nil)
	for _, in := range []Input{
		{Domain: "a.example", Pinned: true},
		{Domain: "a.example", Override: activity.Override{Pinned: true}},
	} {
		assert.Equal(t, activity.StatePinned, e.Evaluate(in).State)
	}
}

func TestEvaluateIgnored(t *testing.T) {
	e := NewEngine(nil)
	rec := e.Evaluate(Input{
		Domain:     "shop.example",
		Level:      activity.LevelTransaction,
		Confidence: 1,
		Visits:     300,
		Override:   activity.Override{Ignored: true},
	})
	assert.Equal(t, 0, rec.Score)
	assert.Equal(t, 0.0, rec.Confidence)
	assert.Empty(t, rec.Reasons)
	assert.Equal(t, activity.StateNone, rec.State)
}

func TestEngineHistory(t *testing.T) {
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	e := NewEngine(store).WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := e.Evaluate(Input{Domain: "bank.example", Level: activity.LevelTransaction, Confidence: 0.25 * float64(i)})
		require.NoError(t, e.Persist(ctx, rec))
	}
	require.NoError(t, e.Persist(ctx, e.Evaluate(Input{Domain: "other.example"})))

	recs, err := e.History(ctx, "bank.example", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].UpdatedAt.After(recs[1].UpdatedAt), "newest first")
	assert.Equal(t, 70, recs[0].Score)

	recs[0].Reasons[0] = "mutated"
	again, _ := e.History(ctx, "bank.example", 1)
	assert.NotEqual(t, "mutated", again[0].Reasons[0])
}

func TestEngineWithoutStore(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.Persist(context.Background(), e.Evaluate(Input{Domain: "x.example"})))
	recs, err := e.History(context.Background(), "x.example", 10)
	require.NoError(t, err)
	assert.Nil(t, recs)
}

func BenchmarkEvaluate(b *testing.B) {
	e := NewEngine(nil)
	for i := 0; i < b.N; i++ {
		e.Evaluate(Input{
			Domain:     fmt.Sprintf("d%d.example", i%100),
			Level:      activity.Levels[i%len(activity.Levels)],
			Confidence: float64(i%10) / 10,
			Visits:     i % 300,
		})
	}
}
