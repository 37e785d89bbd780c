package aggregate

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/testutil"
)

// exerciseStore runs the contract every Store implementation must meet.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, BucketDomainStats, "missing.example")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Set(ctx, BucketDomainStats, "b.example", []byte(`{"visits":1}`)))
	require.NoError(t, s.Set(ctx, BucketDomainStats, "a.example", []byte(`{"visits":2}`)))
	require.NoError(t, s.Set(ctx, BucketDomainStats, "a.example", []byte(`{"visits":3}`)))
	require.NoError(t, s.Set(ctx, BucketOverrides, "a.example", []byte(`{"pinned":true}`)))

	raw, err := s.Get(ctx, BucketDomainStats, "a.example")
	require.NoError(t, err)
	assert.JSONEq(t, `{"visits":3}`, string(raw))

	keys, err := s.Keys(ctx, BucketDomainStats)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example"}, keys)

	var o activity.Override
	found, err := GetJSON(ctx, s, BucketOverrides, "a.example", &o)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, o.Pinned)

	found, err = GetJSON(ctx, s, BucketOverrides, "nobody.example", &o)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Error(t, s.Set(ctx, Bucket("secrets"), "k", []byte(`{}`)))
	assert.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	v := []byte(`{"a":1}`)
	require.NoError(t, s.Set(ctx, BucketRisk, "k", v))
	v[2] = 'b'

	got, err := s.Get(ctx, BucketRisk, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	s, err := NewRedisStore(context.Background(), url)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	for _, b := range Buckets {
		_ = s.rdb.Del(context.Background(), hashKey(b)).Err()
	}
	exerciseStore(t, s)
}

func TestRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "memcache://localhost:11211")
	assert.ErrorIs(t, err, ErrBadRedisURL)
}

func TestDomainStatsReclassifyTransition(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	s := NewDomainStats("shop.example")

	s.RecordVisit(activity.LevelView, at)
	s.RecordVisit(activity.LevelView, at.Add(time.Minute))
	assert.Equal(t, 2, s.Visits)
	assert.Equal(t, 2, s.LevelCounts["view"])

	s.Reclassify(activity.LevelTransaction, at.Add(time.Minute+5*time.Second))
	assert.Equal(t, 2, s.Visits, "reclassification is not a new visit")
	assert.Equal(t, 1, s.LevelCounts["view"])
	assert.Equal(t, 1, s.LevelCounts["transaction"])
	assert.Equal(t, activity.LevelTransaction, s.LastLevel)

	// Same level again: no double counting.
	s.Reclassify(activity.LevelTransaction, at.Add(time.Minute+6*time.Second))
	assert.Equal(t, 1, s.LevelCounts["transaction"])
	assert.Equal(t, 1, s.LevelCounts["view"])
}

func TestDomainStatsReclassifyWithoutVisit(t *testing.T) {
	s := &DomainStats{Domain: "x.example"}
	s.Reclassify(activity.LevelUGC, time.Now())
	assert.Equal(t, 1, s.Visits)
	assert.Equal(t, 1, s.LevelCounts["ugc"])
}

func TestDomainStatsReclassifyWindow(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	s := NewDomainStats("x.example")
	assert.False(t, s.WithinReclassifyWindow(at, 15*time.Second))

	s.RecordVisit(activity.LevelView, at)
	assert.True(t, s.WithinReclassifyWindow(at.Add(15*time.Second), 15*time.Second))
	assert.False(t, s.WithinReclassifyWindow(at.Add(16*time.Second), 15*time.Second))
}

func TestActivityStatePeak(t *testing.T) {
	var a ActivityState
	assert.Nil(t, a.Scoring())

	tx := &activity.Estimation{Domain: "s.example", Level: activity.LevelTransaction, Confidence: 0.5}
	a.Observe(tx)
	a.Observe(&activity.Estimation{Domain: "s.example", Level: activity.LevelView, Confidence: 0.3})

	assert.Equal(t, activity.LevelView, a.Latest.Level)
	assert.Equal(t, activity.LevelTransaction, a.Peak.Level)
	assert.Same(t, a.Peak, a.Scoring())

	a.Observe(&activity.Estimation{Domain: "s.example", Level: activity.LevelTransaction, Confidence: 0.8})
	assert.Equal(t, 0.8, a.Peak.Confidence)

	tx.Confidence = 0
	assert.Equal(t, 0.8, a.Peak.Confidence, "observed values are copied")
}
