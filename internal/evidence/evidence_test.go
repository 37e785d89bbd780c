package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateIsEmpty(t *testing.T) {
	s := NewState()
	conf, kinds := s.Finalize()
	assert.Equal(t, 0.0, conf)
	assert.Empty(t, kinds)
	assert.False(t, s.HasStrong())
}

func TestConfidenceAlwaysInUnitRange(t *testing.T) {
	s := NewState()
	for _, k := range Kinds {
		s.Add(k, 5)
		conf, _ := s.Finalize()
		assert.GreaterOrEqual(t, conf, 0.0)
		assert.LessOrEqual(t, conf, 1.0)
	}

	neg := NewState()
	neg.Add(KindStrongPath, -3)
	conf, _ := neg.Finalize()
	assert.Equal(t, 0.0, conf)
}

func TestStrongKindCountedOnce(t *testing.T) {
	once := NewState()
	once.AddDefault(KindRedirectMatch)
	c1, k1 := once.Finalize()

	twice := NewState()
	twice.AddDefault(KindRedirectMatch)
	twice.AddDefault(KindRedirectMatch)
	c2, k2 := twice.Finalize()

	assert.InDelta(t, c1, c2, 1e-9)
	assert.Equal(t, k1, k2)
	assert.Len(t, k2, 1)
}

func TestWeakSaturatesAtCap(t *testing.T) {
	s := NewState()
	s.AddDefault(KindStrongPath)
	for i := 0; i < 50; i++ {
		s.Add(KindWeak, 0.05)
	}
	conf, kinds := s.Finalize()
	assert.InDelta(t, WeightStrongPath+MaxWeak, conf, 1e-9)
	assert.Contains(t, kinds, KindWeak)
}

func TestWeakAloneContributesNothing(t *testing.T) {
	s := NewState()
	s.Add(KindWeak, 0.05)
	s.Add(KindWeak, 0.05)

	conf, kinds := s.Finalize()
	assert.Equal(t, 0.0, conf)
	assert.Equal(t, []Kind{KindWeak}, kinds)

	s.AddDefault(KindKnownIdP)
	conf, _ = s.Finalize()
	assert.InDelta(t, WeightKnownIdP+MaxWeak, conf, 1e-9)
}

func TestWeakOnlyNeverExceedsCeiling(t *testing.T) {
	s := NewState()
	for i := 0; i < 100; i++ {
		s.Add(KindWeak, 1)
	}
	s.AddDefault(KindOAuthParams)
	s.AddDefault(KindKnownIdP)
	s.AddDefault(KindSAMLForm)

	conf, _ := s.Finalize()
	assert.LessOrEqual(t, conf, SafetyCeiling)
	assert.InDelta(t, SafetyCeiling, conf, 1e-9)
}

func TestStrongEvidenceSaturates(t *testing.T) {
	s := NewState()
	s.AddDefault(KindRedirectMatch)
	s.AddDefault(KindTemporalChain)
	s.AddDefault(KindOpenerLink)

	conf, kinds := s.Finalize()
	assert.Equal(t, 1.0, conf)
	require.Len(t, kinds, 3)
	assert.Equal(t, []string{"redirect_match", "opener_link", "temporal_chain"}, Names(kinds))
}

func TestIsStrongClassification(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindRedirectMatch, true},
		{KindStrongPath, true},
		{KindOpenerLink, true},
		{KindTemporalChain, true},
		{KindKnownIdP, false},
		{KindOAuthParams, false},
		{KindSAMLForm, false},
		{KindWeak, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, IsStrong(tt.kind))
		})
	}
}
