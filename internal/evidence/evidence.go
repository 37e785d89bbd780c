// Package evidence accumulates classification evidence into a bounded
// confidence value.
//
// Strong kinds contribute their weight at most once per classification.
// Weak qualifiers add up to a small cap and only matter when a designated
// strong kind is present; without one the final confidence never exceeds
// the safety ceiling.
package evidence

import (
	"fmt"
	"sort"
)

// Kind is one member of the closed evidence vocabulary.
type Kind int

const (
	KindRedirectMatch Kind = iota + 1
	KindStrongPath
	KindKnownIdP
	KindOAuthParams
	KindSAMLForm
	KindOpenerLink
	KindTemporalChain
	KindWeak
)

// Kinds lists every evidence kind.
var Kinds = []Kind{
	KindRedirectMatch,
	KindStrongPath,
	KindKnownIdP,
	KindOAuthParams,
	KindSAMLForm,
	KindOpenerLink,
	KindTemporalChain,
	KindWeak,
}

func (k Kind) String() string {
	switch k {
	case KindRedirectMatch:
		return "redirect_match"
	case KindStrongPath:
		return "strong_path"
	case KindKnownIdP:
		return "known_idp"
	case KindOAuthParams:
		return "oauth_params"
	case KindSAMLForm:
		return "saml_form"
	case KindOpenerLink:
		return "opener_link"
	case KindTemporalChain:
		return "temporal_chain"
	case KindWeak:
		return "weak_qualifier"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a wire name back to a Kind.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// Default weights per kind.
const (
	WeightRedirectMatch = 0.5
	WeightStrongPath    = 0.3
	WeightKnownIdP      = 0.25
	WeightOAuthParams   = 0.25
	WeightSAMLForm      = 0.4
	WeightOpenerLink    = 0.3
	WeightTemporalChain = 0.4
	WeightWeak          = 0.05
)

const (
	// MaxWeak caps the summed weak-qualifier weight.
	MaxWeak = 0.1
	// SafetyCeiling bounds confidence when no designated strong kind was seen.
	SafetyCeiling = 0.6
)

// Weight returns the default weight for k.
func Weight(k Kind) float64 {
	switch k {
	case KindRedirectMatch:
		return WeightRedirectMatch
	case KindStrongPath:
		return WeightStrongPath
	case KindKnownIdP:
		return WeightKnownIdP
	case KindOAuthParams:
		return WeightOAuthParams
	case KindSAMLForm:
		return WeightSAMLForm
	case KindOpenerLink:
		return WeightOpenerLink
	case KindTemporalChain:
		return WeightTemporalChain
	case KindWeak:
		return WeightWeak
	default:
		return 0
	}
}

// IsStrong reports whether k lifts the safety ceiling on its own.
func IsStrong(k Kind) bool {
	switch k {
	case KindRedirectMatch, KindStrongPath, KindOpenerLink, KindTemporalChain:
		return true
	case KindKnownIdP, KindOAuthParams, KindSAMLForm, KindWeak:
		return false
	default:
		return false
	}
}

// State is a per-classification accumulator. It is created with NewState,
// fed with Add and read once with Finalize.
type State struct {
	strong float64
	weak   float64
	seen   map[Kind]bool
}

// NewState returns an empty accumulator.
func NewState() *State {
	return &State{seen: make(map[Kind]bool)}
}

// Add folds one piece of evidence into the state. Re-adding a strong kind
// already counted is a no-op; weak weight saturates at MaxWeak.
func (s *State) Add(k Kind, weight float64) {
	if weight < 0 {
		weight = 0
	}
	if k == KindWeak {
		s.weak += weight
		if s.weak > MaxWeak {
			s.weak = MaxWeak
		}
		s.seen[k] = true
		return
	}
	if s.seen[k] {
		return
	}
	s.seen[k] = true
	s.strong += weight
}

// AddDefault adds k with its default weight.
func (s *State) AddDefault(k Kind) {
	s.Add(k, Weight(k))
}

// Has reports whether k has been observed.
func (s *State) Has(k Kind) bool {
	return s.seen[k]
}

// HasStrong reports whether any designated strong kind has been observed.
func (s *State) HasStrong() bool {
	for k := range s.seen {
		if IsStrong(k) {
			return true
		}
	}
	return false
}

func (s *State) hasCorroboration() bool {
	for k := range s.seen {
		if k != KindWeak {
			return true
		}
	}
	return false
}

// Finalize returns the clamped confidence and the distinct kinds observed.
// Weak weight only counts once some non-weak kind has been seen.
func (s *State) Finalize() (float64, []Kind) {
	weak := s.weak
	if !s.hasCorroboration() {
		weak = 0
	}
	confidence := clamp01(s.strong + weak)
	if !s.HasStrong() && confidence > SafetyCeiling {
		confidence = SafetyCeiling
	}

	kinds := make([]Kind, 0, len(s.seen))
	for k := range s.seen {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return confidence, kinds
}

// Names converts kinds to their wire names.
func Names(kinds []Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
