// Package activity holds the shared vocabulary of the inference engine:
// activity levels, confidence buckets, management states, user overrides
// and the Estimation produced for every classified navigation.
package activity

import (
	"fmt"
	"time"
)

// Level is the inferred kind of activity on a domain. Levels are ordered:
// View < Account < UGC < Transaction.
type Level int

const (
	LevelView Level = iota
	LevelAccount
	LevelUGC
	LevelTransaction
)

// Levels lists every level in ascending order.
var Levels = []Level{LevelView, LevelAccount, LevelUGC, LevelTransaction}

func (l Level) String() string {
	switch l {
	case LevelView:
		return "view"
	case LevelAccount:
		return "account"
	case LevelUGC:
		return "ugc"
	case LevelTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a level name back to a Level.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelView, fmt.Errorf("unknown activity level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Bucket is the coarse confidence label attached to an estimation.
type Bucket string

const (
	BucketLow    Bucket = "low"
	BucketMedium Bucket = "medium"
	BucketHigh   Bucket = "high"
)

// Numeric tiers used when a bucket has to be turned back into a number.
const (
	TierLow    = 0.3
	TierMedium = 0.5
	TierHigh   = 0.8
)

// Numeric returns the normalized confidence for a bucket.
func (b Bucket) Numeric() float64 {
	switch b {
	case BucketHigh:
		return TierHigh
	case BucketMedium:
		return TierMedium
	default:
		return TierLow
	}
}

// BucketFor maps a numeric confidence onto a bucket.
func BucketFor(confidence float64) Bucket {
	switch {
	case confidence >= TierHigh:
		return BucketHigh
	case confidence >= TierMedium:
		return BucketMedium
	default:
		return BucketLow
	}
}

// ManagementState is the user-facing triage bucket for a domain.
type ManagementState string

const (
	StateNone        ManagementState = "none"
	StateNeedsReview ManagementState = "needs_review"
	StateSuggested   ManagementState = "suggested"
	StatePinned      ManagementState = "pinned"
)

// Category is a user-assigned tag that boosts the risk score.
type Category string

const (
	CategoryNone     Category = ""
	CategoryFinance  Category = "finance"
	CategoryAuth     Category = "auth"
	CategoryShopping Category = "shopping"
)

// Valid reports whether c is part of the closed category vocabulary.
func (c Category) Valid() bool {
	switch c {
	case CategoryNone, CategoryFinance, CategoryAuth, CategoryShopping:
		return true
	}
	return false
}

// Override is the set of user decisions recorded for a domain.
type Override struct {
	Pinned      bool     `json:"pinned"`
	Whitelisted bool     `json:"whitelisted"`
	Ignored     bool     `json:"ignored"`
	Category    Category `json:"category,omitempty"`
}

// Estimation is the classifier's verdict for a single navigation or DOM signal.
type Estimation struct {
	Domain          string          `json:"domain"`
	Level           Level           `json:"level"`
	Bucket          Bucket          `json:"confidence"`
	Confidence      float64         `json:"confidence_score"`
	Evidence        []string        `json:"evidence,omitempty"`
	RPDomain        string          `json:"rp_domain,omitempty"`
	IdPDomain       string          `json:"idp_domain,omitempty"`
	RiskScore       int             `json:"risk_score"`
	RiskConfidence  float64         `json:"risk_confidence"`
	ManagementState ManagementState `json:"management_state"`
	Explanation     string          `json:"explanation"`
	ClassifiedAt    time.Time       `json:"classified_at"`
}

// HasEvidence reports whether the named evidence flag is present.
func (e *Estimation) HasEvidence(flag string) bool {
	for _, f := range e.Evidence {
		if f == flag {
			return true
		}
	}
	return false
}

// Stronger reports whether e outranks other: a higher level wins, and on
// equal levels the higher numeric confidence wins.
func (e *Estimation) Stronger(other *Estimation) bool {
	if other == nil {
		return true
	}
	if e.Level != other.Level {
		return e.Level > other.Level
	}
	return e.Confidence > other.Confidence
}
