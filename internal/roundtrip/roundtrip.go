// Package roundtrip decides whether a sequence of context events is a
// completed single sign-on hop: relying party, then identity provider,
// then back to the relying party within a time budget.
package roundtrip

import (
	"sort"
	"time"

	"github.com/mbd888/domainlens/internal/session"
)

// DefaultTTL bounds the time between the identity provider visit and the
// return to the relying party.
const DefaultTTL = 30 * time.Second

// LinkFunc reports whether two tabs are related by an opener edge. It is
// consulted only when the event snapshots do not already prove the link.
type LinkFunc func(a, b session.TabID) bool

// Match describes an accepted round-trip.
type Match struct {
	Origin   session.Event // relying party visit that preceded the provider
	Forward  session.Event // identity provider visit
	Backward session.Event // return to the relying party
}

// Elapsed is the time from the provider visit to the return.
func (m Match) Elapsed() time.Duration {
	return m.Backward.At.Sub(m.Forward.At)
}

// Find locates the round-trip rp -> idp -> rp in events. The provider visit
// must directly follow a relying party visit; only the first such visit is
// considered.
func Find(rp, idp string, events []session.Event, ttl time.Duration, linked LinkFunc) (Match, bool) {
	if rp == "" || idp == "" || rp == idp || len(events) < 3 {
		return Match{}, false
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ordered := make([]session.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	fwd := -1
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Domain == idp && ordered[i-1].Domain == rp {
			fwd = i
			break
		}
	}
	if fwd < 0 {
		return Match{}, false
	}

	back := -1
	for j := fwd + 1; j < len(ordered); j++ {
		if ordered[j].Domain == rp {
			back = j
			break
		}
	}
	if back < 0 {
		return Match{}, false
	}

	m := Match{Origin: ordered[fwd-1], Forward: ordered[fwd], Backward: ordered[back]}
	if m.Elapsed() > ttl {
		return Match{}, false
	}
	if !tabsLinked(m.Forward, m.Backward, linked) {
		return Match{}, false
	}
	return m, true
}

// Detect reports whether events contain an accepted round-trip.
func Detect(rp, idp string, events []session.Event, ttl time.Duration, linked LinkFunc) bool {
	_, ok := Find(rp, idp, events, ttl, linked)
	return ok
}

func tabsLinked(fwd, back session.Event, linked LinkFunc) bool {
	// Partial data: nothing to compare.
	if !fwd.TabID.Valid() || !back.TabID.Valid() {
		return true
	}
	if fwd.TabID == back.TabID {
		return true
	}
	if back.OpenerID == fwd.TabID || fwd.OpenerID == back.TabID {
		return true
	}
	return linked != nil && linked(fwd.TabID, back.TabID)
}
