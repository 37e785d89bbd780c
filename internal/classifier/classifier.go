// Package classifier infers the kind of activity behind a navigation from
// URL shape, DOM hints and authentication-protocol structure, and links
// single sign-on hops back to the site that started them.
package classifier

import (
	"time"

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/evidence"
	"github.com/mbd888/domainlens/internal/risk"
	"github.com/mbd888/domainlens/internal/roundtrip"
	"github.com/mbd888/domainlens/internal/session"
	"github.com/mbd888/domainlens/internal/urlx"
)

// ContextSource is the read side of the session graph.
type ContextSource interface {
	Context(tab session.TabID) []session.Event
	Tab(tab session.TabID) (session.TabNode, bool)
	OpenerLinked(a, b session.TabID) bool
}

// RiskContext is the per-domain context that feeds scoring.
type RiskContext struct {
	VisitCount int
	Pinned     bool
	Override   activity.Override
}

// Input is one classification request. Signals must already be validated.
type Input struct {
	URL          string
	Signals      []Signal
	TabID        session.TabID
	ActionDomain string // SAML form action domain from the DOM probe
	RiskContext
}

// Options configures a Classifier.
type Options struct {
	RoundTripTTL time.Duration
	Now          func() time.Time
}

// Classifier turns inputs into activity estimations.
type Classifier struct {
	sessions ContextSource
	ttl      time.Duration
	now      func() time.Time
}

// New creates a classifier. sessions may be nil, in which case RP inference
// from opener tabs and round-trip detection are skipped.
func New(sessions ContextSource, opts Options) *Classifier {
	if opts.RoundTripTTL <= 0 {
		opts.RoundTripTTL = roundtrip.DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Classifier{sessions: sessions, ttl: opts.RoundTripTTL, now: opts.Now}
}

// Classify produces the full estimation for in. It fails only when the URL
// does not reduce to an http(s) domain.
func (c *Classifier) Classify(in Input) (*activity.Estimation, error) {
	p, err := urlx.Parse(in.URL)
	if err != nil {
		return nil, err
	}

	signals := newSignalSet(in.Signals, URLSignals(p))
	est := &activity.Estimation{Domain: p.Domain, ClassifiedAt: c.now()}

	oauth := DetectOAuth(p)
	saml := signals[SignalSAMLForm]

	if oauth.Detected() || saml {
		c.structural(est, p, in, signals, oauth, saml)
	} else {
		heuristic(est, signals)
	}

	Assess(est, in.RiskContext)
	return est, nil
}

// structural runs the OAuth/SAML path: accumulate evidence, infer both ends
// of the hop and force the level to account.
func (c *Classifier) structural(est *activity.Estimation, p *urlx.Parsed, in Input, signals signalSet, oauth OAuthMatch, saml bool) {
	st := evidence.NewState()
	if oauth.ParamKeys >= minOAuthParams {
		st.AddDefault(evidence.KindOAuthParams)
	}
	if oauth.StrongPath {
		st.AddDefault(evidence.KindStrongPath)
	}
	if oauth.KnownIdP {
		st.AddDefault(evidence.KindKnownIdP)
	}
	if saml {
		st.AddDefault(evidence.KindSAMLForm)
	}
	for _, sig := range []Signal{SignalURLLogin, SignalURLSignup, SignalURLAccount, SignalLoginForm, SignalPasswordField} {
		if signals[sig] {
			st.AddDefault(evidence.KindWeak)
		}
	}

	idp := p.Domain
	var rp string
	if oauth.RedirectDomain != "" && oauth.RedirectDomain != idp {
		rp = oauth.RedirectDomain
		st.AddDefault(evidence.KindRedirectMatch)
	}

	opener := c.openerDomain(in.TabID, idp)
	if rp == "" {
		rp = opener
	}
	if opener != "" && opener == rp {
		st.AddDefault(evidence.KindOpenerLink)
	}

	if rp == "" && saml && in.ActionDomain != "" && in.ActionDomain != idp {
		rp = in.ActionDomain
	}

	if rp != "" && c.sessions != nil && in.TabID.Valid() {
		if roundtrip.Detect(rp, idp, c.sessions.Context(in.TabID), c.ttl, c.sessions.OpenerLinked) {
			st.AddDefault(evidence.KindTemporalChain)
		}
	}

	est.Level = activity.LevelAccount
	est.RPDomain = rp
	est.IdPDomain = idp
	finalize(est, st)
}

// finalize turns an accumulator into confidence, bucket, evidence flags and
// an explanation.
func finalize(est *activity.Estimation, st *evidence.State) {
	confidence, kinds := st.Finalize()
	if samlOnly(st) && confidence > evidence.SafetyCeiling {
		confidence = evidence.SafetyCeiling
	}
	est.Confidence = confidence
	est.Bucket = activity.BucketFor(confidence)
	est.Evidence = evidence.Names(kinds)
	est.Explanation = explainStructural(est, st)
}

// samlOnly reports a SAML form with neither a redirect match nor a
// completed round-trip to back it.
func samlOnly(st *evidence.State) bool {
	return st.Has(evidence.KindSAMLForm) &&
		!st.Has(evidence.KindRedirectMatch) &&
		!st.Has(evidence.KindTemporalChain)
}

// heuristic picks the first qualifying level in priority order
// transaction > ugc > account > view.
func heuristic(est *activity.Estimation, signals signalSet) {
	switch {
	case signals.any(SignalPaymentField):
		setLevel(est, activity.LevelTransaction, activity.BucketHigh, explainTransaction)
	case signals.any(SignalURLTransaction):
		setLevel(est, activity.LevelTransaction, activity.BucketMedium, explainTransaction)
	case signals.any(SignalRichEditor, SignalFileUpload):
		setLevel(est, activity.LevelUGC, activity.BucketHigh, explainUGC)
	case signals.any(SignalURLUGC):
		setLevel(est, activity.LevelUGC, activity.BucketMedium, explainUGC)
	case signals.any(SignalPasswordField, SignalLoginForm):
		setLevel(est, activity.LevelAccount, activity.BucketHigh, explainAccount)
	case signals.any(SignalURLLogin, SignalURLSignup, SignalURLAccount):
		// URL keywords alone cannot tell "/auth" from "/author".
		setLevel(est, activity.LevelView, activity.BucketLow, explainAmbiguous)
	default:
		setLevel(est, activity.LevelView, activity.BucketLow, explainView)
	}
}

func setLevel(est *activity.Estimation, level activity.Level, bucket activity.Bucket, explanation string) {
	est.Level = level
	est.Bucket = bucket
	est.Confidence = bucket.Numeric()
	est.Explanation = explanation
}

// Assess fills in the risk score, risk confidence and management state.
func Assess(est *activity.Estimation, rc RiskContext) {
	a := risk.Assess(risk.FromEstimation(est, rc.VisitCount, rc.Pinned, rc.Override))
	est.RiskScore = a.Score
	est.RiskConfidence = a.Confidence
	est.ManagementState = a.State
}

// Reinforce folds additional evidence into an earlier structural estimation,
// for example a round-trip that completed after the provider page was
// classified. Evidence already present is counted once.
func Reinforce(est activity.Estimation, rc RiskContext, add ...evidence.Kind) activity.Estimation {
	st := evidence.NewState()
	for _, name := range est.Evidence {
		if k, ok := evidence.ParseKind(name); ok {
			st.AddDefault(k)
		}
	}
	for _, k := range add {
		st.AddDefault(k)
	}

	out := est
	out.Evidence = nil
	out.Level = activity.LevelAccount
	finalize(&out, st)
	Assess(&out, rc)
	return out
}

// openerDomain returns the most recent domain visited by the tab that
// opened tab, skipping the provider itself.
func (c *Classifier) openerDomain(tab session.TabID, idp string) string {
	if c.sessions == nil || !tab.Valid() {
		return ""
	}
	node, ok := c.sessions.Tab(tab)
	if !ok || !node.OpenerID.Valid() {
		return ""
	}
	events := c.sessions.Context(tab)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.TabID == node.OpenerID && ev.Domain != idp {
			return ev.Domain
		}
	}
	return ""
}
