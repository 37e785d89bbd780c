package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/aggregate"
	"github.com/mbd888/domainlens/internal/classifier"
	"github.com/mbd888/domainlens/internal/evidence"
	"github.com/mbd888/domainlens/internal/metrics"
	"github.com/mbd888/domainlens/internal/risk"
	"github.com/mbd888/domainlens/internal/roundtrip"
	"github.com/mbd888/domainlens/internal/session"
	"github.com/mbd888/domainlens/internal/traces"
	"github.com/mbd888/domainlens/internal/urlx"
	"github.com/mbd888/domainlens/internal/validation"
)

var (
	// ErrIgnored marks an event that was accepted but carries nothing to act on.
	ErrIgnored = errors.New("engine: event ignored")
	// ErrInvalidTab is returned for events without a usable tab id.
	ErrInvalidTab = errors.New("engine: invalid tab id")
	// ErrMalformedEvent is returned for events dropped before any state is written.
	ErrMalformedEvent = errors.New("engine: malformed event")
	// ErrInvalidCategory is returned for overrides outside the category vocabulary.
	ErrInvalidCategory = errors.New("engine: invalid category")
)

// Notifier receives outcomes as they are committed. Implementations must
// not block: they are called from the queue consumer.
type Notifier interface {
	Classified(est *activity.Estimation)
	StateChanged(rec *risk.Record, from activity.ManagementState)
	RoundTripConfirmed(rp, idp string, elapsed time.Duration)
}

// Options configures a Service.
type Options struct {
	Session          session.Options
	RoundTripTTL     time.Duration
	ReclassifyWindow time.Duration
	GCSampleRate     float64 // share of navigations that also schedule a prune
	GCInterval       time.Duration
	QueueSize        int
	HistoryLimit     int
	Now              func() time.Time
	Rand             func() float64
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Session:          session.DefaultOptions(),
		RoundTripTTL:     roundtrip.DefaultTTL,
		ReclassifyWindow: 15 * time.Second,
		GCSampleRate:     0.1,
		GCInterval:       30 * time.Second,
		QueueSize:        defaultQueueSize,
		HistoryLimit:     10,
		Now:              time.Now,
		Rand:             rand.Float64,
	}
}

// NavigationEvent is a navigation reported by the browser probe.
type NavigationEvent struct {
	TabID   session.TabID
	URL     string
	FrameID int // 0 is the main frame
	Kind    session.EventKind
}

// OpenerEvent links a new tab to the tab that opened it.
type OpenerEvent struct {
	TabID         session.TabID
	OpenerTabID   session.TabID
	Authoritative bool // best-effort links never replace an existing opener
}

// DOMEvent is one DOM probe signal. The form action path only arrives as a
// SHA-256 hex digest and is never stored.
type DOMEvent struct {
	TabID          session.TabID
	URL            string // empty means the tab's current page
	Signal         string
	ActionDomain   string
	ActionPathHash string
}

// ClassifyRequest is a stateless classification call.
type ClassifyRequest struct {
	URL          string
	Signals      []string
	TabID        session.TabID
	VisitCount   int
	Pinned       bool
	ActionDomain string
}

// DomainView is everything stored about one domain.
type DomainView struct {
	Domain   string                   `json:"domain"`
	Stats    *aggregate.DomainStats   `json:"stats,omitempty"`
	Activity *aggregate.ActivityState `json:"activity,omitempty"`
	Risk     *risk.Record             `json:"risk,omitempty"`
	Override activity.Override        `json:"override"`
	History  []*risk.Record           `json:"history,omitempty"`
}

// pendingHop is a provider-side estimation waiting for the return to its RP.
type pendingHop struct {
	est activity.Estimation
	tab session.TabID
	at  time.Time
}

// page holds the DOM signals seen on a tab's current page.
type page struct {
	domain  string
	url     string
	signals []classifier.Signal
}

// Service owns the session graph, the classifier and the aggregate buckets.
// Every mutation runs as a unit on its queue.
type Service struct {
	store      aggregate.Store
	risk       *risk.Engine
	graph      *session.Graph
	janitor    *session.Janitor
	classifier *classifier.Classifier
	queue      *Queue
	notifier   Notifier
	logger     *slog.Logger
	opts       Options

	// Only touched from queue units.
	pending map[string]pendingHop
	pages   map[session.TabID]*page
}

// NewService wires a service over store. history may be nil.
func NewService(store aggregate.Store, history risk.Store, opts Options, logger *slog.Logger) *Service {
	def := DefaultOptions()
	if opts.RoundTripTTL <= 0 {
		opts.RoundTripTTL = def.RoundTripTTL
	}
	if opts.ReclassifyWindow <= 0 {
		opts.ReclassifyWindow = def.ReclassifyWindow
	}
	if opts.GCSampleRate < 0 {
		opts.GCSampleRate = 0
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.Rand == nil {
		opts.Rand = def.Rand
	}
	opts.Session.Now = opts.Now

	graph := session.NewGraph(opts.Session)
	queue := NewQueue(opts.QueueSize, logger)
	s := &Service{
		store:   store,
		risk:    risk.NewEngine(history).WithClock(opts.Now),
		graph:   graph,
		janitor: session.NewJanitor(graph, queue, opts.GCInterval, logger),
		classifier: classifier.New(graph, classifier.Options{
			RoundTripTTL: opts.RoundTripTTL,
			Now:          opts.Now,
		}),
		queue:   queue,
		logger:  logger,
		opts:    opts,
		pending: make(map[string]pendingHop),
		pages:   make(map[session.TabID]*page),
	}
	s.janitor.OnPrune(s.afterPrune)
	return s
}

// WithNotifier sets the outcome listener.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Start launches the queue consumer and the session janitor. It returns
// immediately; both stop when ctx is done.
func (s *Service) Start(ctx context.Context) {
	go s.queue.Start(ctx)
	go s.janitor.Start(ctx)
}

// Stop halts the janitor and closes the queue.
func (s *Service) Stop() {
	s.janitor.Stop()
	s.queue.Stop()
}

// Queue exposes the work queue for health reporting.
func (s *Service) Queue() *Queue { return s.queue }

// Ping reports whether the service can take work.
func (s *Service) Ping(ctx context.Context) error {
	if !s.queue.Running() {
		return errors.New("engine: queue not running")
	}
	return s.store.Ping(ctx)
}

// Classify returns the estimation for a URL without recording anything.
func (s *Service) Classify(ctx context.Context, req ClassifyRequest) (*activity.Estimation, error) {
	p, err := urlx.Parse(req.URL)
	if err != nil {
		metrics.DroppedEventsTotal.WithLabelValues("bad_url").Inc()
		return nil, err
	}
	action := s.actionDomain(req.ActionDomain)

	var est *activity.Estimation
	err = s.queue.Do(ctx, "classify", func(ctx context.Context) error {
		stats, o, err := s.loadDomain(ctx, p.Domain)
		if err != nil {
			return err
		}
		visits := req.VisitCount
		if visits <= 0 {
			visits = stats.Visits
		}
		est, err = s.classifier.Classify(classifier.Input{
			URL:          req.URL,
			Signals:      s.validSignals(p.Domain, req.Signals),
			TabID:        req.TabID,
			ActionDomain: action,
			RiskContext: classifier.RiskContext{
				VisitCount: visits,
				Pinned:     req.Pinned,
				Override:   o,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	observe(est)
	return est, nil
}

// HandleNavigation records a main-frame navigation, counts the visit and
// refreshes the domain's activity and risk. Sub-frame navigations return
// ErrIgnored.
func (s *Service) HandleNavigation(ctx context.Context, ev NavigationEvent) (*activity.Estimation, error) {
	if ev.FrameID != 0 {
		return nil, ErrIgnored
	}
	if !ev.TabID.Valid() {
		metrics.DroppedEventsTotal.WithLabelValues("bad_tab").Inc()
		return nil, ErrInvalidTab
	}
	if ev.Kind == "" {
		ev.Kind = session.KindNavigation
	}
	if ev.Kind != session.KindNavigation && ev.Kind != session.KindRedirect {
		metrics.DroppedEventsTotal.WithLabelValues("bad_kind").Inc()
		return nil, fmt.Errorf("%w: navigation kind %q", ErrMalformedEvent, ev.Kind)
	}
	p, err := urlx.Parse(ev.URL)
	if err != nil {
		metrics.DroppedEventsTotal.WithLabelValues("bad_url").Inc()
		return nil, err
	}

	var est *activity.Estimation
	err = s.queue.Do(ctx, "navigation", func(ctx context.Context) error {
		traces.Annotate(ctx, traces.Domain(p.Domain), traces.TabID(int64(ev.TabID)))
		var uerr error
		est, uerr = s.navigate(ctx, ev, p)
		if est != nil {
			traces.Annotate(ctx, traces.Level(est.Level.String()))
		}
		return uerr
	})
	if err != nil {
		return nil, err
	}
	return est, nil
}

func (s *Service) navigate(ctx context.Context, ev NavigationEvent, p *urlx.Parsed) (*activity.Estimation, error) {
	now := s.opts.Now()
	if _, ok := s.graph.RecordDomain(ev.TabID, p.Domain, ev.Kind); !ok {
		return nil, fmt.Errorf("%w: navigation for tab %s", ErrMalformedEvent, ev.TabID)
	}
	s.pages[ev.TabID] = &page{domain: p.Domain, url: ev.URL}

	if s.opts.Rand() < s.opts.GCSampleRate {
		s.janitor.Trigger("sampled")
	}

	stats, o, err := s.loadDomain(ctx, p.Domain)
	if err != nil {
		return nil, err
	}
	est, err := s.classifier.Classify(classifier.Input{
		URL:   ev.URL,
		TabID: ev.TabID,
		RiskContext: classifier.RiskContext{
			VisitCount: stats.Visits + 1,
			Override:   o,
		},
	})
	if err != nil {
		return nil, err
	}

	stats.RecordVisit(est.Level, now)
	if err := aggregate.SetJSON(ctx, s.store, aggregate.BucketDomainStats, p.Domain, stats); err != nil {
		return nil, err
	}
	if _, err := s.commit(ctx, est, stats.Visits, o); err != nil {
		return nil, err
	}

	if err := s.confirmRoundTrip(ctx, p.Domain, ev.TabID, now); err != nil {
		return nil, err
	}
	s.trackHop(est, ev.TabID, now)
	return est, nil
}

// HandleOpener records an opener link. A best-effort link never replaces an
// opener already on record.
func (s *Service) HandleOpener(ctx context.Context, ev OpenerEvent) (bool, error) {
	if !ev.TabID.Valid() || !ev.OpenerTabID.Valid() || ev.TabID == ev.OpenerTabID {
		metrics.DroppedEventsTotal.WithLabelValues("bad_opener").Inc()
		return false, fmt.Errorf("%w: opener %s -> %s", ErrMalformedEvent, ev.OpenerTabID, ev.TabID)
	}
	var linked bool
	err := s.queue.Do(ctx, "opener", func(context.Context) error {
		linked = s.graph.RecordOpener(ev.TabID, ev.OpenerTabID, ev.Authoritative)
		return nil
	})
	return linked, err
}

// HandleDOMSignal folds a DOM probe signal into the tab's current page and
// reclassifies it. Inside the reclassify window the last visit moves to the
// new level instead of counting a new one. Unknown codes return ErrIgnored.
func (s *Service) HandleDOMSignal(ctx context.Context, ev DOMEvent) (*activity.Estimation, error) {
	if !ev.TabID.Valid() {
		metrics.DroppedEventsTotal.WithLabelValues("bad_tab").Inc()
		return nil, ErrInvalidTab
	}
	if ev.ActionPathHash != "" && !validation.IsValidDigest(ev.ActionPathHash) {
		metrics.DroppedEventsTotal.WithLabelValues("bad_metadata").Inc()
		return nil, fmt.Errorf("%w: action path hash", ErrMalformedEvent)
	}
	known, dropped := classifier.ValidateSignals([]string{ev.Signal})
	if len(dropped) > 0 {
		s.logDropped(ev.URL, dropped)
	}
	if len(known) == 0 {
		return nil, ErrIgnored
	}
	action := s.actionDomain(ev.ActionDomain)

	var est *activity.Estimation
	err := s.queue.Do(ctx, "dom_signal", func(ctx context.Context) error {
		traces.Annotate(ctx, traces.TabID(int64(ev.TabID)))
		var err error
		est, err = s.reclassify(ctx, ev, known, action)
		if est != nil {
			traces.Annotate(ctx, traces.Domain(est.Domain), traces.Level(est.Level.String()))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return est, nil
}

func (s *Service) reclassify(ctx context.Context, ev DOMEvent, known []classifier.Signal, action string) (*activity.Estimation, error) {
	now := s.opts.Now()
	rawURL := ev.URL
	if rawURL == "" {
		cur, ok := s.pages[ev.TabID]
		if !ok {
			return nil, fmt.Errorf("%w: no page for tab %s", ErrMalformedEvent, ev.TabID)
		}
		rawURL = cur.url
	}
	p, err := urlx.Parse(rawURL)
	if err != nil {
		metrics.DroppedEventsTotal.WithLabelValues("bad_url").Inc()
		return nil, err
	}

	cur, ok := s.pages[ev.TabID]
	if !ok || cur.domain != p.Domain {
		cur = &page{domain: p.Domain, url: rawURL}
		s.pages[ev.TabID] = cur
	}
	for _, sig := range known {
		if !slices.Contains(cur.signals, sig) {
			cur.signals = append(cur.signals, sig)
		}
	}
	s.graph.RecordDomain(ev.TabID, p.Domain, session.KindDOMSignal)

	stats, o, err := s.loadDomain(ctx, p.Domain)
	if err != nil {
		return nil, err
	}
	est, err := s.classifier.Classify(classifier.Input{
		URL:          rawURL,
		Signals:      cur.signals,
		TabID:        ev.TabID,
		ActionDomain: action,
		RiskContext: classifier.RiskContext{
			VisitCount: stats.Visits,
			Override:   o,
		},
	})
	if err != nil {
		return nil, err
	}

	if stats.WithinReclassifyWindow(now, s.opts.ReclassifyWindow) && est.Level != stats.LastLevel {
		stats.Reclassify(est.Level, now)
		if err := aggregate.SetJSON(ctx, s.store, aggregate.BucketDomainStats, p.Domain, stats); err != nil {
			return nil, err
		}
	}
	if _, err := s.commit(ctx, est, stats.Visits, o); err != nil {
		return nil, err
	}
	s.trackHop(est, ev.TabID, now)
	return est, nil
}

// HandleTabClosed forgets the tab node and schedules a prune. It does not
// wait for either. Events the tab produced stay until they expire, so a
// sign-in that returns to another tab can still complete.
func (s *Service) HandleTabClosed(ctx context.Context, tab session.TabID) error {
	if !tab.Valid() {
		return ErrInvalidTab
	}
	_, err := s.queue.Submit(ctx, "tab_closed", func(context.Context) error {
		s.graph.RemoveTab(tab)
		delete(s.pages, tab)
		return nil
	})
	if err != nil {
		return err
	}
	s.janitor.Trigger("tab_closed")
	return nil
}

// TabContext returns the context id of tab and a copy of its events.
func (s *Service) TabContext(tab session.TabID) (session.TabID, []session.Event) {
	return s.graph.ContextID(tab), s.graph.Context(tab)
}

// RecomputeRisk rescores a domain from its stored activity and returns the
// persisted record.
func (s *Service) RecomputeRisk(ctx context.Context, rawDomain string) (*risk.Record, error) {
	domain, err := urlx.CanonicalDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	var rec *risk.Record
	err = s.queue.Do(ctx, "recompute_risk", func(ctx context.Context) error {
		var uerr error
		rec, uerr = s.rescore(ctx, domain)
		return uerr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SetOverride stores the user's decisions for a domain and rescores it.
func (s *Service) SetOverride(ctx context.Context, rawDomain string, o activity.Override) (*risk.Record, error) {
	if !o.Category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, o.Category)
	}
	domain, err := urlx.CanonicalDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	var rec *risk.Record
	err = s.queue.Do(ctx, "set_override", func(ctx context.Context) error {
		if err := aggregate.SetJSON(ctx, s.store, aggregate.BucketOverrides, domain, o); err != nil {
			return err
		}
		var uerr error
		rec, uerr = s.rescore(ctx, domain)
		return uerr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("domain override set",
		"domain", domain,
		"pinned", o.Pinned,
		"whitelisted", o.Whitelisted,
		"ignored", o.Ignored,
		"category", o.Category)
	return rec, nil
}

// Domain returns the stored view of a domain, or aggregate.ErrNotFound when
// nothing is known about it.
func (s *Service) Domain(ctx context.Context, rawDomain string) (*DomainView, error) {
	domain, err := urlx.CanonicalDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	view := &DomainView{Domain: domain}

	var stats aggregate.DomainStats
	hasStats, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketDomainStats, domain, &stats)
	if err != nil {
		return nil, err
	}
	if hasStats {
		view.Stats = &stats
	}
	var act aggregate.ActivityState
	hasActivity, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketActivity, domain, &act)
	if err != nil {
		return nil, err
	}
	if hasActivity {
		view.Activity = &act
	}
	var rec risk.Record
	hasRisk, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketRisk, domain, &rec)
	if err != nil {
		return nil, err
	}
	if hasRisk {
		view.Risk = &rec
	}
	hasOverride, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketOverrides, domain, &view.Override)
	if err != nil {
		return nil, err
	}

	if !hasStats && !hasActivity && !hasRisk && !hasOverride {
		return nil, aggregate.ErrNotFound
	}
	view.History, err = s.risk.History(ctx, domain, s.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Domains lists every domain with recorded visits.
func (s *Service) Domains(ctx context.Context) ([]string, error) {
	return s.store.Keys(ctx, aggregate.BucketDomainStats)
}

// rescore recomputes risk from the stored peak estimation.
func (s *Service) rescore(ctx context.Context, domain string) (*risk.Record, error) {
	stats, o, err := s.loadDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	var act aggregate.ActivityState
	if _, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketActivity, domain, &act); err != nil {
		return nil, err
	}
	return s.recordRisk(ctx, domain, &act, stats.Visits, o)
}

// commit stores est as the domain's latest activity and rescores it.
func (s *Service) commit(ctx context.Context, est *activity.Estimation, visits int, o activity.Override) (*risk.Record, error) {
	var act aggregate.ActivityState
	if _, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketActivity, est.Domain, &act); err != nil {
		return nil, err
	}
	act.Observe(est)
	if err := aggregate.SetJSON(ctx, s.store, aggregate.BucketActivity, est.Domain, &act); err != nil {
		return nil, err
	}

	observe(est)
	if s.notifier != nil {
		s.notifier.Classified(est)
	}
	return s.recordRisk(ctx, est.Domain, &act, visits, o)
}

func (s *Service) recordRisk(ctx context.Context, domain string, act *aggregate.ActivityState, visits int, o activity.Override) (*risk.Record, error) {
	scoring := act.Scoring()
	if scoring == nil {
		scoring = &activity.Estimation{Domain: domain, Level: activity.LevelView}
	}
	rec := s.risk.Evaluate(risk.FromEstimation(scoring, visits, false, o))
	rec.Domain = domain

	var prev risk.Record
	found, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketRisk, domain, &prev)
	if err != nil {
		return nil, err
	}
	if err := aggregate.SetJSON(ctx, s.store, aggregate.BucketRisk, domain, rec); err != nil {
		return nil, err
	}
	if err := s.risk.Persist(ctx, rec); err != nil {
		return nil, err
	}

	from := activity.StateNone
	if found {
		from = prev.State
	}
	if rec.State != from {
		metrics.StateChangesTotal.WithLabelValues(string(rec.State)).Inc()
		s.logger.Info("management state changed",
			"domain", domain,
			"from", from,
			"to", rec.State,
			"score", rec.Score)
		if s.notifier != nil {
			s.notifier.StateChanged(rec, from)
		}
	}
	return rec, nil
}

// trackHop remembers a provider-side estimation whose round-trip has not
// completed yet, keyed by the relying party it should return to.
func (s *Service) trackHop(est *activity.Estimation, tab session.TabID, now time.Time) {
	if est.RPDomain == "" || est.RPDomain == est.Domain {
		return
	}
	if est.HasEvidence(evidence.KindTemporalChain.String()) {
		return
	}
	s.pending[est.RPDomain] = pendingHop{est: *est, tab: tab, at: now}
}

// confirmRoundTrip completes a pending hop when rp is reached again within
// the round-trip window. The provider estimation is reinforced with the
// round-trip and the relying party is credited with the same sign-in.
func (s *Service) confirmRoundTrip(ctx context.Context, rp string, tab session.TabID, now time.Time) error {
	hop, ok := s.pending[rp]
	if !ok {
		return nil
	}
	if now.Sub(hop.at) > s.opts.RoundTripTTL {
		delete(s.pending, rp)
		return nil
	}
	m, ok := roundtrip.Find(rp, hop.est.IdPDomain, s.graph.Context(tab), s.opts.RoundTripTTL, s.graph.OpenerLinked)
	if !ok {
		return nil
	}
	delete(s.pending, rp)
	metrics.RoundTripsConfirmedTotal.Inc()
	s.logger.Info("sign-in round-trip confirmed",
		"rp", rp,
		"idp", hop.est.IdPDomain,
		"idp_tab", hop.tab,
		"return_tab", tab,
		"elapsed", m.Elapsed())
	if s.notifier != nil {
		s.notifier.RoundTripConfirmed(rp, hop.est.IdPDomain, m.Elapsed())
	}

	idpStats, idpOverride, err := s.loadDomain(ctx, hop.est.Domain)
	if err != nil {
		return err
	}
	idpEst := classifier.Reinforce(hop.est, classifier.RiskContext{
		VisitCount: idpStats.Visits,
		Override:   idpOverride,
	}, evidence.KindTemporalChain)
	idpEst.ClassifiedAt = now
	if _, err := s.commit(ctx, &idpEst, idpStats.Visits, idpOverride); err != nil {
		return err
	}

	rpStats, rpOverride, err := s.loadDomain(ctx, rp)
	if err != nil {
		return err
	}
	rpEst := idpEst
	rpEst.Domain = rp
	rpEst.Evidence = slices.Clone(idpEst.Evidence)
	classifier.Assess(&rpEst, classifier.RiskContext{
		VisitCount: rpStats.Visits,
		Override:   rpOverride,
	})
	if rpStats.WithinReclassifyWindow(now, s.opts.ReclassifyWindow) && rpStats.LastLevel < rpEst.Level {
		rpStats.Reclassify(rpEst.Level, now)
		if err := aggregate.SetJSON(ctx, s.store, aggregate.BucketDomainStats, rp, rpStats); err != nil {
			return err
		}
	}
	_, err = s.commit(ctx, &rpEst, rpStats.Visits, rpOverride)
	return err
}

// afterPrune runs after each janitor prune, inside the queue.
func (s *Service) afterPrune(res session.PruneResult) {
	metrics.SessionPrunedTotal.WithLabelValues("context_ttl").Add(float64(res.ExpiredContexts))
	metrics.SessionPrunedTotal.WithLabelValues("capacity").Add(float64(res.EvictedContexts))
	metrics.SessionPrunedTotal.WithLabelValues("tab_ttl").Add(float64(res.ExpiredTabs))
	contexts, tabs := s.graph.Stats()
	metrics.LiveContexts.Set(float64(contexts))
	metrics.LiveTabs.Set(float64(tabs))

	now := s.opts.Now()
	for rp, hop := range s.pending {
		if now.Sub(hop.at) > s.opts.RoundTripTTL {
			delete(s.pending, rp)
		}
	}
	for tab := range s.pages {
		if _, ok := s.graph.Tab(tab); !ok {
			delete(s.pages, tab)
		}
	}
}

func (s *Service) loadDomain(ctx context.Context, domain string) (*aggregate.DomainStats, activity.Override, error) {
	stats := aggregate.NewDomainStats(domain)
	if _, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketDomainStats, domain, stats); err != nil {
		return nil, activity.Override{}, err
	}
	var o activity.Override
	if _, err := aggregate.GetJSON(ctx, s.store, aggregate.BucketOverrides, domain, &o); err != nil {
		return nil, activity.Override{}, err
	}
	return stats, o, nil
}

func (s *Service) validSignals(domain string, raw []string) []classifier.Signal {
	known, dropped := classifier.ValidateSignals(raw)
	if len(dropped) > 0 {
		s.logDropped(domain, dropped)
	}
	return known
}

func (s *Service) logDropped(where string, dropped []string) {
	metrics.DroppedSignalsTotal.Add(float64(len(dropped)))
	codes := make([]string, len(dropped))
	for i, code := range dropped {
		if !validation.IsSignalShaped(code) {
			code = validation.SanitizeString(code, 64)
		}
		codes[i] = code
	}
	s.logger.Warn("unknown signal codes dropped", "source", where, "codes", codes)
}

// actionDomain reduces a SAML form action domain; anything unparseable is
// treated as absent.
func (s *Service) actionDomain(raw string) string {
	if raw == "" {
		return ""
	}
	d, err := urlx.CanonicalDomain(raw)
	if err != nil {
		s.logger.Debug("action domain ignored", "error", err)
		return ""
	}
	return d
}

func observe(est *activity.Estimation) {
	metrics.ClassificationsTotal.WithLabelValues(est.Level.String(), string(est.ManagementState)).Inc()
	for _, kind := range est.Evidence {
		metrics.EvidenceObservedTotal.WithLabelValues(kind).Inc()
	}
}
