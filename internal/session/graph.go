// Package session keeps the short-lived navigation graph used to correlate
// authentication hops: which tab opened which, and a bounded, time-ordered
// list of recent navigations per opener tree.
//
// Only reduced domains are stored. Paths, queries and page content never
// enter the graph.
package session

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/domainlens/internal/urlx"
)

// TabID is an opaque browser tab identifier. Zero means "no tab".
type TabID int64

// NoTab is the zero TabID.
const NoTab TabID = 0

// Valid reports whether t identifies a real tab.
func (t TabID) Valid() bool { return t > 0 }

func (t TabID) String() string { return strconv.FormatInt(int64(t), 10) }

// EventKind tags what produced a context event.
type EventKind string

const (
	KindNavigation EventKind = "navigation"
	KindRedirect   EventKind = "redirect"
	KindDOMSignal  EventKind = "dom_signal"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindNavigation, KindRedirect, KindDOMSignal:
		return true
	}
	return false
}

// Event is one entry of a temporal context.
type Event struct {
	At       time.Time `json:"at"`
	Domain   string    `json:"domain"`
	TabID    TabID     `json:"tab_id"`
	OpenerID TabID     `json:"opener_id,omitempty"` // opener at the time the event was recorded
	Kind     EventKind `json:"kind"`
}

// TabNode is one browsing context in the opener arena.
type TabNode struct {
	ID        TabID     `json:"id"`
	OpenerID  TabID     `json:"opener_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

type temporalContext struct {
	events    []Event
	updatedAt time.Time
}

// Options bounds the graph.
type Options struct {
	MaxEvents   int           // per context
	MaxContexts int           // live contexts after a prune
	ContextTTL  time.Duration // idle time before a context is dropped
	TabTTL      time.Duration // idle time before a tab node is dropped
	Now         func() time.Time
}

// DefaultOptions returns the production bounds.
func DefaultOptions() Options {
	return Options{
		MaxEvents:   20,
		MaxContexts: 200,
		ContextTTL:  60 * time.Second,
		TabTTL:      time.Hour,
		Now:         time.Now,
	}
}

// Graph is the tab arena plus the temporal contexts keyed by root tab.
// Writers are expected to be serialized by the caller's work queue; the
// lock only protects concurrent readers.
type Graph struct {
	mu       sync.RWMutex
	opts     Options
	tabs     map[TabID]*TabNode
	contexts map[TabID]*temporalContext
}

// NewGraph creates an empty graph. Zero-valued options fall back to defaults.
func NewGraph(opts Options) *Graph {
	def := DefaultOptions()
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = def.MaxEvents
	}
	if opts.MaxContexts <= 0 {
		opts.MaxContexts = def.MaxContexts
	}
	if opts.ContextTTL <= 0 {
		opts.ContextTTL = def.ContextTTL
	}
	if opts.TabTTL <= 0 {
		opts.TabTTL = def.TabTTL
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	return &Graph{
		opts:     opts,
		tabs:     make(map[TabID]*TabNode),
		contexts: make(map[TabID]*temporalContext),
	}
}

// Options returns the effective bounds.
func (g *Graph) Options() Options { return g.opts }

// RecordOpener links target to the tab that opened it. An existing opener
// is only replaced when overwrite is set, which callers use for
// authoritative browser-reported linkage. Malformed pairs are dropped and
// reported as false.
func (g *Graph) RecordOpener(target, source TabID, overwrite bool) bool {
	if !target.Valid() || !source.Valid() || target == source {
		return false
	}
	now := g.opts.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	node := g.getOrCreate(target, now)
	if !node.OpenerID.Valid() || overwrite {
		node.OpenerID = source
	}
	node.LastSeen = now
	g.getOrCreate(source, now).LastSeen = now
	return true
}

// RecordEvent appends a navigation to the context of tab. URLs that do not
// reduce to an http(s) domain are ignored and reported as false.
func (g *Graph) RecordEvent(tab TabID, rawURL string, kind EventKind) (Event, bool) {
	domain, err := urlx.Domain(rawURL)
	if err != nil {
		return Event{}, false
	}
	return g.RecordDomain(tab, domain, kind)
}

// RecordDomain is RecordEvent for a domain that was already reduced.
func (g *Graph) RecordDomain(tab TabID, domain string, kind EventKind) (Event, bool) {
	if !tab.Valid() || domain == "" {
		return Event{}, false
	}
	if !kind.Valid() {
		kind = KindNavigation
	}
	now := g.opts.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	node := g.getOrCreate(tab, now)
	node.LastSeen = now

	root := g.resolveRoot(tab)
	ctx, ok := g.contexts[root]
	if !ok {
		ctx = &temporalContext{}
		g.contexts[root] = ctx
	}

	ev := Event{
		At:       now,
		Domain:   domain,
		TabID:    tab,
		OpenerID: node.OpenerID,
		Kind:     kind,
	}
	ctx.events = append(ctx.events, ev)
	if over := len(ctx.events) - g.opts.MaxEvents; over > 0 {
		ctx.events = append(ctx.events[:0:0], ctx.events[over:]...)
	}
	ctx.updatedAt = now
	return ev, true
}

// Context returns a copy of the event sequence for the context tab belongs
// to, or nil when there is none.
func (g *Graph) Context(tab TabID) []Event {
	if !tab.Valid() {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	ctx, ok := g.contexts[g.resolveRoot(tab)]
	if !ok || len(ctx.events) == 0 {
		return nil
	}
	out := make([]Event, len(ctx.events))
	copy(out, ctx.events)
	return out
}

// ContextID returns the root tab reached by walking tab's opener chain.
func (g *Graph) ContextID(tab TabID) TabID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveRoot(tab)
}

// Tab returns a copy of the node for tab.
func (g *Graph) Tab(tab TabID) (TabNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.tabs[tab]
	if !ok {
		return TabNode{}, false
	}
	return *node, true
}

// OpenerLinked reports whether either tab was opened by the other.
func (g *Graph) OpenerLinked(a, b TabID) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.tabs[a]; ok && n.OpenerID == b {
		return true
	}
	if n, ok := g.tabs[b]; ok && n.OpenerID == a {
		return true
	}
	return false
}

// RemoveTab drops the tab node. Context events recorded by the tab are kept
// so a round-trip can still complete after the initiating tab closes.
func (g *Graph) RemoveTab(tab TabID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tabs[tab]; !ok {
		return false
	}
	delete(g.tabs, tab)
	return true
}

// Stats reports the number of live contexts and tab nodes.
func (g *Graph) Stats() (contexts, tabs int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.contexts), len(g.tabs)
}

// PruneResult summarizes a Prune call.
type PruneResult struct {
	ExpiredContexts int `json:"expired_contexts"`
	EvictedContexts int `json:"evicted_contexts"`
	ExpiredTabs     int `json:"expired_tabs"`
}

// Total is the number of removed entries.
func (r PruneResult) Total() int {
	return r.ExpiredContexts + r.EvictedContexts + r.ExpiredTabs
}

// Prune drops idle contexts, then evicts the oldest-updated contexts until
// the capacity holds, then drops idle tab nodes.
func (g *Graph) Prune(now time.Time) PruneResult {
	var res PruneResult

	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.opts.ContextTTL)
	for id, ctx := range g.contexts {
		if ctx.updatedAt.Before(cutoff) {
			delete(g.contexts, id)
			res.ExpiredContexts++
		}
	}

	if over := len(g.contexts) - g.opts.MaxContexts; over > 0 {
		ids := make([]TabID, 0, len(g.contexts))
		for id := range g.contexts {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			a, b := g.contexts[ids[i]].updatedAt, g.contexts[ids[j]].updatedAt
			if a.Equal(b) {
				return ids[i] < ids[j]
			}
			return a.Before(b)
		})
		for _, id := range ids[:over] {
			delete(g.contexts, id)
			res.EvictedContexts++
		}
	}

	tabCutoff := now.Add(-g.opts.TabTTL)
	for id, node := range g.tabs {
		if node.LastSeen.Before(tabCutoff) {
			delete(g.tabs, id)
			res.ExpiredTabs++
		}
	}
	return res
}

// resolveRoot walks the opener chain upward. A chain that loops back on
// itself makes the starting tab its own root; an opener with no node of its
// own is the root. Caller holds the lock.
func (g *Graph) resolveRoot(tab TabID) TabID {
	visited := map[TabID]bool{tab: true}
	cur := tab
	for {
		node, ok := g.tabs[cur]
		if !ok || !node.OpenerID.Valid() {
			return cur
		}
		next := node.OpenerID
		if visited[next] {
			return tab
		}
		visited[next] = true
		cur = next
	}
}

// getOrCreate returns the node for tab, creating it if needed.
// Caller must hold write lock.
func (g *Graph) getOrCreate(tab TabID, now time.Time) *TabNode {
	node, ok := g.tabs[tab]
	if !ok {
		node = &TabNode{ID: tab, CreatedAt: now, LastSeen: now}
		g.tabs[tab] = node
	}
	return node
}
