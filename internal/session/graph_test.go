package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGraph(opts Options) (*Graph, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	return NewGraph(opts), clk
}

func TestRecordEventStoresOnlyDomain(t *testing.T) {
	g, _ := newTestGraph(Options{})

	ev, ok := g.RecordEvent(1, "https://www.shop.example/checkout?card=4111", KindNavigation)
	require.True(t, ok)
	assert.Equal(t, "shop.example", ev.Domain)

	events := g.Context(1)
	require.Len(t, events, 1)
	assert.Equal(t, "shop.example", events[0].Domain)
	assert.Equal(t, TabID(1), events[0].TabID)
}

func TestRecordEventDropsBadInput(t *testing.T) {
	g, _ := newTestGraph(Options{})

	_, ok := g.RecordEvent(1, "chrome://extensions", KindNavigation)
	assert.False(t, ok)
	_, ok = g.RecordEvent(1, "::not a url", KindNavigation)
	assert.False(t, ok)
	_, ok = g.RecordEvent(NoTab, "https://example.com", KindNavigation)
	assert.False(t, ok)

	contexts, tabs := g.Stats()
	assert.Zero(t, contexts)
	assert.Zero(t, tabs)
}

func TestEventCapKeepsNewest(t *testing.T) {
	g, clk := newTestGraph(Options{MaxEvents: 20})

	for i := 0; i < 35; i++ {
		clk.Advance(time.Millisecond)
		_, ok := g.RecordDomain(7, fmt.Sprintf("site%d.example", i), KindNavigation)
		require.True(t, ok)
	}

	events := g.Context(7)
	require.Len(t, events, 20)
	assert.Equal(t, "site15.example", events[0].Domain)
	assert.Equal(t, "site34.example", events[19].Domain)
}

func TestOpenerChainSharesContext(t *testing.T) {
	g, _ := newTestGraph(Options{})

	require.True(t, g.RecordOpener(2, 1, false))
	require.True(t, g.RecordOpener(3, 2, false))

	g.RecordDomain(1, "rp.example", KindNavigation)
	g.RecordDomain(3, "idp.example", KindNavigation)

	assert.Equal(t, TabID(1), g.ContextID(3))
	events := g.Context(2)
	require.Len(t, events, 2)
	assert.Equal(t, TabID(2), events[1].OpenerID)
}

func TestRecordOpenerOverwrite(t *testing.T) {
	g, _ := newTestGraph(Options{})

	require.True(t, g.RecordOpener(5, 1, false))
	require.True(t, g.RecordOpener(5, 2, false))
	node, ok := g.Tab(5)
	require.True(t, ok)
	assert.Equal(t, TabID(1), node.OpenerID, "best-effort linkage must not replace an existing opener")

	require.True(t, g.RecordOpener(5, 2, true))
	node, _ = g.Tab(5)
	assert.Equal(t, TabID(2), node.OpenerID)

	_, ok = g.Tab(2)
	assert.True(t, ok, "source tab gets a bare node")
}

func TestRecordOpenerRejectsMalformed(t *testing.T) {
	g, _ := newTestGraph(Options{})
	assert.False(t, g.RecordOpener(0, 1, false))
	assert.False(t, g.RecordOpener(1, -4, false))
	assert.False(t, g.RecordOpener(3, 3, true))
	_, tabs := g.Stats()
	assert.Zero(t, tabs)
}

func TestCyclicOpenerChainTerminates(t *testing.T) {
	g, _ := newTestGraph(Options{})

	g.RecordOpener(1, 2, false)
	g.RecordOpener(2, 3, false)
	g.RecordOpener(3, 1, false)

	done := make(chan TabID)
	go func() { done <- g.ContextID(1) }()

	select {
	case root := <-done:
		assert.Equal(t, TabID(1), root)
	case <-time.After(time.Second):
		t.Fatal("opener walk did not terminate")
	}

	_, ok := g.RecordDomain(2, "loop.example", KindNavigation)
	assert.True(t, ok)
	assert.Len(t, g.Context(2), 1)
}

func TestMissingOpenerNodeIsRoot(t *testing.T) {
	g, _ := newTestGraph(Options{})
	g.RecordOpener(9, 4, false)
	require.True(t, g.RemoveTab(4))

	assert.Equal(t, TabID(4), g.ContextID(9))
}

func TestRemoveTabKeepsEvents(t *testing.T) {
	g, _ := newTestGraph(Options{})
	g.RecordDomain(1, "rp.example", KindNavigation)

	assert.True(t, g.RemoveTab(1))
	assert.False(t, g.RemoveTab(1))

	_, ok := g.Tab(1)
	assert.False(t, ok)
	assert.Len(t, g.Context(1), 1)
}

func TestOpenerLinked(t *testing.T) {
	g, _ := newTestGraph(Options{})
	g.RecordOpener(2, 1, false)

	assert.True(t, g.OpenerLinked(1, 2))
	assert.True(t, g.OpenerLinked(2, 1))
	assert.False(t, g.OpenerLinked(1, 3))
	assert.False(t, g.OpenerLinked(NoTab, 1))
}

func TestPruneExpiresIdleContexts(t *testing.T) {
	g, clk := newTestGraph(Options{ContextTTL: time.Minute})

	g.RecordDomain(1, "old.example", KindNavigation)
	clk.Advance(45 * time.Second)
	g.RecordDomain(2, "fresh.example", KindNavigation)
	clk.Advance(30 * time.Second)

	res := g.Prune(clk.Now())
	assert.Equal(t, 1, res.ExpiredContexts)
	assert.Empty(t, g.Context(1))
	assert.Len(t, g.Context(2), 1)
}

func TestPruneEnforcesCapacity(t *testing.T) {
	g, clk := newTestGraph(Options{MaxContexts: 5})

	for i := 1; i <= 12; i++ {
		clk.Advance(time.Second)
		g.RecordDomain(TabID(i), "example.com", KindNavigation)
	}

	res := g.Prune(clk.Now())
	assert.Equal(t, 7, res.EvictedContexts)

	contexts, _ := g.Stats()
	assert.Equal(t, 5, contexts)
	assert.Empty(t, g.Context(7), "oldest contexts are evicted first")
	assert.Len(t, g.Context(8), 1)
	assert.Len(t, g.Context(12), 1)
}

func TestPruneExpiresIdleTabs(t *testing.T) {
	g, clk := newTestGraph(Options{TabTTL: time.Hour})

	g.RecordOpener(2, 1, false)
	clk.Advance(50 * time.Minute)
	g.RecordDomain(3, "example.com", KindNavigation)
	clk.Advance(20 * time.Minute)

	res := g.Prune(clk.Now())
	assert.Equal(t, 2, res.ExpiredTabs)
	_, ok := g.Tab(3)
	assert.True(t, ok)
	_, ok = g.Tab(1)
	assert.False(t, ok)
}

type recordingQueue struct {
	names []string
	err   error
}

func (q *recordingQueue) Enqueue(name string, fn func(context.Context) error) error {
	if q.err != nil {
		return q.err
	}
	q.names = append(q.names, name)
	return fn(context.Background())
}

func TestJanitorTriggerRunsThroughQueue(t *testing.T) {
	g, clk := newTestGraph(Options{ContextTTL: time.Second})
	g.RecordDomain(1, "example.com", KindNavigation)
	clk.Advance(2 * time.Second)

	q := &recordingQueue{}
	j := NewJanitor(g, q, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var got PruneResult
	j.OnPrune(func(r PruneResult) { got = r })
	j.Trigger("test")

	assert.Equal(t, []string{"session.prune"}, q.names)
	assert.Equal(t, 1, got.ExpiredContexts)

	q.err = errors.New("queue full")
	j.Trigger("test")
	assert.Len(t, q.names, 1)
}

func TestJanitorStartStop(t *testing.T) {
	g, _ := newTestGraph(Options{})
	j := NewJanitor(g, nil, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pruned := make(chan struct{}, 8)
	j.OnPrune(func(PruneResult) {
		select {
		case pruned <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go j.Start(ctx)

	select {
	case <-pruned:
	case <-time.After(time.Second):
		t.Fatal("janitor never pruned")
	}
	cancel()
	require.Eventually(t, func() bool { return !j.Running() }, time.Second, 5*time.Millisecond)
}

type blockingQueue struct {
	entered chan struct{}
	release chan struct{}
}

func (q *blockingQueue) Enqueue(_ string, fn func(context.Context) error) error {
	q.entered <- struct{}{}
	<-q.release
	return fn(context.Background())
}

func TestJanitorStopWhileTriggering(t *testing.T) {
	g, _ := newTestGraph(Options{})
	q := &blockingQueue{entered: make(chan struct{}, 1), release: make(chan struct{})}
	j := NewJanitor(g, q, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	<-q.entered
	j.Stop()
	j.Stop()
	close(q.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor kept running after Stop")
	}
	assert.False(t, j.Running())
}

func TestJanitorStopBeforeStart(t *testing.T) {
	g, _ := newTestGraph(Options{})
	j := NewJanitor(g, nil, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pruned := false
	j.OnPrune(func(PruneResult) { pruned = true })
	j.Stop()
	j.Start(context.Background())
	assert.False(t, pruned)
}
