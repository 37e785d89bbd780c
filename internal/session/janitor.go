package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Enqueuer schedules a unit of work on the caller's serialized queue.
type Enqueuer interface {
	Enqueue(name string, fn func(context.Context) error) error
}

// Janitor prunes the graph at startup and then on a fixed interval. When an
// Enqueuer is set the prune runs as a queued unit so it never interleaves
// with classification work.
type Janitor struct {
	graph    *Graph
	queue    Enqueuer
	logger   *slog.Logger
	interval time.Duration
	onPrune  func(PruneResult)
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewJanitor creates a janitor for g. queue may be nil.
func NewJanitor(g *Graph, queue Enqueuer, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{
		graph:    g,
		queue:    queue,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// OnPrune registers a callback invoked after every prune.
func (j *Janitor) OnPrune(fn func(PruneResult)) {
	j.onPrune = fn
}

// Running reports whether the janitor loop is active.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start prunes once, then on every tick until ctx is done or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	select {
	case <-j.stop:
		return
	default:
	}
	j.Trigger("startup")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.Trigger("interval")
		}
	}
}

// Stop signals the janitor to stop. It is safe to call more than once and
// before Start.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// Trigger schedules a prune. reason is only used for logging.
func (j *Janitor) Trigger(reason string) {
	if j.queue == nil {
		j.safePrune(reason)
		return
	}
	err := j.queue.Enqueue("session.prune", func(context.Context) error {
		j.safePrune(reason)
		return nil
	})
	if err != nil {
		j.logger.Warn("session prune not scheduled", "reason", reason, "error", err)
	}
}

func (j *Janitor) safePrune(reason string) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in session janitor", "panic", fmt.Sprint(r))
		}
	}()

	res := j.graph.Prune(j.graph.opts.Now())
	if res.Total() > 0 {
		j.logger.Debug("session graph pruned",
			"reason", reason,
			"expired_contexts", res.ExpiredContexts,
			"evicted_contexts", res.EvictedContexts,
			"expired_tabs", res.ExpiredTabs)
	}
	if j.onPrune != nil {
		j.onPrune(res)
	}
}
