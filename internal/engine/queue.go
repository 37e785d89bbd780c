// Package engine serializes every state mutation through one FIFO work
// queue and exposes the classification, event and risk entry points on top
// of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/domainlens/internal/metrics"
	"github.com/mbd888/domainlens/internal/traces"
)

var (
	ErrQueueClosed = errors.New("engine: queue closed")
	ErrQueueFull   = errors.New("engine: queue full")
)

const defaultQueueSize = 1024

// Unit is one serialized piece of work.
type Unit func(ctx context.Context) error

type job struct {
	name     string
	fn       Unit
	ctx      context.Context
	done     chan error
	enqueued time.Time
}

// Queue runs units one at a time in enqueue order on a single consumer
// goroutine. A failing or panicking unit is logged and the next one still
// runs. Units are never cancelled once started.
type Queue struct {
	ch      chan job
	logger  *slog.Logger
	stop    chan struct{}
	once    sync.Once
	running atomic.Bool

	mu     sync.RWMutex
	closed bool

	processed atomic.Int64
	failed    atomic.Int64
}

// NewQueue creates a queue holding at most size pending units.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		ch:     make(chan job, size),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start consumes units until ctx is done or Stop is called. Call in a
// goroutine. Units still pending at exit fail with ErrQueueClosed.
func (q *Queue) Start(ctx context.Context) {
	q.running.Store(true)
	defer q.running.Store(false)
	defer q.drain()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case j := <-q.ch:
			metrics.QueueDepth.Set(float64(len(q.ch)))
			j.done <- q.run(j)
		}
	}
}

// Stop closes the queue to new units and signals the consumer to exit.
func (q *Queue) Stop() {
	q.close()
	q.once.Do(func() { close(q.stop) })
}

// Running reports whether the consumer loop is active.
func (q *Queue) Running() bool {
	return q.running.Load()
}

// Depth returns the number of pending units.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Processed returns the number of units run so far, including failed ones.
func (q *Queue) Processed() int64 { return q.processed.Load() }

// Failed returns the number of units that returned an error or panicked.
func (q *Queue) Failed() int64 { return q.failed.Load() }

// Submit schedules fn and returns a channel that receives its result.
// ctx only carries values (logger, trace) into the unit.
func (q *Queue) Submit(ctx context.Context, name string, fn Unit) (<-chan error, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	j := job{
		name:     name,
		fn:       fn,
		ctx:      context.WithoutCancel(ctx),
		done:     make(chan error, 1),
		enqueued: time.Now(),
	}
	select {
	case q.ch <- j:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return j.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Enqueue schedules fn without waiting for it.
func (q *Queue) Enqueue(name string, fn func(context.Context) error) error {
	_, err := q.Submit(context.Background(), name, fn)
	return err
}

// Do schedules fn and waits for it to finish. If ctx ends first Do returns
// ctx.Err() but the unit still runs to completion. Never call Do from inside
// a unit: the consumer would wait on itself.
func (q *Queue) Do(ctx context.Context, name string, fn Unit) error {
	done, err := q.Submit(ctx, name, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(j job) (err error) {
	ctx, span := traces.StartSpan(j.ctx, "engine."+j.name, traces.Unit(j.name))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %s panicked: %v", j.name, r)
		}
		q.processed.Add(1)
		metrics.QueueUnitDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
		if err != nil {
			q.failed.Add(1)
			metrics.QueueUnitFailuresTotal.WithLabelValues(j.name).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			q.logger.Error("queue unit failed",
				"unit", j.name,
				"waited", start.Sub(j.enqueued),
				"error", err)
		}
		span.End()
	}()

	return j.fn(ctx)
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// drain fails every unit left after the consumer exits.
func (q *Queue) drain() {
	q.close()
	for {
		select {
		case j := <-q.ch:
			j.done <- ErrQueueClosed
		default:
			metrics.QueueDepth.Set(0)
			return
		}
	}
}
