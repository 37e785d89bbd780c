// Package health runs the named dependency probes behind the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds each probe when the registry has no explicit timeout.
const DefaultTimeout = 2 * time.Second

// Status is the outcome of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Label is the short form reported in health responses.
func (s Status) Label() string {
	switch {
	case s.Healthy:
		return "healthy"
	case s.Detail != "":
		return s.Detail
	default:
		return "unhealthy"
	}
}

// Checker probes one dependency.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them concurrently on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose probes each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// RegisterPing adds a checker backed by a ping that fails with an error.
// The error text is not exposed; the probe reports "unhealthy".
func (r *Registry) RegisterPing(name string, ping func(ctx context.Context) error) {
	r.Register(name, func(ctx context.Context) Status {
		return Status{Healthy: ping(ctx) == nil}
	})
}

// RegisterFlag adds a checker over an in-process condition. down is the
// label reported while ok returns false.
func (r *Registry) RegisterFlag(name, down string, ok func() bool) {
	r.Register(name, func(context.Context) Status {
		if ok() {
			return Status{Healthy: true}
		}
		return Status{Detail: down}
	})
}

// CheckAll runs every checker and reports whether all of them passed.
// Statuses come back in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Detail: "timeout"}
	}
	s.Name = nc.name
	s.LatencyMS = time.Since(start).Milliseconds()
	return s
}
