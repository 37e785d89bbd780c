package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.RegisterPing("store", func(context.Context) error { return nil })
	r.RegisterFlag("queue", "stopped", func() bool { return true })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "store" || statuses[1].Name != "queue" {
		t.Fatalf("statuses out of registration order: %+v", statuses)
	}
	if statuses[1].Label() != "healthy" {
		t.Fatalf("expected label healthy, got %q", statuses[1].Label())
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.RegisterPing("store", func(context.Context) error { return nil })
	r.RegisterPing("database", func(context.Context) error { return errors.New("connection refused") })
	r.RegisterFlag("queue", "stopped", func() bool { return false })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if got := statuses[1].Label(); got != "unhealthy" {
		t.Fatalf("ping errors must not leak, got %q", got)
	}
	if got := statuses[2].Label(); got != "stopped" {
		t.Fatalf("expected label stopped, got %q", got)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.RegisterPing("redis", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("slow probe should be unhealthy")
	}
	if statuses[0].Label() != "timeout" {
		t.Fatalf("expected timeout, got %q", statuses[0].Label())
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Fatal("CheckAll should not wait for a timed out probe")
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RegisterFlag("checker", "down", func() bool { return true })
		}()
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
