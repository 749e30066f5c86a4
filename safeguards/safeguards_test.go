package safeguards

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	output string
	err    error
}

func (f *fakeRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return []byte(f.output), f.err
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f.CombinedOutput(ctx, name, args...)
}

func TestWithPool_SerializesSamePool(t *testing.T) {
	g := NewOperationGuard(GuardConfig{})

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.WithPool(context.Background(), "pool", "op", func() error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("max concurrent operations on one pool = %d, want 1", maxInFlight)
	}
	if g.ActiveOperations() != 0 {
		t.Errorf("ActiveOperations after drain = %d", g.ActiveOperations())
	}
}

func TestWithPool_DifferentPoolsDoNotBlock(t *testing.T) {
	g := NewOperationGuard(GuardConfig{})

	holdA := make(chan struct{})
	started := make(chan struct{})
	go g.WithPool(context.Background(), "pool-a", "hold", func() error {
		close(started)
		<-holdA
		return nil
	})
	<-started

	done := make(chan error, 1)
	go func() {
		done <- g.WithPool(context.Background(), "pool-b", "op", func() error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("pool-b operation failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("pool-b operation blocked behind pool-a")
	}
	close(holdA)
}

func TestWithPool_ContextCancelledWhileWaiting(t *testing.T) {
	g := NewOperationGuard(GuardConfig{})

	hold := make(chan struct{})
	started := make(chan struct{})
	go g.WithPool(context.Background(), "pool", "hold", func() error {
		close(started)
		<-hold
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.WithPool(ctx, "pool", "op", func() error { return nil })
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	close(hold)
}

func TestWithPool_HealthCheckRefusal(t *testing.T) {
	unhealthy := errors.New("pool has needs_check flag")
	g := NewOperationGuard(GuardConfig{
		HealthCheckFunc: func(ctx context.Context) error { return unhealthy },
	})

	ran := false
	err := g.WithPool(context.Background(), "pool", "op", func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, unhealthy) {
		t.Errorf("got %v, want health check error", err)
	}
	if ran {
		t.Error("operation ran despite failed health check")
	}
	if g.ActiveOperations() != 0 {
		t.Errorf("slot leaked after health refusal: %d", g.ActiveOperations())
	}
}

func TestWithPool_PanicRecovered(t *testing.T) {
	g := NewOperationGuard(GuardConfig{})

	err := g.WithPool(context.Background(), "pool", "op", func() error {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("got %v, want panic error", err)
	}

	// The slot must be usable again.
	if err := g.WithPool(context.Background(), "pool", "op", func() error { return nil }); err != nil {
		t.Errorf("slot unusable after panic: %v", err)
	}
}

func TestHealthChecker_NeedsCheckFlag(t *testing.T) {
	runner := &fakeRunner{output: "0 2097152 thin-pool 0 1/25600 0/1024 - ro needs_check"}
	h := NewHealthChecker(runner, "pool", nil)

	err := h.checkPoolStatus(context.Background())
	if err == nil || !strings.Contains(err.Error(), "needs_check") {
		t.Errorf("got %v, want needs_check error", err)
	}
}

func TestHealthChecker_HealthyPool(t *testing.T) {
	runner := &fakeRunner{output: "0 2097152 thin-pool 0 1/25600 0/1024 - rw discard_passdown queue_if_no_space -"}
	h := NewHealthChecker(runner, "pool", nil)

	if err := h.checkPoolStatus(context.Background()); err != nil {
		t.Errorf("healthy pool refused: %v", err)
	}
}

func TestHealthChecker_MissingPool(t *testing.T) {
	runner := &fakeRunner{output: "Device does not exist.", err: errors.New("exit status 1")}
	h := NewHealthChecker(runner, "pool", nil)

	err := h.checkPoolStatus(context.Background())
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("got %v, want missing-pool error", err)
	}
}
