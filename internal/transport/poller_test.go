package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/radarflight/fleetsync/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return log
}

func TestPollerImmediateFirstFetch(t *testing.T) {
	p := NewPoller(testLogger(t))

	fetched := make(chan struct{}, 1)
	ticket := p.Start("aircraft", time.Hour, func(ctx context.Context) error {
		fetched <- struct{}{}
		return nil
	})
	defer ticket.Cancel()

	select {
	case <-fetched:
	case <-time.After(time.Second):
		t.Fatal("expected an immediate fetch before the first tick")
	}
}

func TestPollerSkipsTickWhileInFlight(t *testing.T) {
	p := NewPoller(testLogger(t))

	var calls atomic.Int32
	release := make(chan struct{})
	ticket := p.Start("aircraft", 20*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})
	defer ticket.Cancel()

	// Several intervals pass while the first fetch is blocked; every tick
	// in that window must be skipped, not queued.
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 in-flight fetch, got %d", got)
	}
	close(release)

	// After the slow fetch completes, ticking resumes.
	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatal("expected polling to resume after the in-flight fetch completed")
	}
}

func TestPollerCancelStopsTicksAndAbortsInFlight(t *testing.T) {
	p := NewPoller(testLogger(t))

	var calls atomic.Int32
	cancelled := make(chan struct{})
	ticket := p.Start("aircraft", 10*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			close(cancelled)
		}
		return ctx.Err()
	})

	time.Sleep(30 * time.Millisecond)
	ticket.Cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected the in-flight fetch context to be cancelled")
	}

	select {
	case <-ticket.Done():
	case <-time.After(time.Second):
		t.Fatal("expected the polling loop to exit after cancel")
	}

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != after {
		t.Error("expected no further fetches after cancel")
	}
}
