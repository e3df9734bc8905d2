package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DavinciDreams/SIA/pkg/config"
)

func noopStart(ctx context.Context, target string) error { return nil }

func TestNewRejectsInvalidCron(t *testing.T) {
	entries := []config.ScheduleEntry{{Expr: "not a cron line", Target: "acme/service"}}
	if _, err := New(entries, noopStart); err == nil {
		t.Fatal("invalid cron expression accepted")
	}
}

func TestNewRequiresStartFunc(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("nil start func accepted")
	}
}

func TestNewAcceptsValidEntries(t *testing.T) {
	entries := []config.ScheduleEntry{
		{Expr: "0 3 * * *", Target: "acme/service"},
		{Expr: "*/15 * * * *", Target: "acme/other"},
	}
	if _, err := New(entries, noopStart); err != nil {
		t.Fatalf("valid entries rejected: %v", err)
	}
}

func TestTickStartsDueEntriesOnly(t *testing.T) {
	var mu sync.Mutex
	started := map[string]int{}
	fired := make(chan struct{}, 4)
	start := func(ctx context.Context, target string) error {
		mu.Lock()
		started[target]++
		mu.Unlock()
		fired <- struct{}{}
		return nil
	}

	s, err := New([]config.ScheduleEntry{
		{Expr: "* * * * *", Target: "acme/always"},
		{Expr: "30 12 1 1 *", Target: "acme/rarely"},
	}, start)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	// A time that matches the wildcard entry but not the specific one.
	// Mid-minute on purpose: ticks rarely land on second zero.
	now := time.Date(2024, time.June, 5, 9, 17, 42, 0, time.UTC)
	s.tick(context.Background(), now)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("due entry never started")
	}

	mu.Lock()
	defer mu.Unlock()
	if started["acme/always"] != 1 {
		t.Fatalf("wildcard entry started %d times, want 1", started["acme/always"])
	}
	if started["acme/rarely"] != 0 {
		t.Fatal("non-due entry should not start")
	}
}

func TestTickSwallowsStartErrors(t *testing.T) {
	fired := make(chan struct{}, 1)
	start := func(ctx context.Context, target string) error {
		fired <- struct{}{}
		return errors.New("rate limited")
	}
	s, err := New([]config.ScheduleEntry{{Expr: "* * * * *", Target: "acme/service"}}, start)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.tick(context.Background(), time.Now())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("entry never started")
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(nil, noopStart)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second start accepted while running")
	}
	s.Stop()
	// Stop on a stopped scheduler is a no-op.
	s.Stop()
}
