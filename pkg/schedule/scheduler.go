package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/DavinciDreams/SIA/pkg/config"
	"github.com/DavinciDreams/SIA/pkg/logger"
)

// StartFunc launches one cycle against target. Denials (rate limit,
// busy target) come back as errors; the scheduler logs them and waits
// for the next due tick rather than retrying.
type StartFunc func(ctx context.Context, target string) error

// Scheduler fires configured cron entries once per due minute.
type Scheduler struct {
	entries []config.ScheduleEntry
	start   StartFunc
	g       *gronx.Gronx

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(entries []config.ScheduleEntry, start StartFunc) (*Scheduler, error) {
	if start == nil {
		return nil, errors.New("schedule: start func is required")
	}
	g := gronx.New()
	for _, e := range entries {
		if !g.IsValid(e.Expr) {
			return nil, fmt.Errorf("schedule: invalid cron expression %q for %s", e.Expr, e.Target)
		}
	}
	return &Scheduler{entries: entries, start: start, g: g}, nil
}

// Start begins ticking. Ticks align to minute boundaries so an entry
// fires at most once per due minute.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("schedule: already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	logger.InfoCF("schedule", "Scheduler started", map[string]any{"entries": len(s.entries)})
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
	logger.InfoC("schedule", "Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		wait := time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(wait):
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	// gronx matches a reference time exactly, so strip seconds or a
	// tick landing mid-minute never matches anything.
	now = now.Truncate(time.Minute)
	for _, e := range s.entries {
		due, err := s.g.IsDue(e.Expr, now)
		if err != nil {
			logger.WarnCF("schedule", "Cron evaluation failed", map[string]any{
				"expr":  e.Expr,
				"error": err.Error(),
			})
			continue
		}
		if !due {
			continue
		}
		target := e.Target
		logger.InfoCF("schedule", "Scheduled cycle due", map[string]any{"target": target})
		go func() {
			if err := s.start(ctx, target); err != nil {
				logger.WarnCF("schedule", "Scheduled cycle not started", map[string]any{
					"target": target,
					"error":  err.Error(),
				})
			}
		}()
	}
}
