package cache

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically drops expired cache entries. Other housekeeping jobs
// may share its schedule runner through Add.
type Sweeper struct {
	cron   *cron.Cron
	cache  *QueryCache
	logger *slog.Logger
}

// NewSweeper schedules c.Sweep on the cron spec (for example "@every 1m").
// A nil cache only runs the jobs registered with Add.
func NewSweeper(c *QueryCache, spec string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{cron: cron.New(), cache: c, logger: logger}
	if c == nil {
		return s, nil
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	if n := s.cache.Sweep(); n > 0 {
		s.logger.Info("expired cache entries dropped", "count", n)
	}
}

// Add schedules another job on the sweeper's runner.
func (s *Sweeper) Add(spec, name string, fn func()) error {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	return nil
}

// Start starts the scheduler in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("cache sweeper started")
}

// Stop stops the scheduler and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cache sweeper stopped")
}
