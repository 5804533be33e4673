package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sweeper periodically retries deferred workspace deletions and removes
// labelled containers that outlived any possible run.
type sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	start    sync.Once
	stop     sync.Once
}

func newSweeper(e *Engine, interval time.Duration) *sweeper {
	return &sweeper{
		engine:   e,
		interval: interval,
		logger:   e.logger,
		done:     make(chan struct{}),
	}
}

// Start launches the background loop once.
func (s *sweeper) Start() {
	s.start.Do(func() {
		s.logger.Info("starting workspace sweeper", slog.Duration("interval", s.interval))
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends the loop and waits for an in-progress pass to finish.
func (s *sweeper) Stop() {
	s.stop.Do(func() {
		s.logger.Info("shutting down workspace sweeper")
		close(s.done)
		s.wg.Wait()
	})
}

func (s *sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pass()
		}
	}
}

// pass is one sweep over workspaces and containers.
func (s *sweeper) pass() {
	if remaining := s.engine.workspaces.Sweep(); remaining > 0 {
		s.logger.Warn("workspaces still pending cleanup", slog.Int("count", remaining))
	}

	rt := s.engine.runtime
	if rt == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	olderThan := s.engine.cfg.Timeout + s.engine.cfg.OrphanGrace
	n, err := rt.RemoveOrphans(ctx, s.engine.cfg.Label, olderThan)
	if err != nil {
		s.logger.Error("failed to remove orphaned containers", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("removed orphaned containers", slog.Int("count", n))
	}
}
