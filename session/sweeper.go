package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often a Sweeper removes expired records.
const DefaultSweepInterval = 5 * time.Minute

// SweepFunc observes the outcome of each sweep.
type SweepFunc func(removed int, err error)

// Sweeper periodically calls Manager.SweepExpired in the background.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	onSweep  SweepFunc

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewSweeper returns a stopped Sweeper. A non-positive interval selects
// DefaultSweepInterval; onSweep may be nil.
func NewSweeper(m *Manager, interval time.Duration, logger *slog.Logger, onSweep SweepFunc) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  m,
		interval: interval,
		logger:   logger,
		onSweep:  onSweep,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Subsequent calls are no-ops.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() { go s.loop() })
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.done
		}
	})
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	n, err := s.manager.SweepExpired(ctx, s.manager.Now())
	if err != nil {
		s.logger.Warn("session sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("expired sessions swept", "removed", n)
	}
	if s.onSweep != nil {
		s.onSweep(n, err)
	}
}
