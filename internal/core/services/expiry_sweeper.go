package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/manthysbr/solution-packager/internal/core/ports"
)

// SweeperConfig controls job expiry.
type SweeperConfig struct {
	TTL      time.Duration
	Interval time.Duration
}

// ExpirySweeper periodically removes jobs older than the TTL together with
// their workspaces. Running jobs are reaped once they reach a terminal state.
type ExpirySweeper struct {
	logger   *slog.Logger
	registry *JobRegistry
	metrics  ports.Metrics
	cfg      SweeperConfig
	now      func() time.Time
}

func NewExpirySweeper(logger *slog.Logger, registry *JobRegistry, metrics ports.Metrics, cfg SweeperConfig) *ExpirySweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &ExpirySweeper{
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	s.logger.Info("expiry sweeper started", "ttl", s.cfg.TTL.String(), "interval", s.cfg.Interval.String())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Sweep removes every expired job as of now and returns how many it removed.
func (s *ExpirySweeper) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.TTL)
	removed := 0
	for _, id := range s.registry.Expired(cutoff) {
		ok, err := s.registry.RemoveExpired(id, cutoff)
		if err != nil {
			s.logger.Warn("workspace cleanup failed", "job_id", id, "error", err)
		}
		if ok {
			removed++
			s.logger.Info("job expired", "job_id", id)
		}
	}
	if removed > 0 {
		s.metrics.JobsEvicted(removed)
	}
	return removed
}
