package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule prunes expired subscriptions every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Sweeper periodically prunes expired subscription records. Sweeping is an
// optimization: expired records are filtered on every read regardless.
type Sweeper struct {
	registry *Registry
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewSweeper schedules Prune on the registry using a cron spec such as
// "@every 5m". An empty spec selects DefaultSweepSchedule.
func NewSweeper(registry *Registry, spec string, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{registry: registry, cron: cron.New(), logger: logger}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	if err := s.registry.Prune(context.Background()); err != nil {
		s.logger.Warn("subscription sweep failed", "error", err)
	}
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
