package restriction

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"staffportal.org/internal/obs"
)

const sweepTimeout = 30 * time.Second

// Sweeper clears expired restrictions on a cron schedule so live subscribers
// see a lifted event without waiting for a read.
type Sweeper struct {
	cron *cron.Cron
	svc  *Service
}

// NewSweeper schedules svc.SweepExpired on spec, e.g. "@every 1m".
func NewSweeper(svc *Service, spec string) (*Sweeper, error) {
	s := &Sweeper{cron: cron.New(), svc: svc}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("schedule expiry sweep %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	obs.Info("expiry sweeper started", nil)
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	obs.Info("expiry sweeper stopped", nil)
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.svc.SweepExpired(ctx)
	if err != nil {
		obs.Warn("expiry sweep failed", map[string]any{"error": err})
		return
	}
	if n > 0 {
		obs.Info("expired restrictions cleared", map[string]any{"count": n})
	}
}
