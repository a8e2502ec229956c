// Package sweeper runs the periodic expiry sweep. Waiters normally expire
// their own requests when their timeout fires, but a producer that dies
// mid-wait leaves a pending record behind; the sweep transitions those to
// expired so they show up correctly in queries and the audit trail instead
// of silently vanishing at store eviction.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
)

// Sweeper schedules ExpireOverdue on an interval.
type Sweeper struct {
	svc      *approvals.Service
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// New creates a sweeper. Interval defaults to 30 seconds.
func New(svc *approvals.Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start begins the schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		expired, err := s.svc.ExpireOverdue(sweepCtx)
		if err != nil {
			s.logger.Warn("expiry sweep failed", "error", err)
			return
		}
		if expired > 0 {
			s.logger.Info("expiry sweep", "expired", expired)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
