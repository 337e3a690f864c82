// Package scheduler runs the service's periodic maintenance on a single
// cron instance:
//
//	every second → promote due delayed messages (both queues)
//	every minute → sweep expired entries out of the hot cache
//	@daily       → prune aged-out history rows
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/cache"
	"github.com/dhightnm/fly-overhead/internal/queue"
)

// HistoryPruner is the retention side of the state repository.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, retention time.Duration) (int64, error)
}

// CronScheduler wraps robfig/cron and drives the maintenance jobs.
type CronScheduler struct {
	cron      *cron.Cron
	queues    []*queue.Queue
	cache     *cache.LiveState
	pruner    HistoryPruner
	retention time.Duration
	batch     int
	logger    *zap.Logger
}

// NewCronScheduler creates and configures the scheduler. batch bounds how
// many delayed messages one promotion tick may move per queue.
func NewCronScheduler(queues []*queue.Queue, c *cache.LiveState, pruner HistoryPruner, retention time.Duration, batch int, logger *zap.Logger) *CronScheduler {
	return &CronScheduler{
		cron:      cron.New(cron.WithSeconds()),
		queues:    queues,
		cache:     c,
		pruner:    pruner,
		retention: retention,
		batch:     batch,
		logger:    logger,
	}
}

// Start registers the cron jobs and starts the scheduler.
// Call Stop() to gracefully shut down.
func (s *CronScheduler) Start() error {
	if _, err := s.cron.AddFunc("* * * * * *", s.promoteDue); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 * * * * *", s.sweepCache); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", s.pruneHistory); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		zap.Int("queues", len(s.queues)),
		zap.Duration("history_retention", s.retention),
	)
	return nil
}

// Stop gracefully stops the cron scheduler, waiting for a running job to
// finish.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopped")
}

// promoteDue moves due messages from each queue's delayed set into its
// main list. This tick is what makes scheduled retries come back around.
func (s *CronScheduler) promoteDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	for _, q := range s.queues {
		moved, err := q.Promote(ctx, now, s.batch)
		if err != nil {
			s.logger.Error("promotion failed",
				zap.String("queue", q.Name()),
				zap.Error(err),
			)
			continue
		}
		if moved > 0 {
			s.logger.Debug("promoted delayed messages",
				zap.String("queue", q.Name()),
				zap.Int("moved", moved),
			)
		}
	}
}

func (s *CronScheduler) sweepCache() {
	if removed := s.cache.Sweep(); removed > 0 {
		s.logger.Debug("swept expired cache entries", zap.Int("removed", removed))
	}
}

func (s *CronScheduler) pruneHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := s.pruner.PruneHistory(ctx, s.retention)
	if err != nil {
		s.logger.Error("history prune failed", zap.Error(err))
		return
	}
	s.logger.Info("history pruned",
		zap.Int64("rows_removed", removed),
		zap.Duration("retention", s.retention),
	)
}
