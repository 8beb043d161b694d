// Package maintenance runs the recurring upkeep jobs: the hourly
// active-device rollup, the retention prunes and the daily cache sweep.
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meshsight/mesh-gateway/internal/metrics"
)

// Store is the retention surface of the repository.
type Store interface {
	RollupActiveHour(ctx context.Context, hour time.Time) error
	PrunePositions(ctx context.Context) (int64, error)
	PruneNeighborInfo(ctx context.Context) (int64, error)
}

// CachePurger empties the map response cache.
type CachePurger interface {
	Purge()
}

type Scheduler struct {
	cron   *cron.Cron
	store  Store
	cache  CachePurger
	logger *zap.Logger
	now    func() time.Time
}

func NewScheduler(store Store, cache CachePurger, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		store:  store,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Start registers the jobs and launches the cron loop. The prunes are
// offset away from the top-of-hour rollup so the jobs never contend.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"0 * * * *", "active_hourly_rollup", s.rollupActiveHour},
		{"28 * * * *", "prune_positions", s.prunePositions},
		{"32 * * * *", "prune_neighbor_info", s.pruneNeighborInfo},
		{"30 0 * * *", "cache_purge", s.purgeCache},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, s.guarded(ctx, job.name, job.run)); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

// Jobs returns the number of registered cron entries.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// RunOnce executes the database jobs once, for the one-shot subcommand.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.rollupActiveHour(ctx); err != nil {
		return fmt.Errorf("active hourly rollup: %w", err)
	}
	if err := s.prunePositions(ctx); err != nil {
		return fmt.Errorf("pruning positions: %w", err)
	}
	if err := s.pruneNeighborInfo(ctx); err != nil {
		return fmt.Errorf("pruning neighbor info: %w", err)
	}
	return nil
}

// guarded wraps a job so a trigger that finds the previous run still
// active skips instead of stacking a second run on the database.
func (s *Scheduler) guarded(ctx context.Context, name string, run func(context.Context) error) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			metrics.JobRunsTotal.WithLabelValues(name, "skipped").Inc()
			s.logger.Warn("previous run still active, skipping", zap.String("job", name))
			return
		}
		defer running.Store(false)

		start := time.Now()
		err := run(ctx)
		metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
			s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
			return
		}
		metrics.JobRunsTotal.WithLabelValues(name, "ok").Inc()
		s.logger.Info("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}
}

func (s *Scheduler) rollupActiveHour(ctx context.Context) error {
	// At minute zero the hour that just closed is the one to aggregate.
	hour := s.now().UTC().Truncate(time.Hour).Add(-time.Hour)
	return s.store.RollupActiveHour(ctx, hour)
}

func (s *Scheduler) prunePositions(ctx context.Context) error {
	n, err := s.store.PrunePositions(ctx)
	if err != nil {
		return err
	}
	metrics.RowsPrunedTotal.WithLabelValues("node_position").Add(float64(n))
	s.logger.Info("pruned positions", zap.Int64("rows", n))
	return nil
}

func (s *Scheduler) pruneNeighborInfo(ctx context.Context) error {
	n, err := s.store.PruneNeighborInfo(ctx)
	if err != nil {
		return err
	}
	metrics.RowsPrunedTotal.WithLabelValues("node_neighbor_info").Add(float64(n))
	s.logger.Info("pruned neighbor info", zap.Int64("rows", n))
	return nil
}

func (s *Scheduler) purgeCache(context.Context) error {
	s.cache.Purge()
	return nil
}
