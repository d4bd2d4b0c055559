package scheduler

import (
	"context"

	"go.uber.org/zap"
)

// RecoverStaleJobsJob fails refresh jobs whose worker stopped reporting,
// e.g. after a replica crashed mid-run. The owner lock TTL has long expired
// by then, so a retry is safe.
func (s *Scheduler) RecoverStaleJobsJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.RecoveryThreshold)
	failed, err := s.refresh.FailStale(ctx, cutoff)
	if err != nil {
		return err
	}
	if failed > 0 {
		s.logger(ctx).Warn("stale refresh jobs failed",
			zap.Int64("count", failed),
			zap.Time("cutoff", cutoff),
		)
	}
	jobRunFromContext(ctx).AddProcessed(int(failed))
	s.metrics.AddBatchProcessed(jobRecoverStale, "refresh_jobs", int(failed))
	return nil
}
