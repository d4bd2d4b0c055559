package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const jobLockPrefix = "scheduler:"

// withJobLock runs fn only if this replica wins the job lock within
// LockWait. A lost race is not an error: another replica is doing the work.
func (s *Scheduler) withJobLock(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	release, err := s.locker.Lock(lockCtx, jobLockPrefix+job)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.logger(ctx).Debug("scheduler job held elsewhere", zap.String("job", job))
			if run := jobRunFromContext(ctx); run != nil {
				run.IncSkipped()
			}
			return nil
		}
		return err
	}
	defer release()
	return fn(ctx)
}
