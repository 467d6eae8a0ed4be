package scheduler

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/dsarq/internal/domain"
	"github.com/SirClappington/dsarq/internal/metrics"
)

const reconcileBatch = 500

// Run starts the bounded worker pool and the scheduling tick, blocking
// until the context is cancelled. Regions are pumped independently:
// one region's backlog never delays another's dispatch.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan string)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case id := <-jobs:
					s.process(ctx, id)
				}
			}
		})
	}

	g.Go(func() error {
		tick := time.NewTicker(s.opts.Tick)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
				s.pump(ctx, jobs)
			}
		}
	})

	s.log.Info("dispatch loop started",
		zap.Int("workers", s.opts.Workers),
		zap.Int("admit_per_minute", s.opts.AdmitPerMinute),
		zap.Strings("regions", s.opts.Regions))
	return g.Wait()
}

// pump reconciles due pending jobs from the store into the dispatch
// queue, then hands queue members to idle workers while the admission
// token bucket still has budget. A job popped without a token goes back
// with its original ordinal.
func (s *Scheduler) pump(ctx context.Context, jobs chan<- string) {
	now := s.now().UTC()
	for _, region := range s.opts.Regions {
		refs, err := s.store.DuePending(ctx, region, now, reconcileBatch)
		if err != nil {
			s.log.Warn("due-pending scan failed", zap.String("region", region), zap.Error(err))
			continue
		}
		for _, ref := range refs {
			if err := s.queue.Enqueue(ctx, region, ref); err != nil {
				s.log.Warn("reconcile enqueue failed", zap.String("region", region), zap.Error(err))
				break
			}
		}
		if d, err := s.queue.Depth(ctx, region); err == nil {
			metrics.QueueDepth.WithLabelValues(region).Set(float64(d))
		}

		for {
			id, ordinal, err := s.queue.Pop(ctx, region)
			if err != nil {
				s.log.Warn("queue pop failed", zap.String("region", region), zap.Error(err))
				break
			}
			if id == "" {
				break
			}
			if !s.limiter.Allow() {
				metrics.AdmissionThrottled.Inc()
				if err := s.queue.Requeue(ctx, region, id, ordinal); err != nil {
					s.log.Warn("throttle requeue failed", zap.String("job_id", id), zap.Error(err))
				}
				return
			}
			select {
			case jobs <- id:
			case <-ctx.Done():
				_ = s.queue.Requeue(ctx, region, id, ordinal)
				return
			}
		}
	}
}

// process runs one attempt: claim, execute with a deadline, finalize.
// Losing the claim race is normal under concurrent dispatch and only
// counted, never logged as an error.
func (s *Scheduler) process(ctx context.Context, id string) {
	job, err := s.store.Claim(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrClaimed) {
			metrics.ClaimConflicts.Inc()
			return
		}
		s.log.Warn("claim failed", zap.String("job_id", id), zap.Error(err))
		return
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, s.opts.ExecuteTimeout)
	result, execErr := s.executeJob(cctx, job)
	cancel()
	metrics.ExecuteDuration.WithLabelValues(string(job.RequestType), job.Region).
		Observe(time.Since(start).Seconds())

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			execErr = domain.Transient("execution timed out", execErr)
		}
		s.fail(ctx, job, execErr)
		return
	}
	s.complete(ctx, job, result)
}

func (s *Scheduler) executeJob(ctx context.Context, job *domain.Job) ([]byte, error) {
	var v any
	var err error
	switch job.RequestType {
	case domain.Access, domain.Portability:
		v, err = s.exec.ExecuteExport(ctx, job)
	case domain.Erasure:
		v, err = s.exec.ExecuteDelete(ctx, job)
	case domain.StatusCheck, domain.Consent:
		v, err = s.exec.ExecuteStatus(ctx, job.UserID, job.Region)
	default:
		return nil, domain.Validationf("unexecutable request type %q", job.RequestType)
	}
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, domain.Transient("encode result", err)
	}
	return b, nil
}

func (s *Scheduler) complete(ctx context.Context, job *domain.Job, result []byte) {
	now := s.now().UTC()
	elapsed := now.Sub(job.CreatedAt)
	slaMet := elapsed <= s.opts.Sla.Threshold(job.RequestType)

	if err := s.store.MarkCompleted(ctx, job.ID, result, slaMet); err != nil {
		s.log.Error("mark completed failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Status = domain.Completed
	job.CompletedAt = &now
	job.Result = result
	job.SlaMet = &slaMet

	metrics.JobsCompleted.WithLabelValues(string(job.RequestType), job.Region).Inc()
	outcome := "met"
	if !slaMet {
		outcome = "missed"
	}
	metrics.SlaOutcomes.WithLabelValues(string(job.RequestType), outcome).Inc()
	s.sink.JobCompleted(job)
	s.log.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("region", job.Region),
		zap.Duration("elapsed", elapsed),
		zap.Bool("sla_met", slaMet))
}

func (s *Scheduler) fail(ctx context.Context, job *domain.Job, execErr error) {
	if domain.Retryable(execErr) && job.RetryCount < job.MaxRetries {
		delay := backoff(job.RetryCount)
		if err := s.store.RequeueRetry(ctx, job.ID, execErr.Error(), s.now().UTC().Add(delay)); err != nil {
			s.log.Error("retry requeue failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		metrics.JobsRetried.WithLabelValues(string(job.RequestType), job.Region).Inc()
		s.log.Warn("job retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.RetryCount+1),
			zap.Int("max_retries", job.MaxRetries),
			zap.Duration("backoff", delay),
			zap.Error(execErr))
		return
	}

	msg := execErr.Error()
	if err := s.store.MarkFailed(ctx, job.ID, msg); err != nil {
		s.log.Error("mark failed failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	now := s.now().UTC()
	job.Status = domain.Failed
	job.FailedAt = &now
	job.Error = &msg

	metrics.JobsFailed.WithLabelValues(string(job.RequestType), job.Region, domain.KindOf(execErr).String()).Inc()
	s.sink.JobFailed(job)
	s.log.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("region", job.Region),
		zap.Int("retry_count", job.RetryCount),
		zap.String("error_kind", domain.KindOf(execErr).String()),
		zap.Error(execErr))
}

const (
	baseBackoff = 2 * time.Second
	maxBackoff  = 5 * time.Minute
)

// backoff grows 2s, 4s, 8s, ... per completed attempt, capped.
func backoff(retryCount int) time.Duration {
	if retryCount > 20 {
		return maxBackoff
	}
	d := baseBackoff << uint(retryCount)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
