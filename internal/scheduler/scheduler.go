package scheduler

import (
	"context"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/dsarq/internal/domain"
	"github.com/SirClappington/dsarq/internal/metrics"
)

// JobStore is the durable record of every job (Postgres in production).
type JobStore interface {
	InsertJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	Claim(ctx context.Context, id string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, id string, result []byte, slaMet bool) error
	MarkFailed(ctx context.Context, id, msg string) error
	RequeueRetry(ctx context.Context, id, errMsg string, runAt time.Time) error
	Cancel(ctx context.Context, id string) error
	DuePending(ctx context.Context, region string, now time.Time, limit int) ([]domain.DispatchRef, error)
	Counts(ctx context.Context) (domain.Metrics, error)
}

// DispatchQueue orders due jobs for dispatch, per region.
type DispatchQueue interface {
	Enqueue(ctx context.Context, region string, ref domain.DispatchRef) error
	Pop(ctx context.Context, region string) (string, float64, error)
	Requeue(ctx context.Context, region, id string, ordinal float64) error
	Remove(ctx context.Context, region, id string) error
	Depth(ctx context.Context, region string) (int64, error)
}

// Executor performs one attempt of a claimed job in its pinned region.
type Executor interface {
	ExecuteExport(ctx context.Context, job *domain.Job) (*domain.ExportResult, error)
	ExecuteDelete(ctx context.Context, job *domain.Job) (*domain.DeleteResult, error)
	ExecuteStatus(ctx context.Context, userID, region string) (*domain.StatusResult, error)
}

type Options struct {
	Regions        []string
	DefaultRegion  string
	Workers        int
	AdmitPerMinute int
	MaxRetries     int
	GracePeriod    time.Duration
	ExecuteTimeout time.Duration
	Tick           time.Duration
	Sla            domain.SlaConfig
}

func (o *Options) fill() {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.AdmitPerMinute <= 0 {
		o.AdmitPerMinute = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = domain.DefaultMaxRetries
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * 24 * time.Hour
	}
	if o.ExecuteTimeout <= 0 {
		o.ExecuteTimeout = 10 * time.Minute
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.Sla == (domain.SlaConfig{}) {
		o.Sla = domain.DefaultSlaConfig()
	}
}

// Scheduler owns the job lifecycle: admission, dispatch to a bounded
// worker pool, retry/backoff, SLA labeling, cancellation and metrics.
// All transitions go through the store; workers only ever hold a job
// they claimed.
type Scheduler struct {
	store    JobStore
	queue    DispatchQueue
	exec     Executor
	opts     Options
	limiter  *rate.Limiter
	sink     EventSink
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewAdmitter builds a Scheduler for the admission-side operations only
// (Admit, GetStatus, Cancel, GetMetrics). It carries no executor and
// must never Run: the API process uses it so it does not dial region
// infrastructure it never executes against.
func NewAdmitter(store JobStore, queue DispatchQueue, opts Options, sink EventSink, log *zap.Logger) *Scheduler {
	return New(store, queue, nil, opts, sink, log)
}

func New(store JobStore, queue DispatchQueue, exec Executor, opts Options, sink EventSink, log *zap.Logger) *Scheduler {
	opts.fill()
	if sink == nil {
		sink = NopSink{}
	}
	return &Scheduler{
		store:    store,
		queue:    queue,
		exec:     exec,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(float64(opts.AdmitPerMinute)/60.0), opts.AdmitPerMinute),
		sink:     sink,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Admit validates the request, assigns priority and region, computes the
// scheduled time (erasure gets the statutory grace period unless the
// caller asked for immediate execution), persists the job PENDING and
// returns its id. Never blocks on execution.
func (s *Scheduler) Admit(ctx context.Context, req domain.Request) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", domain.Validationf("invalid request: %v", err)
	}
	if !req.RequestType.Valid() {
		return "", domain.Validationf("unknown request type %q", req.RequestType)
	}

	region := req.Region
	if region == "" {
		region = s.opts.DefaultRegion
	}
	// a region outside the dispatch set would never be pumped; a known but
	// disabled region is admitted and fails at execution as RegionUnavailable
	if len(s.opts.Regions) > 0 && !slices.Contains(s.opts.Regions, region) {
		return "", domain.Validationf("unknown region %q", region)
	}
	priority := domain.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}

	now := s.now().UTC()
	job := &domain.Job{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		RequestedBy:  req.RequestedBy,
		RequestType:  req.RequestType,
		Region:       region,
		Status:       domain.Pending,
		Priority:     priority,
		MaxRetries:   s.opts.MaxRetries,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		ScheduledFor: now,
	}
	if req.RequestType == domain.Erasure && !job.Immediate() {
		job.ScheduledFor = now.Add(s.opts.GracePeriod)
	}

	if err := s.store.InsertJob(ctx, job); err != nil {
		return "", err
	}
	if !job.ScheduledFor.After(now) {
		// best-effort: the reconcile pass re-derives lost members from the store
		if err := s.queue.Enqueue(ctx, region, domain.DispatchRef{ID: job.ID, Priority: priority, CreatedAt: now}); err != nil {
			s.log.Warn("enqueue after admit failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	metrics.JobsAdmitted.WithLabelValues(string(job.RequestType), region).Inc()
	s.log.Info("job admitted",
		zap.String("job_id", job.ID),
		zap.String("request_type", string(job.RequestType)),
		zap.String("region", region),
		zap.Int("priority", priority),
		zap.Time("scheduled_for", job.ScheduledFor))
	return job.ID, nil
}

// GetStatus returns the read-only projection of one job.
func (s *Scheduler) GetStatus(ctx context.Context, jobID string) (domain.JobView, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobView{}, err
	}
	return job.View(), nil
}

// Cancel removes a job from dispatch. Legal only while PENDING; anything
// in flight or terminal returns InvalidState untouched.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.store.Cancel(ctx, jobID); err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, job.Region, jobID); err != nil {
		s.log.Warn("dequeue on cancel failed", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.JobsCancelled.WithLabelValues(string(job.RequestType), job.Region).Inc()
	s.log.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// GetMetrics is a point-in-time count of jobs by status.
func (s *Scheduler) GetMetrics(ctx context.Context) (domain.Metrics, error) {
	return s.store.Counts(ctx)
}
