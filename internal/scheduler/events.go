package scheduler

import (
	"go.uber.org/zap"

	"github.com/SirClappington/dsarq/internal/domain"
)

// EventSink receives terminal job transitions, invoked synchronously by
// the scheduler after the transition is durable. Implementations must be
// fast; there is no external pub/sub runtime in the correctness path.
type EventSink interface {
	JobCompleted(job *domain.Job)
	JobFailed(job *domain.Job)
}

type NopSink struct{}

func (NopSink) JobCompleted(*domain.Job) {}
func (NopSink) JobFailed(*domain.Job)    {}

// AuditSink writes an append-only audit trail of terminal transitions.
type AuditSink struct{ log *zap.Logger }

func NewAuditSink(log *zap.Logger) *AuditSink {
	return &AuditSink{log: log.Named("audit")}
}

func (a *AuditSink) JobCompleted(job *domain.Job) {
	a.log.Info("dsar completed",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("requested_by", job.RequestedBy),
		zap.String("request_type", string(job.RequestType)),
		zap.String("region", job.Region),
		zap.Timep("completed_at", job.CompletedAt))
}

func (a *AuditSink) JobFailed(job *domain.Job) {
	a.log.Warn("dsar failed",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("requested_by", job.RequestedBy),
		zap.String("request_type", string(job.RequestType)),
		zap.String("region", job.Region),
		zap.Int("retry_count", job.RetryCount),
		zap.Stringp("error", job.Error))
}
