package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/SirClappington/dsarq/internal/domain"
	"github.com/SirClappington/dsarq/internal/metrics"
)

// Executor routes a claimed job to its region-pinned connection and
// performs the export/delete/status operation through the external
// collaborators. All collaborator calls go through a per-region circuit
// breaker so a sick region sheds load instead of stacking timeouts.
type Executor struct {
	reg    *Registry
	orch   DSROrchestrator
	cipher PIICipher
	blob   BlobStore

	signingKey  []byte
	exportTTL   time.Duration
	gracePeriod time.Duration
	log         *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func New(reg *Registry, orch DSROrchestrator, cipher PIICipher, blob BlobStore,
	signingKey []byte, exportTTL, gracePeriod time.Duration, log *zap.Logger) *Executor {
	return &Executor{
		reg:         reg,
		orch:        orch,
		cipher:      cipher,
		blob:        blob,
		signingKey:  signingKey,
		exportTTL:   exportTTL,
		gracePeriod: gracePeriod,
		log:         log,
		now:         time.Now,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// ExecuteExport assembles the subject's bundle strictly through the
// job's region connection, decrypts PII for the subject, stores the
// serialized artifact with a bounded lifetime and signs it.
func (e *Executor) ExecuteExport(ctx context.Context, job *domain.Job) (*domain.ExportResult, error) {
	conn, err := e.reg.Get(ctx, job.Region)
	if err != nil {
		return nil, err
	}

	v, err := e.breaker(job.Region).Execute(func() (any, error) {
		return e.orch.ExportUserData(ctx, conn, job.UserID, job.RequestedBy)
	})
	if err != nil {
		return nil, e.classify(err, "export user data")
	}
	bundle := v.(*Bundle)

	records := 0
	for si := range bundle.Sources {
		src := &bundle.Sources[si]
		records += len(src.Rows)
		if len(src.EncryptedFields) == 0 {
			continue
		}
		for ri, row := range src.Rows {
			dec, err := e.cipher.DecryptObject(ctx, row, job.UserID, src.EncryptedFields)
			if err != nil {
				return nil, domain.Collaborator("decrypt pii fields", err, false)
			}
			src.Rows[ri] = dec
		}
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, domain.Collaborator("serialize export bundle", err, true)
	}

	path := fmt.Sprintf("exports/%s/%s.json", job.Region, job.ID)
	url, err := e.blob.Put(ctx, conn.StorageEndpoint, path, payload, e.exportTTL)
	if err != nil {
		return nil, domain.Transient("store export artifact", errors.WithStack(err))
	}

	now := e.now().UTC()
	return &domain.ExportResult{
		JobID:       job.ID,
		UserID:      job.UserID,
		Region:      job.Region,
		URL:         url,
		Signature:   e.sign(payload),
		KeyID:       conn.KeyID,
		RecordCount: records,
		SizeBytes:   int64(len(payload)),
		ExpiresAt:   now.Add(e.exportTTL),
		CompletedAt: now,
	}, nil
}

// ExecuteDelete registers the deletion intent, and executes it only once
// the caller asked for immediate erasure or the grace period computed
// from admission has elapsed. Deferred results carry GracePeriodEndsAt;
// executed ones never do.
func (e *Executor) ExecuteDelete(ctx context.Context, job *domain.Job) (*domain.DeleteResult, error) {
	conn, err := e.reg.Get(ctx, job.Region)
	if err != nil {
		return nil, err
	}

	reason, _ := job.Metadata["reason"].(string)
	params := DeletionParams{
		UserID:      job.UserID,
		RequestedBy: job.RequestedBy,
		Reason:      reason,
		Immediate:   job.Immediate(),
	}

	v, err := e.breaker(job.Region).Execute(func() (any, error) {
		return e.orch.RequestDeletion(ctx, conn, params)
	})
	if err != nil {
		return nil, e.classify(err, "request deletion")
	}
	deletionID := v.(string)

	now := e.now().UTC()
	graceEnds := job.CreatedAt.Add(e.gracePeriod)
	if !job.Immediate() && now.Before(graceEnds) {
		return &domain.DeleteResult{
			JobID:             job.ID,
			UserID:            job.UserID,
			Region:            job.Region,
			DeletionID:        deletionID,
			CompletedAt:       now,
			GracePeriodEndsAt: &graceEnds,
		}, nil
	}

	v, err = e.breaker(job.Region).Execute(func() (any, error) {
		return e.orch.ExecuteDeletion(ctx, conn, deletionID)
	})
	if err != nil {
		return nil, e.classify(err, "execute deletion")
	}
	out := v.(*DeletionOutcome)

	return &domain.DeleteResult{
		JobID:            job.ID,
		UserID:           job.UserID,
		Region:           job.Region,
		DeletionID:       deletionID,
		DeletedSources:   out.Sources,
		VerificationHash: e.sign(out.Proof),
		CompletedAt:      e.now().UTC(),
	}, nil
}

// ExecuteStatus is a read-only query of a subject's pending deletions in
// one region. No mutation.
func (e *Executor) ExecuteStatus(ctx context.Context, userID, region string) (*domain.StatusResult, error) {
	conn, err := e.reg.Get(ctx, region)
	if err != nil {
		return nil, err
	}

	v, err := e.breaker(region).Execute(func() (any, error) {
		return e.orch.GetPendingDeletions(ctx, conn, userID)
	})
	if err != nil {
		return nil, e.classify(err, "get pending deletions")
	}
	pending, _ := v.([]domain.PendingDeletion)

	return &domain.StatusResult{
		UserID:           userID,
		Region:           region,
		PendingDeletions: pending,
		CheckedAt:        e.now().UTC(),
	}, nil
}

func (e *Executor) sign(payload []byte) string {
	mac := hmac.New(sha256.New, e.signingKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// classify converts raw collaborator failures into tagged errors.
// Already-tagged errors pass through; breaker rejections count as
// transient since the region may recover.
func (e *Executor) classify(err error, op string) error {
	var tagged *domain.Error
	if errors.As(err, &tagged) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Transient(op+": region breaker open", err)
	}
	return domain.Collaborator(op, err, false)
}

func (e *Executor) breaker(region string) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[region]; ok {
		return cb
	}
	log := e.log
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "region-" + region,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("region breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.BreakerState.WithLabelValues(region).Set(breakerStateValue(to))
		},
	})
	e.breakers[region] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
