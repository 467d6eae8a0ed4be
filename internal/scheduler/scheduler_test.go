package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/dsarq/internal/domain"
)

// ===================== in-memory JobStore =========================

type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	now       func() time.Time
	claims    map[string]int // claim wins per job
	conflicts int
	requeues  []time.Time // runAt of every retry requeue
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{jobs: make(map[string]*domain.Job), now: now, claims: make(map[string]int)}
}

func (m *memStore) snapshot(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func (m *memStore) InsertJob(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = m.snapshot(j)
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.snapshot(j), nil
}

func (m *memStore) Claim(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.Pending {
		m.conflicts++
		return nil, domain.ErrClaimed
	}
	now := m.now().UTC()
	j.Status = domain.InProgress
	j.StartedAt = &now
	m.claims[id]++
	return m.snapshot(j), nil
}

func (m *memStore) MarkCompleted(_ context.Context, id string, result []byte, slaMet bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	now := m.now().UTC()
	j.Status = domain.Completed
	j.CompletedAt = &now
	j.Result = result
	j.SlaMet = &slaMet
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	now := m.now().UTC()
	j.Status = domain.Failed
	j.FailedAt = &now
	j.Error = &msg
	return nil
}

func (m *memStore) RequeueRetry(_ context.Context, id, errMsg string, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status != domain.InProgress {
		return domain.ErrInvalidState
	}
	j.Status = domain.Pending
	j.StartedAt = nil
	j.RetryCount++
	j.ScheduledFor = runAt
	j.Error = &errMsg
	m.requeues = append(m.requeues, runAt)
	return nil
}

func (m *memStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.Pending {
		return domain.ErrInvalidState
	}
	j.Status = domain.Cancelled
	return nil
}

func (m *memStore) DuePending(_ context.Context, region string, now time.Time, limit int) ([]domain.DispatchRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DispatchRef
	for _, j := range m.jobs {
		if j.Region == region && j.Status == domain.Pending && !j.ScheduledFor.After(now) {
			out = append(out, domain.DispatchRef{ID: j.ID, Priority: j.Priority, CreatedAt: j.CreatedAt})
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Counts(_ context.Context) (domain.Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out domain.Metrics
	now := m.now().UTC()
	for _, j := range m.jobs {
		out.Total++
		switch j.Status {
		case domain.Pending:
			if j.ScheduledFor.After(now) {
				out.Delayed++
			} else {
				out.Waiting++
			}
		case domain.InProgress:
			out.Active++
		case domain.Completed:
			out.Completed++
		case domain.Failed:
			out.Failed++
		}
	}
	return out, nil
}

// ===================== in-memory DispatchQueue =========================

type memQueue struct {
	mu      sync.Mutex
	members map[string]map[string]float64 // region -> id -> score
}

func newMemQueue() *memQueue { return &memQueue{members: make(map[string]map[string]float64)} }

func (q *memQueue) region(region string) map[string]float64 {
	if q.members[region] == nil {
		q.members[region] = make(map[string]float64)
	}
	return q.members[region]
}

func (q *memQueue) Enqueue(_ context.Context, region string, ref domain.DispatchRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.region(region)
	if _, ok := m[ref.ID]; !ok {
		m[ref.ID] = float64(ref.Priority)*1e13 + float64(ref.CreatedAt.UnixMilli())
	}
	return nil
}

func (q *memQueue) Pop(_ context.Context, region string) (string, float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.region(region)
	var best string
	var bestScore float64
	for id, s := range m {
		if best == "" || s < bestScore {
			best, bestScore = id, s
		}
	}
	if best == "" {
		return "", 0, nil
	}
	delete(m, best)
	return best, bestScore, nil
}

func (q *memQueue) Requeue(_ context.Context, region, id string, ordinal float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.region(region)[id] = ordinal
	return nil
}

func (q *memQueue) Remove(_ context.Context, region, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.region(region), id)
	return nil
}

func (q *memQueue) Depth(_ context.Context, region string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.region(region))), nil
}

// ===================== Executor mock =========================

type mockExec struct {
	mu          sync.Mutex
	exportFn    func(ctx context.Context, job *domain.Job) (*domain.ExportResult, error)
	deleteFn    func(ctx context.Context, job *domain.Job) (*domain.DeleteResult, error)
	statusFn    func(ctx context.Context, userID, region string) (*domain.StatusResult, error)
	seenRegions []string
}

func (m *mockExec) record(region string) {
	m.mu.Lock()
	m.seenRegions = append(m.seenRegions, region)
	m.mu.Unlock()
}

func (m *mockExec) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seenRegions)
}

func (m *mockExec) ExecuteExport(ctx context.Context, job *domain.Job) (*domain.ExportResult, error) {
	m.record(job.Region)
	if m.exportFn == nil {
		return &domain.ExportResult{JobID: job.ID, UserID: job.UserID, Region: job.Region}, nil
	}
	return m.exportFn(ctx, job)
}

func (m *mockExec) ExecuteDelete(ctx context.Context, job *domain.Job) (*domain.DeleteResult, error) {
	m.record(job.Region)
	if m.deleteFn == nil {
		return &domain.DeleteResult{JobID: job.ID, UserID: job.UserID, Region: job.Region}, nil
	}
	return m.deleteFn(ctx, job)
}

func (m *mockExec) ExecuteStatus(ctx context.Context, userID, region string) (*domain.StatusResult, error) {
	m.record(region)
	if m.statusFn == nil {
		return &domain.StatusResult{UserID: userID, Region: region}, nil
	}
	return m.statusFn(ctx, userID, region)
}

// ===================== clock =========================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
