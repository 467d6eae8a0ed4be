//go:build integration

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SirClappington/dsarq/internal/domain"
)

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// newTestStore starts a throwaway Postgres container, applies the
// migrations and returns a Store backed by it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if !isDockerAvailable() {
		t.Skip("Skipping test: Docker not available")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "dsarq",
				"POSTGRES_PASSWORD": "dsarq",
				"POSTGRES_DB":       "dsarq_test",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://dsarq:dsarq@%s:%s/dsarq_test?sslmode=disable", host, port.Port())

	require.NoError(t, goose.SetDialect("postgres"))
	mdb, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, goose.Up(mdb, "../../migrations"))
	require.NoError(t, mdb.Close())

	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return New(db)
}

func seedJob(t *testing.T, s *Store, region string) string {
	t.Helper()
	now := time.Now().UTC()
	j := &domain.Job{
		ID:           uuid.NewString(),
		UserID:       "u-" + uuid.NewString()[:8],
		RequestedBy:  "admin1",
		RequestType:  domain.Access,
		Region:       region,
		Status:       domain.Pending,
		Priority:     domain.DefaultPriority,
		MaxRetries:   domain.DefaultMaxRetries,
		CreatedAt:    now,
		ScheduledFor: now,
	}
	require.NoError(t, s.InsertJob(context.Background(), j))
	return j.ID
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedJob(t, s, "EU")

	job, err := s.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InProgress, job.Status)
	require.NotNil(t, job.StartedAt)

	_, err = s.Claim(ctx, id)
	assert.ErrorIs(t, err, domain.ErrClaimed)
}

func TestRequeueStaleRecoversOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orphan := seedJob(t, s, "EU")
	live := seedJob(t, s, "EU")
	_, err := s.Claim(ctx, orphan)
	require.NoError(t, err)
	_, err = s.Claim(ctx, live)
	require.NoError(t, err)

	// the orphan's worker died an hour ago; the live claim is fresh
	_, err = s.db.Exec(ctx,
		`update dsar_jobs set started_at = now() - interval '1 hour' where id = $1`, orphan)
	require.NoError(t, err)

	n, err := s.RequeueStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	job, err := s.GetJob(ctx, orphan)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, job.Status)
	assert.Nil(t, job.StartedAt)
	// the attempt never reported back, so the retry budget is untouched
	assert.Equal(t, 0, job.RetryCount)

	// recovered jobs are immediately dispatchable again
	refs, err := s.DuePending(ctx, "EU", time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, orphan, refs[0].ID)

	job, err = s.GetJob(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, domain.InProgress, job.Status)
}

func TestRequeueRetrySpendsBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedJob(t, s, "EU")

	_, err := s.Claim(ctx, id)
	require.NoError(t, err)

	runAt := time.Now().UTC().Add(4 * time.Second)
	require.NoError(t, s.RequeueRetry(ctx, id, "storage write: connection reset", runAt))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.StartedAt)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "connection reset")
	assert.WithinDuration(t, runAt, job.ScheduledFor, time.Second)
}

func TestPurgeExpiredNeverTouchesFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	completed := seedJob(t, s, "EU")
	cancelled := seedJob(t, s, "EU")
	failed := seedJob(t, s, "EU")

	_, err := s.Claim(ctx, completed)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, completed, []byte(`{"ok":true}`), true))
	require.NoError(t, s.Cancel(ctx, cancelled))
	_, err = s.Claim(ctx, failed)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, failed, "subject under legal hold"))

	// everything is well past the retention window
	_, err = s.db.Exec(ctx, `update dsar_jobs set updated_at = now() - interval '60 days'`)
	require.NoError(t, err)

	n, err := s.PurgeExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.GetJob(ctx, completed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetJob(ctx, cancelled)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	job, err := s.GetJob(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, job.Status)
}
