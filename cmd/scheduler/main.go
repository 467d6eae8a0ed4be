package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/dsarq/internal/config"
	"github.com/SirClappington/dsarq/internal/domain"
	"github.com/SirClappington/dsarq/internal/dsr"
	"github.com/SirClappington/dsarq/internal/executor"
	"github.com/SirClappington/dsarq/internal/metrics"
	"github.com/SirClappington/dsarq/internal/queue"
	"github.com/SirClappington/dsarq/internal/scheduler"
	"github.com/SirClappington/dsarq/internal/storage"
)

// leaderLockID gates the maintenance sweeps to one scheduler process.
const leaderLockID int64 = 874231

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(cfg); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	sources, err := dsr.ParseSources(cfg.DSRSources)
	if err != nil {
		log.Fatal("parse dsr sources", zap.Error(err))
	}
	reg := executor.NewRegistry(cfg.RegionConfigs, nil)
	defer reg.Close()
	exec := executor.New(reg, dsr.NewOrchestrator(sources), dsr.NopCipher{}, dsr.FileBlobStore{},
		[]byte(cfg.SigningKey), cfg.ExportTTL, cfg.GracePeriod, log)

	sched := scheduler.New(store, queue.New(rdb), exec, scheduler.Options{
		Regions:        cfg.Regions,
		DefaultRegion:  cfg.DefaultRegion,
		Workers:        cfg.Workers,
		AdmitPerMinute: cfg.AdmitPerMinute,
		MaxRetries:     cfg.MaxRetries,
		GracePeriod:    cfg.GracePeriod,
		ExecuteTimeout: cfg.ExecuteTimeout,
		Tick:           cfg.Tick,
		Sla: domain.SlaConfig{
			ExportSla:  cfg.ExportSlaHours,
			DeleteSla:  cfg.DeleteSlaHours,
			StatusSla:  cfg.StatusSlaHours,
			ConsentSla: cfg.ConsentSlaHours,
		},
	}, scheduler.NewAuditSink(log), log)

	gate, err := newLeaderGate(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("leader gate", zap.Error(err))
	}
	defer gate.Close()

	c := cron.New()
	// recovery sweep: jobs claimed by a worker that died stay IN_PROGRESS
	// until this returns them to PENDING
	c.AddFunc("@every 1m", func() { //nolint:errcheck
		if !gate.isLeader(ctx) {
			return
		}
		n, err := store.RequeueStale(ctx, cfg.StaleClaimAfter)
		if err != nil {
			log.Warn("stale requeue failed", zap.Error(err))
			return
		}
		if n > 0 {
			metrics.StaleRequeued.Add(float64(n))
			log.Info("requeued stale claims", zap.Int64("count", n))
		}
	})
	c.AddFunc("@hourly", func() { //nolint:errcheck
		if !gate.isLeader(ctx) {
			return
		}
		n, err := store.PurgeExpired(ctx, cfg.Retention)
		if err != nil {
			log.Warn("retention purge failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("purged retained jobs", zap.Int64("count", n))
		}
	})
	c.Start()
	defer c.Stop()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("dispatch loop", zap.Error(err))
	}
	log.Info("scheduler stopped")
}

// migrate applies goose migrations to the control store and to every
// enabled region store (the deletion-intent registry lives regionally).
func migrate(cfg config.Config) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	dsns := []string{cfg.PostgresDSN}
	for _, rc := range cfg.RegionConfigs {
		if rc.Enabled && rc.DSN != "" {
			dsns = append(dsns, rc.DSN)
		}
	}
	for _, dsn := range dsns {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return err
		}
		if err := goose.Up(db, "migrations"); err != nil {
			db.Close()
			return err
		}
		db.Close()
	}
	return nil
}

// leaderGate holds one dedicated session; pg advisory locks are
// session-scoped, so once acquired the lock persists until this
// process exits.
type leaderGate struct{ conn *sql.Conn }

func newLeaderGate(ctx context.Context, dsn string) (*leaderGate, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &leaderGate{conn: conn}, nil
}

func (g *leaderGate) isLeader(ctx context.Context) bool {
	var ok bool
	if err := g.conn.QueryRowContext(ctx,
		`select pg_try_advisory_lock($1)`, leaderLockID).Scan(&ok); err != nil {
		return false
	}
	return ok
}

func (g *leaderGate) Close() { _ = g.conn.Close() }

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
