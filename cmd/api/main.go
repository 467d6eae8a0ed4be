package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/dsarq/internal/api"
	"github.com/SirClappington/dsarq/internal/config"
	"github.com/SirClappington/dsarq/internal/domain"
	"github.com/SirClappington/dsarq/internal/queue"
	"github.com/SirClappington/dsarq/internal/scheduler"
	"github.com/SirClappington/dsarq/internal/storage"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	// admission only: dispatch and execution belong to cmd/scheduler
	sched := scheduler.NewAdmitter(storage.New(db), queue.New(rdb), scheduler.Options{
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

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.New(sched, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("serve", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
