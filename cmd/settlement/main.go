package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/guess5-labs/escrow-engine/internal/api"
	"github.com/guess5-labs/escrow-engine/internal/config"
	"github.com/guess5-labs/escrow-engine/internal/lock"
	"github.com/guess5-labs/escrow-engine/internal/settle"
	"github.com/guess5-labs/escrow-engine/internal/store"
	"github.com/guess5-labs/escrow-engine/internal/vault"
	"github.com/guess5-labs/escrow-engine/internal/verify"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (distributed match locks) ───────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	guard := lock.NewGuard(rdb)

	// ── Postgres (match lifecycle store) ──────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal("postgres ping failed", zap.Error(err))
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}
	matchStore := store.New(pool)

	// ── Vault clients ─────────────────────────────────────────────────────────
	primary := vault.NewNamedClient(cfg.Vault.PrimaryURL, "primary")
	secondary := primary
	if cfg.Vault.SecondaryURL != "" {
		secondary = vault.NewNamedClient(cfg.Vault.SecondaryURL, "fallback")
	}

	// ── Approval verifier (dual-source polling) ───────────────────────────────
	vcfg := verify.DefaultConfig()
	vcfg.InitialDelay = time.Duration(cfg.Verify.InitialDelaySec) * time.Second
	vcfg.Interval = time.Duration(cfg.Verify.IntervalSec) * time.Second
	vcfg.MaxAttempts = cfg.Verify.MaxAttempts
	verifier := verify.New(primary, secondary, vcfg, log)

	// ── Settlement engine ─────────────────────────────────────────────────────
	scfg := settle.Config{
		FeeWallet:            cfg.Vault.FeeWallet,
		Authority:            cfg.Vault.Authority,
		ExecutorInterval:     cfg.Settle.ExecutorInterval(),
		ExecutorWindow:       cfg.Settle.ExecutorWindow(),
		ExpiryInterval:       cfg.Settle.ExpiryInterval(),
		ExpirationWindow:     cfg.Settle.ExpirationWindow(),
		ReconcileInterval:    cfg.Settle.ReconcileInterval(),
		StuckThreshold:       cfg.Settle.StuckThreshold(),
		MaxExecutionAttempts: cfg.Settle.MaxExecutionAttempts,
	}
	svc := settle.NewService(matchStore, primary, guard, verifier, scfg, log)

	// ── Background loops ──────────────────────────────────────────────────────
	go svc.RunExecutor(ctx)
	go svc.RunExpiryWorker(ctx)
	go svc.RunReconciler(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.NewHandler(svc, log).Register(r.Group("/api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
