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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher-escrow/internal/api"
	"github.com/0gfoundation/0g-voucher-escrow/internal/auth"
	"github.com/0gfoundation/0g-voucher-escrow/internal/config"
	"github.com/0gfoundation/0g-voucher-escrow/internal/escrow"
	"github.com/0gfoundation/0g-voucher-escrow/internal/events"
	"github.com/0gfoundation/0g-voucher-escrow/internal/ledger"
	"github.com/0gfoundation/0g-voucher-escrow/internal/store"
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

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Escrow service ────────────────────────────────────────────────────────
	svc, led, err := newService(cfg, rdb, log)
	if err != nil {
		log.Fatal("escrow init failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	go auditOnStartup(ctx, svc, log)
	if cfg.Events.Consume {
		go events.Run(ctx, events.ConsumerConfig{
			QueueKey:   cfg.Events.Queue,
			DLQKey:     cfg.Events.DLQ,
			PopTimeout: time.Duration(cfg.Events.PopTimeoutSec) * time.Second,
		}, rdb, events.NewLogHandler(log), log)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newRouter(cfg, rdb, svc, led, log),
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("partial_redemption", cfg.Escrow.PartialRedemption),
			zap.String("lock_mode", cfg.Lock.Mode),
		)
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

func newService(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (*escrow.Service, *ledger.RedisLedger, error) {
	policy, err := escrow.ParsePartialRedemption(cfg.Escrow.PartialRedemption)
	if err != nil {
		return nil, nil, err
	}
	led := ledger.NewRedisLedger(rdb)
	svc := escrow.NewService(
		store.New(rdb),
		led,
		events.NewPublisher(rdb, cfg.Events.Queue),
		newLocker(cfg, rdb, log),
		policy,
		log,
	)
	return svc, led, nil
}

func newLocker(cfg *config.Config, rdb *redis.Client, log *zap.Logger) escrow.Locker {
	if cfg.Lock.Mode == "local" {
		return &escrow.LocalLocker{}
	}
	return escrow.NewRedisLocker(rdb, escrow.LockOptions{
		Expiry:     time.Duration(cfg.Lock.ExpirySec) * time.Second,
		Tries:      cfg.Lock.Tries,
		RetryDelay: time.Duration(cfg.Lock.RetryDelayMs) * time.Millisecond,
	}, log)
}

func newRouter(cfg *config.Config, rdb *redis.Client, svc *escrow.Service, led *ledger.RedisLedger, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	authed := r.Group("/api", auth.Middleware(rdb, time.Duration(cfg.Auth.MaxFutureWindowSec)*time.Second))
	api.NewHandler(svc, led, log).Register(&r.RouterGroup, authed)
	return r
}

// auditOnStartup reports owners whose reservations no longer cover their
// live vouchers, e.g. after a crash between a store commit and its ledger step.
func auditOnStartup(ctx context.Context, svc *escrow.Service, log *zap.Logger) {
	found, err := svc.Audit(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("startup audit failed", zap.Error(err))
		}
		return
	}
	for _, d := range found {
		log.Warn("reservation does not cover live vouchers",
			zap.String("currency", string(d.CurrencyID)),
			zap.String("owner", d.Owner.Hex()),
			zap.Int("vouchers", d.Vouchers),
			zap.String("committed", d.Committed.Dec()),
			zap.String("reserved", d.Reserved.Dec()),
		)
	}
	log.Info("startup audit complete", zap.Int("discrepancies", len(found)))
}
