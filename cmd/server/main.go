package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanceiq/payspool/internal/api"
	"github.com/lanceiq/payspool/internal/auth"
	"github.com/lanceiq/payspool/internal/breaker"
	"github.com/lanceiq/payspool/internal/config"
	"github.com/lanceiq/payspool/internal/db"
	"github.com/lanceiq/payspool/internal/keys"
	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/metrics"
	"github.com/lanceiq/payspool/internal/recon"
	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/secrets"
	"github.com/lanceiq/payspool/internal/sender"
	"github.com/lanceiq/payspool/internal/snapshot"
	"github.com/lanceiq/payspool/internal/spool"
	"github.com/lanceiq/payspool/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("payspool-server")

	shutdown, err := tracing.InitTracing(ctx, "payspool-server")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.PoolMax)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	box, err := secrets.Open(cfg.SecretsKey)
	if err != nil {
		logger.Plain().WithError(err).Fatal("secrets key invalid")
	}

	jobs := spool.NewPGJobStore(pool)
	entries := spool.NewPGEntryStore(pool)
	attempts := spool.NewPGAttemptStore(pool)
	targets := spool.NewPGTargetStore(pool)
	nonces := replay.NewPG(pool)
	keyStore := keys.NewPGStore(pool)

	breakers := breaker.NewManager(breaker.NewPGStore(pool), breaker.Config{
		OpenThreshold: cfg.Breaker.OpenThreshold,
		ResetAfter:    cfg.Breaker.ResetAfter,
	})
	resolver := keys.NewResolver(keyStore, targets, box)
	send := sender.New(cfg.Delivery, cfg.Signing, nonces, resolver)

	// Enqueues nudge workers over NSQ when available; without it, workers
	// still pick jobs up on their next tick.
	var nudger spool.Nudger
	if pub, err := spool.NewNSQPublisher(cfg.NSQ); err != nil {
		logger.Plain().WithError(err).Warn("nsq producer unavailable, enqueues will not nudge workers")
	} else {
		defer pub.Stop()
		nudger = pub
	}
	queue := spool.NewQueue(jobs, entries, nudger)
	worker := spool.NewWorker(cfg.Spool, jobs, entries, attempts, targets, breakers, send, nil)

	httpClient := &http.Client{Timeout: cfg.Recon.PullTimeout}
	engine := recon.NewEngine(
		recon.NewPGIntegrationStore(pool),
		recon.NewPGEventStore(pool),
		recon.NewPGObjectStore(pool),
		recon.NewPGRunStore(pool),
		[]recon.Adapter{
			recon.NewStripeAdapter(httpClient),
			recon.NewRazorpayAdapter(httpClient),
			recon.NewLemonSqueezyAdapter(httpClient),
		},
		box, cfg.Recon, logging.New("payspool-recon"),
	)

	snapshots := snapshot.NewService(
		snapshot.NewPGStore(pool),
		snapshot.NewPGEntitlements(pool),
		snapshot.NewPGRuns(pool),
		snapshot.NewPGTargets(pool),
		resolver, nonces,
		time.Duration(cfg.Signing.ToleranceSeconds)*time.Second,
		logging.New("payspool-snapshot"),
	)

	server := api.NewServer(cfg, queue, jobs, targets, worker, breakers, keyStore, box, engine, snapshots, pool)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", server.Handler())

	var handler http.Handler = mux
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator init failed")
		}
		handler = validator.HTTPMiddleware(mux, api.SnapshotPath)
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, admin API is unauthenticated")
	}

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("admin API starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("admin API failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("server stopped")
}
