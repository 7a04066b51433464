package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanceiq/payspool/internal/breaker"
	"github.com/lanceiq/payspool/internal/config"
	"github.com/lanceiq/payspool/internal/db"
	"github.com/lanceiq/payspool/internal/keys"
	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/metrics"
	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/secrets"
	"github.com/lanceiq/payspool/internal/sender"
	"github.com/lanceiq/payspool/internal/spool"
	"github.com/lanceiq/payspool/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("payspool-worker")

	shutdown, err := tracing.InitTracing(ctx, "payspool-worker")
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

	breakers := breaker.NewManager(breaker.NewPGStore(pool), breaker.Config{
		OpenThreshold: cfg.Breaker.OpenThreshold,
		ResetAfter:    cfg.Breaker.ResetAfter,
	})
	resolver := keys.NewResolver(keys.NewPGStore(pool), targets, box)
	send := sender.New(cfg.Delivery, cfg.Signing, nonces, resolver)

	var dead spool.DeadPublisher
	var nudgePub *spool.NSQPublisher
	if cfg.Spool.PublishDead {
		nudgePub, err = spool.NewNSQPublisher(cfg.NSQ)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer nudgePub.Stop()
		dead = nudgePub
	}

	worker := spool.NewWorker(cfg.Spool, jobs, entries, attempts, targets, breakers, send, dead)
	runnerID := runnerID()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Spool.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	startBacklogMonitor(ctx, entries)
	startNoncePruner(ctx, nonces, cfg.Signing, logger)

	// Nudges shorten latency between enqueue and the next pass. The database
	// lease still decides who works; a lost or duplicate nudge is harmless.
	wake := make(chan string, 64)
	consumer := startNudgeConsumer(cfg, wake, logger)

	go func() {
		ticker := time.NewTicker(cfg.Spool.WorkerInterval)
		defer ticker.Stop()
		for {
			var workspaceID string
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case workspaceID = <-wake:
			}
			stats, err := worker.RunPass(ctx, workspaceID, cfg.Spool.BatchLimit, runnerID)
			if err != nil {
				logger.Plain().WithError(err).Error("worker pass failed")
				continue
			}
			if stats.Claimed > 0 {
				logger.Plain().WithFields(map[string]any{
					"claimed":       stats.Claimed,
					"completed":     stats.Completed,
					"retried":       stats.Retried,
					"dead_lettered": stats.DeadLettered,
				}).Info("worker pass finished")
			}
		}
	}()

	logger.Plain().Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// startNudgeConsumer subscribes to the spool topic and forwards workspace IDs
// to the pass loop. Returns nil when NSQ is unreachable; the ticker alone
// still drains the spool.
func startNudgeConsumer(cfg config.Config, wake chan<- string, logger *logging.Logger) *nsq.Consumer {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 64
	consumer, err := nsq.NewConsumer(cfg.NSQ.SpoolTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Warn("nsq consumer creation failed, ticker only")
		return nil
	}
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var n spool.Nudge
		if err := json.Unmarshal(m.Body, &n); err != nil {
			logger.Plain().WithError(err).Warn("bad nudge payload")
			return nil
		}
		select {
		case wake <- n.WorkspaceID:
		default:
			// A pass is already pending; the nudge did its job.
		}
		return nil
	}))
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Warn("connect to nsqd failed, ticker only")
		return nil
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Warn("connect to lookupd failed")
	}
	return consumer
}

// startBacklogMonitor periodically samples the claimable backlog.
func startBacklogMonitor(ctx context.Context, entries spool.EntryStore) {
	go func() {
		logger := logging.New("payspool-worker-monitor")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := entries.DueCount(ctx, time.Now().UTC())
			if err != nil {
				logger.Plain().WithError(err).Error("backlog count failed")
				continue
			}
			metrics.UpdateSpoolBacklog(float64(n))
		}
	}()
}

// startNoncePruner drops replay nonces that have aged out of the verification
// window. Twice the tolerance keeps a safety margin against clock skew.
func startNoncePruner(ctx context.Context, nonces *replay.PG, sig config.Signing, logger *logging.Logger) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cutoff := time.Now().Unix() - int64(2*sig.ToleranceSeconds)
			removed, err := nonces.Prune(ctx, cutoff)
			if err != nil {
				logger.Plain().WithError(err).Error("nonce prune failed")
				continue
			}
			if removed > 0 {
				logger.Plain().WithField("removed", removed).Info("pruned replay nonces")
			}
		}
	}()
}

func runnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
