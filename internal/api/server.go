// Package api is the admin HTTP JSON surface: job enqueue and inspection,
// on-demand runs, target management, breaker controls, reconciliation runs,
// and the inbound snapshot callback.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanceiq/payspool/internal/auth"
	"github.com/lanceiq/payspool/internal/breaker"
	"github.com/lanceiq/payspool/internal/config"
	"github.com/lanceiq/payspool/internal/health"
	"github.com/lanceiq/payspool/internal/keys"
	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/recon"
	"github.com/lanceiq/payspool/internal/secrets"
	"github.com/lanceiq/payspool/internal/snapshot"
	"github.com/lanceiq/payspool/internal/spool"
)

// SnapshotPath is exempt from JWT auth; the handler verifies signatures
// itself in machine mode.
const SnapshotPath = "/v1/snapshots"

// Server wires the HTTP routes to the domain services.
type Server struct {
	cfg       config.Config
	queue     *spool.Queue
	jobs      spool.JobStore
	targets   spool.TargetStore
	worker    *spool.Worker
	breakers  *breaker.Manager
	keys      keys.Store
	box       *secrets.Box
	recon     ReconRunner
	snapshots *snapshot.Service
	pool      *pgxpool.Pool
	log       *logging.Logger
}

// ReconRunner is the reconciliation entry point (see internal/recon).
type ReconRunner interface {
	Run(ctx context.Context, workspaceID, batchID string) (*recon.Run, *recon.Report, error)
}

func NewServer(cfg config.Config, queue *spool.Queue, jobs spool.JobStore, targets spool.TargetStore,
	worker *spool.Worker, breakers *breaker.Manager, keyStore keys.Store, box *secrets.Box,
	recon ReconRunner, snapshots *snapshot.Service, pool *pgxpool.Pool) *Server {
	return &Server{
		cfg:       cfg,
		queue:     queue,
		jobs:      jobs,
		targets:   targets,
		worker:    worker,
		breakers:  breakers,
		keys:      keyStore,
		box:       box,
		recon:     recon,
		snapshots: snapshots,
		pool:      pool,
		log:       logging.New("payspool-api"),
	}
}

// Handler builds the route table. Auth wrapping happens in cmd/server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(s.pool))

	mux.HandleFunc("POST /v1/jobs", s.handleEnqueueJob)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/run", s.handleRunJob)
	mux.HandleFunc("POST /v1/jobs/{id}/replay", s.handleReplayJob)

	mux.HandleFunc("POST /v1/worker/run", s.handleWorkerRun)

	mux.HandleFunc("POST /v1/targets", s.handleCreateTarget)
	mux.HandleFunc("GET /v1/targets", s.handleListTargets)
	mux.HandleFunc("POST /v1/targets/{id}/health-check", s.handleTargetHealthCheck)

	mux.HandleFunc("GET /v1/breakers/{host}", s.handleInspectBreaker)
	mux.HandleFunc("POST /v1/breakers/{host}/resume", s.handleResumeBreaker)

	mux.HandleFunc("POST /v1/keys/rotate", s.handleRotateKey)

	mux.HandleFunc("POST /v1/recon/runs", s.handleReconRun)

	mux.HandleFunc("POST "+SnapshotPath, s.handleSnapshots)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: code, Message: msg})
}

func workspaceFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	ws, ok := auth.GetWorkspaceIDFromContext(r.Context())
	if !ok || ws == "" {
		writeError(w, http.StatusUnauthorized, "missing_workspace", "no workspace in token")
		return "", false
	}
	return ws, true
}

func pathLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func isNotFound(err error) bool {
	return errors.Is(err, spool.ErrNotFound)
}
