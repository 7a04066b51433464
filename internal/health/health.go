// Package health serves liveness for the API and worker processes. Healthy
// means the process is up and, when a pool is wired, Postgres answers a ping;
// NSQ is intentionally excluded since the spool drains without it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbPingTimeout = 1 * time.Second

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
}

// Check probes the wired dependencies. A nil pool skips the database probe,
// which keeps the endpoint usable in memory-store development mode.
func Check(ctx context.Context, pool *pgxpool.Pool) Status {
	st := Status{OK: true, Message: "ok", Database: true}
	if pool == nil {
		return st
	}
	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		st.OK = false
		st.Message = "db ping failed"
		st.Database = false
	}
	return st
}

// HTTPHandler serves the check as JSON, 503 when unhealthy.
func HTTPHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), pool)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
