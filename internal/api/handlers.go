package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lanceiq/payspool/internal/keys"
	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/sender"
	"github.com/lanceiq/payspool/internal/signing"
	"github.com/lanceiq/payspool/internal/snapshot"
	"github.com/lanceiq/payspool/internal/spool"
)

type enqueueRequest struct {
	TargetID       string          `json:"target_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Forward        *forwardBody    `json:"forward,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Priority       int             `json:"priority,omitempty"`
}

type forwardBody struct {
	BodyBase64  string            `json:"body_base64"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type enqueueResponse struct {
	Job      *spool.DeliveryJob `json:"job"`
	Enqueued bool               `json:"enqueued"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.TargetID == "" || req.EventType == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "target_id and event_type are required")
		return
	}

	var env sender.Envelope
	switch {
	case req.Forward != nil:
		body, err := base64.StdEncoding.DecodeString(req.Forward.BodyBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body_base64", err.Error())
			return
		}
		env = sender.NewForwardEnvelope(body, req.Forward.ContentType, req.Forward.Headers)
	case len(req.Payload) > 0:
		var err error
		env, err = sender.NewJSONEnvelope(json.RawMessage(req.Payload))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "missing_field", "payload or forward is required")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}

	job, enqueued, err := s.queue.Enqueue(r.Context(), spool.EnqueueParams{
		WorkspaceID:    ws,
		TargetID:       req.TargetID,
		EventType:      req.EventType,
		Payload:        raw,
		TriggerSource:  spool.TriggerIngest,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		CreatedBy:      "api",
	})
	if err != nil {
		if errors.Is(err, spool.ErrSpoolInsertFailed) {
			writeError(w, http.StatusInternalServerError, "spool_insert_failed", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "enqueue_failed", err.Error())
		return
	}
	status := http.StatusCreated
	if !enqueued {
		status = http.StatusOK
	}
	writeJSON(w, status, enqueueResponse{Job: job, Enqueued: enqueued})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Get(r.Context(), ws, r.PathValue("id"))
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "job_not_found", r.PathValue("id"))
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		ForceHalfOpen bool `json:"force_half_open,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	res, err := s.worker.RunJobByID(r.Context(), ws, r.PathValue("id"), runnerID(r), req.ForceHalfOpen)
	if err != nil {
		switch {
		case errors.Is(err, spool.ErrBreakerOpen):
			writeError(w, http.StatusConflict, "breaker_open", "destination circuit is open")
		case isNotFound(err):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "run_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReplayJob(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	job, err := s.queue.Replay(r.Context(), ws, r.PathValue("id"), "api")
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "job_not_found", r.PathValue("id"))
			return
		}
		writeError(w, http.StatusInternalServerError, "replay_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleWorkerRun(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	limit := pathLimit(r, s.cfg.Spool.BatchLimit, 50)
	stats, err := s.worker.RunPass(r.Context(), ws, limit, runnerID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "worker_pass_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type createTargetRequest struct {
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	Secret       string            `json:"secret,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	IsActive     *bool             `json:"is_active,omitempty"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	var req createTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "name and url are required")
		return
	}

	var sealed []byte
	if req.Secret != "" {
		var err error
		sealed, err = s.box.Encrypt([]byte(req.Secret))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "secret_seal_failed", err.Error())
			return
		}
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	tgt := &spool.DeliveryTarget{
		ID:              uuid.NewString(),
		WorkspaceID:     ws,
		Name:            req.Name,
		URL:             req.URL,
		EncryptedSecret: sealed,
		ExtraHeaders:    req.ExtraHeaders,
		IsActive:        active,
	}
	if err := s.targets.Insert(r.Context(), tgt); err != nil {
		writeError(w, http.StatusInternalServerError, "target_insert_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tgt)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	targets, err := s.targets.ListByWorkspace(r.Context(), ws)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "target_list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) handleTargetHealthCheck(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		ManualResume bool `json:"manual_resume,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	res, err := s.worker.RunTargetHealthCheck(r.Context(), ws, r.PathValue("id"), runnerID(r), req.ManualResume)
	if err != nil {
		switch {
		case errors.Is(err, spool.ErrBreakerOpen):
			writeError(w, http.StatusConflict, "breaker_open", "destination circuit is open")
		case isNotFound(err):
			writeError(w, http.StatusNotFound, "target_not_found", r.PathValue("id"))
		default:
			writeError(w, http.StatusInternalServerError, "health_check_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInspectBreaker(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	b, err := s.breakers.Inspect(r.Context(), ws, r.PathValue("host"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "breaker_lookup_failed", err.Error())
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "breaker_not_found", r.PathValue("host"))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleResumeBreaker(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	b, err := s.breakers.Resume(r.Context(), ws, r.PathValue("host"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "breaker_resume_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "secret is required")
		return
	}
	sealed, err := s.box.Encrypt([]byte(req.Secret))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "secret_seal_failed", err.Error())
		return
	}
	key := &keys.SigningKey{
		ID:              uuid.NewString(),
		WorkspaceID:     ws,
		KeyID:           uuid.NewString()[:8],
		Algorithm:       keys.AlgorithmHMACSHA256,
		EncryptedSecret: sealed,
		State:           keys.StateActive,
	}
	if err := s.keys.Rotate(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "key_rotate_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key_id": key.KeyID, "state": key.State})
}

func (s *Server) handleReconRun(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		BatchID string `json:"batch_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	run, report, err := s.recon.Run(r.Context(), ws, req.BatchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recon_run_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run": run, "report": report})
}

// handleSnapshots serves both ingestion modes. Signature headers select the
// machine-callback mode; otherwise the caller must hold a validated token.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed", err.Error())
		return
	}
	var batch snapshot.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	sig := r.Header.Get(s.cfg.Signing.SignatureHeader)
	if sig == "" {
		// Operator mode: workspace comes from the token, never the body.
		ws, ok := workspaceFrom(w, r)
		if !ok {
			return
		}
		batch.WorkspaceID = ws
		result, verr := s.snapshots.Ingest(r.Context(), &batch)
		if verr != nil {
			writeSnapshotError(w, verr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "run_id": result.RunID, "inserted": result.Inserted})
		return
	}

	tsHeader := r.Header.Get(s.cfg.Signing.TimestampHeader)
	nonce := r.Header.Get(s.cfg.Signing.NonceHeader)
	if tsHeader == "" || nonce == "" {
		writeError(w, http.StatusUnauthorized, "missing_signature_headers", "timestamp and nonce headers are required")
		return
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_timestamp", tsHeader)
		return
	}
	sigValue := sig
	if len(sigValue) > 7 && sigValue[:7] == "sha256=" {
		sigValue = sigValue[7:]
	}

	result, verr := s.snapshots.IngestSigned(r.Context(), &batch, body, ts, nonce, sigValue)
	if verr != nil {
		writeSnapshotError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "run_id": result.RunID, "inserted": result.Inserted})
}

func writeSnapshotError(w http.ResponseWriter, e *snapshot.Error) {
	status := http.StatusInternalServerError
	switch e.Code {
	case snapshot.CodeBadBatch, snapshot.CodeTargetAmbiguous, snapshot.CodeTargetMismatch:
		status = http.StatusBadRequest
	case signing.CodeStaleTimestamp:
		status = http.StatusUnauthorized
	case signing.CodeInvalidSignature, snapshot.CodeNoEntitlement:
		status = http.StatusForbidden
	case snapshot.CodeNotFound:
		status = http.StatusNotFound
	case replay.CodeReplayDetected:
		status = http.StatusConflict
	case replay.CodeCacheFailed, snapshot.CodeStoreFailed:
		status = http.StatusInternalServerError
	}
	writeError(w, status, e.Code, e.Message)
}

func runnerID(r *http.Request) string {
	if id := r.Header.Get("X-Runner-Id"); id != "" {
		return id
	}
	return "api-" + time.Now().UTC().Format("20060102T150405")
}
