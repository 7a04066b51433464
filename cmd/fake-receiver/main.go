package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/signing"
)

const (
	sigHeader   = "X-Payspool-Signature"
	tsHeader    = "X-Payspool-Timestamp"
	nonceHeader = "X-Payspool-Nonce"
	eventHeader = "X-Payspool-Event"
)

var (
	failFirstN   = 0
	reqCount     = 0
	targetSecret = ""
	maxSkew      = 5 * time.Minute
	nonces       = replay.NewMemory()
)

func main() {
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	// Parse target secret
	if v := os.Getenv("TARGET_SECRET"); v != "" {
		targetSecret = v
	}
	// Parse signing timestamp leeway
	if v := os.Getenv("SIGNING_LEEWAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxSkew = time.Duration(n) * time.Second
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	addr := ":8081"
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if targetSecret != "" {
		if ok, msg := verifyHeaders(r, b); !ok {
			log.Printf("fake-receiver rejected request: %s", msg)
			status := http.StatusUnauthorized
			if msg == "replay_detected" {
				status = http.StatusConflict
			}
			http.Error(w, msg, status)
			return
		}
	}

	// Simulate flakiness: first N request -> 500
	if reqCount <= failFirstN {
		log.Printf("FAILING (%d/%d) %s event=%s body=%s", reqCount, failFirstN, r.URL.Path, r.Header.Get(eventHeader), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s event=%s body=%q", r.URL.Path, r.Header.Get(eventHeader), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verifyHeaders(r *http.Request, body []byte) (bool, string) {
	ts := r.Header.Get(tsHeader)
	nonce := r.Header.Get(nonceHeader)
	sig := r.Header.Get(sigHeader)
	if ts == "" || nonce == "" || sig == "" {
		return false, "missing signature headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	if len(sig) > 7 && sig[:7] == "sha256=" {
		sig = sig[7:]
	}
	res := signing.Verify(body, targetSecret, unix, nonce, sig, maxSkew)
	if !res.OK {
		return false, res.Code
	}
	// Each nonce is accepted once; a re-sent request is a replay.
	reg := nonces.Register(r.Context(), "fake", "hook", nonce, unix)
	if !reg.OK {
		return false, reg.Code
	}
	return true, ""
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
