package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
	PoolMax int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	SpoolTopic     string // wakeup nudges for spool workers
	DeadTopic      string // advisory dead-letter envelopes
	WorkerChannel  string // NSQ channel name for workers
}

type Spool struct {
	MaxAttempts    int           // attempts before a job dead-letters
	BackoffBase    time.Duration // first retry delay
	BackoffCap     time.Duration // ceiling for retry delay
	LockDuration   time.Duration // lease length for a claimed spool entry
	BatchLimit     int           // default worker batch size
	PublishDead    bool          // publish dead-letter envelopes to NSQ
	WorkerInterval time.Duration // ticker interval between worker passes
	HTTPPort       string        // worker HTTP metrics/health port
}

type Breaker struct {
	OpenThreshold int           // consecutive 5xx before opening
	ResetAfter    time.Duration // how long an open breaker stays open
}

type Signing struct {
	ToleranceSeconds int    // accepted |now - ts| window for verification
	EventHeader      string // outbound event-type header
	SignatureHeader  string // sha256=<hex>
	TimestampHeader  string // unix seconds
	NonceHeader      string // random hex nonce
}

type Delivery struct {
	Timeout     time.Duration // outbound request timeout
	RedirectCap int           // max redirects followed (0 = none)
}

type Recon struct {
	PullTimeout time.Duration // per-integration provider pull timeout
	PullLimit   int           // page size for provider listings
	EventCap    int           // max locally ingested events considered per run
}

type Auth struct {
	PublicKeyPEM string // RSA public key for workspace JWTs
	Issuer       string
	Audience     string
}

type Config struct {
	AppName    string
	HTTPPort   string // :8080 admin API
	SecretsKey string // base64 AES-256 key for encrypted-at-rest columns
	DB         DB
	NSQ        NSQ
	Spool      Spool
	Breaker    Breaker
	Signing    Signing
	Delivery   Delivery
	Recon      Recon
	Auth       Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:    getenv("APP_NAME", "payspool"),
		HTTPPort:   getenv("HTTP_PORT", ":8080"),
		SecretsKey: getenv("SECRETS_KEY", ""),
		DB: DB{
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "postgres"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "payspool"),
			PoolMax: getenvInt("DB_POOL_MAX", 10),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			SpoolTopic:     getenv("NSQ_SPOOL_TOPIC", "spool"),
			DeadTopic:      getenv("NSQ_DEAD_TOPIC", "spool_dead"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Spool: Spool{
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 5),
			BackoffBase:    getenvDuration("BACKOFF_BASE", 30*time.Second),
			BackoffCap:     getenvDuration("BACKOFF_CAP", 15*time.Minute),
			LockDuration:   getenvDuration("SPOOL_LOCK_DURATION", 60*time.Second),
			BatchLimit:     getenvInt("SPOOL_BATCH_LIMIT", 25),
			PublishDead:    getenvBool("PUBLISH_DEAD_TOPIC", false),
			WorkerInterval: getenvDuration("WORKER_INTERVAL", 15*time.Second),
			HTTPPort:       ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Breaker: Breaker{
			OpenThreshold: getenvInt("BREAKER_OPEN_THRESHOLD", 5),
			ResetAfter:    getenvDuration("BREAKER_RESET_AFTER", 10*time.Minute),
		},
		Signing: Signing{
			ToleranceSeconds: getenvInt("SIGNING_TOLERANCE_SECONDS", 300),
			EventHeader:      getenv("SIGNING_EVENT_HEADER", "X-Payspool-Event"),
			SignatureHeader:  getenv("SIGNING_SIGNATURE_HEADER", "X-Payspool-Signature"),
			TimestampHeader:  getenv("SIGNING_TIMESTAMP_HEADER", "X-Payspool-Timestamp"),
			NonceHeader:      getenv("SIGNING_NONCE_HEADER", "X-Payspool-Nonce"),
		},
		Delivery: Delivery{
			Timeout:     getenvDuration("DELIVERY_TIMEOUT", 15*time.Second),
			RedirectCap: getenvInt("DELIVERY_REDIRECT_CAP", 0),
		},
		Recon: Recon{
			PullTimeout: getenvDuration("PROVIDER_PULL_TIMEOUT", 12*time.Second),
			PullLimit:   getenvInt("PROVIDER_PULL_LIMIT", 100),
			EventCap:    getenvInt("RECON_EVENT_CAP", 5000),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "lanceiq"),
			Audience:     getenv("JWT_AUDIENCE", "payspool"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
