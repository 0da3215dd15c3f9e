package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	KickTopic      string // NSQ topic used to wake queue processors
	DLQTopic       string // Dead letter topic
	WorkerChannel  string // NSQ channel name for workers
	Enabled        bool   // When false the kick falls back to polling only
}

type Redis struct {
	Addr     string // empty disables the redis rate limit store
	Password string
	DB       int
}

type Provider struct {
	APIBaseURL      string        // e.g. https://api.github.com
	Token           string        // token used for pull requests
	WebhookSecret   string        // shared HMAC secret for inbound webhooks
	SignatureHeader string        // HTTP header carrying sha256=<hex>
	EventHeader     string        // HTTP header carrying the event name
	DeliveryHeader  string        // HTTP header carrying the delivery id
	UserHeader      string        // HTTP header naming the owning user
	Timeout         time.Duration // HTTP client timeout
}

type Processor struct {
	MaxAttempts   int           // Attempts granted to each queue item at creation
	BackoffBase   time.Duration // First retry delay
	BackoffCap    time.Duration // Upper bound for retry delays
	JitterPercent float64       // Upward jitter (0.0-1.0), still capped
	PollInterval  time.Duration // Fallback drain interval when no kick arrives
	StaleAfter    time.Duration // processing items older than this are released
	PublishDLQ    bool          // Whether to publish dead letters to NSQ
	HTTPPort      string        // Worker HTTP metrics port
}

type Scheduler struct {
	PollInterval     time.Duration // How often the scheduler looks for due jobs
	MaxAttempts      int           // Attempts granted to each sync job
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	SafetyMargin     int           // Remaining calls kept in reserve by admission
	FreshnessWindow  time.Duration // Sync requests inside this window are skipped
	StaleAfter       time.Duration // running jobs older than this are released
	OverviewSchedule string        // cron spec for periodic overview syncs, empty disables
	PeriodicUsers    []string      // users receiving periodic overview syncs
}

type Retention struct {
	Window        time.Duration // default retention for terminal items and ledger rows
	PurgeSchedule string        // cron spec for the purge sweep
	KeepJobs      time.Duration // terminal sync jobs older than this are purged
}

type Auth struct {
	PublicKeyPEM string
	JWKSURL      string // used when PublicKeyPEM is empty
	KeyID        string // kid selected from the JWKS
	Issuer       string
	Audience     string
	Disabled     bool // development only
}

type Config struct {
	AppName   string
	HTTPPort  string // :8080
	GRPCPort  string // :50051
	LogLevel  string
	Store     string // postgres | memory
	DB        DB
	NSQ       NSQ
	Redis     Redis
	Provider  Provider
	Processor Processor
	Scheduler Scheduler
	Retention Retention
	Auth      Auth
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

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

// parseList splits a comma separated value, dropping blanks
func parseList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harbormirror"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		Store:    getenv("STORE_DRIVER", "postgres"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harbormirror"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			KickTopic:      getenv("NSQ_KICK_TOPIC", "queue_kick"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "dead_letters"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			Enabled:        getenvBool("NSQ_ENABLED", true),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Provider: Provider{
			APIBaseURL:      getenv("PROVIDER_API_URL", "https://api.github.com"),
			Token:           getenv("PROVIDER_TOKEN", ""),
			WebhookSecret:   getenv("WEBHOOK_SECRET", ""),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Hub-Signature-256"),
			EventHeader:     getenv("WEBHOOK_EVENT_HEADER", "X-GitHub-Event"),
			DeliveryHeader:  getenv("WEBHOOK_DELIVERY_HEADER", "X-GitHub-Delivery"),
			UserHeader:      getenv("WEBHOOK_USER_HEADER", "X-Mirror-User"),
			Timeout:         getenvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		},
		Processor: Processor{
			MaxAttempts:   getenvInt("MAX_ATTEMPTS", 5),
			BackoffBase:   getenvDuration("BACKOFF_BASE", 2*time.Second),
			BackoffCap:    getenvDuration("BACKOFF_CAP", 10*time.Minute),
			JitterPercent: getenvFloat("BACKOFF_JITTER_PCT", 0.1),
			PollInterval:  getenvDuration("PROCESSOR_POLL_INTERVAL", 5*time.Second),
			StaleAfter:    getenvDuration("PROCESSOR_STALE_AFTER", 5*time.Minute),
			PublishDLQ:    getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:      ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Scheduler: Scheduler{
			PollInterval:     getenvDuration("SCHEDULER_POLL_INTERVAL", 2*time.Second),
			MaxAttempts:      getenvInt("SYNC_MAX_ATTEMPTS", 5),
			BackoffBase:      getenvDuration("SYNC_BACKOFF_BASE", 10*time.Second),
			BackoffCap:       getenvDuration("SYNC_BACKOFF_CAP", 30*time.Minute),
			SafetyMargin:     getenvInt("RATE_LIMIT_SAFETY_MARGIN", 5),
			FreshnessWindow:  getenvDuration("SYNC_FRESHNESS_WINDOW", 2*time.Minute),
			StaleAfter:       getenvDuration("SYNC_STALE_AFTER", 15*time.Minute),
			OverviewSchedule: getenv("OVERVIEW_SYNC_SCHEDULE", "@every 30m"),
			PeriodicUsers:    parseList(getenv("OVERVIEW_SYNC_USERS", "")),
		},
		Retention: Retention{
			Window:        getenvDuration("RETENTION_WINDOW", 7*24*time.Hour),
			PurgeSchedule: getenv("RETENTION_PURGE_SCHEDULE", "@hourly"),
			KeepJobs:      getenvDuration("RETENTION_KEEP_JOBS", 30*24*time.Hour),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWKS_URL", ""),
			KeyID:        getenv("JWT_KEY_ID", "harbormirror-key"),
			Issuer:       getenv("JWT_ISSUER", "harbormirror"),
			Audience:     getenv("JWT_AUDIENCE", "harbormirror-admin"),
			Disabled:     getenvBool("AUTH_DISABLED", false),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
