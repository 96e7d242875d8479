package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TelemetryTopic string // batches accepted by the report endpoint
	BeaconTopic    string // best-effort unload batches
	DLQTopic       string // dead letter topic
	WorkerChannel  string // channel name for aggregation workers
	BeaconChannel  string // channel name for the beacon ingester
}

type Worker struct {
	MaxAttempts     int             // Maximum processing attempts per envelope
	BackoffSchedule []time.Duration // Retry backoff durations
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	PublishDLQ      bool            // Whether to publish dead letters to the DLQ topic
	HTTPPort        string          // Worker HTTP metrics port
	MaxInFlight     int
}

type Auth struct {
	PublicKeyPEM  string // empty disables JWT validation
	Issuer        string
	Audience      string
	PrivateKeyPEM string        // token-server signing key, generated when empty
	TokenTTL      time.Duration // default lifetime of issued tokens
	TokenPort     string        // token-server listen address
}

// Client holds the settings of processes that buffer and report telemetry.
type Client struct {
	APIBaseURL    string
	FlushInterval time.Duration
	FlushAt       int
	MaxBuffered   int
	Token         string
}

type FakeReporter struct {
	FailFirstN      int           // Number of requests to fail initially
	FailStatus      int           // Status returned while failing
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8000
	GRPCPort     string // :50051
	StoreBackend string // postgres or memory
	DB           DB
	NSQ          NSQ
	Worker       Worker
	Auth         Auth
	Client       Client
	FakeReporter FakeReporter
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

// getenvMillis reads a duration given in milliseconds.
func getenvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func defaultBackoff() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return defaultBackoff()
	}
	return durations
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "storybook"),
		HTTPPort:     getenv("HTTP_PORT", ":8000"),
		GRPCPort:     getenv("GRPC_PORT", ":50051"),
		StoreBackend: strings.ToLower(getenv("STORE_BACKEND", "postgres")),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "storybook"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TelemetryTopic: getenv("NSQ_TELEMETRY_TOPIC", "telemetry"),
			BeaconTopic:    getenv("NSQ_BEACON_TOPIC", "telemetry_beacon"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "telemetry_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "aggregators"),
			BeaconChannel:  getenv("NSQ_BEACON_CHANNEL", "ingest"),
		},
		Worker: Worker{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
			MaxInFlight:     getenvInt("WORKER_MAX_IN_FLIGHT", 8),
		},
		Auth: Auth{
			PublicKeyPEM:  getenv("JWT_PUBLIC_KEY", ""),
			Issuer:        getenv("JWT_ISSUER", "storybook"),
			Audience:      getenv("JWT_AUDIENCE", "storybook-api"),
			PrivateKeyPEM: getenv("JWT_PRIVATE_KEY", ""),
			TokenTTL:      getenvDuration("JWT_TOKEN_TTL", time.Hour),
			TokenPort:     ":" + getenv("TOKEN_SERVER_PORT", "8082"),
		},
		Client: Client{
			APIBaseURL:    getenv("STORYBOOK_API_BASE_URL", "http://localhost:8000"),
			FlushInterval: getenvMillis("TELEMETRY_FLUSH_INTERVAL_MS", 3000*time.Millisecond),
			FlushAt:       getenvInt("TELEMETRY_FLUSH_AT", 20),
			MaxBuffered:   getenvInt("TELEMETRY_MAX_BUFFERED", 2000),
			Token:         getenv("JWT_TOKEN", ""),
		},
		FakeReporter: FakeReporter{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			FailStatus:      getenvInt("FAIL_STATUS", 503),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_REPORTER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_REPORTER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_REPORTER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_REPORTER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// AuthEnabled reports whether a JWT public key is configured.
func (c Config) AuthEnabled() bool {
	return strings.TrimSpace(c.Auth.PublicKeyPEM) != ""
}
