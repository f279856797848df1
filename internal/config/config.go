// Package config loads process startup configuration from the environment.
// This is deliberately the only place that reads os.Getenv: CLI flags and
// config-file loading are an external collaborator (spec.md Non-goals) and
// are not implemented here.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the HTTP/WebSocket server listens on.
	DefaultAddr = ":8080"
	// DefaultLogLevel controls verbosity for process logs.
	DefaultLogLevel = "info"

	// DefaultLogDir is where the durable event log segments are written.
	DefaultLogDir = "data/log"
	// DefaultSnapshotDir is where compressed snapshots are written.
	DefaultSnapshotDir = "data/snapshots"
	// DefaultSnapshotInterval controls how frequently snapshots are taken.
	DefaultSnapshotInterval = 5 * time.Minute
	// DefaultSnapshotKeepCount bounds how many snapshot files are retained.
	DefaultSnapshotKeepCount = 10

	// DefaultBodySizeLimitSingle caps a single-event ingest request body.
	DefaultBodySizeLimitSingle int64 = 256 * 1024
	// DefaultBodySizeLimitBatch caps a batch ingest request body.
	DefaultBodySizeLimitBatch int64 = 8 * 1024 * 1024
	// DefaultRateLimitPerNamespacePerMinute is the default per-namespace token-bucket capacity.
	DefaultRateLimitPerNamespacePerMinute = 10000
	// DefaultMaxBatchDelete caps how many entities a single delete-by-filter request removes.
	DefaultMaxBatchDelete = 10000

	// DefaultSubscriberQueueSize bounds each WebSocket session's outbound queue.
	DefaultSubscriberQueueSize = 1024
	// DefaultMetricsTickInterval controls the rolling-counter tick cadence.
	DefaultMetricsTickInterval = 2 * time.Second

	// DefaultLogAppendTimeout is the default for Config.LogAppendTimeout. No
	// component reads that field: ingest appends are not bounded by it, only
	// by the request context.
	DefaultLogAppendTimeout = 5 * time.Second
)

// Config captures all runtime tunables read once at process startup.
type Config struct {
	Address    string
	LogLevel   string
	AuthMode   bool
	AdminToken string

	LogDir string

	SnapshotEnabled  bool
	SnapshotDir      string
	SnapshotInterval time.Duration
	SnapshotKeep     int

	BodySizeLimitSingle int64
	BodySizeLimitBatch  int64
	RateLimitEnabled    bool
	RateLimitPerNSPerMin int
	MaxBatchDelete      int

	SubscriberQueueSize int
	MetricsTickInterval time.Duration
	LogAppendTimeout    time.Duration
}

// getenv abstracts environment lookup so Load is testable without touching
// the real process environment.
type Getenv func(string) string

// Load reads configuration from the supplied environment lookup function,
// applying sane defaults and returning a combined error describing every
// invalid override found.
func Load(getenv Getenv) (*Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	cfg := &Config{
		Address:              getString(getenv, "WORLDSTATE_ADDR", DefaultAddr),
		LogLevel:             getString(getenv, "WORLDSTATE_LOG_LEVEL", DefaultLogLevel),
		AuthMode:             false,
		AdminToken:           strings.TrimSpace(getenv("WORLDSTATE_ADMIN_TOKEN")),
		LogDir:               getString(getenv, "WORLDSTATE_LOG_DIR", DefaultLogDir),
		SnapshotEnabled:      true,
		SnapshotDir:          getString(getenv, "WORLDSTATE_SNAPSHOT_DIR", DefaultSnapshotDir),
		SnapshotInterval:     DefaultSnapshotInterval,
		SnapshotKeep:         DefaultSnapshotKeepCount,
		BodySizeLimitSingle:  DefaultBodySizeLimitSingle,
		BodySizeLimitBatch:   DefaultBodySizeLimitBatch,
		RateLimitEnabled:     true,
		RateLimitPerNSPerMin: DefaultRateLimitPerNamespacePerMinute,
		MaxBatchDelete:       DefaultMaxBatchDelete,
		SubscriberQueueSize:  DefaultSubscriberQueueSize,
		MetricsTickInterval:  DefaultMetricsTickInterval,
		LogAppendTimeout:     DefaultLogAppendTimeout,
	}

	var problems []string

	if raw := strings.TrimSpace(getenv("WORLDSTATE_AUTH_ENABLED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_AUTH_ENABLED must be a boolean, got %q", raw))
		} else {
			cfg.AuthMode = value
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_SNAPSHOT_ENABLED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_SNAPSHOT_ENABLED must be a boolean, got %q", raw))
		} else {
			cfg.SnapshotEnabled = value
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_SNAPSHOT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_SNAPSHOT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotInterval = duration
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_SNAPSHOT_KEEP")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_SNAPSHOT_KEEP must be a positive integer, got %q", raw))
		} else {
			cfg.SnapshotKeep = value
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_BODY_LIMIT_SINGLE")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_BODY_LIMIT_SINGLE must be a positive integer, got %q", raw))
		} else {
			cfg.BodySizeLimitSingle = value
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_BODY_LIMIT_BATCH")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_BODY_LIMIT_BATCH must be a positive integer, got %q", raw))
		} else {
			cfg.BodySizeLimitBatch = value
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_RATE_LIMIT_ENABLED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_RATE_LIMIT_ENABLED must be a boolean, got %q", raw))
		} else {
			cfg.RateLimitEnabled = value
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_RATE_LIMIT_PER_NS_PER_MIN")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_RATE_LIMIT_PER_NS_PER_MIN must be a positive integer, got %q", raw))
		} else {
			cfg.RateLimitPerNSPerMin = value
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_MAX_BATCH_DELETE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_MAX_BATCH_DELETE must be a positive integer, got %q", raw))
		} else {
			cfg.MaxBatchDelete = value
		}
	}

	if raw := strings.TrimSpace(getenv("WORLDSTATE_SUBSCRIBER_QUEUE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDSTATE_SUBSCRIBER_QUEUE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.SubscriberQueueSize = value
		}
	}

	if cfg.AuthMode && cfg.AdminToken == "" {
		// Dev-mode note (spec.md §4.9): admin writes are open when unset,
		// even in auth mode for namespace tokens. Not an error.
		_ = cfg.AdminToken
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(getenv Getenv, key, fallback string) string {
	if value := strings.TrimSpace(getenv(key)); value != "" {
		return value
	}
	return fallback
}
