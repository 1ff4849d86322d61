// Package runtime assembles the relay: configuration, component
// construction, and supervision of the HTTP server, worker pool, and
// sweeper under one task group.
package runtime

import (
	"fmt"
	"time"

	mbp "go.gazette.dev/core/mainboilerplate"
)

// RelayConfig configures the relay service.
type RelayConfig struct {
	StoreURL          string        `long:"store-url" env:"STORE_URL" default:"redis://localhost:6379" description:"Store URL (redis://)"`
	PostingServiceURL string        `long:"posting-service-url" env:"POSTING_SERVICE_URL" default:"http://localhost:8080" description:"Base URL of the downstream posting service"`
	Port              int           `long:"port" env:"PORT" default:"8000" description:"Port of the client-facing API"`
	WorkerConcurrency int           `long:"worker-concurrency" env:"WORKER_CONCURRENCY" default:"10" description:"Number of delivery workers"`
	MaxRetries        int           `long:"max-retries" env:"MAX_RETRIES" default:"5" description:"Delivery attempts before a transaction is failed"`
	RetryDelay        time.Duration `long:"retry-delay" env:"RETRY_DELAY_SECONDS" default:"2s" description:"Base of the exponential delivery backoff"`
	ResponseTimeout   time.Duration `long:"response-timeout" env:"RESPONSE_TIMEOUT_MS" default:"100ms" description:"Soft latency budget of the submission path"`
	QueueMaxSize      int64         `long:"queue-max-size" env:"QUEUE_MAX_SIZE" default:"10000" description:"Queue depth at which submissions are rejected"`
	StatusTTL         time.Duration `long:"status-ttl" env:"STATUS_TTL" default:"24h" description:"Retention of status records"`
	DedupTTL          time.Duration `long:"dedup-ttl" env:"DEDUP_TTL" default:"24h" description:"Retention of deduplication markers"`
	SweepInterval     time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"5m" description:"Interval between reconciliation sweeps (0 disables)"`
	SweepAfter        time.Duration `long:"sweep-after" env:"SWEEP_AFTER" default:"15m" description:"Age past which a non-terminal record is re-enqueued"`
}

// Config is the top-level configuration of a relay process.
type Config struct {
	Relay       RelayConfig           `group:"Relay" namespace:"relay"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// Validate returns an error of an invalid Config.
func (cfg Config) Validate() error {
	var r = cfg.Relay

	if r.WorkerConcurrency < 1 {
		return fmt.Errorf("worker-concurrency must be positive (got %d)", r.WorkerConcurrency)
	} else if r.MaxRetries < 0 {
		return fmt.Errorf("max-retries cannot be negative (got %d)", r.MaxRetries)
	} else if r.QueueMaxSize < 1 {
		return fmt.Errorf("queue-max-size must be positive (got %d)", r.QueueMaxSize)
	} else if r.StatusTTL <= 0 {
		return fmt.Errorf("status-ttl must be positive (got %s)", r.StatusTTL)
	} else if r.DedupTTL < r.StatusTTL {
		// A dedup marker expiring before its status record would let a
		// resubmission enqueue a second entry for a live record.
		return fmt.Errorf("dedup-ttl (%s) cannot be shorter than status-ttl (%s)",
			r.DedupTTL, r.StatusTTL)
	}
	return nil
}
