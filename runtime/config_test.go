package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	var valid = Config{
		Relay: RelayConfig{
			StoreURL:          "redis://localhost:6379",
			PostingServiceURL: "http://localhost:8080",
			WorkerConcurrency: 10,
			MaxRetries:        5,
			RetryDelay:        2 * time.Second,
			QueueMaxSize:      10000,
			StatusTTL:         24 * time.Hour,
			DedupTTL:          24 * time.Hour,
		},
	}
	require.NoError(t, valid.Validate())

	var cases = []struct {
		name   string
		mutate func(*Config)
		expect string
	}{
		{"zero concurrency", func(c *Config) { c.Relay.WorkerConcurrency = 0 }, "worker-concurrency"},
		{"negative retries", func(c *Config) { c.Relay.MaxRetries = -1 }, "max-retries"},
		{"zero queue size", func(c *Config) { c.Relay.QueueMaxSize = 0 }, "queue-max-size"},
		{"zero status ttl", func(c *Config) { c.Relay.StatusTTL = 0 }, "status-ttl"},
		{"dedup shorter than status", func(c *Config) { c.Relay.DedupTTL = time.Hour }, "dedup-ttl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg = valid
			tc.mutate(&cfg)

			var err = cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.expect)
		})
	}
}
