// Package monitoring aggregates the request rollup reported by the relay's
// health endpoint: totals, error rate, uptime, and a window of recent
// request latencies.
package monitoring

import (
	"sync"
	"time"
)

// windowSize bounds the retained sample of recent request durations.
const windowSize = 1000

// Collector accumulates served-request observations. It's shared by the
// HTTP middleware (writer) and the health handler (reader); all methods
// are safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time
	requests  int64
	errors    int64
	window    []time.Duration
	next      int
}

// NewCollector returns a Collector measuring uptime from |now|.
func NewCollector(now time.Time) *Collector {
	return &Collector{
		startedAt: now,
		window:    make([]time.Duration, 0, windowSize),
	}
}

// Record observes one served request and whether it succeeded.
func (c *Collector) Record(d time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	if !success {
		c.errors++
	}

	if len(c.window) < windowSize {
		c.window = append(c.window, d)
	} else {
		c.window[c.next] = d
	}
	c.next = (c.next + 1) % windowSize
}

// Snapshot is a point-in-time rollup of the collector.
type Snapshot struct {
	Uptime     time.Duration
	Requests   int64
	Errors     int64
	// ErrorRate is errors over requests, in [0, 1]; zero when idle.
	ErrorRate float64
	// AvgLatency and MaxLatency roll up the recent-request window.
	AvgLatency time.Duration
	MaxLatency time.Duration
}

// Snapshot rolls up the collector as of |now|.
func (c *Collector) Snapshot(now time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = Snapshot{
		Uptime:   now.Sub(c.startedAt),
		Requests: c.requests,
		Errors:   c.errors,
	}
	if c.requests > 0 {
		out.ErrorRate = float64(c.errors) / float64(c.requests)
	}

	var sum time.Duration
	for _, d := range c.window {
		sum += d
		if d > out.MaxLatency {
			out.MaxLatency = d
		}
	}
	if len(c.window) > 0 {
		out.AvgLatency = sum / time.Duration(len(c.window))
	}
	return out
}
