package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotOfIdleCollector(t *testing.T) {
	var started = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	var c = NewCollector(started)

	var snap = c.Snapshot(started.Add(time.Minute))
	require.Equal(t, time.Minute, snap.Uptime)
	require.Zero(t, snap.Requests)
	require.Zero(t, snap.Errors)
	require.Zero(t, snap.ErrorRate)
	require.Zero(t, snap.AvgLatency)
	require.Zero(t, snap.MaxLatency)
}

func TestRollupOfRecordedRequests(t *testing.T) {
	var started = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	var c = NewCollector(started)

	c.Record(10*time.Millisecond, true)
	c.Record(20*time.Millisecond, true)
	c.Record(60*time.Millisecond, false)

	var snap = c.Snapshot(started.Add(time.Second))
	require.Equal(t, int64(3), snap.Requests)
	require.Equal(t, int64(1), snap.Errors)
	require.InDelta(t, 1.0/3.0, snap.ErrorRate, 1e-9)
	require.Equal(t, 30*time.Millisecond, snap.AvgLatency)
	require.Equal(t, 60*time.Millisecond, snap.MaxLatency)
}

func TestWindowEvictsOldestLatencies(t *testing.T) {
	var started = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	var c = NewCollector(started)

	// One slow request, then enough fast ones to evict it from the window.
	c.Record(time.Second, true)
	for i := 0; i != windowSize; i++ {
		c.Record(time.Millisecond, true)
	}

	var snap = c.Snapshot(started.Add(time.Minute))
	require.Equal(t, int64(windowSize+1), snap.Requests)
	require.Equal(t, time.Millisecond, snap.MaxLatency)
	require.Equal(t, time.Millisecond, snap.AvgLatency)
}

func TestConcurrentRecording(t *testing.T) {
	var started = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	var c = NewCollector(started)

	var done = make(chan struct{})
	for i := 0; i != 4; i++ {
		go func() {
			for j := 0; j != 500; j++ {
				c.Record(time.Millisecond, j%10 != 0)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i != 4; i++ {
		<-done
	}

	var snap = c.Snapshot(started.Add(time.Minute))
	require.Equal(t, int64(2000), snap.Requests)
	require.Equal(t, int64(200), snap.Errors)
	require.InDelta(t, 0.1, snap.ErrorRate, 1e-9)
}
