package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/copperline/txrelay/store"
	"github.com/copperline/txrelay/transaction"
	"github.com/stretchr/testify/require"
)

func TestSweepRequeuesStrandedRecords(t *testing.T) {
	var mr = miniredis.RunT(t)
	var ctx = context.Background()

	s, err := store.NewStore(ctx, "redis://"+mr.Addr(), 24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var now = time.Now().UTC()
	var put = func(id string, age time.Duration, mutate func(*transaction.StatusRecord)) {
		var rec = transaction.NewStatusRecord(transaction.Transaction{
			ID:          id,
			Amount:      10,
			Currency:    "USD",
			Description: "ok",
			Timestamp:   now,
		}, now.Add(-age))
		if mutate != nil {
			mutate(rec)
		}
		require.NoError(t, s.SetStatus(ctx, rec))
	}

	// Stranded: pending, submitted an hour ago, never queued.
	put("stranded-pending", time.Hour, nil)
	// Stranded: a worker died mid-delivery, leaving it processing.
	put("stranded-processing", time.Hour, func(r *transaction.StatusRecord) {
		r.MarkProcessing()
		r.RetryCount = 2
	})
	// Fresh pending: too young to sweep.
	put("fresh", time.Minute, nil)
	// Terminal: never swept, regardless of age.
	put("done", time.Hour, func(r *transaction.StatusRecord) {
		r.MarkCompleted(now)
	})

	var sweeper = NewSweeper(s, SweeperConfig{Interval: time.Minute, After: 15 * time.Minute})
	requeued, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, requeued)

	var popped = make(map[string]bool)
	for i := 0; i != 2; i++ {
		entry, err := s.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		popped[entry.TransactionID] = true
	}
	require.True(t, popped["stranded-pending"])
	require.True(t, popped["stranded-processing"])

	// A second pass re-enqueues them again: the worker's terminal-state
	// discard makes repeated sweeps safe, not the sweeper itself.
	requeued, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, requeued)
}
