package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/copperline/txrelay/posting/postingtest"
	"github.com/copperline/txrelay/store"
	"github.com/copperline/txrelay/transaction"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/task"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *store.Store, *postingtest.Server) {
	var mr = miniredis.RunT(t)

	s, err := store.NewStore(context.Background(), "redis://"+mr.Addr(), 24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var srv = postingtest.NewServer(t)
	var pool = NewPool(s, srv.Client(), cfg)

	// Collapse waits so failure scenarios run quickly.
	pool.idleSleep = time.Millisecond
	pool.probeWait = time.Millisecond
	pool.recoverSleep = time.Millisecond

	return pool, s, srv
}

func acceptTxn(t *testing.T, s *store.Store, id string) *transaction.StatusRecord {
	var ctx = context.Background()
	var now = time.Now().UTC()

	var rec = transaction.NewStatusRecord(transaction.Transaction{
		ID:          id,
		Amount:      100,
		Currency:    "USD",
		Description: "ok",
		Timestamp:   now,
	}, now)
	require.NoError(t, s.SetStatus(ctx, rec))
	require.NoError(t, s.Enqueue(ctx, transaction.QueueEntry{TransactionID: id, QueuedAt: now}))

	return rec
}

func TestDeliverHappyPath(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 1, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	acceptTxn(t, s, "t1")
	pool.step(ctx)

	rec, err := s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, transaction.StateCompleted, rec.State)
	require.NotNil(t, rec.CompletedAt)
	require.Zero(t, rec.RetryCount)
	require.Empty(t, rec.Error)
	require.True(t, srv.Exists("t1"))
	require.Equal(t, 1, srv.Posts())
}

func TestDeliverShortCircuitsOnExistingRecord(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 1, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	// A prior worker posted t1 but crashed before its terminal write.
	srv.Seed(postingtest.Record{ID: "t1", Amount: 100, Currency: "USD", Description: "ok"})
	acceptTxn(t, s, "t1")
	pool.step(ctx)

	rec, err := s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, transaction.StateCompleted, rec.State)

	// The existence probe completed the record without a single POST.
	require.Zero(t, srv.Posts())
	require.Equal(t, 1, srv.Count())
}

func TestDeliverResolvesPostWriteFailure(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 1, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	// POSTs fail after committing: the failure response is a lie.
	srv.FailPostsButCommit()
	acceptTxn(t, s, "t1")
	pool.step(ctx)

	rec, err := s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, transaction.StateCompleted, rec.State)
	require.Zero(t, rec.RetryCount)
	require.True(t, srv.Exists("t1"))
	require.Equal(t, 1, srv.Posts())
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 1, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	srv.FailNextPosts(2)
	acceptTxn(t, s, "t1")
	pool.step(ctx)

	rec, err := s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, transaction.StateCompleted, rec.State)
	require.Equal(t, 2, rec.RetryCount)
	require.True(t, srv.Exists("t1"))
	require.Equal(t, 3, srv.Posts())
}

func TestDeliverFailsAfterMaxRetries(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 1, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	srv.FailPosts()
	acceptTxn(t, s, "t1")
	pool.step(ctx)

	rec, err := s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, transaction.StateFailed, rec.State)
	require.NotNil(t, rec.CompletedAt)
	require.Equal(t, 5, rec.RetryCount)
	require.Contains(t, rec.Error, "Max retries exceeded")
	require.False(t, srv.Exists("t1"))
	require.Equal(t, 5, srv.Posts())
}

func TestDeliverResumesFromPersistedRetryCount(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 1, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	srv.FailPosts()
	var rec = acceptTxn(t, s, "t1")
	rec.RetryCount = 3
	require.NoError(t, s.SetStatus(ctx, rec))

	pool.step(ctx)

	// Only the remaining two attempts were made.
	got, err := s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, transaction.StateFailed, got.State)
	require.Equal(t, 5, got.RetryCount)
	require.Equal(t, 2, srv.Posts())
}

func TestStepDiscardsTerminalRecord(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 1, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	var rec = acceptTxn(t, s, "t1")
	var done = time.Now().UTC()
	rec.MarkCompleted(done)
	require.NoError(t, s.SetStatus(ctx, rec))

	pool.step(ctx)

	// Terminal states are final: the record was not touched again.
	got, err := s.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.Zero(t, srv.Posts())
}

func TestStepDiscardsExpiredEntry(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 1, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	// A queue entry whose status record's TTL already elapsed.
	require.NoError(t, s.Enqueue(ctx, transaction.QueueEntry{
		TransactionID: "gone",
		QueuedAt:      time.Now().UTC(),
	}))
	pool.step(ctx)

	require.Zero(t, srv.Posts())
	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestPoolDrainsConcurrently(t *testing.T) {
	var pool, s, srv = newTestPool(t, Config{Concurrency: 10, MaxRetries: 5, RetryDelay: time.Millisecond})
	var ctx = context.Background()

	const n = 40
	for i := 0; i != n; i++ {
		acceptTxn(t, s, fmt.Sprintf("t%03d", i))
	}

	var tasks = task.NewGroup(context.Background())
	pool.QueueTasks(tasks)
	tasks.GoRun()

	require.Eventually(t, func() bool {
		var completed int
		_ = s.ScanStatuses(ctx, func(rec *transaction.StatusRecord) error {
			if rec.State == transaction.StateCompleted {
				completed++
			}
			return nil
		})
		return completed == n
	}, 10*time.Second, 50*time.Millisecond)

	// Exactly one downstream record per transaction.
	require.Equal(t, n, srv.Count())
	require.Equal(t, n, srv.Posts())

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
	require.Zero(t, pool.ActiveWorkers())
}
