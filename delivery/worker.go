// Package delivery drains the work queue: a fixed pool of workers pops queue
// entries, drives each transaction's delivery state machine against the
// posting service with retries, and records terminal outcomes in the store.
// Workers share no state except through the store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/copperline/txrelay/posting"
	"github.com/copperline/txrelay/store"
	"github.com/copperline/txrelay/transaction"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// Config bounds the worker pool and its retry policy.
type Config struct {
	// Concurrency is the number of pooled workers.
	Concurrency int
	// MaxRetries bounds delivery attempts which fail with a confirmed
	// pre-write error. Reaching it transitions the record to failed.
	MaxRetries int
	// RetryDelay is the backoff base: the k'th failed attempt sleeps
	// RetryDelay * 2^k before the next.
	RetryDelay time.Duration
}

// Pool is a fixed-size pool of delivery workers sharing one store and one
// posting client.
type Pool struct {
	store  *store.Store
	client *posting.Client
	cfg    Config

	active atomic.Int32

	// Overridable in tests; production values are fixed.
	dequeueTimeout time.Duration
	idleSleep      time.Duration
	probeWait      time.Duration
	recoverSleep   time.Duration
	pollInterval   time.Duration
}

// NewPool returns a Pool over |s| and |client|.
func NewPool(s *store.Store, client *posting.Client, cfg Config) *Pool {
	return &Pool{
		store:  s,
		client: client,
		cfg:    cfg,

		dequeueTimeout: time.Second,
		idleSleep:      100 * time.Millisecond,
		probeWait:      time.Second,
		recoverSleep:   time.Second,
		pollInterval:   5 * time.Second,
	}
}

// ActiveWorkers is the count of workers currently delivering a transaction.
// Reported by the health endpoint.
func (p *Pool) ActiveWorkers() int { return int(p.active.Load()) }

// QueueTasks queues each pooled worker, and a poll of the queue-depth gauge,
// against |tasks|. Workers run until the group's context is cancelled; work
// outstanding at cancellation stays on the queue for the next start.
func (p *Pool) QueueTasks(tasks *task.Group) {
	for i := 0; i != p.cfg.Concurrency; i++ {
		var name = fmt.Sprintf("delivery.worker-%d", i)
		tasks.Queue(name, func() error {
			p.serveWorker(tasks.Context(), name)
			return nil
		})
	}
	tasks.Queue("delivery.pollQueueDepth", func() error {
		p.pollQueueDepth(tasks.Context())
		return nil
	})
}

// serveWorker is one worker's loop. It never returns an error: failures of a
// single transaction land in that transaction's StatusRecord, and unexpected
// panics are recovered so one poisoned entry can't take down the pool.
func (p *Pool) serveWorker(ctx context.Context, name string) {
	for ctx.Err() == nil {
		if !p.stepSafe(ctx, name) {
			sleep(ctx, p.recoverSleep)
		}
	}
	log.WithField("worker", name).Info("worker exiting")
}

// stepSafe runs one step under a panic recovery, returning false on panic.
func (p *Pool) stepSafe(ctx context.Context, name string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"worker": name, "panic": r}).
				Error("recovered from worker panic")
			ok = false
		}
	}()
	p.step(ctx)
	return true
}

// step dequeues and delivers at most one transaction.
func (p *Pool) step(ctx context.Context) {
	var entry, err = p.store.Dequeue(ctx, p.dequeueTimeout)
	if errors.Is(err, store.ErrEmpty) {
		sleep(ctx, p.idleSleep)
		return
	} else if err != nil {
		if ctx.Err() == nil {
			log.WithField("err", err).Error("failed to dequeue")
			sleep(ctx, p.recoverSleep)
		}
		return
	}

	rec, err := p.store.GetStatus(ctx, entry.TransactionID)
	if errors.Is(err, store.ErrNotFound) {
		// The record's TTL elapsed while it sat on the queue.
		log.WithField("id", entry.TransactionID).Warn("discarding entry of expired record")
		deliveriesTotal.WithLabelValues("expired").Inc()
		return
	} else if err != nil {
		log.WithFields(log.Fields{"id": entry.TransactionID, "err": err}).
			Error("failed to load status of dequeued entry")
		return
	}

	if rec.State.Terminal() {
		// A duplicate entry, typically a sweeper re-enqueue of a record which
		// completed in the meantime. Terminal states are final; discard.
		log.WithFields(log.Fields{"id": rec.TransactionID, "state": rec.State}).
			Debug("discarding entry of terminal record")
		deliveriesTotal.WithLabelValues("discarded").Inc()
		return
	}

	p.active.Add(1)
	workersActive.Inc()
	defer func() {
		p.active.Add(-1)
		workersActive.Dec()
	}()

	rec.MarkProcessing()
	if err = p.store.SetStatus(ctx, rec); err != nil {
		// Proceed anyway: the state machine is idempotent, and a re-delivery
		// of this record would short-circuit on the existence probe.
		log.WithFields(log.Fields{"id": rec.TransactionID, "err": err}).
			Error("failed to persist processing state")
	}
	p.deliver(ctx, rec)
}

// deliver drives the delivery state machine of one transaction to a terminal
// state, resuming from the record's persisted RetryCount. Each cycle probes
// for an existing downstream record before posting, so that at-least-once
// POST attempts never produce a second observable record.
func (p *Pool) deliver(ctx context.Context, rec *transaction.StatusRecord) {
	var lastErr error

	for attempt := rec.RetryCount; ; {
		var confirmed = false // Did this attempt fail before the downstream committed?

		exists, err := p.client.Get(ctx, rec.TransactionID)
		if err != nil {
			lastErr = err
		} else if exists {
			// Idempotency short-circuit: a prior attempt (possibly of a
			// worker which crashed before its terminal write) already posted.
			p.complete(ctx, rec)
			return
		} else {
			if err = p.client.Post(ctx, rec.Payload); err == nil {
				attemptsTotal.WithLabelValues("success").Inc()
				p.complete(ctx, rec)
				return
			}
			lastErr = err
			attemptsTotal.WithLabelValues("failure").Inc()

			// A failed POST is ambiguous: the downstream may have committed
			// before failing to respond. Wait briefly and probe again.
			if !sleep(ctx, p.probeWait) {
				return // Cancelled; the sweeper recovers the record after restart.
			}
			exists, err = p.client.Get(ctx, rec.TransactionID)
			if err == nil && exists {
				log.WithField("id", rec.TransactionID).
					Info("failed post actually committed; completing")
				p.complete(ctx, rec)
				return
			}
			confirmed = true
		}

		if confirmed {
			retriesTotal.Inc()
		}
		var backoff = p.cfg.RetryDelay << uint(attempt)
		attempt++

		rec.RetryCount = attempt
		if attempt >= p.cfg.MaxRetries {
			rec.MarkFailed(time.Now().UTC(), fmt.Sprintf("Max retries exceeded: %v", lastErr))
			p.persistTerminal(ctx, rec)
			return
		}
		if err := p.store.SetStatus(ctx, rec); err != nil {
			log.WithFields(log.Fields{"id": rec.TransactionID, "err": err}).
				Error("failed to persist retry count")
		}

		log.WithFields(log.Fields{
			"id":      rec.TransactionID,
			"attempt": attempt,
			"backoff": backoff,
			"err":     lastErr,
		}).Warn("delivery attempt failed; backing off")

		if !sleep(ctx, backoff) {
			return // Cancelled mid-backoff; record stays processing.
		}
	}
}

// complete writes the terminal completed state of |rec|.
func (p *Pool) complete(ctx context.Context, rec *transaction.StatusRecord) {
	rec.MarkCompleted(time.Now().UTC())
	p.persistTerminal(ctx, rec)

	log.WithFields(log.Fields{
		"id":      rec.TransactionID,
		"retries": rec.RetryCount,
	}).Info("transaction delivered")
}

// persistTerminal writes |rec|'s terminal state once. The worker must not
// touch the record again: terminal states are final.
func (p *Pool) persistTerminal(ctx context.Context, rec *transaction.StatusRecord) {
	deliveriesTotal.WithLabelValues(string(rec.State)).Inc()

	if err := p.store.SetStatus(ctx, rec); err != nil {
		// The record remains in its last persisted state until TTL expiry.
		log.WithFields(log.Fields{"id": rec.TransactionID, "state": rec.State, "err": err}).
			Error("failed to persist terminal state")
	}
}

// pollQueueDepth refreshes the queue-depth gauge until cancelled.
func (p *Pool) pollQueueDepth(ctx context.Context) {
	for sleep(ctx, p.pollInterval) {
		if n, err := p.store.QueueDepth(ctx); err == nil {
			queueDepth.Set(float64(n))
		}
	}
}

// sleep blocks for |d| or until |ctx| is done, returning whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
