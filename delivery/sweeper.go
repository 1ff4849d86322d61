package delivery

import (
	"context"
	"time"

	"github.com/copperline/txrelay/store"
	"github.com/copperline/txrelay/transaction"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// SweeperConfig bounds the reconciliation sweeper.
type SweeperConfig struct {
	// Interval between sweep passes. Zero disables the sweeper.
	Interval time.Duration
	// After is the age past which a non-terminal record is considered
	// stranded and re-enqueued.
	After time.Duration
}

// Sweeper periodically re-enqueues stranded records: those still pending or
// processing well past their submission, typically because a submitter failed
// between its status write and its queue push, or a worker died mid-delivery.
// A re-enqueue may race an in-flight delivery and produce a duplicate queue
// entry; the worker's terminal-state discard and existence probe make that
// harmless, and the state machine resumes from the persisted retry count.
type Sweeper struct {
	store *store.Store
	cfg   SweeperConfig
}

// NewSweeper returns a Sweeper over |s|.
func NewSweeper(s *store.Store, cfg SweeperConfig) *Sweeper {
	return &Sweeper{store: s, cfg: cfg}
}

// QueueTasks queues the sweep loop against |tasks|.
func (s *Sweeper) QueueTasks(tasks *task.Group) {
	tasks.Queue("delivery.sweeper", func() error {
		for sleep(tasks.Context(), s.cfg.Interval) {
			if n, err := s.Sweep(tasks.Context()); err != nil {
				log.WithField("err", err).Error("reconciliation sweep failed")
				sweepsTotal.WithLabelValues("error").Inc()
			} else {
				if n > 0 {
					log.WithField("requeued", n).Info("reconciliation sweep re-enqueued stranded records")
				}
				sweepsTotal.WithLabelValues("ok").Inc()
			}
		}
		return nil
	})
}

// Sweep makes one pass over all live status records, re-enqueueing stranded
// ones, and returns the number re-enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	var now = time.Now().UTC()
	var requeued int

	var err = s.store.ScanStatuses(ctx, func(rec *transaction.StatusRecord) error {
		if rec.State.Terminal() || now.Sub(rec.SubmittedAt) < s.cfg.After {
			return nil
		}
		log.WithFields(log.Fields{
			"id":    rec.TransactionID,
			"state": rec.State,
			"age":   now.Sub(rec.SubmittedAt),
		}).Warn("re-enqueueing stranded record")

		if err := s.store.Enqueue(ctx, transaction.QueueEntry{
			TransactionID: rec.TransactionID,
			QueuedAt:      now,
		}); err != nil {
			return err
		}
		requeued++
		sweepRequeuedTotal.Inc()
		return nil
	})
	return requeued, err
}
