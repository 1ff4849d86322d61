// Package ingest implements the submission path of the relay: it validates
// and deduplicates incoming transactions, persists their status, enqueues
// delivery work, and serves the client-facing HTTP API. The downstream
// posting service is never touched on this path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copperline/txrelay/store"
	"github.com/copperline/txrelay/transaction"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// ErrQueueFull rejects submissions while the delivery queue is at capacity.
// It's transient: clients should retry after backing off.
var ErrQueueFull = errors.New("submission queue is full")

// terminalCacheSize bounds the cache of terminal status records.
const terminalCacheSize = 1024

// ServiceConfig bounds the submission path.
type ServiceConfig struct {
	// QueueMaxSize is the queue depth at which submissions are rejected
	// with ErrQueueFull. Zero or negative disables backpressure.
	QueueMaxSize int64
}

// Service accepts transaction submissions and serves status reads.
type Service struct {
	store *store.Store
	cfg   ServiceConfig

	// terminal caches completed and failed records. Terminal states are
	// final, so a cached record can never go stale.
	terminal *lru.Cache[string, *transaction.StatusRecord]
}

// NewService returns a Service over |store|.
func NewService(store *store.Store, cfg ServiceConfig) (*Service, error) {
	var terminal, err = lru.New[string, *transaction.StatusRecord](terminalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building status cache: %w", err)
	}
	return &Service{store: store, cfg: cfg, terminal: terminal}, nil
}

// Submit validates |txn|, applies deduplication, and accepts it for
// delivery. It returns the transaction's StatusRecord and whether the
// submission was a duplicate of one already accepted, in which case the
// prior record is returned unmodified.
func (s *Service) Submit(ctx context.Context, txn transaction.Transaction) (*transaction.StatusRecord, bool, error) {
	if err := txn.Validate(); err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		return nil, false, err
	}
	var now = time.Now().UTC()
	txn.Normalize(now)

	// Backpressure precedes any store mutation.
	if s.cfg.QueueMaxSize > 0 {
		var depth, err = s.store.QueueDepth(ctx)
		if err != nil {
			submissionsTotal.WithLabelValues("error").Inc()
			return nil, false, err
		}
		if depth >= s.cfg.QueueMaxSize {
			submissionsTotal.WithLabelValues("queue_full").Inc()
			log.WithFields(log.Fields{"id": txn.ID, "depth": depth}).
				Warn("rejecting submission: queue is at capacity")
			return nil, false, ErrQueueFull
		}
	}

	won, err := s.store.MarkDedup(ctx, txn.ID)
	if err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}
	if !won {
		// Duplicate: the client observes its prior submission's state.
		// A missing record means a prior submitter crashed between marking
		// dedup and writing status; fall through and accept it fresh.
		rec, err := s.GetStatus(ctx, txn.ID)
		if err == nil {
			submissionsTotal.WithLabelValues("duplicate").Inc()
			log.WithField("id", txn.ID).Info("duplicate submission")
			return rec, true, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			submissionsTotal.WithLabelValues("error").Inc()
			return nil, false, err
		}
	}

	var rec = transaction.NewStatusRecord(txn, now)
	if err = s.store.SetStatus(ctx, rec); err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}
	if err = s.store.Enqueue(ctx, transaction.QueueEntry{
		TransactionID: txn.ID,
		QueuedAt:      now,
	}); err != nil {
		// The record is stranded: status exists but no queue entry.
		// The reconciliation sweeper re-enqueues it.
		submissionsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}

	submissionsTotal.WithLabelValues("accepted").Inc()
	return rec, false, nil
}

// GetStatus returns the StatusRecord of |id|, or store.ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, id string) (*transaction.StatusRecord, error) {
	if rec, ok := s.terminal.Get(id); ok {
		return rec, nil
	}
	var rec, err = s.store.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		s.terminal.Add(id, rec)
	}
	return rec, nil
}

// QueueDepth returns the number of queued deliveries. Observability only.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.store.QueueDepth(ctx)
}

// Healthy verifies connectivity of the store.
func (s *Service) Healthy(ctx context.Context) error {
	return s.store.Ping(ctx)
}
