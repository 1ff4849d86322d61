// Package store provides the durable state of the relay: status records,
// deduplication markers, and the delivery queue, backed by a single Redis
// instance. The store is the only durable state; workers hold in-memory
// state only for the duration of one transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/copperline/txrelay/transaction"
	"github.com/redis/go-redis/v9"
)

// Key layout. Status records and dedup markers are keyed per transaction;
// the queue is a single list drained by all workers.
const (
	queueKey     = "queue"
	statusPrefix = "status:"
	dedupPrefix  = "dedup:"
)

// ErrNotFound is returned when no StatusRecord exists for a transaction ID.
var ErrNotFound = errors.New("transaction not found")

// ErrEmpty is returned by Dequeue when no entry arrived within the timeout.
var ErrEmpty = errors.New("queue is empty")

// Store wraps the Redis client with the relay's key layout and TTL policy.
type Store struct {
	client    *redis.Client
	statusTTL time.Duration
	dedupTTL  time.Duration
}

// NewStore dials |url| (a redis:// URL) and verifies connectivity.
func NewStore(ctx context.Context, url string, statusTTL, dedupTTL time.Duration) (*Store, error) {
	var opts, err = redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing store URL: %w", err)
	}
	var client = redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging store at %s: %w", opts.Addr, err)
	}

	return &Store{
		client:    client,
		statusTTL: statusTTL,
		dedupTTL:  dedupTTL,
	}, nil
}

// SetStatus writes |rec| under status:{id}, replacing any prior value and
// refreshing its TTL.
func (s *Store) SetStatus(ctx context.Context, rec *transaction.StatusRecord) (err error) {
	defer func() { observe("set_status", err) }()

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding status record: %w", err)
	}
	if err = s.client.Set(ctx, statusPrefix+rec.TransactionID, b, s.statusTTL).Err(); err != nil {
		return fmt.Errorf("writing status of %s: %w", rec.TransactionID, err)
	}
	return nil
}

// GetStatus reads the StatusRecord of |id|, or ErrNotFound.
func (s *Store) GetStatus(ctx context.Context, id string) (rec *transaction.StatusRecord, err error) {
	defer func() { observe("get_status", err) }()

	b, err := s.client.Get(ctx, statusPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading status of %s: %w", id, err)
	}

	rec = new(transaction.StatusRecord)
	if err = json.Unmarshal(b, rec); err != nil {
		return nil, fmt.Errorf("decoding status of %s: %w", id, err)
	}
	return rec, nil
}

// MarkDedup atomically records the dedup marker of |id|, returning whether
// the marker was won. A false return means a marker already exists and the
// submission is a duplicate. Concurrent callers see a consistent winner.
func (s *Store) MarkDedup(ctx context.Context, id string) (won bool, err error) {
	defer func() { observe("mark_dedup", err) }()

	won, err = s.client.SetNX(ctx, dedupPrefix+id, "1", s.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("marking dedup of %s: %w", id, err)
	}
	return won, nil
}

// Enqueue pushes |entry| onto the delivery queue.
func (s *Store) Enqueue(ctx context.Context, entry transaction.QueueEntry) (err error) {
	defer func() { observe("enqueue", err) }()

	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding queue entry: %w", err)
	}
	if err = s.client.LPush(ctx, queueKey, b).Err(); err != nil {
		return fmt.Errorf("enqueueing %s: %w", entry.TransactionID, err)
	}
	return nil
}

// Dequeue blocks up to |timeout| for the next queue entry, or returns
// ErrEmpty. Each entry is removed and handed to exactly one caller.
func (s *Store) Dequeue(ctx context.Context, timeout time.Duration) (entry transaction.QueueEntry, err error) {
	defer func() { observe("dequeue", err) }()

	res, err := s.client.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return entry, ErrEmpty
	} else if err != nil {
		return entry, fmt.Errorf("popping queue: %w", err)
	}
	// BRPOP returns [key, value].
	if err = json.Unmarshal([]byte(res[1]), &entry); err != nil {
		return entry, fmt.Errorf("decoding queue entry: %w", err)
	}
	return entry, nil
}

// QueueDepth returns the number of entries awaiting delivery.
func (s *Store) QueueDepth(ctx context.Context) (n int64, err error) {
	defer func() { observe("queue_depth", err) }()

	if n, err = s.client.LLen(ctx, queueKey).Result(); err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}

// ScanStatuses invokes |fn| with each live StatusRecord. Records expiring
// between the scan and the read are skipped. Used by the reconciliation
// sweeper; not on any latency-sensitive path.
func (s *Store) ScanStatuses(ctx context.Context, fn func(*transaction.StatusRecord) error) error {
	var iter = s.client.Scan(ctx, 0, statusPrefix+"*", 128).Iterator()
	for iter.Next(ctx) {
		var rec, err = s.GetStatus(ctx, strings.TrimPrefix(iter.Val(), statusPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		if err = fn(rec); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging store: %w", err)
	}
	return nil
}

// Close releases the client's connection pool.
func (s *Store) Close() error { return s.client.Close() }
