package transaction

import "time"

// State is the lifecycle phase of a submitted transaction.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal is true of completed and failed states. A terminal state is final:
// the record is never modified after its terminal write.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// StatusRecord is the durable record of one accepted transaction. It's
// created at submission, mutated only by the worker which dequeued its
// entry, and garbage-collected by store TTL expiry.
type StatusRecord struct {
	TransactionID string      `json:"transactionId"`
	State         State       `json:"state"`
	SubmittedAt   time.Time   `json:"submittedAt"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	Error         string      `json:"error,omitempty"`
	RetryCount    int         `json:"retryCount"`
	Payload       Transaction `json:"payload"`
}

// NewStatusRecord returns the pending record of a newly accepted transaction.
func NewStatusRecord(txn Transaction, now time.Time) *StatusRecord {
	return &StatusRecord{
		TransactionID: txn.ID,
		State:         StatePending,
		SubmittedAt:   now,
		Payload:       txn,
	}
}

// MarkProcessing transitions the record out of pending.
func (r *StatusRecord) MarkProcessing() { r.State = StateProcessing }

// MarkCompleted writes the terminal completed state.
func (r *StatusRecord) MarkCompleted(now time.Time) {
	r.State = StateCompleted
	r.CompletedAt = &now
}

// MarkFailed writes the terminal failed state with its diagnostic error.
func (r *StatusRecord) MarkFailed(now time.Time, cause string) {
	r.State = StateFailed
	r.CompletedAt = &now
	r.Error = cause
}

// QueueEntry points at a StatusRecord awaiting delivery. The authoritative
// payload always lives in the StatusRecord; the entry is only a pointer.
type QueueEntry struct {
	TransactionID string    `json:"transactionId"`
	QueuedAt      time.Time `json:"queuedAt"`
}
