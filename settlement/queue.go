// Package settlement holds the deferred-settlement queue and the batch
// settler that flushes it on-chain.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x402labs/vaultpay/mechanisms/evm"
)

// ErrDuplicateNonce is returned by Enqueue when a pending or settled record
// already holds the intent's (buyer, nonce) pair.
var ErrDuplicateNonce = errors.New("intent nonce already queued")

// Status is the lifecycle state of a queued settlement record.
type Status string

const (
	// StatusPending means the intent is verified and waiting for a batch.
	StatusPending Status = "pending"
	// StatusSettled means the intent was included in a successful batch.
	StatusSettled Status = "settled"
	// StatusFailed means the intent's batch reverted or failed to submit.
	StatusFailed Status = "failed"
)

// Record is one verified payment intent awaiting batch settlement.
type Record struct {
	ID        string            `json:"id"`
	Intent    evm.PaymentIntent `json:"intent"`
	Signature string            `json:"signature"`
	Scheme    string            `json:"scheme"`
	Network   string            `json:"network"`
	Vault     string            `json:"vault"`
	Status    Status            `json:"status"`
	TxHash    string            `json:"txHash,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	SettledAt time.Time         `json:"settledAt,omitempty"`
}

// Queue stores settlement records. Implementations must be safe for
// concurrent use; the batch settler and the deferred scheme share one queue.
// The queue is the dedupe point for intent nonces: a (buyer, nonce) pair may
// hold at most one record that is not failed.
type Queue interface {
	// Enqueue stores a new pending record and returns its id. It returns
	// ErrDuplicateNonce when a pending or settled record already holds the
	// record's (buyer, nonce) pair; a failed record may be re-enqueued.
	Enqueue(ctx context.Context, record *Record) (string, error)

	// Get returns a record by id.
	Get(ctx context.Context, id string) (*Record, error)

	// FindByNonce returns the most recent pending or settled record for a
	// (buyer, nonce) pair, or nil when none exists.
	FindByNonce(ctx context.Context, buyer, nonce string) (*Record, error)

	// ListPending returns pending records, optionally filtered to one
	// vault and network (empty strings match everything).
	ListPending(ctx context.Context, vault, network string) ([]*Record, error)

	// MarkSettled flips pending records to settled with the settling tx
	// hash. It errors without mutating when any record is not pending.
	MarkSettled(ctx context.Context, ids []string, txHash string) error

	// MarkFailed flips pending records to failed with the failure reason.
	// It errors without mutating when any record is not pending.
	MarkFailed(ctx context.Context, ids []string, reason string) error

	// Stats returns record counts by status.
	Stats(ctx context.Context) (map[Status]int, error)
}

// MemoryQueue is an in-process Queue. Records survive for the life of the
// facilitator process only; a restart loses unsettled intents, which buyers
// recover from by re-signing since their deposits never moved.
type MemoryQueue struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{records: make(map[string]*Record)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, record *Record) (string, error) {
	if record == nil {
		return "", fmt.Errorf("nil settlement record")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, exists := q.records[record.ID]; exists {
		return "", fmt.Errorf("settlement record %s already exists", record.ID)
	}
	if existing := q.findByNonceLocked(record.Intent.Buyer, record.Intent.Nonce); existing != nil {
		return "", fmt.Errorf("%w: held by record %s", ErrDuplicateNonce, existing.ID)
	}
	record.Status = StatusPending
	record.CreatedAt = time.Now()

	stored := *record
	q.records[record.ID] = &stored
	q.order = append(q.order, record.ID)
	return record.ID, nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Record, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	record, ok := q.records[id]
	if !ok {
		return nil, fmt.Errorf("settlement record %s not found", id)
	}
	copied := *record
	return &copied, nil
}

func (q *MemoryQueue) FindByNonce(ctx context.Context, buyer, nonce string) (*Record, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	record := q.findByNonceLocked(buyer, nonce)
	if record == nil {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

// findByNonceLocked returns the most recent non-failed record for a
// (buyer, nonce) pair. Callers hold q.mu.
func (q *MemoryQueue) findByNonceLocked(buyer, nonce string) *Record {
	for i := len(q.order) - 1; i >= 0; i-- {
		record := q.records[q.order[i]]
		if record.Status == StatusFailed {
			continue
		}
		if evm.AddressesEqual(record.Intent.Buyer, buyer) && strings.EqualFold(record.Intent.Nonce, nonce) {
			return record
		}
	}
	return nil
}

func (q *MemoryQueue) ListPending(ctx context.Context, vault, network string) ([]*Record, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending []*Record
	for _, id := range q.order {
		record := q.records[id]
		if record.Status != StatusPending {
			continue
		}
		if vault != "" && !evm.AddressesEqual(record.Vault, vault) {
			continue
		}
		if network != "" && record.Network != network {
			continue
		}
		copied := *record
		pending = append(pending, &copied)
	}
	return pending, nil
}

func (q *MemoryQueue) MarkSettled(ctx context.Context, ids []string, txHash string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requirePendingLocked(ids); err != nil {
		return err
	}
	now := time.Now()
	for _, id := range ids {
		record := q.records[id]
		record.Status = StatusSettled
		record.TxHash = txHash
		record.Error = ""
		record.SettledAt = now
	}
	return nil
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, ids []string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requirePendingLocked(ids); err != nil {
		return err
	}
	for _, id := range ids {
		record := q.records[id]
		record.Status = StatusFailed
		record.Error = reason
	}
	return nil
}

// requirePendingLocked checks every id before any mutation so a bad id list
// leaves the queue untouched. Records only move pending to settled or
// pending to failed; settled and failed are terminal. Callers hold q.mu.
func (q *MemoryQueue) requirePendingLocked(ids []string) error {
	for _, id := range ids {
		record, ok := q.records[id]
		if !ok {
			return fmt.Errorf("settlement record %s not found", id)
		}
		if record.Status != StatusPending {
			return fmt.Errorf("settlement record %s is %s, not pending", id, record.Status)
		}
	}
	return nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (map[Status]int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[Status]int)
	for _, record := range q.records {
		stats[record.Status]++
	}
	return stats, nil
}
