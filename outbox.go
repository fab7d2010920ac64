package edgeguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/edgeguard/internal/logging"
	"github.com/oklog/ulid/v2"
)

// EnqueueParams describes a cloud-bound record to queue.
type EnqueueParams struct {
	Type        string
	Payload     []byte
	Priority    int
	MaxAttempts int // zero uses the retry policy's budget
	SubjectID   string
}

// Outbox is the durable, prioritized queue of cloud-bound records.
//
// Items move pending -> processing (claim) -> completed, or back to pending
// with a later scheduledAt on failure until the attempt budget is spent,
// after which they stay failed for operator inspection.
type Outbox struct {
	store  *Store
	policy atomic.Pointer[RetryPolicy]
	logger *slog.Logger
	now    func() time.Time
}

// NewOutbox returns an outbox over store. logger may be nil.
func NewOutbox(store *Store, policy RetryPolicy, logger *slog.Logger) *Outbox {
	o := &Outbox{
		store:  store,
		logger: logging.Component(logger, "outbox"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	o.SetPolicy(policy)
	return o
}

// Policy returns the retry policy in effect.
func (o *Outbox) Policy() RetryPolicy {
	return *o.policy.Load()
}

// SetPolicy replaces the retry policy. Items already scheduled keep their
// scheduledAt.
func (o *Outbox) SetPolicy(p RetryPolicy) {
	p = p.WithDefaults()
	o.policy.Store(&p)
}

// newItem builds a pending item due now. It does not persist it.
func (o *Outbox) newItem(params EnqueueParams) (OutboxItem, error) {
	if params.Type == "" {
		return OutboxItem{}, &ValidationError{Field: "type", Message: "required"}
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.Policy().MaxAttempts
	}
	payload := params.Payload
	if payload == nil {
		payload = []byte{}
	}

	now := o.now()
	return OutboxItem{
		ID:          ulid.Make().String(),
		Type:        params.Type,
		Priority:    params.Priority,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		SubjectID:   params.SubjectID,
		Status:      OutboxPending,
		CreatedAt:   now,
		ScheduledAt: now,
	}, nil
}

// Enqueue persists a new pending item, due immediately.
func (o *Outbox) Enqueue(ctx context.Context, params EnqueueParams) (*OutboxItem, error) {
	item, err := o.newItem(params)
	if err != nil {
		return nil, err
	}
	if err := o.store.InsertOutboxItem(ctx, item); err != nil {
		return nil, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return &item, nil
}

// DequeueBatch claims up to max due pending items, highest priority first,
// oldest first within a priority. Each returned item is processing.
func (o *Outbox) DequeueBatch(ctx context.Context, max int) ([]OutboxItem, error) {
	items, err := o.store.ClaimOutboxBatch(ctx, o.now(), max)
	if err != nil {
		return nil, fmt.Errorf("outbox: dequeue: %w", err)
	}
	return items, nil
}

// MarkCompleted records a cloud acknowledgement. Idempotent.
func (o *Outbox) MarkCompleted(ctx context.Context, id string) error {
	if err := o.store.CompleteOutboxItem(ctx, id, o.now()); err != nil {
		return fmt.Errorf("outbox: complete %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt and returns the updated item.
// The item is rescheduled with backoff while attempts remain; otherwise it
// becomes terminally failed. Items not in processing are left unchanged.
func (o *Outbox) MarkFailed(ctx context.Context, id string, cause error) (*OutboxItem, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	policy := o.Policy()

	item, err := o.store.FailOutboxItem(ctx, id, msg, o.now(), policy.Backoff)
	if err != nil {
		return nil, fmt.Errorf("outbox: fail %s: %w", id, err)
	}
	if item.Status == OutboxFailed {
		o.logger.Warn("outbox item exhausted retries",
			"item_id", item.ID, "type", item.Type, "attempts", item.Attempts, "error", msg)
	}
	return item, nil
}

// RenewLease restamps the lease on a claimed item just before delivery and
// returns the item with its new ClaimedAt. Returns ErrLeaseLost when another
// pass has recovered or reclaimed it.
func (o *Outbox) RenewLease(ctx context.Context, item OutboxItem) (OutboxItem, error) {
	if item.ClaimedAt == nil {
		return item, ErrLeaseLost
	}
	now := o.now()
	if err := o.store.RenewOutboxLease(ctx, item.ID, *item.ClaimedAt, now); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return item, err
		}
		return item, fmt.Errorf("outbox: renew lease %s: %w", item.ID, err)
	}
	item.ClaimedAt = &now
	return item, nil
}

// Release returns claimed items to pending without counting an attempt,
// skipping any whose lease this caller no longer holds.
func (o *Outbox) Release(ctx context.Context, items []OutboxItem) (int, error) {
	claims := make(map[string]time.Time, len(items))
	for _, item := range items {
		if item.ClaimedAt != nil {
			claims[item.ID] = *item.ClaimedAt
		}
	}
	n, err := o.store.ReleaseOutboxClaims(ctx, claims)
	if err != nil {
		return 0, fmt.Errorf("outbox: release: %w", err)
	}
	return n, nil
}

// RecoverStale returns items stuck in processing longer than the lease
// timeout to pending. Recovery does not count an attempt.
func (o *Outbox) RecoverStale(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.Policy().LeaseTimeout)
	n, err := o.store.RecoverStaleOutbox(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: recover stale: %w", err)
	}
	if n > 0 {
		o.logger.Info("recovered stale outbox leases", "count", n)
	}
	return n, nil
}

// Get returns one item by ID.
func (o *Outbox) Get(ctx context.Context, id string) (*OutboxItem, error) {
	return o.store.GetOutboxItem(ctx, id)
}

// Failed returns terminally failed items, oldest first.
func (o *Outbox) Failed(ctx context.Context, limit int) ([]OutboxItem, error) {
	return o.store.ListOutbox(ctx, OutboxFailed, limit)
}

// Requeue gives a terminally failed item a fresh attempt budget.
func (o *Outbox) Requeue(ctx context.Context, id string) (*OutboxItem, error) {
	item, err := o.store.RequeueOutboxItem(ctx, id, o.now())
	if err != nil {
		return nil, fmt.Errorf("outbox: requeue: %w", err)
	}
	o.logger.Info("outbox item requeued", "item_id", id)
	return item, nil
}

// PurgeCompleted deletes completed items processed more than retention ago.
func (o *Outbox) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	n, err := o.store.PurgeCompletedOutbox(ctx, o.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("outbox: purge: %w", err)
	}
	return n, nil
}

// Counts returns the number of items per status.
func (o *Outbox) Counts(ctx context.Context) (*OutboxCounts, error) {
	return o.store.OutboxCounts(ctx)
}
