package edgeguard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOutbox(t *testing.T, store *Store) (*Outbox, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	o := NewOutbox(store, RetryPolicy{
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		MaxAttempts:  5,
		LeaseTimeout: time.Minute,
	}, nil)
	o.now = clock.Now
	return o, clock
}

func TestOutbox_EnqueueDefaults(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))

	item, err := o.Enqueue(context.Background(), EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, OutboxPending, item.Status)
	assert.Equal(t, 5, item.MaxAttempts)
	assert.Equal(t, 0, item.Attempts)
	assert.True(t, item.ScheduledAt.Equal(clock.Now()))

	stored, err := o.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Payload, stored.Payload)
}

func TestOutbox_EnqueueRequiresType(t *testing.T) {
	o, _ := newTestOutbox(t, newTestStore(t))

	_, err := o.Enqueue(context.Background(), EnqueueParams{Payload: mustPayload(1)})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

// TestOutbox_DequeueOrdering verifies priority descending then FIFO within a tier.
func TestOutbox_DequeueOrdering(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	enqueue := func(priority int) string {
		item, err := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Priority: priority, Payload: mustPayload(priority)})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
		return item.ID
	}
	lowOld := enqueue(PriorityLow)
	normalOld := enqueue(PriorityNormal)
	critical := enqueue(PriorityCritical)
	normalNew := enqueue(PriorityNormal)

	items, err := o.DequeueBatch(ctx, 10)
	require.NoError(t, err)

	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
		assert.Equal(t, OutboxProcessing, it.Status)
		assert.NotNil(t, it.ClaimedAt)
	}
	assert.Equal(t, []string{critical, normalOld, normalNew, lowOld}, ids)

	again, err := o.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed items must not be dequeued twice")
}

func TestOutbox_DequeueRespectsScheduledAt(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	item, _ := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})
	batch, _ := o.DequeueBatch(ctx, 1)
	require.Len(t, batch, 1)

	failed, err := o.MarkFailed(ctx, item.ID, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, OutboxPending, failed.Status)
	assert.True(t, failed.ScheduledAt.After(clock.Now()))

	batch, _ = o.DequeueBatch(ctx, 1)
	assert.Empty(t, batch, "item must wait for its backoff")

	clock.Advance(failed.ScheduledAt.Sub(clock.Now()))
	batch, _ = o.DequeueBatch(ctx, 1)
	assert.Len(t, batch, 1)
}

// TestOutbox_FailsTerminallyAfterMaxAttempts verifies an item with
// maxAttempts=3 is failed after the third failure and never retried again.
func TestOutbox_FailsTerminallyAfterMaxAttempts(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	item, err := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1), MaxAttempts: 3})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		batch, err := o.DequeueBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1, "attempt %d should be claimable", attempt)

		updated, err := o.MarkFailed(ctx, item.ID, errors.New("503"))
		require.NoError(t, err)
		assert.Equal(t, attempt, updated.Attempts)
		if attempt < 3 {
			assert.Equal(t, OutboxPending, updated.Status)
		} else {
			assert.Equal(t, OutboxFailed, updated.Status)
			assert.NotNil(t, updated.ProcessedAt)
		}
		clock.Advance(time.Hour)
	}

	batch, err := o.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, batch, "failed items must not be retried a fourth time")

	failed, err := o.Failed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "503", failed[0].LastError)
	assert.Equal(t, 3, failed[0].Attempts)
}

func TestOutbox_MarkFailedIgnoresNonProcessing(t *testing.T) {
	o, _ := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	item, _ := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})

	got, err := o.MarkFailed(ctx, item.ID, errors.New("late"))
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, OutboxPending, got.Status)
}

// TestOutbox_CompletedNeverRedelivered verifies completion is terminal and idempotent.
func TestOutbox_CompletedNeverRedelivered(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	item, _ := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})
	o.DequeueBatch(ctx, 1)

	require.NoError(t, o.MarkCompleted(ctx, item.ID))
	require.NoError(t, o.MarkCompleted(ctx, item.ID))

	got, _ := o.MarkFailed(ctx, item.ID, errors.New("late failure"))
	assert.Equal(t, OutboxCompleted, got.Status)

	n, err := o.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(24 * time.Hour)
	batch, _ := o.DequeueBatch(ctx, 10)
	assert.Empty(t, batch)

	err = o.MarkCompleted(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutbox_RecoverStale(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	item, _ := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})
	o.DequeueBatch(ctx, 1)

	clock.Advance(30 * time.Second)
	n, err := o.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lease not yet expired")

	clock.Advance(31 * time.Second)
	n, err = o.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := o.Get(ctx, item.ID)
	assert.Equal(t, OutboxPending, got.Status)
	assert.Equal(t, 0, got.Attempts, "lease recovery does not count an attempt")
	assert.Nil(t, got.ClaimedAt)
}

func TestOutbox_Release(t *testing.T) {
	o, _ := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})
	o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(2)})
	batch, err := o.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	n, err := o.Release(ctx, append(batch, OutboxItem{ID: "missing"}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := o.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
	assert.Equal(t, 0, counts.Processing)
}

// TestOutbox_ReleaseSkipsReclaimedItems verifies a stale claim cannot undo
// another pass's claim on the same item.
func TestOutbox_ReleaseSkipsReclaimedItems(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})
	first, err := o.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(2 * time.Minute)
	recovered, err := o.RecoverStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
	second, err := o.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)

	n, err := o.Release(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := o.Get(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, OutboxProcessing, got.Status, "second claim is untouched")
}

func TestOutbox_RenewLease(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})
	batch, err := o.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	clock.Advance(45 * time.Second)
	renewed, err := o.RenewLease(ctx, batch[0])
	require.NoError(t, err)
	require.NotNil(t, renewed.ClaimedAt)
	assert.True(t, renewed.ClaimedAt.Equal(clock.Now()))

	// The renewed lease survives a recovery pass that would have expired
	// the original claim.
	clock.Advance(30 * time.Second)
	recovered, err := o.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	_, err = o.RenewLease(ctx, batch[0])
	assert.ErrorIs(t, err, ErrLeaseLost, "the original claim stamp is superseded")
}

func TestOutbox_Requeue(t *testing.T) {
	o, _ := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	item, _ := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1), MaxAttempts: 1})
	o.DequeueBatch(ctx, 1)
	failed, _ := o.MarkFailed(ctx, item.ID, errors.New("boom"))
	require.Equal(t, OutboxFailed, failed.Status)

	requeued, err := o.Requeue(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, OutboxPending, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)

	batch, _ := o.DequeueBatch(ctx, 1)
	assert.Len(t, batch, 1)

	_, err = o.Requeue(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound, "only failed items can be requeued")
}

func TestOutbox_PurgeCompleted(t *testing.T) {
	o, clock := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	item, _ := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(1)})
	o.DequeueBatch(ctx, 1)
	o.MarkCompleted(ctx, item.ID)
	o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(2)})

	clock.Advance(48 * time.Hour)
	n, err := o.PurgeCompleted(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, _ := o.Counts(ctx)
	assert.Equal(t, 0, counts.Completed)
	assert.Equal(t, 1, counts.Pending)
}

// TestOutbox_ConcurrentClaimsNeverOverlap verifies no item is claimed by two callers.
func TestOutbox_ConcurrentClaimsNeverOverlap(t *testing.T) {
	o, _ := newTestOutbox(t, newTestStore(t))
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		_, err := o.Enqueue(ctx, EnqueueParams{Type: EventAssurance, Payload: mustPayload(i)})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := o.DequeueBatch(ctx, 3)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, it := range batch {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}
