package edgeguard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/edgeguard/internal/logging"
	"golang.org/x/sync/errgroup"
)

// DeliveryRequest is one outbox item as sent to the cloud ingestion API.
// ID doubles as the idempotency key.
type DeliveryRequest struct {
	ID        string          `json:"idempotency_key"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	ClinicID  string          `json:"clinic_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// Ingestor delivers outbox items to the cloud. A nil error is an
// acknowledgement; the cloud deduplicates on the request ID.
type Ingestor interface {
	Deliver(ctx context.Context, req DeliveryRequest) error
}

// IngestorFunc adapts a function to Ingestor.
type IngestorFunc func(ctx context.Context, req DeliveryRequest) error

// Deliver calls f.
func (f IngestorFunc) Deliver(ctx context.Context, req DeliveryRequest) error { return f(ctx, req) }

// Drain worker defaults.
const (
	DefaultDrainConcurrency = 4
	DefaultDeliveryTimeout  = 10 * time.Second
)

// DrainConfig tunes a DrainWorker.
type DrainConfig struct {
	ClinicID        string
	Concurrency     int
	DeliveryTimeout time.Duration
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Recovered int `json:"recovered"`
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Released  int `json:"released"`
	LeaseLost int `json:"lease_lost"`
}

// DrainWorker delivers due outbox items while the sync machine permits it.
type DrainWorker struct {
	outbox   *Outbox
	sync     *SyncMachine
	ingestor Ingestor
	clinicID string
	logger   *slog.Logger

	mu              sync.Mutex
	concurrency     int
	deliveryTimeout time.Duration
}

// NewDrainWorker returns a drain worker. ingestor may be nil, in which case
// every run reports ErrOffline.
func NewDrainWorker(outbox *Outbox, sync *SyncMachine, ingestor Ingestor, cfg DrainConfig, logger *slog.Logger) *DrainWorker {
	w := &DrainWorker{
		outbox:   outbox,
		sync:     sync,
		ingestor: ingestor,
		clinicID: cfg.ClinicID,
		logger:   logging.Component(logger, "drain"),
	}
	w.SetTuning(cfg.Concurrency, cfg.DeliveryTimeout)
	return w
}

// SetTuning replaces concurrency and per-item delivery timeout. Zero values
// select the defaults.
func (w *DrainWorker) SetTuning(concurrency int, deliveryTimeout time.Duration) {
	if concurrency <= 0 {
		concurrency = DefaultDrainConcurrency
	}
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	w.mu.Lock()
	w.concurrency = concurrency
	w.deliveryTimeout = deliveryTimeout
	w.mu.Unlock()
}

func (w *DrainWorker) tuning() (int, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.concurrency, w.deliveryTimeout
}

// RunOnce recovers expired leases and then delivers one batch. It returns
// ErrOffline when the sync machine does not permit delivery. Every claimed
// item ends the pass completed, rescheduled, failed or released, unless
// another pass recovered its lease first.
func (w *DrainWorker) RunOnce(ctx context.Context) (DrainStats, error) {
	var stats DrainStats

	recovered, err := w.outbox.RecoverStale(ctx)
	if err != nil {
		return stats, err
	}
	stats.Recovered = recovered
	if recovered > 0 {
		w.logger.Info("recovered expired leases", "count", recovered)
	}

	if w.ingestor == nil {
		return stats, ErrOffline
	}
	limit := w.sync.DrainBatchLimit()
	if limit == 0 {
		return stats, ErrOffline
	}

	batch, err := w.outbox.DequeueBatch(ctx, limit)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(batch)
	if len(batch) == 0 {
		return stats, nil
	}

	concurrency, timeout := w.tuning()
	var (
		mu        sync.Mutex
		unstarted []OutboxItem
		g         errgroup.Group
	)
	g.SetLimit(concurrency)

	for _, item := range batch {
		g.Go(func() error {
			if ctx.Err() != nil || w.sync.Status() == StatusOffline {
				mu.Lock()
				unstarted = append(unstarted, item)
				mu.Unlock()
				return nil
			}
			// Items can wait behind the concurrency limit; restamp the lease
			// so a concurrent pass cannot recover it mid-delivery.
			renewed, err := w.outbox.RenewLease(ctx, item)
			if err != nil {
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, ErrLeaseLost) {
					w.logger.Debug("lease lost before delivery", "id", item.ID)
					stats.LeaseLost++
					return nil
				}
				w.logger.Error("renew lease failed", "id", item.ID, "error", err)
				unstarted = append(unstarted, item)
				return nil
			}
			outcome := w.deliver(ctx, renewed, timeout)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeDelivered:
				stats.Delivered++
			case outcomeFailed:
				stats.Failed++
			case outcomeExhausted:
				stats.Failed++
				stats.Exhausted++
			case outcomeReleased:
				unstarted = append(unstarted, renewed)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(unstarted) > 0 {
		n, err := w.outbox.Release(context.WithoutCancel(ctx), unstarted)
		if err != nil {
			w.logger.Error("release unstarted items failed", "count", len(unstarted), "error", err)
		}
		stats.Released = n
	}

	w.logger.Debug("drain pass complete",
		"claimed", stats.Claimed, "delivered", stats.Delivered, "failed", stats.Failed,
		"exhausted", stats.Exhausted, "released", stats.Released, "lease_lost", stats.LeaseLost)
	return stats, nil
}

type deliveryOutcome int

const (
	outcomeDelivered deliveryOutcome = iota
	outcomeFailed
	outcomeExhausted
	outcomeReleased
)

// deliver sends one item and records its outcome. Outcomes are written with
// a non-cancelable context so a shutdown never strands a claimed item.
func (w *DrainWorker) deliver(ctx context.Context, item OutboxItem, timeout time.Duration) deliveryOutcome {
	req := DeliveryRequest{
		ID:        item.ID,
		Type:      item.Type,
		Payload:   json.RawMessage(item.Payload),
		ClinicID:  w.clinicID,
		CreatedAt: item.CreatedAt,
	}

	deliverCtx, cancel := context.WithTimeout(ctx, timeout)
	err := w.ingestor.Deliver(deliverCtx, req)
	cancel()

	record := context.WithoutCancel(ctx)
	if err == nil {
		if err := w.outbox.MarkCompleted(record, item.ID); err != nil {
			w.logger.Error("mark completed failed", "id", item.ID, "error", err)
		}
		w.sync.RecordDelivery(record, nil)
		return outcomeDelivered
	}

	// The caller is shutting down; the attempt is not the cloud's fault.
	// A caller deadline still counts as a failed attempt.
	if errors.Is(ctx.Err(), context.Canceled) && errors.Is(err, context.Canceled) {
		return outcomeReleased
	}

	updated, ferr := w.outbox.MarkFailed(record, item.ID, err)
	w.sync.RecordDelivery(record, err)
	if ferr != nil {
		w.logger.Error("record delivery failure failed", "id", item.ID, "error", ferr)
		return outcomeFailed
	}
	if updated.Status == OutboxFailed {
		return outcomeExhausted
	}
	w.logger.Debug("delivery failed; rescheduled",
		"id", item.ID, "type", item.Type, "attempts", updated.Attempts, "scheduled_at", updated.ScheduledAt, "error", err)
	return outcomeFailed
}

// Run drains every interval until ctx is done. Errors are logged.
func (w *DrainWorker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
			w.logger.Warn("drain pass failed", "error", err)
		}
	}
}
