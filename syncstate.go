package edgeguard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/edgeguard/internal/logging"
)

// Prober checks whether the cloud is reachable. Implementations must honor
// ctx cancellation.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Default sync machine tuning.
const (
	DefaultDegradeAfter = 3
	DefaultBatchSize    = 50
)

// SyncMachineConfig configures a SyncMachine.
type SyncMachineConfig struct {
	ClinicID string
	CloudURL string

	// DegradeAfter is the number of consecutive delivery failures that move
	// an online node to degraded.
	DegradeAfter int

	// BatchSize is the drain batch when online.
	BatchSize int
}

// SyncMachine tracks connectivity and gates network work.
//
//	offline --probe ok--> online --N delivery failures--> degraded
//	   ^                    ^                               |
//	   |                    +------ delivery succeeds ------+
//	   +---------------- probe fails (any state)
//
// Every transition is persisted to the sync_state row.
type SyncMachine struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        SyncState
	failures     int
	degradeAfter int
	batchSize    int
}

// NewSyncMachine restores the persisted sync state. A node always starts
// offline until its first successful probe; the last refresh time and rule
// version survive restarts.
func NewSyncMachine(ctx context.Context, store *Store, cfg SyncMachineConfig, logger *slog.Logger) (*SyncMachine, error) {
	m := &SyncMachine{
		store:  store,
		logger: logging.Component(logger, "sync"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	m.SetTuning(cfg.DegradeAfter, cfg.BatchSize)

	persisted, err := store.LoadSyncState(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: load state: %w", err)
	}
	if persisted != nil {
		m.state = *persisted
	}
	m.state.ConnectionStatus = StatusOffline
	m.state.ClinicID = cfg.ClinicID
	m.state.CloudURL = cfg.CloudURL
	m.state.UpdatedAt = m.now()

	if err := store.SaveSyncState(ctx, m.state); err != nil {
		return nil, fmt.Errorf("sync: save state: %w", err)
	}
	return m, nil
}

// SetTuning replaces the degrade threshold and online batch size. Zero
// values select the defaults.
func (m *SyncMachine) SetTuning(degradeAfter, batchSize int) {
	if degradeAfter <= 0 {
		degradeAfter = DefaultDegradeAfter
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	m.mu.Lock()
	m.degradeAfter = degradeAfter
	m.batchSize = batchSize
	m.mu.Unlock()
}

// State returns a copy of the current sync state.
func (m *SyncMachine) State() SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	if st.LastSyncTime != nil {
		t := *st.LastSyncTime
		st.LastSyncTime = &t
	}
	return st
}

// Status returns the current connection status.
func (m *SyncMachine) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ConnectionStatus
}

// CanRefresh reports whether a rule refresh may run. Only a fully online
// node refreshes.
func (m *SyncMachine) CanRefresh() bool {
	return m.Status() == StatusOnline
}

// DrainBatchLimit returns how many outbox items may be delivered in the
// next drain pass: the full batch online, a single trial item when
// degraded and none when offline.
func (m *SyncMachine) DrainBatchLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.ConnectionStatus {
	case StatusOnline:
		return m.batchSize
	case StatusDegraded:
		return 1
	}
	return 0
}

// RecordProbe applies a probe outcome. A failed probe moves any state to
// offline; a successful one brings an offline node online. A degraded node
// stays degraded until a delivery succeeds.
func (m *SyncMachine) RecordProbe(ctx context.Context, probeErr error) ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if probeErr != nil {
		if m.state.ConnectionStatus != StatusOffline {
			m.logger.Warn("cloud unreachable", "error", probeErr)
		}
		m.failures = 0
		m.transition(ctx, StatusOffline)
		return m.state.ConnectionStatus
	}
	if m.state.ConnectionStatus == StatusOffline {
		m.failures = 0
		m.transition(ctx, StatusOnline)
	}
	return m.state.ConnectionStatus
}

// RecordDelivery applies the outcome of one outbox delivery.
func (m *SyncMachine) RecordDelivery(ctx context.Context, deliveryErr error) ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.ConnectionStatus == StatusOffline {
		return StatusOffline
	}
	if deliveryErr == nil {
		m.failures = 0
		m.transition(ctx, StatusOnline)
		return m.state.ConnectionStatus
	}

	m.failures++
	if m.failures >= m.degradeAfter {
		m.transition(ctx, StatusDegraded)
	}
	return m.state.ConnectionStatus
}

// RecordRuleRefresh records a successful rule refresh. It is the only
// writer of LastSyncTime and LastRuleVersion.
func (m *SyncMachine) RecordRuleRefresh(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.state.LastSyncTime = &now
	m.state.LastRuleVersion = version
	m.state.UpdatedAt = now
	if err := m.store.SaveSyncState(context.WithoutCancel(ctx), m.state); err != nil {
		return fmt.Errorf("sync: record refresh: %w", err)
	}
	return nil
}

// Probe runs prober under timeout and records the outcome.
func (m *SyncMachine) Probe(ctx context.Context, prober Prober, timeout time.Duration) ConnectionStatus {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.RecordProbe(ctx, prober.Probe(probeCtx))
}

// Run probes immediately and then every interval until ctx is done.
func (m *SyncMachine) Run(ctx context.Context, prober Prober, interval, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		m.Probe(ctx, prober, timeout)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// transition moves to status and persists the row. Callers hold m.mu.
// Persistence failures are logged; the in-memory state remains
// authoritative for gating.
func (m *SyncMachine) transition(ctx context.Context, status ConnectionStatus) {
	if m.state.ConnectionStatus == status {
		return
	}
	previous := m.state.ConnectionStatus
	m.state.ConnectionStatus = status
	m.state.UpdatedAt = m.now()

	if err := m.store.SaveSyncState(context.WithoutCancel(ctx), m.state); err != nil {
		m.logger.Error("persist sync state failed", "status", status, "error", err)
	}
	m.logger.Info("connection status changed", "from", previous, "to", status)
}
