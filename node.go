package edgeguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/edgeguard/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Cloud is a client for every cloud boundary a node talks to.
type Cloud interface {
	Prober
	RuleAuthority
	Ingestor
}

// Option configures a Node.
type Option func(*nodeOptions)

type nodeOptions struct {
	prober    Prober
	authority RuleAuthority
	ingestor  Ingestor
	logic     LogicEvaluator
	logger    *slog.Logger
	now       func() time.Time
}

// WithCloud uses c for probes, rule refresh and delivery.
func WithCloud(c Cloud) Option {
	return func(o *nodeOptions) {
		o.prober = c
		o.authority = c
		o.ingestor = c
	}
}

// WithProber sets the connectivity prober.
func WithProber(p Prober) Option {
	return func(o *nodeOptions) { o.prober = p }
}

// WithRuleAuthority sets the source of published rule versions.
func WithRuleAuthority(a RuleAuthority) Option {
	return func(o *nodeOptions) { o.authority = a }
}

// WithIngestor sets the delivery target for outbox items.
func WithIngestor(i Ingestor) Option {
	return func(o *nodeOptions) { o.ingestor = i }
}

// WithLogic replaces the rule logic evaluator. If it also implements
// LogicCompiler, rule versions are compiled before they are applied.
func WithLogic(l LogicEvaluator) Option {
	return func(o *nodeOptions) { o.logic = l }
}

// WithLogger sets the logger. Without it the node logs nothing.
func WithLogger(l *slog.Logger) Option {
	return func(o *nodeOptions) { o.logger = l }
}

// WithClock replaces the wall clock used for expiry, scheduling and audit
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *nodeOptions) { o.now = now }
}

// Node is an edge node: the local store, the evaluation path and the
// background sync loops, behind one handle.
type Node struct {
	store     *Store
	rules     *RuleStore
	patients  *PatientCache
	outbox    *Outbox
	evaluator *Evaluator
	sync      *SyncMachine
	refresh   *RefreshJob
	drain     *DrainWorker

	prober    Prober
	authority RuleAuthority
	ingestor  Ingestor
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	config  Config
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
	closed  bool
}

// Open validates cfg, opens the node database and restores the persisted
// rule version and sync state. Background loops are not started; see Start.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := nodeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logic == nil {
		o.logic = NewCUELogic()
	}
	logger := logging.OrNop(o.logger)

	store, err := NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	n, err := assemble(ctx, store, cfg, o, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("node opened",
		"clinic_id", cfg.ClinicID,
		"node_id", cfg.NodeID,
		"db_path", cfg.DBPath,
		"rule_version", n.rules.ActiveVersion(),
		"offline_only", cfg.IsOffline())
	return n, nil
}

func assemble(ctx context.Context, store *Store, cfg Config, o nodeOptions, logger *slog.Logger) (*Node, error) {
	compiler, _ := o.logic.(LogicCompiler)
	rules, err := NewRuleStore(ctx, store, compiler, logger)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	syncMachine, err := NewSyncMachine(ctx, store, SyncMachineConfig{
		ClinicID:     cfg.ClinicID,
		CloudURL:     cfg.CloudURL,
		DegradeAfter: cfg.DegradeAfter,
		BatchSize:    cfg.DrainBatchSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	patients := NewPatientCache(store, cfg.ClinicID, cfg.PatientTTL)
	outbox := NewOutbox(store, cfg.Retry, logger)
	evaluator := NewEvaluator(store, rules, patients, outbox, o.logic, logger)
	evaluator.SetActionCategories(cfg.ActionCategories)

	n := &Node{
		store:     store,
		rules:     rules,
		patients:  patients,
		outbox:    outbox,
		evaluator: evaluator,
		sync:      syncMachine,
		refresh:   NewRefreshJob(rules, syncMachine, o.authority, logger),
		drain: NewDrainWorker(outbox, syncMachine, o.ingestor, DrainConfig{
			ClinicID:        cfg.ClinicID,
			Concurrency:     cfg.DrainConcurrency,
			DeliveryTimeout: cfg.DeliveryTimeout,
		}, logger),
		prober:    o.prober,
		authority: o.authority,
		ingestor:  o.ingestor,
		logger:    logging.Component(logger, "node"),
		now:       func() time.Time { return time.Now().UTC() },
		config:    cfg,
	}

	if o.now != nil {
		n.now = o.now
		rules.now = o.now
		patients.now = o.now
		outbox.now = o.now
		evaluator.now = o.now
		syncMachine.now = o.now
	}
	return n, nil
}

// Config returns the configuration in effect.
func (n *Node) Config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config
}

// Evaluate returns the traffic light verdict for a proposed action.
// See Evaluator.Evaluate.
func (n *Node) Evaluate(ctx context.Context, params EvaluateParams) (*EvaluationResult, error) {
	return n.evaluator.Evaluate(ctx, params)
}

// Evaluation returns one evaluation log row.
func (n *Node) Evaluation(ctx context.Context, id string) (*EvaluationLog, error) {
	return n.store.GetEvaluation(ctx, id)
}

// PutPatientFact caches de-identified facts for a patient.
func (n *Node) PutPatientFact(ctx context.Context, fact PatientFact) (*PatientFact, error) {
	return n.patients.Put(ctx, fact)
}

// PatientFact returns the cached, unexpired facts for a patient.
func (n *Node) PatientFact(ctx context.Context, hash string) (*PatientFact, error) {
	return n.patients.Get(ctx, hash)
}

// HashPatient derives a patient hash from a direct identifier with the
// configured PatientHashKey.
func (n *Node) HashPatient(identifier string) (string, error) {
	return HashPatientIdentifier([]byte(n.Config().PatientHashKey), identifier)
}

// ApplyRuleBundle verifies and activates the rule version in a bundle file.
// On failure the previously active version stays active.
func (n *Node) ApplyRuleBundle(ctx context.Context, b *RuleBundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := n.rules.ApplyVersion(ctx, b.Record(), b.Rules); err != nil {
		return err
	}
	return n.sync.RecordRuleRefresh(ctx, b.Version)
}

// ExportRuleBundle packages the active rule version.
func (n *Node) ExportRuleBundle() (*RuleBundle, error) {
	return BundleFromRuleSet(n.rules.Snapshot())
}

// ActiveRules returns the usable rules of category; "" returns all.
func (n *Node) ActiveRules(category string) []RuleSnapshot {
	return n.rules.GetActiveRules(category)
}

// RuleVersions returns the applied version history, newest first.
func (n *Node) RuleVersions(ctx context.Context) ([]RuleVersionRecord, error) {
	return n.rules.Versions(ctx)
}

// SyncState returns the current sync state.
func (n *Node) SyncState() SyncState {
	return n.sync.State()
}

// FailedOutbox returns terminally failed outbox items for operator review.
func (n *Node) FailedOutbox(ctx context.Context, limit int) ([]OutboxItem, error) {
	return n.outbox.Failed(ctx, limit)
}

// RequeueOutbox gives a terminally failed item a fresh attempt budget.
func (n *Node) RequeueOutbox(ctx context.Context, id string) (*OutboxItem, error) {
	return n.outbox.Requeue(ctx, id)
}

// OutboxItem returns one outbox item.
func (n *Node) OutboxItem(ctx context.Context, id string) (*OutboxItem, error) {
	return n.outbox.Get(ctx, id)
}

// ExportEvaluations writes matching evaluation log rows to w as JSON lines.
func (n *Node) ExportEvaluations(ctx context.Context, w io.Writer, filter ExportFilter) (int, error) {
	return n.store.ExportEvaluations(ctx, w, filter)
}

// Stats returns store statistics with the live sync state.
func (n *Node) Stats(ctx context.Context) (*NodeStats, error) {
	stats, err := n.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &NodeStats{StoreStats: *stats, Sync: n.sync.State()}, nil
}

// HealthCheck reports whether the node can serve evaluations. When a
// prober is configured the cloud is probed and the result recorded.
func (n *Node) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{StoreOK: true}

	if err := n.store.Ping(ctx); err != nil {
		status.StoreOK = false
		status.Error = err.Error()
		status.Connection = n.sync.Status()
		return status
	}

	status.RulesLoaded = n.rules.Snapshot() != nil
	if !status.RulesLoaded {
		status.Error = ErrNoActiveRules.Error()
	}

	if n.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, n.Config().ProbeTimeout)
		err := n.prober.Probe(probeCtx)
		cancel()
		n.sync.RecordProbe(ctx, err)
		status.CloudReachable = err == nil
		if err != nil && status.Error == "" {
			status.Error = err.Error()
		}
	}

	status.Connection = n.sync.Status()
	status.Healthy = status.StoreOK && status.RulesLoaded
	return status
}

// SyncReport summarizes one SyncNow pass.
type SyncReport struct {
	Status      ConnectionStatus `json:"status"`
	RuleVersion string           `json:"rule_version,omitempty"`
	RuleApplied bool             `json:"rule_applied"`
	Drain       DrainStats       `json:"drain"`
	RefreshErr  string           `json:"refresh_error,omitempty"`
	DrainErr    string           `json:"drain_error,omitempty"`
}

// SyncNow probes the cloud, refreshes rules and drains one outbox batch.
// Refresh and drain failures are reported in the SyncReport; the returned
// error is ErrOffline when no cloud is configured or the probe fails.
func (n *Node) SyncNow(ctx context.Context) (*SyncReport, error) {
	if n.prober == nil {
		return nil, ErrOffline
	}
	cfg := n.Config()

	report := &SyncReport{Status: n.sync.Probe(ctx, n.prober, cfg.ProbeTimeout)}
	if report.Status == StatusOffline {
		return report, ErrOffline
	}

	refreshCtx, cancel := context.WithTimeout(ctx, cfg.RefreshTimeout)
	applied, err := n.refresh.RunOnce(refreshCtx)
	cancel()
	report.RuleApplied = applied
	if err != nil {
		report.RefreshErr = err.Error()
	}

	stats, err := n.drain.RunOnce(ctx)
	report.Drain = stats
	if err != nil {
		report.DrainErr = err.Error()
	}

	report.Status = n.sync.Status()
	report.RuleVersion = n.rules.ActiveVersion()
	return report, nil
}

// Reconfigure applies new tuning to a running node. Identity settings
// (database, clinic, cloud URL) cannot change without reopening the node.
// Loop intervals take effect on the next Start.
func (n *Node) Reconfigure(cfg Config) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	cfg.DBPath = firstNonEmpty(cfg.DBPath, n.config.DBPath)
	cfg.ClinicID = firstNonEmpty(cfg.ClinicID, n.config.ClinicID)
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DBPath != n.config.DBPath {
		return &ValidationError{Field: "DBPath", Message: "cannot change while the node is open"}
	}
	if cfg.ClinicID != n.config.ClinicID {
		return &ValidationError{Field: "ClinicID", Message: "cannot change while the node is open"}
	}
	if cfg.CloudURL != n.config.CloudURL {
		return &ValidationError{Field: "CloudURL", Message: "cannot change while the node is open"}
	}

	n.patients.SetTTL(cfg.PatientTTL)
	n.outbox.SetPolicy(cfg.Retry)
	n.evaluator.SetActionCategories(cfg.ActionCategories)
	n.sync.SetTuning(cfg.DegradeAfter, cfg.DrainBatchSize)
	n.drain.SetTuning(cfg.DrainConcurrency, cfg.DeliveryTimeout)
	n.config = cfg

	n.logger.Info("node reconfigured",
		"patient_ttl", cfg.PatientTTL,
		"max_attempts", cfg.Retry.MaxAttempts,
		"batch_size", cfg.DrainBatchSize)
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Start launches the background loops: connectivity probes, rule refresh,
// outbox drain and the maintenance sweep. Network loops run only for the
// boundaries configured with options, and not at all with ManualSync. The
// loops stop when ctx is done or Close is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrStoreClosed
	}
	if n.running {
		return nil
	}

	cfg := n.config
	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)

	if !cfg.ManualSync {
		if n.prober != nil {
			g.Go(func() error {
				return n.sync.Run(gctx, n.prober, cfg.ProbeInterval, cfg.ProbeTimeout)
			})
		}
		if n.authority != nil {
			g.Go(func() error {
				return n.refresh.Run(gctx, cfg.RefreshInterval, cfg.RefreshTimeout)
			})
		}
		if n.ingestor != nil {
			g.Go(func() error {
				return n.drain.Run(gctx, cfg.DrainInterval)
			})
		}
	}
	g.Go(func() error {
		return n.runSweep(gctx, cfg.SweepInterval)
	})

	n.cancel = cancel
	n.group = g
	n.running = true
	n.logger.Info("background loops started", "manual_sync", cfg.ManualSync)
	return nil
}

// Sweep deletes expired patient facts and completed outbox items older than
// the retention window.
func (n *Node) Sweep(ctx context.Context) error {
	retention := n.Config().CompletedRetention

	facts, err := n.patients.Sweep(ctx)
	if err != nil {
		return err
	}
	purged, err := n.outbox.PurgeCompleted(ctx, retention)
	if err != nil {
		return err
	}
	if facts > 0 || purged > 0 {
		n.logger.Info("maintenance sweep", "expired_facts", facts, "purged_outbox", purged)
	}
	return nil
}

func (n *Node) runSweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.Sweep(ctx); err != nil && ctx.Err() == nil {
				n.logger.Warn("maintenance sweep failed", "error", err)
			}
		}
	}
}

// Stop cancels the background loops and waits for them to return.
func (n *Node) Stop() error {
	n.mu.Lock()
	cancel, g := n.cancel, n.group
	n.cancel, n.group, n.running = nil, nil, false
	n.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	n.logger.Info("background loops stopped")
	return nil
}

// Close stops the background loops and closes the store. Outbox items that
// were not delivered remain queued for the next run.
func (n *Node) Close() error {
	if err := n.Stop(); err != nil {
		n.logger.Warn("background loop error", "error", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.store.Close()
}
