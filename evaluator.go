package edgeguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/edgeguard/internal/logging"
	"github.com/oklog/ulid/v2"
)

// Evaluator produces traffic light verdicts from the local rule snapshot and
// patient cache. It performs no network I/O.
type Evaluator struct {
	store      *Store
	rules      *RuleStore
	patients   *PatientCache
	outbox     *Outbox
	logic      LogicEvaluator
	categories atomic.Pointer[map[string]string]
	logger     *slog.Logger
	now        func() time.Time
}

// NewEvaluator wires an evaluator. logic defaults to the CUE evaluator and
// logger may be nil.
func NewEvaluator(store *Store, rules *RuleStore, patients *PatientCache, outbox *Outbox, logic LogicEvaluator, logger *slog.Logger) *Evaluator {
	if logic == nil {
		logic = NewCUELogic()
	}
	e := &Evaluator{
		store:    store,
		rules:    rules,
		patients: patients,
		outbox:   outbox,
		logic:    logic,
		logger:   logging.Component(logger, "evaluator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.SetActionCategories(nil)
	return e
}

// SetActionCategories replaces the action-to-category mapping. Actions not
// in the map use their own name as the category.
func (e *Evaluator) SetActionCategories(m map[string]string) {
	cp := maps.Clone(m)
	if cp == nil {
		cp = map[string]string{}
	}
	e.categories.Store(&cp)
}

// Category returns the rule category evaluated for action.
func (e *Evaluator) Category(action string) string {
	if c, ok := (*e.categories.Load())[action]; ok && c != "" {
		return c
	}
	return action
}

// Evaluate returns the verdict for a proposed action and appends one audit
// row. Missing or expired patient facts, a malformed patient key, a missing
// rule version and rule logic failures all produce red. A malformed key is
// audited under a digest of the rejected value. A non-nil error reports an
// invalid request, in which case the result is nil, or a failure to persist
// the audit row, in which case the verdict is still returned.
func (e *Evaluator) Evaluate(ctx context.Context, params EvaluateParams) (*EvaluationResult, error) {
	if params.Action == "" {
		return nil, &ValidationError{Field: "action", Message: "required"}
	}
	if params.Override != nil && (params.Override.By == "" || params.Override.Reason == "") {
		return nil, &ValidationError{Field: "override", Message: "by and reason are required"}
	}

	started := time.Now()
	category := e.Category(params.Action)
	set := e.rules.Snapshot()
	now := e.now()

	patientHash := params.PatientHash
	validKey := ValidatePatientHash(patientHash) == nil

	var signals []Signal
	if !validKey {
		patientHash = rejectedKeyDigest(params.PatientHash)
		signals = append(signals, Signal{
			Severity: ColorRed,
			Code:     SignalInvalidPatientKey,
			Reason:   "patient key is not a valid hash",
		})
	}
	if set == nil {
		signals = append(signals, Signal{
			Severity: ColorRed,
			Code:     SignalRulesUnavailable,
			Reason:   "no verified rule version is active",
		})
	}

	var fact *PatientFact
	if validKey {
		var err error
		fact, err = e.patients.Get(ctx, patientHash)
		if err != nil {
			if !errors.Is(err, ErrCacheMiss) {
				e.logger.Error("patient cache read failed", "error", err)
			}
			fact = nil
			signals = append(signals, Signal{
				Severity: ColorRed,
				Code:     SignalMissingPatientContext,
				Reason:   "patient context is missing or expired",
			})
		}
	}

	if set != nil && fact != nil {
		input := RuleInput{
			Action:   params.Action,
			Category: category,
			Patient:  fact,
			Context:  params.Context,
		}
		for _, rule := range set.Active(category, now) {
			signals = append(signals, e.runRule(ctx, rule, input)...)
		}
	}

	color := Combine(signals)
	if signals == nil {
		signals = []Signal{}
	}
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	entry := EvaluationLog{
		ID:           ulid.Make().String(),
		PatientHash:  patientHash,
		Action:       params.Action,
		ResultColor:  color,
		SignalCount:  len(signals),
		Signals:      signals,
		EvaluationMs: elapsed,
		CreatedAt:    now,
	}
	if set != nil {
		entry.RuleVersion = set.Version.Version
	}
	if params.Override != nil {
		entry.Overridden = true
		entry.OverrideBy = params.Override.By
		entry.OverrideReason = params.Override.Reason
	}

	result := &EvaluationResult{
		LogID:        entry.ID,
		Color:        color,
		Signals:      signals,
		SignalCount:  entry.SignalCount,
		RuleVersion:  entry.RuleVersion,
		EvaluationMs: elapsed,
		Overridden:   entry.Overridden,
		CreatedAt:    entry.CreatedAt,
	}

	events, err := e.derivedEvents(entry, params)
	if err != nil {
		return result, fmt.Errorf("evaluator: %w", err)
	}

	// The audit row is written even if the caller has given up waiting.
	if err := e.store.InsertEvaluation(context.WithoutCancel(ctx), entry, events); err != nil {
		e.logger.Error("evaluation audit write failed", "log_id", entry.ID, "error", err)
		return result, fmt.Errorf("evaluator: persist audit: %w", err)
	}

	e.logger.Debug("evaluated",
		"log_id", entry.ID, "action", params.Action, "category", category,
		"result", color, "signals", len(signals), "rule_version", entry.RuleVersion)
	return result, nil
}

// runRule evaluates one rule. Logic failures become a red rule_error signal.
func (e *Evaluator) runRule(ctx context.Context, rule RuleSnapshot, in RuleInput) []Signal {
	ruleError := func(err error) []Signal {
		e.logger.Warn("rule logic failed", "rule_id", rule.RuleID, "error", err)
		return []Signal{{
			RuleID:   rule.RuleID,
			Severity: ColorRed,
			Code:     SignalRuleError,
			Reason:   fmt.Sprintf("rule %s could not be evaluated", rule.RuleID),
		}}
	}

	signals, err := e.logic.EvaluateRule(ctx, rule, in)
	if err != nil {
		return ruleError(err)
	}
	for i := range signals {
		if signals[i].RuleID == "" {
			signals[i].RuleID = rule.RuleID
		}
		if signals[i].Severity.rank() < 0 {
			return ruleError(fmt.Errorf("unknown severity %q", signals[i].Severity))
		}
	}
	return signals
}

// evaluationEvent is the outbox payload of evaluation-derived events.
type evaluationEvent struct {
	LogID          string    `json:"log_id"`
	PatientHash    string    `json:"patient_hash"`
	EncounterID    string    `json:"encounter_id,omitempty"`
	Action         string    `json:"action"`
	ResultColor    Color     `json:"result_color"`
	Signals        []Signal  `json:"signals"`
	RuleVersion    string    `json:"rule_version,omitempty"`
	AIAssisted     bool      `json:"ai_assisted"`
	Overridden     bool      `json:"overridden"`
	OverrideBy     string    `json:"override_by,omitempty"`
	OverrideReason string    `json:"override_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e *Evaluator) derivedEvents(entry EvaluationLog, params EvaluateParams) ([]OutboxItem, error) {
	if params.Override == nil && !params.AIAssisted {
		return nil, nil
	}

	payload, err := json.Marshal(evaluationEvent{
		LogID:          entry.ID,
		PatientHash:    entry.PatientHash,
		EncounterID:    params.EncounterID,
		Action:         entry.Action,
		ResultColor:    entry.ResultColor,
		Signals:        entry.Signals,
		RuleVersion:    entry.RuleVersion,
		AIAssisted:     params.AIAssisted,
		Overridden:     entry.Overridden,
		OverrideBy:     entry.OverrideBy,
		OverrideReason: entry.OverrideReason,
		CreatedAt:      entry.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode evaluation event: %w", err)
	}

	var events []OutboxItem
	if params.Override != nil {
		item, err := e.outbox.newItem(EnqueueParams{
			Type: EventEvaluationOverride, Payload: payload, Priority: PriorityHigh, SubjectID: entry.ID,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, item)
	}
	if params.AIAssisted {
		item, err := e.outbox.newItem(EnqueueParams{
			Type: EventEvaluation, Payload: payload, Priority: PriorityNormal, SubjectID: entry.ID,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, item)
	}
	return events, nil
}
