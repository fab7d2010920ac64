package edgeguard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultFeedbackSource is recorded when feedback names no source.
const DefaultFeedbackSource = "clinician"

func (p AssuranceEventParams) validate() error {
	if err := ValidatePatientHash(p.PatientHash); err != nil {
		return err
	}
	if strings.TrimSpace(p.EventType) == "" {
		return &ValidationError{Field: "event_type", Message: "required"}
	}
	if strings.TrimSpace(p.AIRecommendation) == "" {
		return &ValidationError{Field: "ai_recommendation", Message: "required"}
	}
	if p.AIConfidence != nil && (*p.AIConfidence < 0 || *p.AIConfidence > 1) {
		return &ValidationError{Field: "ai_confidence", Message: "must be between 0 and 1"}
	}
	if p.AILatencyMs != nil && *p.AILatencyMs < 0 {
		return &ValidationError{Field: "ai_latency_ms", Message: "must be non-negative"}
	}
	if p.HumanOverride && strings.TrimSpace(p.OverrideReason) == "" {
		return &ValidationError{Field: "override_reason", Message: "required when human_override is set"}
	}
	return nil
}

// RecordAssuranceEvent stores an AI-assisted recommendation and the human
// decision, and queues it for the cloud in the same transaction. It never
// waits for the network.
func (n *Node) RecordAssuranceEvent(ctx context.Context, params AssuranceEventParams) (*AssuranceEvent, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	ev := AssuranceEvent{
		ID:                   uuid.NewString(),
		PatientHash:          params.PatientHash,
		EncounterID:          params.EncounterID,
		EventType:            params.EventType,
		InputContextSnapshot: params.InputContextSnapshot,
		AIRecommendation:     params.AIRecommendation,
		AIConfidence:         params.AIConfidence,
		AIProvider:           params.AIProvider,
		AILatencyMs:          params.AILatencyMs,
		HumanDecision:        params.HumanDecision,
		HumanOverride:        params.HumanOverride,
		OverrideReason:       params.OverrideReason,
		RuleVersionID:        n.rules.ActiveVersion(),
		ClinicID:             n.Config().ClinicID,
		SyncStatus:           SyncPending,
		CreatedAt:            n.now(),
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("node: encode assurance event: %w", err)
	}
	priority := PriorityNormal
	if ev.HumanOverride {
		priority = PriorityHigh
	}
	item, err := n.outbox.newItem(EnqueueParams{
		Type:      EventAssurance,
		Payload:   payload,
		Priority:  priority,
		SubjectID: ev.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := n.store.InsertAssuranceEvent(ctx, ev, item); err != nil {
		return nil, fmt.Errorf("node: record assurance event: %w", err)
	}
	n.logger.Debug("assurance event recorded", "event_id", ev.ID, "event_type", ev.EventType, "outbox_id", item.ID)
	return &ev, nil
}

// RecordHumanFeedback attaches clinician feedback to an assurance event and
// queues it for the cloud. Returns ErrNotFound if the event does not exist.
func (n *Node) RecordHumanFeedback(ctx context.Context, params HumanFeedbackParams) (*HumanFeedback, error) {
	if params.AssuranceEventID == "" {
		return nil, &ValidationError{Field: "assurance_event_id", Message: "required"}
	}
	if strings.TrimSpace(params.FeedbackType) == "" {
		return nil, &ValidationError{Field: "feedback_type", Message: "required"}
	}
	if strings.TrimSpace(params.FeedbackValue) == "" {
		return nil, &ValidationError{Field: "feedback_value", Message: "required"}
	}

	fb := HumanFeedback{
		ID:               uuid.NewString(),
		AssuranceEventID: params.AssuranceEventID,
		FeedbackType:     params.FeedbackType,
		FeedbackValue:    params.FeedbackValue,
		Source:           params.Source,
		SyncStatus:       SyncPending,
		CreatedAt:        n.now(),
	}
	if fb.Source == "" {
		fb.Source = DefaultFeedbackSource
	}

	payload, err := json.Marshal(fb)
	if err != nil {
		return nil, fmt.Errorf("node: encode feedback: %w", err)
	}
	item, err := n.outbox.newItem(EnqueueParams{
		Type:      EventHumanFeedback,
		Payload:   payload,
		Priority:  PriorityNormal,
		SubjectID: fb.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := n.store.InsertHumanFeedback(ctx, fb, item); err != nil {
		return nil, fmt.Errorf("node: record feedback: %w", err)
	}
	return &fb, nil
}

// AssuranceEvent returns an assurance event with its feedback.
func (n *Node) AssuranceEvent(ctx context.Context, id string) (*AssuranceEvent, error) {
	return n.store.GetAssuranceEvent(ctx, id)
}
