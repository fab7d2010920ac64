package edgeguard

import (
	"strings"
	"time"
)

// ConnectionStatus is the node's view of its link to the cloud.
type ConnectionStatus string

const (
	StatusOffline  ConnectionStatus = "offline"
	StatusOnline   ConnectionStatus = "online"
	StatusDegraded ConnectionStatus = "degraded"
)

// IsValid checks if the status is one of the known connection states.
func (s ConnectionStatus) IsValid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusDegraded:
		return true
	}
	return false
}

// SyncState is the single live sync record of a node.
type SyncState struct {
	LastSyncTime     *time.Time       `json:"last_sync_time,omitempty"`
	LastRuleVersion  string           `json:"last_rule_version,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	CloudURL         string           `json:"cloud_url,omitempty"`
	ClinicID         string           `json:"clinic_id"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// OutboxStatus is the lifecycle state of an outbox item.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxFailed     OutboxStatus = "failed"
	OutboxCompleted  OutboxStatus = "completed"
)

// Outbox event types produced by this engine.
const (
	EventAssurance          = "assurance_event"
	EventHumanFeedback      = "human_feedback"
	EventEvaluationOverride = "traffic_light.override"
	EventEvaluation         = "traffic_light.evaluation"
)

// Outbox priorities. Higher drains first.
const (
	PriorityLow      = 0
	PriorityNormal   = 5
	PriorityHigh     = 10
	PriorityCritical = 20
)

// OutboxItem is a pending write destined for the cloud.
type OutboxItem struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Priority    int          `json:"priority"`
	Payload     []byte       `json:"payload"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	LastError   string       `json:"last_error,omitempty"`
	SubjectID   string       `json:"subject_id,omitempty"`
	Status      OutboxStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	ClaimedAt   *time.Time   `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

// RuleSnapshot is one cached, checksummed rule of a rule version.
type RuleSnapshot struct {
	RuleID    string     `json:"rule_id" yaml:"rule_id"`
	Category  string     `json:"category" yaml:"category"`
	RuleType  string     `json:"rule_type" yaml:"rule_type"`
	Name      string     `json:"name" yaml:"name"`
	Priority  int        `json:"priority" yaml:"priority"`
	IsActive  bool       `json:"is_active" yaml:"is_active"`
	RuleLogic string     `json:"rule_logic" yaml:"rule_logic"`
	Version   string     `json:"version" yaml:"version"`
	Checksum  string     `json:"checksum" yaml:"checksum"`
	SyncedAt  time.Time  `json:"synced_at" yaml:"-"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// RuleVersionRecord describes one applied (or previously applied) rule version.
type RuleVersionRecord struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
	IsActive  bool      `json:"is_active"`
	Changelog string    `json:"changelog,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// PatientFact holds de-identified evaluation inputs for one patient.
type PatientFact struct {
	PatientHash string         `json:"patient_hash" yaml:"patient_hash"`
	ClinicID    string         `json:"clinic_id" yaml:"clinic_id"`
	Medications []string       `json:"medications" yaml:"medications"`
	Allergies   []string       `json:"allergies" yaml:"allergies"`
	Diagnoses   []string       `json:"diagnoses" yaml:"diagnoses"`
	PlanInfo    map[string]any `json:"plan_info,omitempty" yaml:"plan_info,omitempty"`
	LastUpdated time.Time      `json:"last_updated" yaml:"-"`
	ExpiresAt   time.Time      `json:"expires_at" yaml:"-"`
}

// Expired reports whether the fact is no longer usable at now.
func (f *PatientFact) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// SyncStatus tracks delivery of a locally recorded event.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// AssuranceEvent records an AI-assisted recommendation and the human decision.
type AssuranceEvent struct {
	ID                   string          `json:"id"`
	PatientHash          string          `json:"patient_hash"`
	EncounterID          string          `json:"encounter_id,omitempty"`
	EventType            string          `json:"event_type"`
	InputContextSnapshot map[string]any  `json:"input_context_snapshot,omitempty"`
	AIRecommendation     string          `json:"ai_recommendation"`
	AIConfidence         *float64        `json:"ai_confidence,omitempty"`
	AIProvider           string          `json:"ai_provider,omitempty"`
	AILatencyMs          *int64          `json:"ai_latency_ms,omitempty"`
	HumanDecision        string          `json:"human_decision,omitempty"`
	HumanOverride        bool            `json:"human_override"`
	OverrideReason       string          `json:"override_reason,omitempty"`
	RuleVersionID        string          `json:"rule_version_id,omitempty"`
	ClinicID             string          `json:"clinic_id"`
	SyncStatus           SyncStatus      `json:"sync_status"`
	SyncedAt             *time.Time      `json:"synced_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	Feedback             []HumanFeedback `json:"feedback,omitempty"`
}

// HumanFeedback is clinician feedback attached to an assurance event.
type HumanFeedback struct {
	ID               string     `json:"id"`
	AssuranceEventID string     `json:"assurance_event_id"`
	FeedbackType     string     `json:"feedback_type"`
	FeedbackValue    string     `json:"feedback_value"`
	Source           string     `json:"source"`
	SyncStatus       SyncStatus `json:"sync_status"`
	SyncedAt         *time.Time `json:"synced_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Color is a traffic light verdict.
type Color string

const (
	ColorGreen  Color = "green"
	ColorYellow Color = "yellow"
	ColorRed    Color = "red"
)

// ParseColor parses a severity name. Unknown values are not accepted.
func ParseColor(s string) (Color, bool) {
	c := Color(strings.ToLower(strings.TrimSpace(s)))
	if c.rank() < 0 {
		return "", false
	}
	return c, true
}

func (c Color) rank() int {
	switch c {
	case ColorGreen:
		return 0
	case ColorYellow:
		return 1
	case ColorRed:
		return 2
	}
	return -1
}

// Worse returns the more severe of c and other.
func (c Color) Worse(other Color) Color {
	if other.rank() > c.rank() {
		return other
	}
	return c
}

// Signal codes emitted by the evaluator itself rather than by a rule.
const (
	SignalMissingPatientContext = "missing_patient_context"
	SignalRulesUnavailable      = "rules_unavailable"
	SignalRuleError             = "rule_error"
	SignalInvalidPatientKey     = "invalid_patient_key"
)

// Signal is one triggered finding contributing to a verdict.
type Signal struct {
	RuleID   string `json:"rule_id,omitempty"`
	Severity Color  `json:"severity"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason"`
}

// Combine folds signal severities worst-wins. No signals means green.
func Combine(signals []Signal) Color {
	result := ColorGreen
	for _, s := range signals {
		result = result.Worse(s.Severity)
	}
	return result
}

// Override is a clinician override supplied by the caller.
type Override struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// EvaluateParams requests a traffic light evaluation.
type EvaluateParams struct {
	PatientHash string         `json:"patient_hash"`
	Action      string         `json:"action"`
	Context     map[string]any `json:"context,omitempty"`
	EncounterID string         `json:"encounter_id,omitempty"`
	Override    *Override      `json:"override,omitempty"`
	// AIAssisted marks actions that originated from an AI recommendation;
	// their evaluations are forwarded to the cloud for assurance.
	AIAssisted bool `json:"ai_assisted,omitempty"`
}

// EvaluationResult is returned to evaluation callers.
type EvaluationResult struct {
	LogID        string    `json:"log_id"`
	Color        Color     `json:"result_color"`
	Signals      []Signal  `json:"signals"`
	SignalCount  int       `json:"signal_count"`
	RuleVersion  string    `json:"rule_version,omitempty"`
	EvaluationMs float64   `json:"evaluation_ms"`
	Overridden   bool      `json:"overridden"`
	CreatedAt    time.Time `json:"created_at"`
}

// EvaluationLog is the immutable audit row written per evaluation.
type EvaluationLog struct {
	ID             string    `json:"id"`
	PatientHash    string    `json:"patient_hash"`
	Action         string    `json:"action"`
	ResultColor    Color     `json:"result_color"`
	SignalCount    int       `json:"signal_count"`
	Signals        []Signal  `json:"signals"`
	RuleVersion    string    `json:"rule_version"`
	EvaluationMs   float64   `json:"evaluation_ms"`
	Overridden     bool      `json:"overridden"`
	OverrideBy     string    `json:"override_by,omitempty"`
	OverrideReason string    `json:"override_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AssuranceEventParams contains parameters for recording an assurance event.
type AssuranceEventParams struct {
	PatientHash          string         `json:"patient_hash"`
	EncounterID          string         `json:"encounter_id,omitempty"`
	EventType            string         `json:"event_type"`
	InputContextSnapshot map[string]any `json:"input_context_snapshot,omitempty"`
	AIRecommendation     string         `json:"ai_recommendation"`
	AIConfidence         *float64       `json:"ai_confidence,omitempty"`
	AIProvider           string         `json:"ai_provider,omitempty"`
	AILatencyMs          *int64         `json:"ai_latency_ms,omitempty"`
	HumanDecision        string         `json:"human_decision,omitempty"`
	HumanOverride        bool           `json:"human_override"`
	OverrideReason       string         `json:"override_reason,omitempty"`
}

// HumanFeedbackParams contains parameters for recording feedback.
type HumanFeedbackParams struct {
	AssuranceEventID string `json:"assurance_event_id"`
	FeedbackType     string `json:"feedback_type"`
	FeedbackValue    string `json:"feedback_value"`
	Source           string `json:"source"`
}

// OutboxCounts summarizes the outbox by status.
type OutboxCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
}

// StoreStats contains statistics about the local node store.
type StoreStats struct {
	RuleVersion     string       `json:"rule_version,omitempty"`
	RuleCount       int          `json:"rule_count"`
	PatientFacts    int          `json:"patient_facts"`
	EvaluationCount int          `json:"evaluation_count"`
	AssuranceEvents int          `json:"assurance_events"`
	Outbox          OutboxCounts `json:"outbox"`
	SchemaVersion   string       `json:"schema_version"`
}

// NodeStats extends StoreStats with live sync state.
type NodeStats struct {
	StoreStats
	Sync SyncState `json:"sync"`
}

// HealthStatus represents the health of the node.
type HealthStatus struct {
	Healthy        bool             `json:"healthy"`
	StoreOK        bool             `json:"store_ok"`
	RulesLoaded    bool             `json:"rules_loaded"`
	CloudReachable bool             `json:"cloud_reachable"`
	Connection     ConnectionStatus `json:"connection"`
	Error          string           `json:"error,omitempty"`
}
