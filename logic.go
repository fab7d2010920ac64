package edgeguard

import (
	"context"
	"fmt"

	"github.com/hyperengineering/edgeguard/internal/rulelogic"
)

// RuleInput is what a rule's logic is evaluated against.
type RuleInput struct {
	Action   string
	Category string
	Patient  *PatientFact
	Context  map[string]any
}

// LogicEvaluator runs one rule's logic. Implementations must be safe for
// concurrent use and must not perform network I/O.
type LogicEvaluator interface {
	EvaluateRule(ctx context.Context, rule RuleSnapshot, in RuleInput) ([]Signal, error)
}

// LogicCompiler is implemented by evaluators that can reject malformed rule
// logic before a version is applied.
type LogicCompiler interface {
	CompileRule(rule RuleSnapshot) error
}

// LogicFunc adapts a function to LogicEvaluator.
type LogicFunc func(ctx context.Context, rule RuleSnapshot, in RuleInput) ([]Signal, error)

// EvaluateRule calls f.
func (f LogicFunc) EvaluateRule(ctx context.Context, rule RuleSnapshot, in RuleInput) ([]Signal, error) {
	return f(ctx, rule, in)
}

// CUELogic is the default LogicEvaluator. Rule logic is a CUE document that
// reads "input" and yields a "signals" list.
type CUELogic struct {
	engine *rulelogic.Engine
}

// NewCUELogic returns the default CUE-backed evaluator.
func NewCUELogic() *CUELogic {
	return &CUELogic{engine: rulelogic.New()}
}

// EvaluateRule evaluates the rule and tags each signal with the rule ID.
func (c *CUELogic) EvaluateRule(ctx context.Context, rule RuleSnapshot, in RuleInput) ([]Signal, error) {
	input := rulelogic.Input{
		Action:   in.Action,
		Category: in.Category,
		Context:  in.Context,
	}
	if in.Patient != nil {
		input.Patient = rulelogic.Patient{
			Medications: in.Patient.Medications,
			Allergies:   in.Patient.Allergies,
			Diagnoses:   in.Patient.Diagnoses,
			PlanInfo:    in.Patient.PlanInfo,
		}
	}

	raw, err := c.engine.Evaluate(ctx, rule.RuleLogic, input)
	if err != nil {
		return nil, err
	}

	signals := make([]Signal, 0, len(raw))
	for _, s := range raw {
		severity, ok := ParseColor(s.Severity)
		if !ok {
			return nil, fmt.Errorf("rule %s: unknown severity %q", rule.RuleID, s.Severity)
		}
		signals = append(signals, Signal{
			RuleID:   rule.RuleID,
			Severity: severity,
			Code:     s.Code,
			Reason:   s.Reason,
		})
	}
	return signals, nil
}

// CompileRule reports ErrInvalidRuleLogic for logic that does not compile.
func (c *CUELogic) CompileRule(rule RuleSnapshot) error {
	if err := c.engine.Compile(rule.RuleLogic); err != nil {
		return fmt.Errorf("rule %s: %w: %v", rule.RuleID, ErrInvalidRuleLogic, err)
	}
	return nil
}
