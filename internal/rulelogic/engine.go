// Package rulelogic evaluates rule logic written in CUE.
//
// A rule is a CUE document. The engine fills the top-level "input" field
// with the evaluation input and decodes the "signals" list:
//
//	input: _
//	signals: [
//		for a in input.patient.allergies if a == "penicillin" {
//			severity: "red"
//			reason:   "documented penicillin allergy"
//		},
//	]
//
// Documents without a "signals" field produce no signals.
package rulelogic

import (
	"context"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

var (
	inputPath   = cue.ParsePath("input")
	signalsPath = cue.ParsePath("signals")
)

// ErrCompile is returned when rule source is not valid CUE.
var ErrCompile = errors.New("rulelogic: compile failed")

// Input is the value bound to the rule's "input" field.
type Input struct {
	Action   string         `json:"action"`
	Category string         `json:"category"`
	Patient  Patient        `json:"patient"`
	Context  map[string]any `json:"context"`
}

// Patient is the patient view exposed to rule logic.
type Patient struct {
	Medications []string       `json:"medications"`
	Allergies   []string       `json:"allergies"`
	Diagnoses   []string       `json:"diagnoses"`
	PlanInfo    map[string]any `json:"plan_info"`
}

// Signal is one entry of a rule's "signals" list.
type Signal struct {
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
	Code     string `json:"code,omitempty"`
}

// Engine evaluates CUE rule logic. Each call uses a fresh cue.Context, so an
// Engine is safe for concurrent use.
type Engine struct{}

// New returns an Engine.
func New() *Engine {
	return &Engine{}
}

// Compile checks that source is valid CUE, accepts an empty input, and that
// "signals", when present, can be a list. Signals that stay incomplete
// against the empty input (a comprehension over a context field the input
// does not carry yet) are accepted; Evaluate fails them per call.
func (e *Engine) Compile(source string) error {
	v := cuecontext.New().CompileString(source)
	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrCompile, formatCUEError(err))
	}

	v = v.FillPath(inputPath, normalize(Input{}))
	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: bind input: %s", ErrCompile, formatCUEError(err))
	}
	if err := v.LookupPath(inputPath).Validate(); err != nil {
		return fmt.Errorf("%w: bind input: %s", ErrCompile, formatCUEError(err))
	}

	sig := v.LookupPath(signalsPath)
	if !sig.Exists() {
		return nil
	}
	switch kind := sig.IncompleteKind(); {
	case kind == cue.BottomKind:
		// Validate without Concrete skips incomplete errors and reports
		// only real conflicts.
		if err := sig.Validate(); err != nil {
			return fmt.Errorf("%w: signals: %s", ErrCompile, formatCUEError(err))
		}
	case kind&cue.ListKind == 0:
		return fmt.Errorf("%w: signals must be a list, got %s", ErrCompile, kind)
	}
	return nil
}

// Evaluate runs source against in and returns the decoded signals.
func (e *Engine) Evaluate(ctx context.Context, source string, in Input) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := cuecontext.New().CompileString(source)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompile, formatCUEError(err))
	}

	v = v.FillPath(inputPath, normalize(in))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("rulelogic: bind input: %s", formatCUEError(err))
	}

	sig := v.LookupPath(signalsPath)
	if !sig.Exists() {
		return nil, nil
	}
	if err := sig.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("rulelogic: signals: %s", formatCUEError(err))
	}

	var signals []Signal
	if err := sig.Decode(&signals); err != nil {
		return nil, fmt.Errorf("rulelogic: decode signals: %s", formatCUEError(err))
	}
	return signals, nil
}

// normalize replaces nil collections so rule comprehensions never range
// over null.
func normalize(in Input) Input {
	if in.Patient.Medications == nil {
		in.Patient.Medications = []string{}
	}
	if in.Patient.Allergies == nil {
		in.Patient.Allergies = []string{}
	}
	if in.Patient.Diagnoses == nil {
		in.Patient.Diagnoses = []string{}
	}
	if in.Patient.PlanInfo == nil {
		in.Patient.PlanInfo = map[string]any{}
	}
	if in.Context == nil {
		in.Context = map[string]any{}
	}
	return in
}

func formatCUEError(err error) string {
	return cueerrors.Details(err, nil)
}
