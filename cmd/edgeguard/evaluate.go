package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a proposed clinical action",
	Long: `Evaluate a proposed action against the cached rules and the patient's
cached facts. Works offline; every evaluation is written to the audit log.

Either --patient (a hex patient hash) or --patient-id (a raw identifier,
hashed locally with the configured patient hash key) is required.`,
	Example: `  edgeguard evaluate --patient 9f86d0... --action prescribe --context '{"drug":"amoxicillin","dose_mg":500}'
  edgeguard evaluate --patient-id MRN-1234 --action prescribe --json`,
	RunE: runEvaluate,
}

var (
	evalPatient        string
	evalPatientID      string
	evalAction         string
	evalContext        string
	evalEncounter      string
	evalOverrideBy     string
	evalOverrideReason string
	evalAIAssisted     bool
)

func init() {
	f := evaluateCmd.Flags()
	f.StringVar(&evalPatient, "patient", "", "Patient hash")
	f.StringVar(&evalPatientID, "patient-id", "", "Raw patient identifier (hashed before use)")
	f.StringVar(&evalAction, "action", "", "Proposed action (required)")
	f.StringVar(&evalContext, "context", "", "Action details as a JSON object")
	f.StringVar(&evalEncounter, "encounter", "", "Encounter ID")
	f.StringVar(&evalOverrideBy, "override-by", "", "Clinician overriding the verdict")
	f.StringVar(&evalOverrideReason, "override-reason", "", "Reason for the override")
	f.BoolVar(&evalAIAssisted, "ai-assisted", false, "The action originated from an AI recommendation")
	_ = evaluateCmd.MarkFlagRequired("action")
	evaluateCmd.MarkFlagsMutuallyExclusive("patient", "patient-id")

	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	if evalPatient == "" && evalPatientID == "" {
		return fmt.Errorf("one of --patient or --patient-id is required")
	}

	params := edgeguard.EvaluateParams{
		PatientHash: evalPatient,
		Action:      evalAction,
		EncounterID: evalEncounter,
		AIAssisted:  evalAIAssisted,
	}
	if evalContext != "" {
		if err := json.Unmarshal([]byte(evalContext), &params.Context); err != nil {
			return fmt.Errorf("--context must be a JSON object: %w", err)
		}
	}
	if evalOverrideBy != "" || evalOverrideReason != "" {
		params.Override = &edgeguard.Override{By: evalOverrideBy, Reason: evalOverrideReason}
	}

	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		if params.PatientHash == "" {
			hash, err := node.HashPatient(evalPatientID)
			if err != nil {
				return err
			}
			params.PatientHash = hash
		}

		result, err := node.Evaluate(ctx, params)
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		return outputEvaluation(cmd, result)
	})
}
