package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var patientCmd = &cobra.Command{
	Use:   "patient",
	Short: "Manage cached patient facts",
	Long: `Manage the de-identified patient facts evaluations read.

Subcommands:
  put   Cache facts for a patient
  get   Show a patient's cached facts
  hash  Hash a raw patient identifier`,
}

var patientPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Cache facts for a patient",
	Long: `Cache medications, allergies and diagnoses for a patient. Facts expire
after the configured patient TTL.

Facts can be given with flags or as a YAML/JSON document with --file.`,
	Example: `  edgeguard patient put --patient 9f86d0... --allergy penicillin --medication warfarin
  edgeguard patient put --file facts.yaml`,
	RunE: runPatientPut,
}

var patientGetCmd = &cobra.Command{
	Use:   "get <patient-hash>",
	Short: "Show a patient's cached facts",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatientGet,
}

var patientHashCmd = &cobra.Command{
	Use:   "hash <identifier>",
	Short: "Hash a raw patient identifier",
	Long: `Print the patient hash for a raw identifier using the configured
patient hash key. The raw identifier is never stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runPatientHash,
}

var (
	patientHash        string
	patientMedications []string
	patientAllergies   []string
	patientDiagnoses   []string
	patientFile        string
)

func init() {
	f := patientPutCmd.Flags()
	f.StringVar(&patientHash, "patient", "", "Patient hash")
	f.StringSliceVar(&patientMedications, "medication", nil, "Current medication (repeatable)")
	f.StringSliceVar(&patientAllergies, "allergy", nil, "Documented allergy (repeatable)")
	f.StringSliceVar(&patientDiagnoses, "diagnosis", nil, "Active diagnosis (repeatable)")
	f.StringVar(&patientFile, "file", "", "Read facts from a YAML or JSON file")
	patientPutCmd.MarkFlagsMutuallyExclusive("file", "patient")

	patientCmd.AddCommand(patientPutCmd)
	patientCmd.AddCommand(patientGetCmd)
	patientCmd.AddCommand(patientHashCmd)
	rootCmd.AddCommand(patientCmd)
}

// readPatientFile decodes a fact document. YAML is a superset of JSON, so
// one decoder serves both.
func readPatientFile(path string) (edgeguard.PatientFact, error) {
	var fact edgeguard.PatientFact
	data, err := os.ReadFile(path)
	if err != nil {
		return fact, fmt.Errorf("read facts: %w", err)
	}
	if err := yaml.Unmarshal(data, &fact); err != nil {
		return fact, fmt.Errorf("decode facts: %w", err)
	}
	return fact, nil
}

func runPatientPut(cmd *cobra.Command, args []string) error {
	fact := edgeguard.PatientFact{
		PatientHash: patientHash,
		Medications: patientMedications,
		Allergies:   patientAllergies,
		Diagnoses:   patientDiagnoses,
	}
	if patientFile != "" {
		var err error
		if fact, err = readPatientFile(patientFile); err != nil {
			return err
		}
	}
	if fact.PatientHash == "" {
		return fmt.Errorf("--patient or a patient_hash in --file is required")
	}

	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		stored, err := node.PutPatientFact(ctx, fact)
		if err != nil {
			return fmt.Errorf("put patient facts: %w", err)
		}
		if !outputJSON {
			printSuccess(cmd.OutOrStdout(), "Cached facts for %s", stored.PatientHash)
		}
		return outputPatientFact(cmd, stored)
	})
}

func runPatientGet(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		fact, err := node.PatientFact(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get patient facts: %w", err)
		}
		return outputPatientFact(cmd, fact)
	})
}

func runPatientHash(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		hash, err := node.HashPatient(args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return outputAsJSON(cmd, map[string]string{"patient_hash": hash})
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	})
}
