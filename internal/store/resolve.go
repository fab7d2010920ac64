package store

import (
	"fmt"
	"os"
)

// ClinicEnv names the environment variable consulted by ResolveClinic.
const ClinicEnv = "EDGEGUARD_CLINIC"

// ResolveClinic determines the clinic ID to use.
// Priority: explicit > EDGEGUARD_CLINIC env > "default".
func ResolveClinic(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateClinicID(explicit); err != nil {
			return "", fmt.Errorf("invalid clinic ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv(ClinicEnv); env != "" {
		if err := ValidateClinicID(env); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", ClinicEnv, env, err)
		}
		return env, nil
	}

	return DefaultClinicID, nil
}
