package store

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the edgeguard home directory.
const HomeEnv = "EDGEGUARD_HOME"

// DefaultHome returns the edgeguard home directory: $EDGEGUARD_HOME, else
// ~/.edgeguard, else ./.edgeguard when no home directory is available.
func DefaultHome() string {
	if h := os.Getenv(HomeEnv); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".edgeguard")
	}
	return filepath.Join(home, ".edgeguard")
}

// DefaultClinicRoot returns the directory holding every clinic's data.
func DefaultClinicRoot() string {
	return filepath.Join(DefaultHome(), "clinics")
}

// EncodeClinicPath encodes a clinic ID for filesystem use.
// Replaces "/" with "__" for path-style clinic IDs.
func EncodeClinicPath(clinicID string) string {
	return strings.ReplaceAll(clinicID, "/", "__")
}

// DecodeClinicPath decodes an encoded clinic path back to a clinic ID.
func DecodeClinicPath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// ClinicDBPath returns the full path to a clinic's node database.
// Example: ClinicDBPath("acme/north") -> ~/.edgeguard/clinics/acme__north/node.db
func ClinicDBPath(clinicID string) string {
	return filepath.Join(DefaultClinicRoot(), EncodeClinicPath(clinicID), "node.db")
}
