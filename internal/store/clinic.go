// Package store resolves clinic identities and the on-disk location of each
// clinic's node database.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidClinicID indicates the clinic ID format is invalid.
var ErrInvalidClinicID = errors.New("invalid clinic ID: must be lowercase alphanumeric with hyphens, 1-4 path segments")

// DefaultClinicID is used when no clinic is configured.
const DefaultClinicID = "default"

// clinicIDRegex validates clinic ID format.
// Format: <segment>[/<segment>]*
// - 1-4 path segments separated by /, e.g. "acme/north-campus"
// - Segments: lowercase alphanumeric and hyphens (a-z, 0-9, -)
// - Segment length: 1-64 characters
// - No leading/trailing hyphens, no consecutive hyphens
// - Total max length: 256 characters
var clinicIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?){0,3}$`)

// ValidateClinicID validates a clinic ID format.
func ValidateClinicID(id string) error {
	if id == "" || len(id) > 256 {
		return ErrInvalidClinicID
	}
	if strings.Contains(id, "--") {
		return ErrInvalidClinicID
	}
	if !clinicIDRegex.MatchString(id) {
		return ErrInvalidClinicID
	}
	return nil
}
