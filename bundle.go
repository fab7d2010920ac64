package edgeguard

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BundleFormatVersion is the current version of the rule bundle format.
const BundleFormatVersion = "1"

// BundleFormat selects the encoding of a rule bundle file.
type BundleFormat string

const (
	BundleYAML BundleFormat = "yaml"
	BundleJSON BundleFormat = "json"
)

// BundleFormatFromPath picks a bundle format from a file extension.
func BundleFormatFromPath(path string) (BundleFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return BundleYAML, nil
	case ".json":
		return BundleJSON, nil
	}
	return "", &ValidationError{Field: "bundle", Message: fmt.Sprintf("unsupported bundle file extension %q", filepath.Ext(path))}
}

// RuleBundle is a complete rule version distributed as a file, for clinics
// that receive rule updates out of band. Every rule carries its own
// checksum; the bundle checksum, when present, covers the whole set.
type RuleBundle struct {
	FormatVersion string         `json:"format_version" yaml:"format_version"`
	Version       string         `json:"version" yaml:"version"`
	Timestamp     time.Time      `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Checksum      string         `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Changelog     string         `json:"changelog,omitempty" yaml:"changelog,omitempty"`
	Rules         []RuleSnapshot `json:"rules" yaml:"rules"`
}

// Record returns the version record the bundle applies as.
func (b *RuleBundle) Record() RuleVersionRecord {
	return RuleVersionRecord{
		Version:   b.Version,
		Timestamp: b.Timestamp,
		Checksum:  b.Checksum,
		Changelog: b.Changelog,
	}
}

// Validate checks the bundle envelope. Rule checksums are verified when the
// bundle is applied.
func (b *RuleBundle) Validate() error {
	if b.FormatVersion != "" && b.FormatVersion != BundleFormatVersion {
		return &ValidationError{Field: "format_version", Message: fmt.Sprintf("unsupported bundle format %q (expected %q)", b.FormatVersion, BundleFormatVersion)}
	}
	if strings.TrimSpace(b.Version) == "" {
		return &ValidationError{Field: "version", Message: "must not be empty"}
	}
	return nil
}

// DecodeRuleBundle reads and validates a bundle in the given format.
func DecodeRuleBundle(r io.Reader, format BundleFormat) (*RuleBundle, error) {
	var b RuleBundle
	switch format {
	case BundleYAML:
		if err := yaml.NewDecoder(r).Decode(&b); err != nil {
			return nil, fmt.Errorf("bundle: decode YAML: %w", err)
		}
	case BundleJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&b); err != nil {
			return nil, fmt.Errorf("bundle: decode JSON: %w", err)
		}
	default:
		return nil, &ValidationError{Field: "bundle", Message: fmt.Sprintf("unknown format %q", format)}
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// LoadRuleBundle reads a YAML or JSON bundle file, chosen by extension.
func LoadRuleBundle(path string) (*RuleBundle, error) {
	format, err := BundleFormatFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: open %s: %w", path, err)
	}
	defer f.Close()

	return DecodeRuleBundle(f, format)
}

// EncodeRuleBundle writes b in the given format.
func EncodeRuleBundle(w io.Writer, format BundleFormat, b *RuleBundle) error {
	out := *b
	if out.FormatVersion == "" {
		out.FormatVersion = BundleFormatVersion
	}

	switch format {
	case BundleYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&out); err != nil {
			return fmt.Errorf("bundle: encode YAML: %w", err)
		}
		return enc.Close()
	case BundleJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(&out); err != nil {
			return fmt.Errorf("bundle: encode JSON: %w", err)
		}
		return nil
	}
	return &ValidationError{Field: "bundle", Message: fmt.Sprintf("unknown format %q", format)}
}

// BundleFromRuleSet packages an active rule set as a bundle, so a verified
// version can be carried to another node.
func BundleFromRuleSet(set *RuleSet) (*RuleBundle, error) {
	if set == nil {
		return nil, ErrNoActiveRules
	}

	rules := make([]RuleSnapshot, len(set.rules))
	copy(rules, set.rules)

	return &RuleBundle{
		FormatVersion: BundleFormatVersion,
		Version:       set.Version.Version,
		Timestamp:     set.Version.Timestamp,
		Checksum:      set.Version.Checksum,
		Changelog:     set.Version.Changelog,
		Rules:         rules,
	}, nil
}
