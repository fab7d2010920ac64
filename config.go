package edgeguard

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/edgeguard/internal/store"
	"github.com/zalando/go-keyring"
)

// Default tuning. These are deployment values, not protocol constants.
const (
	DefaultProbeInterval      = 30 * time.Second
	DefaultProbeTimeout       = 5 * time.Second
	DefaultRefreshInterval    = 15 * time.Minute
	DefaultRefreshTimeout     = 60 * time.Second
	DefaultDrainInterval      = 10 * time.Second
	DefaultSweepInterval      = 10 * time.Minute
	DefaultCompletedRetention = 7 * 24 * time.Hour
)

// keyringUser is the account name API keys are stored under.
const keyringUser = "api-key"

// Config configures an edgeguard node.
type Config struct {
	// DBPath is the path to the node's SQLite database.
	// If empty, DBPath is derived from ClinicID.
	DBPath string

	// ClinicID identifies the clinic this node serves.
	// If empty, resolved using explicit > EDGEGUARD_CLINIC env > "default".
	ClinicID string

	// NodeID identifies this node instance.
	// Defaults to hostname if not set.
	NodeID string

	// CloudURL is the base URL of the cloud rule authority and ingestion API.
	// If empty, the node operates offline only.
	CloudURL string

	// APIKey authenticates with the cloud.
	APIKey string

	// KeyringService, when set, reads APIKey from the OS keyring if it is
	// not otherwise configured.
	KeyringService string

	// PatientHashKey is the secret used by HashPatientIdentifier.
	PatientHashKey string

	// PatientTTL is how long cached patient facts stay usable.
	PatientTTL time.Duration

	// ActionCategories maps an action to the rule category evaluated for
	// it. Unmapped actions use the action name.
	ActionCategories map[string]string

	// Retry controls outbox backoff, attempt budget and claim lease.
	Retry RetryPolicy

	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	DrainInterval   time.Duration

	// DrainBatchSize is how many items one online drain pass claims.
	DrainBatchSize   int
	DrainConcurrency int
	DeliveryTimeout  time.Duration

	// DegradeAfter is the number of consecutive delivery failures after
	// which an online node is treated as degraded.
	DegradeAfter int

	// SweepInterval is how often expired patient facts and old completed
	// outbox items are purged.
	SweepInterval      time.Duration
	CompletedRetention time.Duration

	// ManualSync disables the background probe, refresh, drain and sweep
	// loops; SyncNow must then be called explicitly.
	ManualSync bool

	// Debug enables verbose logging of all cloud API communications.
	Debug bool

	// DebugLogPath is the path to write debug logs.
	// Defaults to stderr if empty.
	DebugLogPath string

	// LogLevel and LogFormat configure the node logger built by the CLI.
	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		ClinicID:           store.DefaultClinicID,
		DBPath:             store.ClinicDBPath(store.DefaultClinicID),
		NodeID:             hostname,
		PatientTTL:         DefaultPatientTTL,
		Retry:              DefaultRetryPolicy(),
		ProbeInterval:      DefaultProbeInterval,
		ProbeTimeout:       DefaultProbeTimeout,
		RefreshInterval:    DefaultRefreshInterval,
		RefreshTimeout:     DefaultRefreshTimeout,
		DrainInterval:      DefaultDrainInterval,
		DrainBatchSize:     DefaultBatchSize,
		DrainConcurrency:   DefaultDrainConcurrency,
		DeliveryTimeout:    DefaultDeliveryTimeout,
		DegradeAfter:       DefaultDegradeAfter,
		SweepInterval:      DefaultSweepInterval,
		CompletedRetention: DefaultCompletedRetention,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	EDGEGUARD_DB_PATH           → DBPath
//	EDGEGUARD_CLINIC            → ClinicID
//	EDGEGUARD_CLOUD_URL         → CloudURL
//	EDGEGUARD_API_KEY           → APIKey
//	EDGEGUARD_NODE_ID           → NodeID
//	EDGEGUARD_PATIENT_HASH_KEY  → PatientHashKey
//	EDGEGUARD_PATIENT_TTL       → PatientTTL (Go duration)
//	EDGEGUARD_MANUAL_SYNC       → ManualSync (strconv.ParseBool)
//	EDGEGUARD_DEBUG             → Debug (any non-empty value enables)
//	EDGEGUARD_DEBUG_LOG         → DebugLogPath
//	EDGEGUARD_LOG_LEVEL         → LogLevel
//	EDGEGUARD_LOG_FORMAT        → LogFormat
//
// Malformed durations and booleans are ignored.
func ConfigFromEnv() Config {
	cfg := Config{
		DBPath:         os.Getenv("EDGEGUARD_DB_PATH"),
		ClinicID:       os.Getenv("EDGEGUARD_CLINIC"),
		CloudURL:       os.Getenv("EDGEGUARD_CLOUD_URL"),
		APIKey:         os.Getenv("EDGEGUARD_API_KEY"),
		NodeID:         os.Getenv("EDGEGUARD_NODE_ID"),
		PatientHashKey: os.Getenv("EDGEGUARD_PATIENT_HASH_KEY"),
		Debug:          os.Getenv("EDGEGUARD_DEBUG") != "",
		DebugLogPath:   os.Getenv("EDGEGUARD_DEBUG_LOG"),
		LogLevel:       os.Getenv("EDGEGUARD_LOG_LEVEL"),
		LogFormat:      os.Getenv("EDGEGUARD_LOG_FORMAT"),
	}
	if v := os.Getenv("EDGEGUARD_PATIENT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PatientTTL = d
		}
	}
	if v := os.Getenv("EDGEGUARD_MANUAL_SYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ManualSync = b
		}
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &ValidationError{Field: "DBPath", Message: "required: path to SQLite database"}
	}

	if c.ClinicID != "" {
		if err := store.ValidateClinicID(c.ClinicID); err != nil {
			return &ValidationError{Field: "ClinicID", Message: err.Error()}
		}
	}

	if c.CloudURL != "" && c.APIKey == "" {
		return &ValidationError{Field: "APIKey", Message: "required when CloudURL is set"}
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"PatientTTL", c.PatientTTL},
		{"ProbeInterval", c.ProbeInterval},
		{"ProbeTimeout", c.ProbeTimeout},
		{"RefreshInterval", c.RefreshInterval},
		{"RefreshTimeout", c.RefreshTimeout},
		{"DrainInterval", c.DrainInterval},
		{"DeliveryTimeout", c.DeliveryTimeout},
		{"SweepInterval", c.SweepInterval},
		{"CompletedRetention", c.CompletedRetention},
		{"Retry.BaseDelay", c.Retry.BaseDelay},
		{"Retry.MaxDelay", c.Retry.MaxDelay},
		{"Retry.LeaseTimeout", c.Retry.LeaseTimeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			return &ValidationError{Field: d.field, Message: "must be non-negative"}
		}
	}

	// A delivery outliving its lease would let another pass reclaim the item.
	if c.DeliveryTimeout > 0 && c.Retry.LeaseTimeout > 0 && c.DeliveryTimeout >= c.Retry.LeaseTimeout {
		return &ValidationError{Field: "DeliveryTimeout", Message: "must be shorter than Retry.LeaseTimeout"}
	}

	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return &ValidationError{Field: "Retry.Jitter", Message: "must be between 0 and 1"}
	}
	if c.Retry.MaxAttempts < 0 || c.DrainBatchSize < 0 || c.DrainConcurrency < 0 || c.DegradeAfter < 0 {
		return &ValidationError{Field: "Drain", Message: "counts must be non-negative"}
	}

	for action, category := range c.ActionCategories {
		if action == "" || category == "" {
			return &ValidationError{Field: "ActionCategories", Message: "actions and categories must be non-empty"}
		}
	}

	return nil
}

// IsOffline returns true if the node operates in offline-only mode.
// Offline mode is determined by CloudURL being empty.
func (c *Config) IsOffline() bool {
	return c.CloudURL == ""
}

// WithDefaults fills in default values for unset fields.
// Clinic resolution: explicit ClinicID > EDGEGUARD_CLINIC env > "default".
// DBPath is derived from the resolved clinic if not explicitly set.
// APIKey is read from the keyring when KeyringService is set and no key is
// configured.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.ClinicID == "" {
		if resolved, err := store.ResolveClinic(""); err == nil {
			c.ClinicID = resolved
		} else {
			c.ClinicID = store.DefaultClinicID
		}
	}
	if c.DBPath == "" {
		c.DBPath = store.ClinicDBPath(c.ClinicID)
	}
	if c.NodeID == "" {
		c.NodeID = defaults.NodeID
	}
	if c.APIKey == "" && c.KeyringService != "" {
		if key, err := LoadAPIKey(c.KeyringService); err == nil {
			c.APIKey = key
		}
	}

	if c.PatientTTL == 0 {
		c.PatientTTL = defaults.PatientTTL
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = defaults.Retry
	}
	c.Retry = c.Retry.WithDefaults()

	setDuration(&c.ProbeInterval, defaults.ProbeInterval)
	setDuration(&c.ProbeTimeout, defaults.ProbeTimeout)
	setDuration(&c.RefreshInterval, defaults.RefreshInterval)
	setDuration(&c.RefreshTimeout, defaults.RefreshTimeout)
	setDuration(&c.DrainInterval, defaults.DrainInterval)
	setDuration(&c.DeliveryTimeout, defaults.DeliveryTimeout)
	setDuration(&c.SweepInterval, defaults.SweepInterval)
	setDuration(&c.CompletedRetention, defaults.CompletedRetention)

	if c.DrainBatchSize == 0 {
		c.DrainBatchSize = defaults.DrainBatchSize
	}
	if c.DrainConcurrency == 0 {
		c.DrainConcurrency = defaults.DrainConcurrency
	}
	if c.DegradeAfter == 0 {
		c.DegradeAfter = defaults.DegradeAfter
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaults.LogFormat
	}

	return c
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// SaveAPIKey stores key in the OS keyring under service.
func SaveAPIKey(service, key string) error {
	if service == "" {
		return &ValidationError{Field: "KeyringService", Message: "required"}
	}
	if err := keyring.Set(service, keyringUser, key); err != nil {
		return fmt.Errorf("keyring: save api key: %w", err)
	}
	return nil
}

// LoadAPIKey reads the API key stored under service. A missing entry
// returns ErrNotFound.
func LoadAPIKey(service string) (string, error) {
	key, err := keyring.Get(service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring: load api key: %w", err)
	}
	return key, nil
}

// DeleteAPIKey removes the API key stored under service. Deleting a missing
// entry is not an error.
func DeleteAPIKey(service string) error {
	err := keyring.Delete(service, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring: delete api key: %w", err)
	}
	return nil
}
