package edgeguard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/hyperengineering/edgeguard/internal/logging"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("90s") in
// config files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// fileConfig is the on-disk configuration shape. Every field is optional.
type fileConfig struct {
	DBPath           string            `toml:"db_path" yaml:"db_path" json:"db_path"`
	ClinicID         string            `toml:"clinic_id" yaml:"clinic_id" json:"clinic_id"`
	NodeID           string            `toml:"node_id" yaml:"node_id" json:"node_id"`
	CloudURL         string            `toml:"cloud_url" yaml:"cloud_url" json:"cloud_url"`
	APIKey           string            `toml:"api_key" yaml:"api_key" json:"api_key"`
	KeyringService   string            `toml:"keyring_service" yaml:"keyring_service" json:"keyring_service"`
	PatientHashKey   string            `toml:"patient_hash_key" yaml:"patient_hash_key" json:"patient_hash_key"`
	PatientTTL       Duration          `toml:"patient_ttl" yaml:"patient_ttl" json:"patient_ttl"`
	ActionCategories map[string]string `toml:"action_categories" yaml:"action_categories" json:"action_categories"`
	ManualSync       bool              `toml:"manual_sync" yaml:"manual_sync" json:"manual_sync"`
	Debug            bool              `toml:"debug" yaml:"debug" json:"debug"`
	DebugLogPath     string            `toml:"debug_log" yaml:"debug_log" json:"debug_log"`

	Log struct {
		Level  string `toml:"level" yaml:"level" json:"level"`
		Format string `toml:"format" yaml:"format" json:"format"`
	} `toml:"log" yaml:"log" json:"log"`

	Sync struct {
		ProbeInterval      Duration `toml:"probe_interval" yaml:"probe_interval" json:"probe_interval"`
		ProbeTimeout       Duration `toml:"probe_timeout" yaml:"probe_timeout" json:"probe_timeout"`
		RefreshInterval    Duration `toml:"refresh_interval" yaml:"refresh_interval" json:"refresh_interval"`
		RefreshTimeout     Duration `toml:"refresh_timeout" yaml:"refresh_timeout" json:"refresh_timeout"`
		DegradeAfter       int      `toml:"degrade_after" yaml:"degrade_after" json:"degrade_after"`
		SweepInterval      Duration `toml:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval"`
		CompletedRetention Duration `toml:"completed_retention" yaml:"completed_retention" json:"completed_retention"`
	} `toml:"sync" yaml:"sync" json:"sync"`

	Outbox struct {
		BaseDelay       Duration `toml:"base_delay" yaml:"base_delay" json:"base_delay"`
		MaxDelay        Duration `toml:"max_delay" yaml:"max_delay" json:"max_delay"`
		Jitter          float64  `toml:"jitter" yaml:"jitter" json:"jitter"`
		MaxAttempts     int      `toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
		LeaseTimeout    Duration `toml:"lease_timeout" yaml:"lease_timeout" json:"lease_timeout"`
		DrainInterval   Duration `toml:"drain_interval" yaml:"drain_interval" json:"drain_interval"`
		BatchSize       int      `toml:"batch_size" yaml:"batch_size" json:"batch_size"`
		Concurrency     int      `toml:"concurrency" yaml:"concurrency" json:"concurrency"`
		DeliveryTimeout Duration `toml:"delivery_timeout" yaml:"delivery_timeout" json:"delivery_timeout"`
	} `toml:"outbox" yaml:"outbox" json:"outbox"`
}

func (f *fileConfig) config() Config {
	return Config{
		DBPath:           f.DBPath,
		ClinicID:         f.ClinicID,
		NodeID:           f.NodeID,
		CloudURL:         f.CloudURL,
		APIKey:           f.APIKey,
		KeyringService:   f.KeyringService,
		PatientHashKey:   f.PatientHashKey,
		PatientTTL:       time.Duration(f.PatientTTL),
		ActionCategories: f.ActionCategories,
		ManualSync:       f.ManualSync,
		Debug:            f.Debug,
		DebugLogPath:     f.DebugLogPath,
		LogLevel:         f.Log.Level,
		LogFormat:        f.Log.Format,
		Retry: RetryPolicy{
			BaseDelay:    time.Duration(f.Outbox.BaseDelay),
			MaxDelay:     time.Duration(f.Outbox.MaxDelay),
			Jitter:       f.Outbox.Jitter,
			MaxAttempts:  f.Outbox.MaxAttempts,
			LeaseTimeout: time.Duration(f.Outbox.LeaseTimeout),
		},
		ProbeInterval:      time.Duration(f.Sync.ProbeInterval),
		ProbeTimeout:       time.Duration(f.Sync.ProbeTimeout),
		RefreshInterval:    time.Duration(f.Sync.RefreshInterval),
		RefreshTimeout:     time.Duration(f.Sync.RefreshTimeout),
		DegradeAfter:       f.Sync.DegradeAfter,
		SweepInterval:      time.Duration(f.Sync.SweepInterval),
		CompletedRetention: time.Duration(f.Sync.CompletedRetention),
		DrainInterval:      time.Duration(f.Outbox.DrainInterval),
		DrainBatchSize:     f.Outbox.BatchSize,
		DrainConcurrency:   f.Outbox.Concurrency,
		DeliveryTimeout:    time.Duration(f.Outbox.DeliveryTimeout),
	}
}

// LoadConfigFile reads a TOML, YAML or JSON config file, chosen by
// extension. Unset keys are left zero so the result can be layered with
// MergeConfig and completed with WithDefaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return Config{}, fmt.Errorf("config: decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("config: decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("config: decode JSON: %w", err)
		}
	default:
		return Config{}, &ValidationError{Field: "config", Message: fmt.Sprintf("unsupported config file extension %q", filepath.Ext(path))}
	}
	return fc.config(), nil
}

// MergeConfig returns dst with every non-zero field of src applied over it.
func MergeConfig(dst, src Config) Config {
	mergeString := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	mergeDuration := func(d *time.Duration, s time.Duration) {
		if s != 0 {
			*d = s
		}
	}
	mergeInt := func(d *int, s int) {
		if s != 0 {
			*d = s
		}
	}

	mergeString(&dst.DBPath, src.DBPath)
	mergeString(&dst.ClinicID, src.ClinicID)
	mergeString(&dst.NodeID, src.NodeID)
	mergeString(&dst.CloudURL, src.CloudURL)
	mergeString(&dst.APIKey, src.APIKey)
	mergeString(&dst.KeyringService, src.KeyringService)
	mergeString(&dst.PatientHashKey, src.PatientHashKey)
	mergeString(&dst.DebugLogPath, src.DebugLogPath)
	mergeString(&dst.LogLevel, src.LogLevel)
	mergeString(&dst.LogFormat, src.LogFormat)

	mergeDuration(&dst.PatientTTL, src.PatientTTL)
	mergeDuration(&dst.ProbeInterval, src.ProbeInterval)
	mergeDuration(&dst.ProbeTimeout, src.ProbeTimeout)
	mergeDuration(&dst.RefreshInterval, src.RefreshInterval)
	mergeDuration(&dst.RefreshTimeout, src.RefreshTimeout)
	mergeDuration(&dst.DrainInterval, src.DrainInterval)
	mergeDuration(&dst.DeliveryTimeout, src.DeliveryTimeout)
	mergeDuration(&dst.SweepInterval, src.SweepInterval)
	mergeDuration(&dst.CompletedRetention, src.CompletedRetention)
	mergeDuration(&dst.Retry.BaseDelay, src.Retry.BaseDelay)
	mergeDuration(&dst.Retry.MaxDelay, src.Retry.MaxDelay)
	mergeDuration(&dst.Retry.LeaseTimeout, src.Retry.LeaseTimeout)

	mergeInt(&dst.Retry.MaxAttempts, src.Retry.MaxAttempts)
	mergeInt(&dst.DrainBatchSize, src.DrainBatchSize)
	mergeInt(&dst.DrainConcurrency, src.DrainConcurrency)
	mergeInt(&dst.DegradeAfter, src.DegradeAfter)

	if src.Retry.Jitter != 0 {
		dst.Retry.Jitter = src.Retry.Jitter
	}
	if len(src.ActionCategories) > 0 {
		dst.ActionCategories = src.ActionCategories
	}
	dst.ManualSync = dst.ManualSync || src.ManualSync
	dst.Debug = dst.Debug || src.Debug
	return dst
}

// ConfigWatcher reloads a config file when it changes on disk.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// NewConfigWatcher returns a watcher for path. logger may be nil.
func NewConfigWatcher(path string, logger *slog.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		logger:   logging.Component(logger, "config"),
	}
}

// Watch calls onChange with the freshly loaded file each time it is written,
// until ctx is done. Files that fail to load are logged and skipped.
// The directory is watched rather than the file so editors that replace the
// file on save are handled.
func (w *ConfigWatcher) Watch(ctx context.Context, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch directory: %w", err)
	}

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := LoadConfigFile(w.path)
			if err != nil {
				w.logger.Warn("config reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
