package edgeguard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomlConfig = `
clinic_id = "north"
cloud_url = "https://cloud.example"
api_key = "file-key"
patient_ttl = "12h"

[action_categories]
prescribe = "medication"

[log]
level = "debug"

[sync]
probe_interval = "45s"
degrade_after = 5

[outbox]
base_delay = "2s"
max_delay = "10m"
jitter = 0.1
max_attempts = 6
batch_size = 20
`

const yamlConfig = `
clinic_id: north
patient_ttl: 12h
action_categories:
  prescribe: medication
sync:
  probe_interval: 45s
outbox:
  base_delay: 2s
  max_attempts: 6
`

const jsonConfig = `{
  "clinic_id": "north",
  "patient_ttl": "12h",
  "action_categories": {"prescribe": "medication"},
  "sync": {"probe_interval": "45s"},
  "outbox": {"base_delay": "2s", "max_attempts": 6}
}`

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFile_Formats(t *testing.T) {
	for _, tc := range []struct{ name, content string }{
		{"edgeguard.toml", tomlConfig},
		{"edgeguard.yaml", yamlConfig},
		{"edgeguard.json", jsonConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadConfigFile(writeConfigFile(t, tc.name, tc.content))
			require.NoError(t, err)

			assert.Equal(t, "north", cfg.ClinicID)
			assert.Equal(t, 12*time.Hour, cfg.PatientTTL)
			assert.Equal(t, "medication", cfg.ActionCategories["prescribe"])
			assert.Equal(t, 45*time.Second, cfg.ProbeInterval)
			assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
			assert.Equal(t, 6, cfg.Retry.MaxAttempts)
			assert.Zero(t, cfg.RefreshInterval, "unset keys stay zero")
		})
	}
}

func TestLoadConfigFile_TOMLDetails(t *testing.T) {
	cfg, err := LoadConfigFile(writeConfigFile(t, "edgeguard.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.DegradeAfter)
	assert.Equal(t, 0.1, cfg.Retry.Jitter)
	assert.Equal(t, 20, cfg.DrainBatchSize)
	resolved := cfg.WithDefaults()
	assert.NoError(t, resolved.Validate())
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadConfigFile(writeConfigFile(t, "edgeguard.ini", "x=1"))
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = LoadConfigFile(writeConfigFile(t, "edgeguard.toml", `patient_ttl = "forever"`))
	assert.Error(t, err)
}

// TestMergeConfig_Layering verifies later layers override only the fields they set.
func TestMergeConfig_Layering(t *testing.T) {
	file := Config{ClinicID: "north", PatientTTL: 12 * time.Hour, DrainBatchSize: 20}
	env := Config{APIKey: "env-key", PatientTTL: time.Hour}

	merged := MergeConfig(file, env)
	assert.Equal(t, "north", merged.ClinicID)
	assert.Equal(t, "env-key", merged.APIKey)
	assert.Equal(t, time.Hour, merged.PatientTTL)
	assert.Equal(t, 20, merged.DrainBatchSize)

	merged = MergeConfig(Config{ManualSync: true}, Config{})
	assert.True(t, merged.ManualSync)
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfigFile(t, "edgeguard.toml", `patient_ttl = "1h"`)

	w := NewConfigWatcher(path, nil)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(c Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, os.WriteFile(path, []byte(`patient_ttl = "2h"`), 0o600))
		select {
		case cfg := <-changes:
			// A reload may observe the file mid-write.
			if cfg.PatientTTL != 2*time.Hour {
				continue
			}
			cancel()
			require.NoError(t, <-done)
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
