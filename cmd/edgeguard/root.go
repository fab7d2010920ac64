package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hyperengineering/edgeguard"
	"github.com/hyperengineering/edgeguard/internal/cloud"
	"github.com/hyperengineering/edgeguard/internal/logging"
	"github.com/spf13/cobra"
)

// configEnv names the environment variable holding the config file path.
const configEnv = "EDGEGUARD_CONFIG"

var (
	cfgFile           string
	cfgDBPath         string
	cfgClinic         string
	cfgCloudURL       string
	cfgAPIKey         string
	cfgKeyringService string
	cfgLogLevel       string
	cfgDebug          bool
	outputJSON        bool
)

var rootCmd = &cobra.Command{
	Use:   "edgeguard",
	Short: "edgeguard - offline clinical safety node",
	Long: `edgeguard evaluates proposed clinical actions against locally cached
safety rules and patient facts, returning a green, yellow or red verdict
without network access.

When a cloud URL is configured the node refreshes its rules, and delivers
audit and assurance events, whenever connectivity allows.

Configuration is layered: config file ($EDGEGUARD_CONFIG or --config),
then EDGEGUARD_* environment variables, then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to a TOML, YAML or JSON config file (env: EDGEGUARD_CONFIG)")
	pf.StringVar(&cfgDBPath, "db-path", "", "Path to the node database (default: ~/.edgeguard/clinics/<clinic>/node.db)")
	pf.StringVar(&cfgClinic, "clinic", "", "Clinic ID (env: EDGEGUARD_CLINIC)")
	pf.StringVar(&cfgCloudURL, "cloud-url", "", "Cloud base URL; empty runs offline only")
	pf.StringVar(&cfgAPIKey, "api-key", "", "Cloud API key")
	pf.StringVar(&cfgKeyringService, "keyring-service", "", "Read the API key from this OS keyring service")
	pf.StringVar(&cfgLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&cfgDebug, "debug", false, "Log every cloud request and response")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// configPath returns the config file to load, if any.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return os.Getenv(configEnv)
}

// flagConfig returns the settings given on the command line.
func flagConfig() edgeguard.Config {
	return edgeguard.Config{
		DBPath:         cfgDBPath,
		ClinicID:       cfgClinic,
		CloudURL:       cfgCloudURL,
		APIKey:         cfgAPIKey,
		KeyringService: cfgKeyringService,
		LogLevel:       cfgLogLevel,
		Debug:          cfgDebug,
	}
}

// layerConfig applies environment variables and flags over base.
func layerConfig(base edgeguard.Config) edgeguard.Config {
	cfg := edgeguard.MergeConfig(base, edgeguard.ConfigFromEnv())
	return edgeguard.MergeConfig(cfg, flagConfig())
}

// loadConfig builds the layered configuration. Defaults are applied by
// edgeguard.Open.
func loadConfig() (edgeguard.Config, error) {
	var base edgeguard.Config
	if path := configPath(); path != "" {
		fc, err := edgeguard.LoadConfigFile(path)
		if err != nil {
			return edgeguard.Config{}, err
		}
		base = fc
	}
	return layerConfig(base), nil
}

// nodeEnv is an open node plus the resources the CLI created for it.
type nodeEnv struct {
	node   *edgeguard.Node
	logger *slog.Logger
	debug  *cloud.DebugLogger
}

func (e *nodeEnv) Close() {
	_ = e.node.Close()
	_ = e.debug.Close()
}

// newLogger builds the CLI logger. fallbackLevel applies when no level is
// configured, so one-shot commands stay quiet while run logs at info.
func newLogger(cfg edgeguard.Config, fallbackLevel string) (*slog.Logger, error) {
	levelName := cfg.LogLevel
	if levelName == "" {
		levelName = fallbackLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:     level,
		Format:    format,
		Output:    os.Stderr,
		Component: "edgeguard",
	}), nil
}

// openNode opens the node described by cfg, wiring the cloud client when a
// cloud URL is configured.
func openNode(ctx context.Context, cfg edgeguard.Config, fallbackLevel string) (*nodeEnv, error) {
	logger, err := newLogger(cfg, fallbackLevel)
	if err != nil {
		return nil, err
	}

	resolved := cfg.WithDefaults()
	opts := []edgeguard.Option{edgeguard.WithLogger(logger)}

	var debug *cloud.DebugLogger
	if resolved.CloudURL != "" {
		debug, err = cloud.NewDebugLogger(resolved.Debug, resolved.DebugLogPath)
		if err != nil {
			return nil, err
		}
		client := cloud.NewHTTPClient(resolved.CloudURL, resolved.APIKey, resolved.ClinicID).WithDebug(debug)
		opts = append(opts, edgeguard.WithCloud(client))
	}

	node, err := edgeguard.Open(ctx, resolved, opts...)
	if err != nil {
		_ = debug.Close()
		return nil, fmt.Errorf("open node: %w", err)
	}
	return &nodeEnv{node: node, logger: logger, debug: debug}, nil
}

// withNode loads the configuration, opens the node, and runs fn.
func withNode(cmd *cobra.Command, fn func(ctx context.Context, node *edgeguard.Node) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	env, err := openNode(ctx, cfg, "warn")
	if err != nil {
		return err
	}
	defer env.Close()

	return fn(ctx, env.node)
}
