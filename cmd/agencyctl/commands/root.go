package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agencyhost"
)

var (
	// Global flags
	verbose    bool
	configPath string
	logLevel   string

	// Global configuration (loaded at init time)
	globalConfig agencyhost.Config
)

// testHostOverride replaces host construction in tests.
var testHostOverride func(ctx context.Context) (*agencyhost.Host, error)

var rootCmd = &cobra.Command{
	Use:   "agencyctl",
	Short: "Run personas and agencies on the agencyhost runtime",
	Long: `agencyctl - drive the agencyhost runtime from the command line.

Credentials are read from OPENAI_API_KEY, OPENROUTER_API_KEY and
ANTHROPIC_API_KEY (first match wins) and may be overridden in the
config file given with --config or AGENCYHOST_CONFIG.

Examples:
  # Ask the default persona
  agencyctl chat "What is a vector clock?"

  # Run a multi-role agency
  agencyctl agency run -f agency.yaml

  # Serve WebSocket clients
  agencyctl serve --addr :8080`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $AGENCYHOST_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// configLoadErr stores the error from LoadConfig for deferred reporting.
var configLoadErr error

func initConfig() {
	globalConfig, configLoadErr = agencyhost.Config{}, nil
	path := configPath
	if path == "" {
		path = os.Getenv("AGENCYHOST_CONFIG")
	}
	if path == "" {
		return
	}
	cfg, err := agencyhost.LoadConfig(path)
	if err != nil {
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetConfig returns the global configuration, or the error that occurred
// while loading it.
func GetConfig() (agencyhost.Config, error) {
	if configLoadErr != nil {
		return agencyhost.Config{}, configLoadErr
	}
	return globalConfig, nil
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

func openHost(ctx context.Context) (*agencyhost.Host, error) {
	if testHostOverride != nil {
		return testHostOverride(ctx)
	}
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	switch {
	case logLevel != "":
		cfg.LogLevel = logLevel
	case verbose:
		cfg.LogLevel = "debug"
	case cfg.LogLevel == "":
		cfg.LogLevel = "warn"
	}
	return agencyhost.NewFromConfig(ctx, cfg, os.LookupEnv)
}

func closeHost(h *agencyhost.Host) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = h.Close(ctx)
}
