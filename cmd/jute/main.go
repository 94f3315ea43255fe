// Command jute runs and inspects Jupyter kernels from the terminal.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jlaneve/jute/config"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    config.Config
	logger *slog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "jute",
	Short: "Run and inspect Jupyter kernels",
	Long: `jute launches Jupyter kernels and talks to them over the kernel wire
protocol.

Configuration is read from --config, or from $XDG_CONFIG_HOME/jute/config.yaml
when it exists, then overridden by JUTE_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}

		logger, err = cfg.Logging.NewLogger(cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		slog.SetDefault(logger)
		return nil
	},
}

// loadConfig reads the config file if there is one, else the environment.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}
	if path != "" {
		return config.Load(path)
	}

	c := config.FromEnv().WithDefaults()
	if err := c.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config from environment: %w", err)
	}
	return c, nil
}

// defaultConfigPath returns the user config file if it exists.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "jute", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(specsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errExecutionFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
