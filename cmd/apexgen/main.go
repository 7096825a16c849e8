// Command apexgen runs generations from the terminal and manages the
// telemetry database.
package main

import (
	"fmt"
	"os"

	"apex-codegen/internal/config"
	"apex-codegen/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "apexgen",
	Short:         "Generate full-stack projects from natural-language requests",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose && os.Getenv("LOG_LEVEL") == "" {
			os.Setenv("LOG_LEVEL", "warn")
		}
		logging.Init()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file (overrides APEX_CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at info level")

	rootCmd.AddCommand(generateCmd, templatesCmd, migrateCmd, tokenCmd)
}

// loadConfig reads configuration the same way the server does.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		os.Setenv("APEX_CONFIG_FILE", configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
