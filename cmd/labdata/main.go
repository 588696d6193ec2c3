// Command labdata runs the lab data management service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zari-lab/labdata/config"
	"github.com/zari-lab/labdata/internal/observability"
	"go.uber.org/zap"
)

const programName = "labdata"

// runtime carries what PersistentPreRunE prepared for the subcommands
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

var globalFlags = struct {
	debug   bool
	envFile string
}{}

// initLogger builds the process logger from the environment
func initLogger() (*zap.Logger, error) {
	return observability.NewLogger(config.ObservabilityConfig{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	})
}

func newRootCommand() *cobra.Command {
	rt := &runtime{}

	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Lab data management service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.envFile, "env-file", "", "load environment variables from this file before configuring")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if globalFlags.envFile != "" {
			if err := loadEnvFile(globalFlags.envFile); err != nil {
				return err
			}
		}
		if globalFlags.debug {
			_ = os.Setenv("LOG_LEVEL", "debug")
		}

		cfg, err := config.New(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err := observability.NewLogger(cfg.Observability)
		if err != nil {
			return err
		}

		rt.cfg = cfg
		rt.logger = logger.With(zap.String("environment", cfg.Environment))
		return nil
	}

	rootCmd.AddCommand(serveCommand(rt))
	rootCmd.AddCommand(migrateCommand(rt))
	rootCmd.AddCommand(createAdminCommand(rt))
	return rootCmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

// loadEnvFile applies path over the process environment
func loadEnvFile(path string) error {
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
