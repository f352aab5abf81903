// Package cmd implements the lakeflow command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/lakeflow/internal/config"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	storeDriver string
	storeDSN    string

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "lakeflow",
	Short: "Durable orchestrator for the data-lake ingestion pipeline",
	Long: `lakeflow drives the ingestion pipeline CLEAN -> TRANSFORM -> REFRESH_CATALOG ->
AWAIT_REFRESH for each triggered run, persisting every transition so runs
survive restarts.

Run 'lakeflow serve' to host the HTTP API and scheduler, or 'lakeflow mcp'
to expose the pipeline tools over stdio.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with a context cancelled on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// SetVersion records build information for the version command.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./lakeflow.yaml or ~/.config/lakeflow/lakeflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "libsql",
		"run store driver (libsql, sqlite, redis, memory)")
	rootCmd.PersistentFlags().StringVar(&storeDSN, "dsn", "file:lakeflow.db",
		"run store DSN for the sql drivers")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("store.dsn", rootCmd.PersistentFlags().Lookup("dsn"))
}

// loadConfig resolves configuration from flags, environment and config files.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	return loader.Load()
}
