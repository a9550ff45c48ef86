/*
main.go - Application entry point

PURPOSE:
  The leave-accrual binary. Runs the HTTP server with the daily scheduler,
  or performs one-off operator tasks against the same database.

COMMANDS:
  serve          HTTP API + daily accrual timer, graceful shutdown
  run            One synchronous accrual cycle; prints the summary JSON
                 and exits 1 if the run did not succeed
  unlock         Clear a run lock left by a crashed process
  accounts add   Onboard an employee

GLOBAL FLAGS:
  --config   TOML config file (see config/config.go). Optional.
  --db       SQLite database path, overrides [database].path.
             Use ":memory:" for an in-memory database

EXAMPLES:
  leave-accrual serve --config ./accrual.toml
  leave-accrual run --db ./data/accrual.db
  leave-accrual accounts add --id E-1001 --name "Juan dela Cruz" --start 2024-01-31

SEE ALSO:
  - api/server.go: Router configuration
  - accrual/runner.go: The job itself
  - config/config.go: Configuration file format
*/
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/leave-accrual/accrual"
	"github.com/warp/leave-accrual/config"
	"github.com/warp/leave-accrual/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:           "leave-accrual",
	Short:         "Monthly leave accrual job",
	Long:          `Credits monthly leave to every active employee on their accrual day, in one fixed civil timezone.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is the wiring every command shares.
type app struct {
	cfg    config.Config
	zone   *time.Location
	store  *sqlite.Store
	runner *accrual.Runner
	logger *slog.Logger
}

func loadApp(cmd *cobra.Command) (*app, error) {
	logger := newLogger(cmd)
	slog.SetDefault(logger)

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	zone, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.RunnerOptions()
	if err != nil {
		return nil, err
	}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	opts = append(opts, accrual.WithRunRecorder(store), accrual.WithLogger(logger))
	return &app{
		cfg:    cfg,
		zone:   zone,
		store:  store,
		runner: accrual.NewRunner(store, store, zone, opts...),
		logger: logger,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	if asJSON, _ := cmd.Flags().GetBool("json-logs"); asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
