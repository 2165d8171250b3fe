// Package cli wires the flotilla commands: status, plan, run, retry, reset,
// and future-work management.
package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"flotilla/internal/logging"
	"flotilla/internal/model"
	"flotilla/internal/store"
)

var (
	flagDataDir  string
	flagRoot     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Wave-based parallel task orchestration",
	Long: `Flotilla analyzes a task list's declared file footprints, groups
non-conflicting tasks into waves, and executes each wave through a
bounded-concurrency worker pool with artifact verification between waves.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "dir", ".flotilla", "data directory holding tasks.yaml and plan.yaml")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", ".", "project root that artifact verification checks against")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override configured log level (debug|info|warn|error)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(futureCmd)
}

// ExecuteContext runs the CLI. The returned error has already been classified
// by the caller via model.ErrorKind.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// app bundles what every command needs.
type app struct {
	store *store.Store
	cfg   model.Config
	log   *logging.Logger
}

func newApp() (*app, error) {
	cfg, err := model.LoadConfig(filepath.Join(flagDataDir, "flotilla.yaml"))
	if err != nil {
		return nil, err
	}

	levelName := cfg.Logging.Level
	if flagLogLevel != "" {
		levelName = flagLogLevel
	}
	log := logging.New(os.Stderr, logging.ParseLevel(levelName), "flotilla")

	return &app{
		store: store.New(flagDataDir, log),
		cfg:   cfg,
		log:   log,
	}, nil
}
