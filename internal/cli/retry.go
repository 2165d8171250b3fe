package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flotilla/internal/events"
	"flotilla/internal/orchestrate"
	"flotilla/internal/verify"
	"flotilla/internal/worker"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Clear failure state and resume execution",
	Long: `Revert blocked tasks to pending, reopen failed and unreachable
waves, and continue the run. Passed tasks are never re-executed.`,
	Args: cobra.NoArgs,
	RunE: runRetry,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return every task and wave to its pre-run state",
	Long: `Set all tasks back to pending, clearing attempts, artifacts, and
blockers, and reset the plan's wave statuses and observed metrics. The wave
layout itself is kept.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func runRetry(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	if app.cfg.Worker.Command == "" {
		return fmt.Errorf("no worker.command configured in %s", app.store.ConfigPath())
	}

	bus := events.NewBus(256)
	defer bus.Close()
	w := worker.NewCommandWorker(app.cfg.Worker, flagRoot, app.log)
	verifier := verify.New(verify.FilesystemChecker{Root: flagRoot}, app.log)
	orch := orchestrate.New(app.store, verifier, w, bus, app.cfg, app.log)

	report, err := orch.Retry(cmd.Context())
	printReport(cmd.OutOrStdout(), report)
	return err
}

func runReset(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}

	orch := orchestrate.New(app.store, nil, nil, nil, app.cfg, app.log)
	if err := orch.Reset(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
	return nil
}
