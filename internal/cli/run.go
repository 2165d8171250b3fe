package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"flotilla/internal/events"
	"flotilla/internal/orchestrate"
	"flotilla/internal/verify"
	"flotilla/internal/watch"
	"flotilla/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run <wave|all>",
	Short: "Execute one wave or every remaining wave",
	Long: `Dispatch the tasks of a wave through the configured worker command,
bounded by run.max_parallel, and wait for all of them before moving on.
Requires worker.command in flotilla.yaml.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if app.cfg.Worker.Command == "" {
		return fmt.Errorf("no worker.command configured in %s", app.store.ConfigPath())
	}

	bus := events.NewBus(256)
	defer bus.Close()
	unsub := bus.SubscribeAll(func(e events.Event) {
		switch e.Type {
		case events.EventWaveStarted:
			fmt.Fprintf(out, "wave %d started\n", e.WaveID)
		case events.EventWaveCompleted:
			fmt.Fprintf(out, "wave %d completed\n", e.WaveID)
		case events.EventWaveRetried:
			fmt.Fprintf(out, "wave %d retrying failed tasks\n", e.WaveID)
		case events.EventTaskPassed:
			fmt.Fprintf(out, "  task %s passed\n", e.TaskID)
		case events.EventTaskFailed:
			fmt.Fprintf(out, "  task %s failed\n", e.TaskID)
		case events.EventTaskTimeout:
			fmt.Fprintf(out, "  task %s timed out\n", e.TaskID)
		}
	})
	defer unsub()

	w := worker.NewCommandWorker(app.cfg.Worker, flagRoot, app.log)
	verifier := verify.New(verify.FilesystemChecker{Root: flagRoot}, app.log)
	orch := orchestrate.New(app.store, verifier, w, bus, app.cfg, app.log)

	ctx := cmd.Context()

	if app.cfg.Watch.Enabled {
		// Footprint edits while the run is in flight invalidate the plan for
		// the waves that have not started yet.
		watcher := watch.New(app.store.TasksPath(),
			time.Duration(app.cfg.Watch.DebounceMs)*time.Millisecond,
			func() { staleCheck(app, bus) }, app.log)
		if err := watcher.Start(ctx); err != nil {
			app.log.Warn("footprint watcher unavailable err=%q", err)
		} else {
			defer watcher.Stop()
		}
	}

	var report *orchestrate.Report
	if strings.EqualFold(args[0], "all") {
		report, err = orch.RunAll(ctx)
	} else {
		waveID, convErr := strconv.Atoi(args[0])
		if convErr != nil {
			return fmt.Errorf("argument must be a wave number or \"all\", got %q", args[0])
		}
		report, err = orch.RunWave(ctx, waveID)
	}

	printReport(out, report)
	return err
}

func staleCheck(app *app, bus *events.Bus) {
	set, err := app.store.Load()
	if err != nil {
		return
	}
	plan, err := app.store.LoadPlan()
	if err != nil || plan.Stale || plan.FootprintHash == "" {
		return
	}
	if plan.FootprintHash != set.FootprintFingerprint() {
		if err := app.store.MarkPlanStale(); err != nil {
			app.log.Warn("mark plan stale err=%q", err)
			return
		}
		bus.Publish(events.Event{Type: events.EventPlanStale})
		app.log.Warn("footprints changed, plan marked stale")
	}
}

func printReport(out io.Writer, report *orchestrate.Report) {
	if report == nil {
		return
	}
	if len(report.ResumedTasks) > 0 {
		fmt.Fprintf(out, "resumed: %s re-entered pending\n", strings.Join(report.ResumedTasks, ", "))
	}
	for _, claim := range report.Unverified {
		fmt.Fprintf(out, "unverified claim by task %s: %s\n", claim.TaskID, claim.Describe())
	}
	switch {
	case report.Halted:
		fmt.Fprintf(out, "halted at wave %d: tasks %s blocked",
			report.BlockedWave, strings.Join(report.BlockedTasks, ", "))
		if len(report.UnreachableWaves) > 0 {
			fmt.Fprintf(out, "; unreachable waves: %s", joinInts(report.UnreachableWaves))
		}
		fmt.Fprintln(out)
	case report.Complete:
		fmt.Fprintln(out, "all waves complete")
	}
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
