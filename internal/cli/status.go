package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flotilla/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task and wave progress",
	Long:  "Show every task's status, wave placement, and blockers. Never mutates state.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}

	set, err := app.store.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), "no task set (write tasks.yaml first)")
			return nil
		}
		if errors.Is(err, model.ErrCorrupt) {
			return fmt.Errorf("task set is corrupt; `flotilla plan` will recover from history: %w", err)
		}
		return err
	}

	plan, planErr := app.store.LoadPlan()
	if planErr != nil && !errors.Is(planErr, os.ErrNotExist) {
		return planErr
	}

	out := cmd.OutOrStdout()
	counts := map[model.Status]int{}
	for i := range set.Tasks {
		counts[set.Tasks[i].Status]++
	}
	fmt.Fprintf(out, "tasks: %d total, %d pass, %d pending, %d in_progress, %d blocked\n",
		len(set.Tasks), counts[model.StatusPass], counts[model.StatusPending],
		counts[model.StatusInProgress], counts[model.StatusBlocked])

	if plan == nil {
		fmt.Fprintln(out, "plan: none (run `flotilla plan`)")
	} else {
		fmt.Fprintf(out, "plan: %d waves, max concurrency %d, estimated speedup %.2fx",
			plan.Metrics.WaveCount, plan.Metrics.MaxConcurrency, plan.Metrics.EstimatedSpeedup)
		if plan.Stale || (plan.FootprintHash != "" && plan.FootprintHash != set.FootprintFingerprint()) {
			fmt.Fprint(out, " [STALE: re-run `flotilla plan`]")
		}
		fmt.Fprintln(out)
	}

	for i := range set.Tasks {
		task := &set.Tasks[i]
		wave := "-"
		if plan != nil {
			if w := plan.WaveOf(task.ID); w != nil {
				wave = fmt.Sprintf("%d", w.WaveID)
			}
		}
		line := fmt.Sprintf("  %-6s wave=%-3s %-12s %s", task.ID, wave, task.Status, task.Description)
		if task.Blocker != nil {
			line += fmt.Sprintf(" [blocker: %s]", *task.Blocker)
		}
		if task.Artifacts != nil && task.Artifacts.Unverified {
			line += " [unverified claims]"
		}
		fmt.Fprintln(out, line)
	}

	if len(set.FutureWork) > 0 {
		fmt.Fprintf(out, "future work: %d entries (see `flotilla future list`)\n", len(set.FutureWork))
	}
	return nil
}
