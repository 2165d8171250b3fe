package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"flotilla/internal/analyze"
	"flotilla/internal/model"
	"flotilla/internal/schedule"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Analyze footprints and compute the wave plan",
	Long: `Recompute parallelization metadata from each task's declared file
footprint and layer the tasks into waves. A corrupt task set is recovered
from the newest usable history snapshot first.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	set, err := app.store.Load()
	if err != nil {
		if !errors.Is(err, model.ErrCorrupt) {
			return err
		}
		recovered, result, rErr := app.store.Recover()
		if rErr != nil {
			return rErr
		}
		set = recovered
		if result.DataLoss {
			fmt.Fprintf(out, "WARNING: task set was corrupt and no snapshot was usable; reinitialized empty (original kept at %s)\n",
				result.QuarantinedPath)
		} else {
			fmt.Fprintf(out, "recovered task set from %s (corrupt original kept at %s)\n",
				result.RestoredSnapshot, result.QuarantinedPath)
		}
	}

	analyze.Analyze(set)
	if err := app.store.Save(set); err != nil {
		return err
	}

	plan, err := schedule.Build(set, time.Now())
	if err != nil {
		return err
	}
	if err := app.store.SavePlan(plan); err != nil {
		return err
	}

	for _, wave := range plan.Waves {
		fmt.Fprintf(out, "wave %d: [%s]", wave.WaveID, strings.Join(wave.TaskIDs, ", "))
		if wave.Rationale != "" {
			fmt.Fprintf(out, "  (%s)", wave.Rationale)
		}
		fmt.Fprintf(out, "  ~%dm\n", wave.EstimatedMinutes)
	}
	m := plan.Metrics
	fmt.Fprintf(out, "%d tasks in %d waves; sequential %dm, parallel %dm, estimated speedup %.2fx, max concurrency %d\n",
		m.TaskCount, m.WaveCount, m.SequentialMinutes, m.ParallelMinutes, m.EstimatedSpeedup, m.MaxConcurrency)
	return nil
}
