package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"os"

	"flotilla/internal/model"
)

// Retry clears the failure state left by a halted run (blocked tasks, failed
// and unreachable waves) and resumes execution from the first unfinished
// wave. Passed tasks are never re-run.
func (o *Orchestrator) Retry(ctx context.Context) (*Report, error) {
	if err := o.resetFailures(ctx); err != nil {
		return nil, err
	}
	return o.run(ctx, 0)
}

func (o *Orchestrator) resetFailures(ctx context.Context) error {
	fl, err := o.store.AcquireRunLock(ctx)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	plan, err := o.store.LoadPlan()
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}

	// Administrative reset: failed and unreachable waves go straight back to
	// pending, outside the normal transition table.
	changed := false
	for i := range plan.Waves {
		wave := &plan.Waves[i]
		switch wave.Status {
		case model.WavePartialFailure, model.WaveAllFailed, model.WaveUnreachable:
			wave.Status = model.WavePending
			wave.Attempts = 0
			changed = true
		}
	}

	if _, err := o.store.Update(func(set *model.TaskSet) error {
		for i := range set.Tasks {
			task := &set.Tasks[i]
			if task.Status == model.StatusBlocked {
				task.Status = model.StatusPending
				task.Blocker = nil
				task.StartedAt = nil
				task.CompletedAt = nil
				task.DurationSeconds = 0
				changed = true
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if !changed {
		return nil
	}
	o.log.Info("failure state cleared, resuming")
	return o.store.SavePlan(plan)
}

// Reset returns the store and plan to their pre-run state: every task back
// to pending with its run history cleared, every wave back to pending, and
// the plan's observed metrics zeroed. The plan's wave layout is kept; it only
// depends on footprints.
func (o *Orchestrator) Reset(ctx context.Context) error {
	fl, err := o.store.AcquireRunLock(ctx)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if _, err := o.store.Update(func(set *model.TaskSet) error {
		for i := range set.Tasks {
			task := &set.Tasks[i]
			task.Status = model.StatusPending
			task.Artifacts = nil
			task.StartedAt = nil
			task.CompletedAt = nil
			task.DurationSeconds = 0
			task.Attempts = 0
			task.Blocker = nil
		}
		return nil
	}); err != nil {
		return err
	}

	plan, err := o.store.LoadPlan()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for i := range plan.Waves {
		plan.Waves[i].Status = model.WavePending
		plan.Waves[i].Attempts = 0
	}
	m := &plan.Metrics
	m.ActualSpeedup = 0
	m.TasksDispatched = 0
	m.TasksPassed = 0
	m.TasksFailed = 0
	m.TaskTimeouts = 0
	m.UnverifiedClaims = 0
	m.WaveRetries = 0
	m.ActualRunSeconds = 0
	m.ActualSerialSecs = 0

	o.log.Info("store and plan reset")
	return o.store.SavePlan(plan)
}
