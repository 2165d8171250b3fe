// Package orchestrate runs an execution plan wave by wave: bounded-
// concurrency dispatch within a wave, a full barrier between waves, retry of
// failed subsets, and a halt when a blocked wave makes later waves
// unreachable.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"flotilla/internal/events"
	"flotilla/internal/logging"
	"flotilla/internal/model"
	"flotilla/internal/store"
	"flotilla/internal/verify"
	"flotilla/internal/worker"
)

type Orchestrator struct {
	store    *store.Store
	verifier *verify.Verifier
	worker   worker.Worker
	bus      *events.Bus
	cfg      model.Config
	log      *logging.Logger
	now      func() time.Time
}

func New(st *store.Store, v *verify.Verifier, w worker.Worker, bus *events.Bus, cfg model.Config, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Nop()
	}
	if bus == nil {
		bus = events.NewBus(0)
	}
	if cfg.Run.MaxParallel <= 0 {
		cfg.Run.MaxParallel = 4
	}
	if cfg.Run.TaskTimeoutMin <= 0 {
		cfg.Run.TaskTimeoutMin = 10
	}
	return &Orchestrator{
		store:    st,
		verifier: v,
		worker:   w,
		bus:      bus,
		cfg:      cfg,
		log:      log.WithComponent("orchestrate"),
		now:      time.Now,
	}
}

// Report summarizes what a run did, including partial completion detail when
// execution halted.
type Report struct {
	WavesRun         []int
	Complete         bool
	Halted           bool
	BlockedWave      int
	BlockedTasks     []string
	UnreachableWaves []int
	ResumedTasks     []string
	Unverified       []verify.UnverifiedClaim
}

// RunAll executes every remaining wave in order.
func (o *Orchestrator) RunAll(ctx context.Context) (*Report, error) {
	return o.run(ctx, 0)
}

// RunWave executes a single wave. Its predecessors must already have passed.
func (o *Orchestrator) RunWave(ctx context.Context, waveID int) (*Report, error) {
	if waveID < 1 {
		return nil, fmt.Errorf("invalid wave id %d", waveID)
	}
	return o.run(ctx, waveID)
}

func (o *Orchestrator) run(ctx context.Context, onlyWave int) (*Report, error) {
	fl, err := o.store.AcquireRunLock(ctx)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	report := &Report{}

	// A previous crash may have left tasks in flight; they re-enter pending.
	resumed, err := o.store.NormalizeResumed()
	if err != nil {
		return nil, err
	}
	report.ResumedTasks = resumed

	plan, err := o.store.LoadPlan()
	if err != nil {
		return nil, fmt.Errorf("load plan (run `plan` first): %w", err)
	}
	if plan.Stale {
		o.bus.Publish(events.Event{Type: events.EventPlanStale})
		return nil, fmt.Errorf("footprints changed since planning: %w", model.ErrStalePlan)
	}
	if plan.FootprintHash != "" {
		set, sErr := o.store.Load()
		if sErr != nil {
			return nil, sErr
		}
		if set.FootprintFingerprint() != plan.FootprintHash {
			o.bus.Publish(events.Event{Type: events.EventPlanStale})
			return nil, fmt.Errorf("footprints changed since planning: %w", model.ErrStalePlan)
		}
	}

	runStart := o.now()
	seen := false

	for i := range plan.Waves {
		wave := &plan.Waves[i]
		if onlyWave != 0 && wave.WaveID != onlyWave {
			continue
		}
		seen = true

		switch wave.Status {
		case model.WaveAllPassed:
			continue
		case model.WaveUnreachable:
			return report, fmt.Errorf("wave %d is unreachable after an earlier failure (use retry): %w",
				wave.WaveID, model.ErrBlocked)
		}

		if err := o.checkDispatchable(wave); err != nil {
			return report, err
		}

		claims, waveErr := o.runWave(ctx, plan, wave)
		report.Unverified = append(report.Unverified, claims...)
		report.WavesRun = append(report.WavesRun, wave.WaveID)
		plan.Metrics.UnverifiedClaims += len(claims)

		if waveErr != nil {
			if errors.Is(waveErr, model.ErrBlocked) {
				o.halt(plan, wave, report)
			}
			o.finishMetrics(plan, runStart)
			if err := o.store.SavePlan(plan); err != nil {
				o.log.Error("save plan after failure err=%q", err)
			}
			return report, waveErr
		}

		o.finishMetrics(plan, runStart)
		if err := o.store.SavePlan(plan); err != nil {
			return report, err
		}
	}

	if onlyWave != 0 && !seen {
		return nil, fmt.Errorf("%w: wave %d", model.ErrNotFound, onlyWave)
	}

	report.Complete = plan.Complete()
	return report, nil
}

// checkDispatchable verifies every predecessor of the wave's tasks already
// passed. Running waves in order guarantees this; a single-wave run can
// violate it.
func (o *Orchestrator) checkDispatchable(wave *model.Wave) error {
	set, err := o.store.Load()
	if err != nil {
		return err
	}
	for _, id := range wave.TaskIDs {
		task := set.Get(id)
		if task == nil {
			return fmt.Errorf("%w: %s (plan references a task missing from the store)", model.ErrNotFound, id)
		}
		for _, dep := range task.BlockedBy() {
			depTask := set.Get(dep)
			if depTask == nil {
				return fmt.Errorf("%w: %s (dependency of %s)", model.ErrNotFound, dep, id)
			}
			if depTask.Status != model.StatusPass {
				return fmt.Errorf("task %s depends on %s which is %s: %w",
					id, dep, depTask.Status, model.ErrBlocked)
			}
		}
	}
	return nil
}

// runWave dispatches the wave's unfinished tasks, waits at the barrier, and
// redispatches the failed subset until it passes or retries run out.
func (o *Orchestrator) runWave(ctx context.Context, plan *model.ExecutionPlan, wave *model.Wave) ([]verify.UnverifiedClaim, error) {
	o.bus.Publish(events.Event{Type: events.EventWaveStarted, WaveID: wave.WaveID})
	o.log.Info("wave started wave=%d tasks=%v", wave.WaveID, wave.TaskIDs)

	var allClaims []verify.UnverifiedClaim

	for {
		members, err := o.pendingMembers(wave)
		if err != nil {
			return allClaims, err
		}
		if len(members) == 0 {
			// Every member already passed (resume after a crash): the wave is
			// trivially dispatched and completed.
			if err := o.setWaveStatus(plan, wave, model.WaveDispatched); err != nil {
				return allClaims, err
			}
			if err := o.setWaveStatus(plan, wave, model.WaveAllPassed); err != nil {
				return allClaims, err
			}
			if err := o.store.SavePlan(plan); err != nil {
				return allClaims, err
			}
			o.bus.Publish(events.Event{Type: events.EventWaveCompleted, WaveID: wave.WaveID})
			o.log.Info("wave completed wave=%d", wave.WaveID)
			return allClaims, nil
		}

		// Members left blocked by an earlier halted run re-enter as pending.
		set, err := o.store.Load()
		if err != nil {
			return allClaims, err
		}
		for _, id := range members {
			if set.Get(id).Status == model.StatusBlocked {
				if _, uErr := o.store.UpdateStatus(id, model.StatusPending, ""); uErr != nil {
					return allClaims, uErr
				}
			}
		}

		if err := o.setWaveStatus(plan, wave, model.WaveDispatched); err != nil {
			return allClaims, err
		}
		wave.Attempts++
		if err := o.store.SavePlan(plan); err != nil {
			return allClaims, err
		}

		results := o.dispatch(ctx, wave.WaveID, members)

		var failed []string
		timeouts := 0
		for _, r := range results {
			plan.Metrics.TasksDispatched++
			allClaims = append(allClaims, r.unverified...)
			switch {
			case r.canceled:
				// Handled below via ctx.Err.
			case r.passed:
				plan.Metrics.TasksPassed++
			default:
				plan.Metrics.TasksFailed++
				failed = append(failed, r.id)
				if r.timedOut {
					timeouts++
				}
			}
			for _, desc := range r.futureWork {
				if _, fwErr := o.store.AppendFutureWork(desc, wave.WaveID+1); fwErr != nil {
					o.log.Warn("record future work task=%s err=%q", r.id, fwErr)
				}
			}
		}
		plan.Metrics.TaskTimeouts += timeouts

		if ctx.Err() != nil {
			// Operator abort: the wave reverts so a resumed run redispatches
			// it from scratch. Passed members keep their status.
			if err := o.setWaveStatus(plan, wave, model.WavePending); err != nil {
				o.log.Warn("revert wave on cancel wave=%d err=%q", wave.WaveID, err)
			}
			_ = o.store.SavePlan(plan)
			return allClaims, ctx.Err()
		}

		if len(failed) == 0 {
			if err := o.setWaveStatus(plan, wave, model.WaveAllPassed); err != nil {
				return allClaims, err
			}
			if err := o.store.SavePlan(plan); err != nil {
				return allClaims, err
			}
			o.bus.Publish(events.Event{Type: events.EventWaveCompleted, WaveID: wave.WaveID})
			o.log.Info("wave completed wave=%d", wave.WaveID)
			return allClaims, nil
		}

		sort.Strings(failed)
		status := model.WavePartialFailure
		if len(failed) == len(members) {
			status = model.WaveAllFailed
		}
		if err := o.setWaveStatus(plan, wave, status); err != nil {
			return allClaims, err
		}
		if err := o.store.SavePlan(plan); err != nil {
			return allClaims, err
		}

		if wave.Attempts > o.cfg.Run.MaxWaveRetries {
			o.log.Error("wave blocked wave=%d failed=%v attempts=%d", wave.WaveID, failed, wave.Attempts)
			return allClaims, fmt.Errorf("wave %d: tasks %v failed after %d attempts: %w",
				wave.WaveID, failed, wave.Attempts, model.ErrBlocked)
		}

		// Only the failed subset goes again; passed siblings are not re-run.
		plan.Metrics.WaveRetries++
		o.bus.Publish(events.Event{Type: events.EventWaveRetried, WaveID: wave.WaveID,
			Data: map[string]any{"failed": failed}})
		o.log.Warn("retrying failed subset wave=%d tasks=%v", wave.WaveID, failed)
	}
}

// pendingMembers returns the wave's tasks that still need to run, in plan
// order.
func (o *Orchestrator) pendingMembers(wave *model.Wave) ([]string, error) {
	set, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	var members []string
	for _, id := range wave.TaskIDs {
		task := set.Get(id)
		if task == nil {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		if task.Status != model.StatusPass {
			members = append(members, id)
		}
	}
	return members, nil
}

type taskResult struct {
	id         string
	passed     bool
	timedOut   bool
	canceled   bool
	blocker    string
	unverified []verify.UnverifiedClaim
	futureWork []string
}

// dispatch runs the given tasks concurrently, bounded by MaxParallel, and
// waits for every one of them. One task failing never cancels its siblings.
func (o *Orchestrator) dispatch(ctx context.Context, waveID int, taskIDs []string) []taskResult {
	results := make([]taskResult, len(taskIDs))

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Run.MaxParallel)
	for i, id := range taskIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = o.runTask(ctx, waveID, id)
			return nil
		})
	}
	_ = g.Wait() // barrier

	return results
}

func (o *Orchestrator) runTask(ctx context.Context, waveID int, taskID string) taskResult {
	res := taskResult{id: taskID}

	if ctx.Err() != nil {
		res.canceled = true
		return res
	}

	set, err := o.store.UpdateStatus(taskID, model.StatusInProgress, "")
	if err != nil {
		res.blocker = err.Error()
		return res
	}
	task := set.Get(taskID)

	assignment := worker.Assignment{
		TaskID:              taskID,
		Description:         task.Description,
		Footprint:           task.FileFootprint,
		Attempt:             task.Attempts,
		DependencyArtifacts: o.dependencyArtifacts(set, task),
	}

	timeout := time.Duration(o.cfg.Run.TaskTimeoutMin) * time.Minute
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.bus.Publish(events.Event{Type: events.EventTaskDispatched, TaskID: taskID, WaveID: waveID})
	result, err := o.worker.Execute(taskCtx, assignment)

	if ctx.Err() != nil {
		res.canceled = true
		if _, sErr := o.store.UpdateStatus(taskID, model.StatusPending, ""); sErr != nil {
			o.log.Warn("revert canceled task task=%s err=%q", taskID, sErr)
		}
		return res
	}

	if err != nil {
		if errors.Is(err, model.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			res.timedOut = true
			res.blocker = fmt.Sprintf("timeout after %dm", o.cfg.Run.TaskTimeoutMin)
			o.bus.Publish(events.Event{Type: events.EventTaskTimeout, TaskID: taskID, WaveID: waveID})
		} else {
			res.blocker = err.Error()
		}
		o.failTask(taskID, waveID, res.blocker, res.timedOut)
		return res
	}

	res.futureWork = result.FutureWork

	switch result.Outcome {
	case worker.OutcomePass:
		vres := o.verifier.Verify(taskID, result.Artifacts)
		res.unverified = vres.Unverified
		verified := vres.Verified
		verified.Unverified = !vres.Clean()
		if !verified.IsEmpty() || verified.Unverified {
			if _, sErr := o.store.SetArtifacts(taskID, &verified); sErr != nil {
				o.log.Warn("record artifacts task=%s err=%q", taskID, sErr)
			}
		}
		if _, sErr := o.store.UpdateStatus(taskID, model.StatusPass, ""); sErr != nil {
			res.blocker = sErr.Error()
			return res
		}
		res.passed = true
		o.bus.Publish(events.Event{Type: events.EventTaskPassed, TaskID: taskID, WaveID: waveID})
		o.log.Info("task passed task=%s wave=%d", taskID, waveID)
	default:
		res.blocker = result.Blocker
		if res.blocker == "" {
			res.blocker = fmt.Sprintf("worker reported %s", result.Outcome)
		}
		o.failTask(taskID, waveID, res.blocker, false)
	}
	return res
}

func (o *Orchestrator) failTask(taskID string, waveID int, blocker string, timedOut bool) {
	if _, err := o.store.UpdateStatus(taskID, model.StatusBlocked, blocker); err != nil {
		o.log.Error("mark task blocked task=%s err=%q", taskID, err)
	}
	if !timedOut {
		o.bus.Publish(events.Event{Type: events.EventTaskFailed, TaskID: taskID, WaveID: waveID,
			Data: map[string]any{"blocker": blocker}})
	}
	o.log.Warn("task failed task=%s wave=%d blocker=%q", taskID, waveID, blocker)
}

// dependencyArtifacts collects what each predecessor verifiably produced.
// Stored artifacts are already the verified subset, so they are handed over
// as-is; a predecessor with nothing confirmed contributes nothing.
func (o *Orchestrator) dependencyArtifacts(set *model.TaskSet, task *model.Task) map[string]model.Artifacts {
	deps := task.BlockedBy()
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]model.Artifacts)
	for _, dep := range deps {
		depTask := set.Get(dep)
		if depTask == nil || depTask.Artifacts.IsEmpty() {
			continue
		}
		a := *depTask.Artifacts
		a.Unverified = false
		out[dep] = a
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// halt marks every later wave that transitively depends on the blocked
// wave's failures as unreachable and fills the report. In this layered
// design every later wave is downstream, so execution stops entirely either
// way; unreachable marking records which waves can never run at all.
func (o *Orchestrator) halt(plan *model.ExecutionPlan, blocked *model.Wave, report *Report) {
	report.Halted = true
	report.BlockedWave = blocked.WaveID

	set, err := o.store.Load()
	if err != nil {
		o.log.Error("load store during halt err=%q", err)
		return
	}

	tainted := make(map[string]bool)
	for _, id := range blocked.TaskIDs {
		if task := set.Get(id); task != nil && task.Status == model.StatusBlocked {
			tainted[id] = true
			report.BlockedTasks = append(report.BlockedTasks, id)
		}
	}
	sort.Strings(report.BlockedTasks)

	for i := range plan.Waves {
		wave := &plan.Waves[i]
		if wave.WaveID <= blocked.WaveID || wave.Status != model.WavePending {
			continue
		}
		unreachable := false
		for _, id := range wave.TaskIDs {
			task := set.Get(id)
			if task == nil {
				continue
			}
			for _, dep := range task.BlockedBy() {
				if tainted[dep] {
					tainted[id] = true
					unreachable = true
				}
			}
		}
		if unreachable {
			if err := o.setWaveStatus(plan, wave, model.WaveUnreachable); err != nil {
				o.log.Warn("mark wave unreachable wave=%d err=%q", wave.WaveID, err)
				continue
			}
			report.UnreachableWaves = append(report.UnreachableWaves, wave.WaveID)
		}
	}

	o.bus.Publish(events.Event{Type: events.EventPlanHalted, WaveID: blocked.WaveID,
		Data: map[string]any{"blocked_tasks": report.BlockedTasks, "unreachable_waves": report.UnreachableWaves}})
	o.log.Error("execution halted wave=%d blocked=%v unreachable=%v",
		blocked.WaveID, report.BlockedTasks, report.UnreachableWaves)
}

func (o *Orchestrator) setWaveStatus(plan *model.ExecutionPlan, wave *model.Wave, to model.WaveStatus) error {
	if wave.Status == to {
		return nil
	}
	if err := model.ValidateWaveTransition(wave.Status, to); err != nil {
		return fmt.Errorf("wave %d: %w", wave.WaveID, err)
	}
	wave.Status = to
	return nil
}

// finishMetrics folds observed durations into the plan's metrics after each
// wave so a crash loses at most one wave of accounting.
func (o *Orchestrator) finishMetrics(plan *model.ExecutionPlan, runStart time.Time) {
	set, err := o.store.Load()
	if err != nil {
		return
	}
	serial := 0
	for i := range set.Tasks {
		serial += set.Tasks[i].DurationSeconds
	}
	plan.Metrics.ActualSerialSecs = serial
	plan.Metrics.ActualRunSeconds = int(o.now().Sub(runStart).Seconds())
	if plan.Metrics.ActualRunSeconds > 0 {
		plan.Metrics.ActualSpeedup = float64(serial) / float64(plan.Metrics.ActualRunSeconds)
	}
}
