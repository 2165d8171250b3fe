package orchestrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flotilla/internal/analyze"
	"flotilla/internal/model"
	"flotilla/internal/schedule"
	"flotilla/internal/store"
	"flotilla/internal/verify"
	"flotilla/internal/worker"
)

type fixture struct {
	store *store.Store
	root  string
	orch  *Orchestrator
}

func newFixture(t *testing.T, w worker.Worker, tasks ...model.Task) *fixture {
	t.Helper()

	st := store.New(t.TempDir(), nil)
	require.NoError(t, st.Init())

	set := model.NewTaskSet()
	set.Tasks = tasks
	analyze.Analyze(set)
	require.NoError(t, st.Save(set))

	plan, err := schedule.Build(set, time.Now())
	require.NoError(t, err)
	require.NoError(t, st.SavePlan(plan))

	root := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Run.MaxParallel = 4
	cfg.Run.MaxWaveRetries = 1

	f := &fixture{store: st, root: root}
	f.orch = New(st, verify.New(verify.FilesystemChecker{Root: root}, nil), w, nil, cfg, nil)
	return f
}

func passWorker() worker.Worker {
	return worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass}, nil
	})
}

func TestRunAll_HappyPath(t *testing.T) {
	f := newFixture(t, passWorker(),
		model.Task{ID: "1", Description: "A", FileFootprint: []string{"x.txt"}},
		model.Task{ID: "2", Description: "B", FileFootprint: []string{"y.txt"}},
		model.Task{ID: "3", Description: "C", FileFootprint: []string{"x.txt"}},
	)

	report, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, []int{1, 2}, report.WavesRun)
	assert.False(t, report.Halted)

	set, err := f.store.Load()
	require.NoError(t, err)
	for _, id := range []string{"1", "2", "3"} {
		assert.Equal(t, model.StatusPass, set.Get(id).Status, "task %s", id)
	}

	plan, err := f.store.LoadPlan()
	require.NoError(t, err)
	assert.True(t, plan.Complete())
	assert.Equal(t, 3, plan.Metrics.TasksPassed)
	assert.Equal(t, 0, plan.Metrics.TasksFailed)
}

func TestRunAll_BarrierBeforeNextWave(t *testing.T) {
	var slowDone atomic.Bool

	var f *fixture
	w := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		switch a.TaskID {
		case "1":
			time.Sleep(150 * time.Millisecond)
			slowDone.Store(true)
		case "3":
			// A wave 2 task must never start before every wave 1 task
			// finished and was persisted as pass.
			assert.True(t, slowDone.Load(), "wave 2 dispatched before wave 1 barrier")
			set, err := f.store.Load()
			if assert.NoError(t, err) {
				assert.Equal(t, model.StatusPass, set.Get("1").Status)
				assert.Equal(t, model.StatusPass, set.Get("2").Status)
			}
		}
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass}, nil
	})

	f = newFixture(t, w,
		model.Task{ID: "1", FileFootprint: []string{"x.txt"}},
		model.Task{ID: "2", FileFootprint: []string{"y.txt"}},
		model.Task{ID: "3", FileFootprint: []string{"x.txt"}},
	)

	_, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)
}

func TestRunAll_ConcurrencyBounded(t *testing.T) {
	var current, peak int64
	w := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass}, nil
	})

	tasks := make([]model.Task, 0, 8)
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		tasks = append(tasks, model.Task{ID: id, FileFootprint: []string{"f" + id}})
	}
	f := newFixture(t, w, tasks...)
	f.orch.cfg.Run.MaxParallel = 2

	_, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int64(2))
}

func TestRunAll_VerificationPartition(t *testing.T) {
	var f *fixture
	var cAssignment worker.Assignment
	w := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		switch a.TaskID {
		case "1":
			// Claims real.txt (exists) and out.txt (does not).
			assert.NoError(t, os.WriteFile(filepath.Join(f.root, "real.txt"), []byte("data"), 0644))
			return worker.Result{TaskID: "1", Outcome: worker.OutcomePass,
				Artifacts: &model.Artifacts{FilesCreated: []string{"real.txt", "out.txt"}}}, nil
		case "3":
			cAssignment = a
		}
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass}, nil
	})

	f = newFixture(t, w,
		model.Task{ID: "1", FileFootprint: []string{"x.txt"}},
		model.Task{ID: "2", FileFootprint: []string{"y.txt"}},
		model.Task{ID: "3", FileFootprint: []string{"x.txt"}},
	)

	report, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Unverified, 1)
	assert.Equal(t, "out.txt", report.Unverified[0].Value)

	// C's dispatch context carries only what task 1 verifiably produced.
	deps, ok := cAssignment.DependencyArtifacts["1"]
	require.True(t, ok)
	assert.Equal(t, []string{"real.txt"}, deps.FilesCreated)
	assert.NotContains(t, deps.FilesCreated, "out.txt")

	plan, err := f.store.LoadPlan()
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Metrics.UnverifiedClaims)

	set, err := f.store.Load()
	require.NoError(t, err)
	assert.True(t, set.Get("1").Artifacts.Unverified)
}

func TestRunAll_RetryOnlyFailedSubset(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}

	w := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		mu.Lock()
		attempts[a.TaskID]++
		n := attempts[a.TaskID]
		mu.Unlock()
		if a.TaskID == "2" && n == 1 {
			return worker.Result{TaskID: "2", Outcome: worker.OutcomeFail, Blocker: "flaky test"}, nil
		}
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass}, nil
	})

	f := newFixture(t, w,
		model.Task{ID: "1", FileFootprint: []string{"a"}},
		model.Task{ID: "2", FileFootprint: []string{"b"}},
	)

	report, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Complete)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts["1"], "passed sibling must not be re-run")
	assert.Equal(t, 2, attempts["2"])

	plan, err := f.store.LoadPlan()
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Metrics.WaveRetries)
	assert.Equal(t, model.WaveAllPassed, plan.Waves[0].Status)
}

func TestRunAll_ExhaustedRetriesHaltAndMarkUnreachable(t *testing.T) {
	w := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		if a.TaskID == "1" {
			return worker.Result{TaskID: "1", Outcome: worker.OutcomeFail, Blocker: "compile error"}, nil
		}
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass}, nil
	})

	// 1 blocks 3 (shared x.txt); 2 is independent; 4 depends on 3's file.
	f := newFixture(t, w,
		model.Task{ID: "1", FileFootprint: []string{"x.txt"}},
		model.Task{ID: "2", FileFootprint: []string{"y.txt"}},
		model.Task{ID: "3", FileFootprint: []string{"x.txt", "z.txt"}},
		model.Task{ID: "4", FileFootprint: []string{"z.txt"}},
	)

	report, err := f.orch.RunAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrBlocked))
	assert.Equal(t, "blocked", model.ErrorKind(err))

	assert.True(t, report.Halted)
	assert.Equal(t, 1, report.BlockedWave)
	assert.Equal(t, []string{"1"}, report.BlockedTasks)
	assert.Equal(t, []int{2, 3}, report.UnreachableWaves)

	set, err := f.store.Load()
	require.NoError(t, err)
	blocked := set.Get("1")
	assert.Equal(t, model.StatusBlocked, blocked.Status)
	require.NotNil(t, blocked.Blocker)
	assert.Equal(t, "compile error", *blocked.Blocker)
	// The independent sibling still passed.
	assert.Equal(t, model.StatusPass, set.Get("2").Status)

	plan, err := f.store.LoadPlan()
	require.NoError(t, err)
	assert.Equal(t, model.WaveUnreachable, plan.Waves[1].Status)
	assert.Equal(t, model.WaveUnreachable, plan.Waves[2].Status)
}

func TestRunAll_TimeoutIsRetryableFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	w := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		mu.Lock()
		attempts[a.TaskID]++
		n := attempts[a.TaskID]
		mu.Unlock()
		if n == 1 {
			return worker.Result{}, context.DeadlineExceeded
		}
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass}, nil
	})

	f := newFixture(t, w, model.Task{ID: "1", FileFootprint: []string{"x"}})

	report, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Complete)

	plan, err := f.store.LoadPlan()
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Metrics.TaskTimeouts)
	assert.Equal(t, 1, plan.Metrics.WaveRetries)
}

func TestRunAll_CancellationRevertsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := worker.Func(func(c context.Context, a worker.Assignment) (worker.Result, error) {
		cancel()
		<-c.Done()
		return worker.Result{}, c.Err()
	})

	f := newFixture(t, w, model.Task{ID: "1", FileFootprint: []string{"x"}})

	_, err := f.orch.RunAll(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	set, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, set.Get("1").Status)

	plan, err := f.store.LoadPlan()
	require.NoError(t, err)
	assert.Equal(t, model.WavePending, plan.Waves[0].Status)
}

func TestRunAll_IdempotentResume(t *testing.T) {
	f := newFixture(t, passWorker(),
		model.Task{ID: "1", FileFootprint: []string{"x"}},
		model.Task{ID: "2", FileFootprint: []string{"x"}},
	)

	// Simulate a crash: task 1 left in flight.
	_, err := f.store.UpdateStatus("1", model.StatusInProgress, "")
	require.NoError(t, err)

	report, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, report.ResumedTasks)
	assert.True(t, report.Complete)

	set, err := f.store.Load()
	require.NoError(t, err)
	for i := range set.Tasks {
		assert.NotEqual(t, model.StatusInProgress, set.Tasks[i].Status)
	}
}

func TestRunAll_StalePlanRefused(t *testing.T) {
	f := newFixture(t, passWorker(), model.Task{ID: "1", FileFootprint: []string{"x"}})
	require.NoError(t, f.store.MarkPlanStale())

	_, err := f.orch.RunAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStalePlan))
	assert.Equal(t, "stale_plan", model.ErrorKind(err))
}

func TestRunAll_FootprintEditMakesPlanStale(t *testing.T) {
	f := newFixture(t, passWorker(), model.Task{ID: "1", FileFootprint: []string{"x"}})

	_, err := f.store.Update(func(set *model.TaskSet) error {
		set.Get("1").FileFootprint = []string{"x", "extra.go"}
		return nil
	})
	require.NoError(t, err)

	_, err = f.orch.RunAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStalePlan))
}

func TestRunWave_RefusesUnmetPredecessors(t *testing.T) {
	f := newFixture(t, passWorker(),
		model.Task{ID: "1", FileFootprint: []string{"x"}},
		model.Task{ID: "2", FileFootprint: []string{"x"}},
	)

	_, err := f.orch.RunWave(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrBlocked))
}

func TestRunWave_SingleWave(t *testing.T) {
	f := newFixture(t, passWorker(),
		model.Task{ID: "1", FileFootprint: []string{"x"}},
		model.Task{ID: "2", FileFootprint: []string{"x"}},
	)

	report, err := f.orch.RunWave(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, report.WavesRun)
	assert.False(t, report.Complete)

	set, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusPass, set.Get("1").Status)
	assert.Equal(t, model.StatusPending, set.Get("2").Status)

	_, err = f.orch.RunWave(context.Background(), 99)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRetry_ClearsFailureStateAndCompletes(t *testing.T) {
	var mu sync.Mutex
	fail := true
	w := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		mu.Lock()
		shouldFail := fail && a.TaskID == "1"
		mu.Unlock()
		if shouldFail {
			return worker.Result{TaskID: "1", Outcome: worker.OutcomeFail, Blocker: "broken"}, nil
		}
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass}, nil
	})

	f := newFixture(t, w,
		model.Task{ID: "1", FileFootprint: []string{"x"}},
		model.Task{ID: "2", FileFootprint: []string{"x"}},
	)

	_, err := f.orch.RunAll(context.Background())
	require.Error(t, err)

	mu.Lock()
	fail = false
	mu.Unlock()

	report, err := f.orch.Retry(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Complete)

	set, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusPass, set.Get("1").Status)
	assert.Nil(t, set.Get("1").Blocker)
}

func TestReset_ReturnsToPreRunState(t *testing.T) {
	f := newFixture(t, passWorker(),
		model.Task{ID: "1", FileFootprint: []string{"x"}},
		model.Task{ID: "2", FileFootprint: []string{"y"}},
	)

	_, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.orch.Reset(context.Background()))

	set, err := f.store.Load()
	require.NoError(t, err)
	for i := range set.Tasks {
		task := &set.Tasks[i]
		assert.Equal(t, model.StatusPending, task.Status)
		assert.Equal(t, 0, task.Attempts)
		assert.Nil(t, task.Artifacts)
	}

	plan, err := f.store.LoadPlan()
	require.NoError(t, err)
	assert.Equal(t, model.WavePending, plan.Waves[0].Status)
	assert.Equal(t, 0, plan.Metrics.TasksPassed)
}

func TestRunAll_RecordsFutureWork(t *testing.T) {
	w := worker.Func(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		return worker.Result{TaskID: a.TaskID, Outcome: worker.OutcomePass,
			FutureWork: []string{"tighten validation in parser"}}, nil
	})

	f := newFixture(t, w, model.Task{ID: "1", FileFootprint: []string{"x"}})

	_, err := f.orch.RunAll(context.Background())
	require.NoError(t, err)

	set, err := f.store.Load()
	require.NoError(t, err)
	require.Len(t, set.FutureWork, 1)
	assert.Equal(t, "tighten validation in parser", set.FutureWork[0].Description)
	assert.Equal(t, 2, set.FutureWork[0].IntendedWave)
}
