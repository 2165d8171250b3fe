// Package store persists the task set and execution plan as YAML files in a
// data directory, with atomic writes, bounded history, and corruption
// recovery.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"golang.org/x/sync/singleflight"

	"flotilla/internal/lock"
	"flotilla/internal/logging"
	"flotilla/internal/model"
	"flotilla/internal/yaml"
)

const (
	tasksFile  = "tasks.yaml"
	planFile   = "plan.yaml"
	lockFile   = "flotilla.lock"
	configFile = "flotilla.yaml"
)

// Store mediates all access to the on-disk state. In-process callers are
// serialized per file by a mutex map; cross-process exclusion for mutating
// runs uses an advisory file lock.
type Store struct {
	dataDir string
	mu      *lock.MutexMap
	loads   singleflight.Group
	log     *logging.Logger
	now     func() time.Time
}

func New(dataDir string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{
		dataDir: dataDir,
		mu:      lock.NewMutexMap(),
		log:     log.WithComponent("store"),
		now:     time.Now,
	}
}

func (s *Store) DataDir() string    { return s.dataDir }
func (s *Store) TasksPath() string  { return filepath.Join(s.dataDir, tasksFile) }
func (s *Store) PlanPath() string   { return filepath.Join(s.dataDir, planFile) }
func (s *Store) LockPath() string   { return filepath.Join(s.dataDir, lockFile) }
func (s *Store) ConfigPath() string { return filepath.Join(s.dataDir, configFile) }

// Init creates the data directory if it does not exist.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// AcquireRunLock takes the cross-process lock guarding mutating operations.
// The caller must Unlock the returned lock.
func (s *Store) AcquireRunLock(ctx context.Context) (*lock.FileLock, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	fl := lock.NewFileLock(s.LockPath())
	if err := fl.Acquire(ctx); err != nil {
		return nil, err
	}
	return fl, nil
}

// Load reads and parses the task set. Concurrent loads are coalesced into a
// single disk read. A parse or schema failure is reported as ErrCorrupt so
// callers can route into recovery.
func (s *Store) Load() (*model.TaskSet, error) {
	v, err, _ := s.loads.Do(tasksFile, func() (any, error) {
		return s.loadTasks()
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.TaskSet), nil
}

func (s *Store) loadTasks() (*model.TaskSet, error) {
	content, err := os.ReadFile(s.TasksPath())
	if err != nil {
		return nil, fmt.Errorf("read task set: %w", err)
	}

	if err := yaml.ValidateSchemaHeader(content, model.FileTypeTaskSet); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorrupt, err)
	}

	var set model.TaskSet
	if err := yamlv3.Unmarshal(content, &set); err != nil {
		return nil, fmt.Errorf("%w: parse task set: %v", model.ErrCorrupt, err)
	}
	if err := validateTaskSet(&set); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorrupt, err)
	}
	return &set, nil
}

// LoadOrInit returns the persisted task set, or a fresh empty one when the
// store file does not exist yet.
func (s *Store) LoadOrInit() (*model.TaskSet, error) {
	set, err := s.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.NewTaskSet(), nil
		}
		return nil, err
	}
	return set, nil
}

// Save writes the task set atomically, rotating the previous version into
// history.
func (s *Store) Save(set *model.TaskSet) error {
	s.mu.Lock(tasksFile)
	defer s.mu.Unlock(tasksFile)
	return s.save(set)
}

func (s *Store) save(set *model.TaskSet) error {
	if err := s.Init(); err != nil {
		return err
	}
	set.SchemaVersion = model.CurrentSchemaVersion
	set.FileType = model.FileTypeTaskSet
	set.Touch(s.now())
	if err := yaml.AtomicWrite(s.TasksPath(), set); err != nil {
		return fmt.Errorf("save task set: %w", err)
	}
	return nil
}

// Update applies fn to the current task set and persists the result as one
// serialized read-modify-write.
func (s *Store) Update(fn func(*model.TaskSet) error) (*model.TaskSet, error) {
	s.mu.Lock(tasksFile)
	defer s.mu.Unlock(tasksFile)

	set, err := s.loadTasks()
	if err != nil {
		return nil, err
	}
	if err := fn(set); err != nil {
		return nil, err
	}
	if err := s.save(set); err != nil {
		return nil, err
	}
	return set, nil
}

// UpdateStatus transitions one task, maintaining timestamps, attempt count,
// duration, and the blocker note. Invalid transitions are rejected before
// anything is written.
func (s *Store) UpdateStatus(taskID string, to model.Status, blocker string) (*model.TaskSet, error) {
	return s.Update(func(set *model.TaskSet) error {
		task := set.Get(taskID)
		if task == nil {
			return fmt.Errorf("%w: %s", model.ErrNotFound, taskID)
		}
		if err := model.ValidateTaskTransition(task.Status, to); err != nil {
			return err
		}

		now := s.now().UTC()
		stamp := now.Format(time.RFC3339)
		switch to {
		case model.StatusInProgress:
			task.StartedAt = &stamp
			task.CompletedAt = nil
			task.Attempts++
		case model.StatusPass, model.StatusBlocked:
			task.CompletedAt = &stamp
			if task.StartedAt != nil {
				if started, err := time.Parse(time.RFC3339, *task.StartedAt); err == nil {
					task.DurationSeconds = int(now.Sub(started).Seconds())
				}
			}
		case model.StatusPending:
			// Revert path (crash recovery, cancellation, retry reset).
			task.StartedAt = nil
			task.CompletedAt = nil
			task.DurationSeconds = 0
		}

		if to == model.StatusBlocked && blocker != "" {
			task.Blocker = &blocker
		} else if to != model.StatusBlocked {
			task.Blocker = nil
		}

		task.Status = to
		s.log.Debug("status updated task=%s status=%s", taskID, to)
		return nil
	})
}

// SetArtifacts records a worker's claimed artifacts on a task.
func (s *Store) SetArtifacts(taskID string, artifacts *model.Artifacts) (*model.TaskSet, error) {
	return s.Update(func(set *model.TaskSet) error {
		task := set.Get(taskID)
		if task == nil {
			return fmt.Errorf("%w: %s", model.ErrNotFound, taskID)
		}
		task.Artifacts = artifacts
		return nil
	})
}

// AppendFutureWork records newly discovered work as an independent entry.
// Existing tasks are never mutated to hold it.
func (s *Store) AppendFutureWork(description string, intendedWave int) (string, error) {
	id, err := model.GenerateFutureWorkID()
	if err != nil {
		return "", err
	}
	_, err = s.Update(func(set *model.TaskSet) error {
		set.FutureWork = append(set.FutureWork, model.FutureWorkEntry{
			ID:           id,
			Description:  description,
			IntendedWave: intendedWave,
			CreatedAt:    s.now().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("future work recorded id=%s", id)
	return id, nil
}

// PromoteFutureWork converts a deferred entry into a real pending task and
// marks the entry promoted. The new task gets the next free top-level id.
func (s *Store) PromoteFutureWork(fwID string) (string, error) {
	var newID string
	_, err := s.Update(func(set *model.TaskSet) error {
		var entry *model.FutureWorkEntry
		for i := range set.FutureWork {
			if set.FutureWork[i].ID == fwID {
				entry = &set.FutureWork[i]
				break
			}
		}
		if entry == nil {
			return fmt.Errorf("%w: future work %s", model.ErrNotFound, fwID)
		}
		if entry.PromotedTo != "" {
			return fmt.Errorf("future work %s already promoted to task %s", fwID, entry.PromotedTo)
		}

		newID = nextTaskID(set)
		set.Tasks = append(set.Tasks, model.Task{
			ID:          newID,
			Description: entry.Description,
			Status:      model.StatusPending,
		})
		entry.PromotedTo = newID
		return nil
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// nextTaskID returns one past the highest numeric top-level id.
func nextTaskID(set *model.TaskSet) string {
	max := 0
	for i := range set.Tasks {
		parent := model.ParentOf(set.Tasks[i].ID)
		if n, err := strconv.Atoi(parent); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

// NormalizeResumed reverts any in_progress task to pending so a resumed run
// starts from a consistent state. Returns the ids reverted, sorted.
func (s *Store) NormalizeResumed() ([]string, error) {
	var reverted []string
	_, err := s.Update(func(set *model.TaskSet) error {
		for i := range set.Tasks {
			if set.Tasks[i].Status == model.StatusInProgress {
				set.Tasks[i].Status = model.StatusPending
				set.Tasks[i].StartedAt = nil
				reverted = append(reverted, set.Tasks[i].ID)
			}
		}
		sort.Strings(reverted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(reverted) > 0 {
		s.log.Warn("reverted in-flight tasks to pending tasks=%v", reverted)
	}
	return reverted, nil
}

// LoadPlan reads the persisted execution plan. Missing and corrupt plans are
// distinct failures: a missing plan just means "plan" has not run.
func (s *Store) LoadPlan() (*model.ExecutionPlan, error) {
	content, err := os.ReadFile(s.PlanPath())
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	if err := yaml.ValidateSchemaHeader(content, model.FileTypePlan); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorrupt, err)
	}

	var plan model.ExecutionPlan
	if err := yamlv3.Unmarshal(content, &plan); err != nil {
		return nil, fmt.Errorf("%w: parse plan: %v", model.ErrCorrupt, err)
	}
	return &plan, nil
}

// SavePlan writes the execution plan atomically.
func (s *Store) SavePlan(plan *model.ExecutionPlan) error {
	s.mu.Lock(planFile)
	defer s.mu.Unlock(planFile)

	if err := s.Init(); err != nil {
		return err
	}
	plan.SchemaVersion = model.CurrentSchemaVersion
	plan.FileType = model.FileTypePlan
	if plan.CreatedAt == "" {
		plan.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	if err := yaml.AtomicWrite(s.PlanPath(), plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// MarkPlanStale flags the persisted plan so execution refuses to start until
// it is rebuilt. A missing plan is not an error here.
func (s *Store) MarkPlanStale() error {
	plan, err := s.LoadPlan()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if plan.Stale {
		return nil
	}
	plan.Stale = true
	return s.SavePlan(plan)
}

// validateTaskSet enforces structural invariants on load: unique ids, valid
// id syntax, valid statuses, every subtask's parent present.
func validateTaskSet(set *model.TaskSet) error {
	seen := make(map[string]bool, len(set.Tasks))
	for i := range set.Tasks {
		t := &set.Tasks[i]
		if err := model.ValidateTaskID(t.ID); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		switch t.Status {
		case model.StatusPending, model.StatusInProgress, model.StatusPass, model.StatusBlocked:
		case "":
			t.Status = model.StatusPending
		default:
			return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
		}
	}
	for i := range set.Tasks {
		id := set.Tasks[i].ID
		if !model.IsParentID(id) && !seen[model.ParentOf(id)] {
			return fmt.Errorf("subtask %s: parent %s not found", id, model.ParentOf(id))
		}
	}
	return nil
}
