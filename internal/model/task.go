// Package model defines the data structures for Flotilla's task set,
// execution plan, and configuration.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	CurrentSchemaVersion = 1
	FileTypeTaskSet      = "task_set"
	FileTypePlan         = "execution_plan"
)

// TaskSet is the canonical persisted record of all tasks and deferred work.
// Extra captures fields written by newer schema versions so they survive a
// load/save round-trip.
type TaskSet struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	Tasks         []Task            `yaml:"tasks"`
	FutureWork    []FutureWorkEntry `yaml:"future_work,omitempty"`
	UpdatedAt     string            `yaml:"updated_at,omitempty"`
	Extra         map[string]any    `yaml:",inline"`
}

// Task is the unit of schedulable work. Hierarchical ids ("3", "3.1") express
// parent/subtask relation; only parent tasks participate in scheduling.
type Task struct {
	ID               string           `yaml:"id"`
	Description      string           `yaml:"description"`
	Status           Status           `yaml:"status"`
	FileFootprint    []string         `yaml:"file_footprint,omitempty"`
	EstimatedMinutes int              `yaml:"estimated_minutes,omitempty"`
	Parallelization  *Parallelization `yaml:"parallelization,omitempty"`
	Artifacts        *Artifacts       `yaml:"artifacts,omitempty"`
	StartedAt        *string          `yaml:"started_at,omitempty"`
	CompletedAt      *string          `yaml:"completed_at,omitempty"`
	DurationSeconds  int              `yaml:"duration_seconds,omitempty"`
	Attempts         int              `yaml:"attempts"`
	Blocker          *string          `yaml:"blocker,omitempty"`
	Extra            map[string]any   `yaml:",inline"`
}

// Parallelization is derived by the dependency analyzer, never authored.
// Once computed for a plan it is immutable: footprints do not change after
// analysis.
type Parallelization struct {
	BlockedBy       []string `yaml:"blocked_by"`
	Blocks          []string `yaml:"blocks"`
	CanParallelWith []string `yaml:"can_parallel_with"`
	SharedFiles     []string `yaml:"shared_files"`
	IsolationScore  float64  `yaml:"isolation_score"`
}

// Artifacts records what a worker claims to have produced. Claims are not
// trusted until the verifier has checked them; Unverified marks a task whose
// claims did not all check out.
type Artifacts struct {
	FilesCreated  []string `yaml:"files_created,omitempty"`
	FilesModified []string `yaml:"files_modified,omitempty"`
	ExportsAdded  []string `yaml:"exports_added,omitempty"`
	TestFiles     []string `yaml:"test_files,omitempty"`
	Unverified    bool     `yaml:"unverified,omitempty"`
}

// IsEmpty reports whether no artifact of any kind was claimed.
func (a *Artifacts) IsEmpty() bool {
	if a == nil {
		return true
	}
	return len(a.FilesCreated) == 0 && len(a.FilesModified) == 0 &&
		len(a.ExportsAdded) == 0 && len(a.TestFiles) == 0
}

// FutureWorkEntry records work discovered after planning (deferred review
// feedback and the like). Entries are independent records, never extra fields
// on existing tasks: a task they relate to may already be terminal.
type FutureWorkEntry struct {
	ID           string `yaml:"id"`
	Description  string `yaml:"description"`
	IntendedWave int    `yaml:"intended_wave,omitempty"`
	CreatedAt    string `yaml:"created_at"`
	PromotedTo   string `yaml:"promoted_to,omitempty"`
}

// IsParentID reports whether id is a top-level task id ("3" rather than "3.1").
func IsParentID(id string) bool {
	return !strings.Contains(id, ".")
}

// ParentOf returns the top-level prefix of a hierarchical id.
func ParentOf(id string) string {
	if i := strings.Index(id, "."); i >= 0 {
		return id[:i]
	}
	return id
}

// NewTaskSet returns an empty task set with the current schema header.
func NewTaskSet() *TaskSet {
	return &TaskSet{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypeTaskSet,
	}
}

// Get returns the task with the given id, or nil.
func (s *TaskSet) Get(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// ParentTasks returns the schedulable (top-level) tasks in declared order.
func (s *TaskSet) ParentTasks() []*Task {
	var parents []*Task
	for i := range s.Tasks {
		if IsParentID(s.Tasks[i].ID) {
			parents = append(parents, &s.Tasks[i])
		}
	}
	return parents
}

// BlockedBy returns the computed predecessor set for a task, or nil when
// analysis has not run.
func (t *Task) BlockedBy() []string {
	if t.Parallelization == nil {
		return nil
	}
	return t.Parallelization.BlockedBy
}

// Touch updates the set's modification timestamp.
func (s *TaskSet) Touch(now time.Time) {
	s.UpdatedAt = now.UTC().Format(time.RFC3339)
}

// FootprintFingerprint hashes the parent tasks' declared footprints. A plan
// computed from one fingerprint is stale under any other.
func (s *TaskSet) FootprintFingerprint() string {
	h := sha256.New()
	for _, task := range s.ParentTasks() {
		files := append([]string(nil), task.FileFootprint...)
		sort.Strings(files)
		fmt.Fprintf(h, "%s:%s\n", task.ID, strings.Join(files, ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SortedIDs returns all task ids in lexicographic order. Used for
// deterministic reporting.
func (s *TaskSet) SortedIDs() []string {
	ids := make([]string, 0, len(s.Tasks))
	for i := range s.Tasks {
		ids = append(ids, s.Tasks[i].ID)
	}
	sort.Strings(ids)
	return ids
}
