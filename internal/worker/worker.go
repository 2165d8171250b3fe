// Package worker defines the contract between the orchestrator and the units
// that execute individual tasks.
package worker

import (
	"context"

	"flotilla/internal/model"
)

// Assignment is the bounded context handed to a worker: the task itself plus
// the verified artifacts of its predecessors. Unverified claims never appear
// here.
type Assignment struct {
	TaskID      string   `yaml:"task_id"`
	Description string   `yaml:"description"`
	Footprint   []string `yaml:"footprint,omitempty"`
	Attempt     int      `yaml:"attempt"`

	// DependencyArtifacts maps predecessor task id to what that task
	// verifiably produced.
	DependencyArtifacts map[string]model.Artifacts `yaml:"dependency_artifacts,omitempty"`
}

type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeBlocked Outcome = "blocked"
)

// Result is what a worker reports back. Artifacts are claims at this point;
// the verifier decides what is real.
type Result struct {
	TaskID    string           `yaml:"task_id"`
	Outcome   Outcome          `yaml:"outcome"`
	Blocker   string           `yaml:"blocker,omitempty"`
	Artifacts *model.Artifacts `yaml:"artifacts,omitempty"`

	// FutureWork lists descriptions of follow-up work the worker discovered
	// but did not do.
	FutureWork []string `yaml:"future_work,omitempty"`
}

// Worker executes a single task assignment. Implementations must honor ctx
// cancellation; the orchestrator enforces per-task deadlines through it.
type Worker interface {
	Execute(ctx context.Context, a Assignment) (Result, error)
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context, a Assignment) (Result, error)

func (f Func) Execute(ctx context.Context, a Assignment) (Result, error) {
	return f(ctx, a)
}
