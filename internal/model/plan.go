package model

// ExecutionPlan is the output of dependency analysis and wave scheduling:
// an ordered list of waves plus aggregate metrics. It is computed once from
// a snapshot of the task set and must be rebuilt if footprints change.
type ExecutionPlan struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	Waves         []Wave         `yaml:"waves"`
	Metrics       PlanMetrics    `yaml:"metrics"`
	Stale         bool           `yaml:"stale,omitempty"`
	FootprintHash string         `yaml:"footprint_hash,omitempty"`
	CreatedAt     string         `yaml:"created_at"`
	Extra         map[string]any `yaml:",inline"`
}

// Wave is a set of tasks with no dependency between its members; everything
// a wave member depends on sits in a strictly earlier wave.
type Wave struct {
	WaveID           int        `yaml:"wave_id"` // 1-based, strictly increasing
	TaskIDs          []string   `yaml:"tasks"`
	Rationale        string     `yaml:"rationale,omitempty"`
	EstimatedMinutes int        `yaml:"estimated_minutes"`
	Status           WaveStatus `yaml:"status"`
	Attempts         int        `yaml:"attempts,omitempty"`
}

// PlanMetrics summarizes the expected and observed gain from parallelism.
type PlanMetrics struct {
	TaskCount          int     `yaml:"task_count"`
	WaveCount          int     `yaml:"wave_count"`
	MaxConcurrency     int     `yaml:"max_concurrency"`
	SequentialMinutes  int     `yaml:"sequential_minutes"`
	ParallelMinutes    int     `yaml:"parallel_minutes"`
	EstimatedSpeedup   float64 `yaml:"estimated_speedup"`
	ActualSpeedup      float64 `yaml:"actual_speedup,omitempty"`
	TasksDispatched    int     `yaml:"tasks_dispatched,omitempty"`
	TasksPassed        int     `yaml:"tasks_passed,omitempty"`
	TasksFailed        int     `yaml:"tasks_failed,omitempty"`
	TaskTimeouts       int     `yaml:"task_timeouts,omitempty"`
	UnverifiedClaims   int     `yaml:"unverified_claims,omitempty"`
	WaveRetries        int     `yaml:"wave_retries,omitempty"`
	ActualRunSeconds   int     `yaml:"actual_run_seconds,omitempty"`
	ActualSerialSecs   int     `yaml:"actual_serial_seconds,omitempty"`
}

// NewExecutionPlan returns an empty plan with the current schema header.
func NewExecutionPlan() *ExecutionPlan {
	return &ExecutionPlan{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypePlan,
	}
}

// Wave returns the wave with the given 1-based id, or nil.
func (p *ExecutionPlan) Wave(waveID int) *Wave {
	for i := range p.Waves {
		if p.Waves[i].WaveID == waveID {
			return &p.Waves[i]
		}
	}
	return nil
}

// WaveOf returns the wave containing the given task id, or nil.
func (p *ExecutionPlan) WaveOf(taskID string) *Wave {
	for i := range p.Waves {
		for _, id := range p.Waves[i].TaskIDs {
			if id == taskID {
				return &p.Waves[i]
			}
		}
	}
	return nil
}

// Complete reports whether every wave reached all_passed.
func (p *ExecutionPlan) Complete() bool {
	for i := range p.Waves {
		if p.Waves[i].Status != WaveAllPassed {
			return false
		}
	}
	return len(p.Waves) > 0
}
