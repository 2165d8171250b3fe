// Package schedule turns an analyzed task set into an execution plan: waves
// of mutually independent tasks ordered so every dependency lands in a
// strictly earlier wave.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"flotilla/internal/model"
)

// Build layers the parent tasks of an analyzed set into waves. It fails with
// ErrCyclicDependency, naming the task ids on the cycle, when the
// parallelization graph cannot be layered. The analyzer itself never emits a
// cycle; hand-edited parallelization blocks can.
func Build(set *model.TaskSet, now time.Time) (*model.ExecutionPlan, error) {
	parents := set.ParentTasks()

	ids := make([]string, 0, len(parents))
	blockedBy := make(map[string][]string, len(parents))
	estimate := make(map[string]int, len(parents))
	for _, p := range parents {
		ids = append(ids, p.ID)
		blockedBy[p.ID] = p.BlockedBy()
		estimate[p.ID] = p.EstimatedMinutes
	}

	layers, err := layer(ids, blockedBy)
	if err != nil {
		return nil, err
	}

	plan := model.NewExecutionPlan()
	plan.CreatedAt = now.UTC().Format(time.RFC3339)
	plan.FootprintHash = set.FootprintFingerprint()

	sequentialMinutes := 0
	parallelMinutes := 0
	maxConcurrency := 0
	for i, members := range layers {
		waveMinutes := 0
		for _, id := range members {
			sequentialMinutes += estimate[id]
			if estimate[id] > waveMinutes {
				// Wave duration is the slowest member, not the sum: members
				// run concurrently.
				waveMinutes = estimate[id]
			}
		}
		parallelMinutes += waveMinutes
		if len(members) > maxConcurrency {
			maxConcurrency = len(members)
		}

		plan.Waves = append(plan.Waves, model.Wave{
			WaveID:           i + 1,
			TaskIDs:          members,
			Rationale:        rationale(members, blockedBy),
			EstimatedMinutes: waveMinutes,
			Status:           model.WavePending,
		})
	}

	plan.Metrics = model.PlanMetrics{
		TaskCount:         len(parents),
		WaveCount:         len(plan.Waves),
		MaxConcurrency:    maxConcurrency,
		SequentialMinutes: sequentialMinutes,
		ParallelMinutes:   parallelMinutes,
		EstimatedSpeedup:  speedup(sequentialMinutes, parallelMinutes),
	}
	return plan, nil
}

// layer is iterative topological layering: each round emits every task whose
// predecessors are all in the completed set. An empty round with tasks left
// means a cycle.
func layer(ids []string, blockedBy map[string][]string) ([][]string, error) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	completed := make(map[string]bool, len(ids))
	var layers [][]string
	remaining := len(ids)

	for remaining > 0 {
		var ready []string
		for _, id := range ids {
			if completed[id] {
				continue
			}
			ok := true
			for _, dep := range blockedBy[id] {
				// References to ids outside the parent set are ignored here;
				// store validation rejects them on load.
				if known[dep] && !completed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			cycle := findCyclePath(ids, blockedBy, completed)
			return nil, fmt.Errorf("%w: %s", model.ErrCyclicDependency, strings.Join(cycle, " -> "))
		}

		sort.Strings(ready)
		layers = append(layers, ready)
		for _, id := range ready {
			completed[id] = true
		}
		remaining -= len(ready)
	}

	return layers, nil
}

// findCyclePath runs DFS over the unplaced tasks and reconstructs one cycle
// for the error message.
func findCyclePath(ids []string, blockedBy map[string][]string, completed map[string]bool) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range blockedBy[node] {
			if completed[dep] {
				continue
			}
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range ids {
		if !completed[id] && color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}

	return []string{"(cycle detected)"}
}

// rationale explains why a wave is shaped the way it is: multi-task waves are
// conflict-free groups, single-task waves name what they waited on.
func rationale(members []string, blockedBy map[string][]string) string {
	if len(members) > 1 {
		return "no shared file dependencies"
	}
	deps := blockedBy[members[0]]
	if len(deps) == 0 {
		return ""
	}
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	return fmt.Sprintf("waits on %s", strings.Join(sorted, ", "))
}

func speedup(sequential, parallel int) float64 {
	if parallel <= 0 {
		return 1.0
	}
	return float64(sequential) / float64(parallel)
}
