// Package analyze derives the conflict graph for a task set from declared
// file footprints. Two tasks touching the same file cannot run concurrently;
// the earlier-declared one becomes the predecessor.
package analyze

import (
	"sort"

	"flotilla/internal/model"
)

// Analyze computes parallelization metadata for every parent task in the set:
// blocked_by, blocks, can_parallel_with, shared_files, and isolation_score.
// Prior analysis results are discarded and recomputed from scratch.
//
// Footprint intersection is a heuristic. An undeclared shared resource will
// not be detected here; the verifier catches the fallout after execution
// instead.
func Analyze(set *model.TaskSet) {
	parents := set.ParentTasks()
	n := len(parents)

	for _, p := range parents {
		p.Parallelization = &model.Parallelization{
			BlockedBy:       []string{},
			Blocks:          []string{},
			CanParallelWith: []string{},
			SharedFiles:     []string{},
		}
	}

	sharedFiles := make(map[string]map[string]bool, n)
	for _, p := range parents {
		sharedFiles[p.ID] = make(map[string]bool)
	}

	// Declaration order is the intended order: in a conflicting pair the
	// earlier-declared task is the predecessor. Since every pair is visited
	// with i < j this can never produce a cycle on its own; cycle detection
	// in the scheduler guards against hand-edited parallelization blocks.
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := parents[i], parents[j]
			shared := intersect(a.FileFootprint, b.FileFootprint)
			if len(shared) == 0 {
				a.Parallelization.CanParallelWith = append(a.Parallelization.CanParallelWith, b.ID)
				b.Parallelization.CanParallelWith = append(b.Parallelization.CanParallelWith, a.ID)
				continue
			}

			pred, succ := a, b
			succ.Parallelization.BlockedBy = append(succ.Parallelization.BlockedBy, pred.ID)
			pred.Parallelization.Blocks = append(pred.Parallelization.Blocks, succ.ID)
			for _, f := range shared {
				sharedFiles[a.ID][f] = true
				sharedFiles[b.ID][f] = true
			}
		}
	}

	for _, p := range parents {
		pz := p.Parallelization
		sort.Strings(pz.BlockedBy)
		sort.Strings(pz.Blocks)
		sort.Strings(pz.CanParallelWith)
		pz.SharedFiles = sortedKeys(sharedFiles[p.ID])
		pz.IsolationScore = isolationScore(len(pz.CanParallelWith), n)
	}
}

// isolationScore is the fraction of other parent tasks this one can run
// alongside. A lone task is fully isolated by definition.
func isolationScore(parallel, total int) float64 {
	if total <= 1 {
		return 1.0
	}
	return float64(parallel) / float64(total-1)
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inA := make(map[string]bool, len(a))
	for _, f := range a {
		inA[f] = true
	}
	var shared []string
	seen := make(map[string]bool)
	for _, f := range b {
		if inA[f] && !seen[f] {
			shared = append(shared, f)
			seen[f] = true
		}
	}
	sort.Strings(shared)
	return shared
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
