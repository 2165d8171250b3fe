package model

import "errors"

// Error kinds surfaced at the CLI boundary as machine-readable strings.
// Wrap with fmt.Errorf("...: %w", Err...) and classify with errors.Is.
var (
	// ErrCyclicDependency is fatal at planning time: the footprint-derived
	// graph contains a cycle and no plan is produced.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrCorrupt means the persisted store could not be parsed. Recoverable
	// by scanning the backup history.
	ErrCorrupt = errors.New("store corrupt")

	// ErrNotFound means a task id does not exist in the store.
	ErrNotFound = errors.New("task not found")

	// ErrTimeout means a worker exceeded its deadline. Retryable.
	ErrTimeout = errors.New("worker timeout")

	// ErrVerificationFailed means a worker's claims did not match reality.
	// Not fatal, but the unverified claims are excluded from downstream trust.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrBlocked means a wave exhausted its retries; dependent waves halt.
	ErrBlocked = errors.New("wave blocked")

	// ErrStalePlan means footprints changed after the plan was computed and
	// the plan must be rebuilt before execution.
	ErrStalePlan = errors.New("plan stale")
)

// ErrorKind maps an error chain to its machine-readable kind, or "internal"
// when no known kind matches.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrCyclicDependency):
		return "cyclic_dependency"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrStalePlan):
		return "stale_plan"
	default:
		return "internal"
	}
}
