package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPass       Status = "pass"
	StatusBlocked    Status = "blocked"
)

// Task status transitions: pending → in_progress → {pass, blocked}.
// in_progress → pending happens on crash recovery and cancellation so a
// resumed run never finds a task stuck in flight. blocked → pending is the
// retry path. pass is the only terminal status.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusPass:    true,
		StatusBlocked: true,
		StatusPending: true,
	},
	StatusBlocked: {
		StatusPending: true,
	},
}

func IsTerminal(s Status) bool {
	return s == StatusPass
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

type WaveStatus string

const (
	WavePending        WaveStatus = "pending"
	WaveDispatched     WaveStatus = "dispatched"
	WaveAllPassed      WaveStatus = "all_passed"
	WavePartialFailure WaveStatus = "partial_failure"
	WaveAllFailed      WaveStatus = "all_failed"
	// WaveUnreachable marks waves that can never run because an earlier wave
	// exhausted its retries.
	WaveUnreachable WaveStatus = "unreachable"
)

var terminalWaveStatuses = map[WaveStatus]bool{
	WaveAllPassed:   true,
	WaveUnreachable: true,
}

var validWaveTransitions = map[WaveStatus]map[WaveStatus]bool{
	WavePending: {
		WaveDispatched:  true,
		WaveUnreachable: true,
	},
	WaveDispatched: {
		WaveAllPassed:      true,
		WavePartialFailure: true,
		WaveAllFailed:      true,
		WavePending:        true, // cancellation reverts an in-flight wave
	},
	// a failed wave is re-dispatched on retry
	WavePartialFailure: {
		WaveDispatched: true,
	},
	WaveAllFailed: {
		WaveDispatched: true,
	},
}

func IsWaveTerminal(s WaveStatus) bool {
	return terminalWaveStatuses[s]
}

func ValidateWaveTransition(from, to WaveStatus) error {
	if IsWaveTerminal(from) {
		return fmt.Errorf("cannot transition from terminal wave status %q", from)
	}
	allowed, ok := validWaveTransitions[from]
	if !ok {
		return fmt.Errorf("unknown wave status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid wave transition: %q → %q", from, to)
	}
	return nil
}
