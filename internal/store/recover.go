package store

import (
	"errors"
	"fmt"
	"os"

	"flotilla/internal/model"
	"flotilla/internal/yaml"
)

// RecoveryResult describes what Recover did to bring the store back to a
// loadable state.
type RecoveryResult struct {
	// Recovered is true when any repair action ran at all.
	Recovered bool
	// QuarantinedPath is where the corrupt file was preserved, if any.
	QuarantinedPath string
	// RestoredSnapshot is the history snapshot restored, if any.
	RestoredSnapshot string
	// DataLoss is true when no snapshot was usable and the store was
	// reinitialized empty.
	DataLoss bool
}

// Recover returns a loadable task set no matter what state the store file is
// in. A healthy file loads directly. A corrupt file is quarantined and the
// newest parseable history snapshot is restored; with no usable snapshot the
// store is reinitialized empty and DataLoss is reported. The corrupt original
// is always preserved under quarantine/.
func (s *Store) Recover() (*model.TaskSet, RecoveryResult, error) {
	s.mu.Lock(tasksFile)
	defer s.mu.Unlock(tasksFile)

	var result RecoveryResult

	set, err := s.loadTasks()
	if err == nil {
		return set, result, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, result, err
	}
	if !errors.Is(err, model.ErrCorrupt) {
		return nil, result, err
	}

	result.Recovered = true
	s.log.Warn("task set corrupt, starting recovery err=%q", err)

	qPath, qErr := yaml.Quarantine(s.dataDir, s.TasksPath())
	if qErr != nil {
		return nil, result, fmt.Errorf("quarantine corrupt task set: %w", qErr)
	}
	result.QuarantinedPath = qPath

	snapshots, hErr := yaml.History(s.TasksPath())
	if hErr != nil {
		return nil, result, hErr
	}
	for _, snap := range snapshots {
		if rErr := yaml.RestoreSnapshot(snap, s.TasksPath()); rErr != nil {
			s.log.Warn("snapshot unusable snapshot=%s err=%q", snap, rErr)
			continue
		}
		set, lErr := s.loadTasks()
		if lErr != nil {
			s.log.Warn("restored snapshot failed validation snapshot=%s err=%q", snap, lErr)
			continue
		}
		result.RestoredSnapshot = snap
		s.log.Info("restored task set from snapshot snapshot=%s", snap)
		return set, result, nil
	}

	// Nothing in history was usable. Start over empty; the quarantined file
	// keeps the broken data available for manual salvage.
	result.DataLoss = true
	set = model.NewTaskSet()
	if sErr := s.save(set); sErr != nil {
		return nil, result, sErr
	}
	s.log.Error("no usable snapshot, reinitialized empty store quarantined=%s", qPath)
	return set, result, nil
}
