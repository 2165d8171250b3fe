// Package lock provides mutual exclusion around the task store: a per-key
// in-process mutex map and an advisory file lock with a staleness override
// so a crashed holder cannot deadlock future runs.
package lock

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// MutexMap serializes read-modify-write sequences on a per-key basis.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock guards the data directory against concurrent processes. The lock
// file records the holder's PID so a stale lock left by a dead process can
// be broken.
type FileLock struct {
	path string
	file *os.File

	// StaleAfter is how old a lock file must be before a dead holder's lock
	// is broken. Zero means break as soon as the holder is confirmed dead.
	StaleAfter time.Duration
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock attempts a single non-blocking acquisition.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another run may be active): %w", err)
	}

	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

// Acquire waits for the lock with a bounded retry loop. When acquisition
// keeps failing it checks whether the recorded holder is still alive and
// breaks the lock if not.
func (fl *FileLock) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := fl.TryLock()
		if err == nil {
			return nil
		}

		if fl.holderIsStale() {
			_ = os.Remove(fl.path)
			continue
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire lock %s: %w", fl.path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// holderIsStale reports whether the lock file names a process that no longer
// exists and the file is old enough to break.
func (fl *FileLock) holderIsStale() bool {
	info, err := os.Stat(fl.path)
	if err != nil {
		return false
	}
	if fl.StaleAfter > 0 && time.Since(info.ModTime()) < fl.StaleAfter {
		return false
	}

	content, err := os.ReadFile(fl.path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid <= 0 {
		// Unreadable holder metadata: only age can justify breaking it.
		return fl.StaleAfter > 0 && time.Since(info.ModTime()) >= fl.StaleAfter
	}
	if pid == os.Getpid() {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// Signal 0 probes existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) != nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}
