// Package yaml provides atomic YAML file I/O, bounded backup history, and
// quarantine utilities for the task store.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// HistoryKeep bounds how many prior snapshots of a file are retained.
const HistoryKeep = 5

func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw writes content so a reader never observes a partial file:
// temp file in the same directory, fsync, validate by re-parse, rotate the
// previous version into the history directory, then atomic rename.
func AtomicWriteRaw(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".flotilla-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Validate written content by re-reading the temp file.
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if err := validateYAML(written); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := rotateIntoHistory(path); err != nil {
			return fmt.Errorf("rotate history: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

// HistoryDir returns the snapshot directory for a given file.
func HistoryDir(path string) string {
	return filepath.Join(filepath.Dir(path), "history")
}

// rotateIntoHistory copies the current file into history/ under a
// monotonically increasing sequence name and prunes to HistoryKeep entries.
func rotateIntoHistory(path string) error {
	histDir := HistoryDir(path)
	if err := os.MkdirAll(histDir, 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	existing, err := History(path)
	if err != nil {
		return err
	}

	seq := 1
	if len(existing) > 0 {
		// Snapshots are newest-first; continue from the newest sequence.
		base := filepath.Base(existing[0])
		var n int
		if _, err := fmt.Sscanf(base[strings.LastIndex(base, ".")+1:], "%d", &n); err == nil {
			seq = n + 1
		}
	}

	dst := filepath.Join(histDir, fmt.Sprintf("%s.%06d", filepath.Base(path), seq))
	if err := copyFile(path, dst); err != nil {
		return fmt.Errorf("copy into history: %w", err)
	}

	all, err := History(path)
	if err != nil {
		return err
	}
	for i := HistoryKeep; i < len(all); i++ {
		_ = os.Remove(all[i])
	}
	return nil
}

// History returns the retained snapshots of path, newest first.
func History(path string) ([]string, error) {
	histDir := HistoryDir(path)
	entries, err := os.ReadDir(histDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}

	prefix := filepath.Base(path) + "."
	var snapshots []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			snapshots = append(snapshots, filepath.Join(histDir, e.Name()))
		}
	}

	// Zero-padded sequence names sort lexicographically; reverse for
	// newest-first.
	sort.Sort(sort.Reverse(sort.StringSlice(snapshots)))
	return snapshots, nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
