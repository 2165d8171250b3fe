// Package verify checks a worker's claimed artifacts against the filesystem.
// Claims that do not check out are surfaced but never handed to dependent
// tasks as fact.
package verify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flotilla/internal/logging"
	"flotilla/internal/model"
)

// Claim kinds as they appear in reports.
const (
	KindFileCreated  = "file_created"
	KindFileModified = "file_modified"
	KindExport       = "export"
	KindTestFile     = "test_file"
)

// Checker abstracts the filesystem probes so tests can substitute their own.
type Checker interface {
	FileExists(path string) bool
	FileContains(path, needle string) (bool, error)
}

// FilesystemChecker probes the real filesystem under a project root.
type FilesystemChecker struct {
	Root string
}

func (c FilesystemChecker) resolve(path string) string {
	if filepath.IsAbs(path) || c.Root == "" {
		return path
	}
	return filepath.Join(c.Root, path)
}

func (c FilesystemChecker) FileExists(path string) bool {
	info, err := os.Stat(c.resolve(path))
	return err == nil && !info.IsDir()
}

func (c FilesystemChecker) FileContains(path, needle string) (bool, error) {
	content, err := os.ReadFile(c.resolve(path))
	if err != nil {
		return false, err
	}
	return strings.Contains(string(content), needle), nil
}

// UnverifiedClaim is one artifact claim that failed its check.
type UnverifiedClaim struct {
	TaskID string `yaml:"task_id"`
	Kind   string `yaml:"kind"`
	Value  string `yaml:"value"`
	Reason string `yaml:"reason"`
}

// Result partitions a task's claims into artifacts safe to hand downstream
// and claims that could not be confirmed.
type Result struct {
	Verified   model.Artifacts
	Unverified []UnverifiedClaim
}

// Clean reports whether every claim was confirmed.
func (r Result) Clean() bool {
	return len(r.Unverified) == 0
}

type Verifier struct {
	checker Checker
	log     *logging.Logger
}

func New(checker Checker, log *logging.Logger) *Verifier {
	if log == nil {
		log = logging.Nop()
	}
	return &Verifier{checker: checker, log: log.WithComponent("verify")}
}

// Verify checks each claimed artifact independently: files must exist,
// exported symbols must be findable by text search in the claimed files.
// Nothing short-circuits; a failed claim does not hide the rest.
func (v *Verifier) Verify(taskID string, claimed *model.Artifacts) Result {
	var result Result
	if claimed == nil {
		return result
	}

	checkFiles := func(kind string, paths []string, out *[]string) {
		for _, path := range paths {
			if v.checker.FileExists(path) {
				*out = append(*out, path)
				continue
			}
			result.Unverified = append(result.Unverified, UnverifiedClaim{
				TaskID: taskID,
				Kind:   kind,
				Value:  path,
				Reason: "file does not exist",
			})
		}
	}

	checkFiles(KindFileCreated, claimed.FilesCreated, &result.Verified.FilesCreated)
	checkFiles(KindFileModified, claimed.FilesModified, &result.Verified.FilesModified)
	checkFiles(KindTestFile, claimed.TestFiles, &result.Verified.TestFiles)

	// Exports are searched only in files whose existence was confirmed.
	searchable := make([]string, 0,
		len(result.Verified.FilesCreated)+len(result.Verified.FilesModified)+len(result.Verified.TestFiles))
	searchable = append(searchable, result.Verified.FilesCreated...)
	searchable = append(searchable, result.Verified.FilesModified...)
	searchable = append(searchable, result.Verified.TestFiles...)

	for _, symbol := range claimed.ExportsAdded {
		found := false
		for _, path := range searchable {
			ok, err := v.checker.FileContains(path, symbol)
			if err != nil {
				v.log.Warn("export search failed task=%s file=%s err=%q", taskID, path, err)
				continue
			}
			if ok {
				found = true
				break
			}
		}
		if found {
			result.Verified.ExportsAdded = append(result.Verified.ExportsAdded, symbol)
			continue
		}
		result.Unverified = append(result.Unverified, UnverifiedClaim{
			TaskID: taskID,
			Kind:   KindExport,
			Value:  symbol,
			Reason: "symbol not found in claimed files",
		})
	}

	if len(result.Unverified) > 0 {
		v.log.Warn("unverified claims task=%s count=%d", taskID, len(result.Unverified))
	}
	return result
}

// Describe renders a claim for blocker notes and reports.
func (c UnverifiedClaim) Describe() string {
	return fmt.Sprintf("%s %q: %s", c.Kind, c.Value, c.Reason)
}
