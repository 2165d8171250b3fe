package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	data := map[string]any{"key": "value", "count": 42}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var result map[string]any
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestAtomicWrite_RotatesHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	snapshots, err := History(path)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snapshots))
	}

	content, err := os.ReadFile(snapshots[0])
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap map[string]string
	if err := yamlv3.Unmarshal(content, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap["version"] != "1" {
		t.Errorf("snapshot version: got %q, want 1", snap["version"])
	}
}

func TestAtomicWrite_HistoryBounded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	for i := 0; i < HistoryKeep+4; i++ {
		if err := AtomicWrite(path, map[string]int{"rev": i}); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	snapshots, err := History(path)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(snapshots) != HistoryKeep {
		t.Fatalf("got %d snapshots, want %d", len(snapshots), HistoryKeep)
	}

	// Newest snapshot holds the second-to-last revision written.
	content, _ := os.ReadFile(snapshots[0])
	var snap map[string]int
	if err := yamlv3.Unmarshal(content, &snap); err != nil {
		t.Fatalf("unmarshal newest snapshot: %v", err)
	}
	if snap["rev"] != HistoryKeep+2 {
		t.Errorf("newest snapshot rev: got %d, want %d", snap["rev"], HistoryKeep+2)
	}
}

func TestAtomicWrite_NoPartialFileOnMarshalError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	if err := AtomicWrite(path, map[string]string{"ok": "yes"}); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	// Channels cannot be marshaled.
	if err := AtomicWrite(path, map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var result map[string]string
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("original file corrupted: %v", err)
	}
	if result["ok"] != "yes" {
		t.Errorf("original content lost: %v", result)
	}
}

func TestQuarantineAndRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Corrupt the canonical file.
	if err := os.WriteFile(path, []byte("{{{not yaml"), 0644); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}

	qPath, err := Quarantine(dir, path)
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	if _, err := os.Stat(qPath); err != nil {
		t.Fatalf("quarantined file missing: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("canonical file should be gone after quarantine")
	}

	snapshots, err := History(path)
	if err != nil || len(snapshots) == 0 {
		t.Fatalf("History = %v, %v; want snapshots", snapshots, err)
	}
	if err := RestoreSnapshot(snapshots[0], path); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}

	content, _ := os.ReadFile(path)
	var restored map[string]string
	if err := yamlv3.Unmarshal(content, &restored); err != nil {
		t.Fatalf("restored file unparseable: %v", err)
	}
	if restored["version"] != "1" {
		t.Errorf("restored version: got %q, want 1", restored["version"])
	}
}

func TestRestoreSnapshot_RejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "snap.yaml")
	if err := os.WriteFile(snap, []byte("{{{nope"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := RestoreSnapshot(snap, filepath.Join(dir, "tasks.yaml")); err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}
}

func TestValidateSchemaHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		fileType string
		wantErr  bool
	}{
		{"valid task_set", "schema_version: 1\nfile_type: task_set\n", "task_set", false},
		{"valid plan", "schema_version: 1\nfile_type: execution_plan\n", "execution_plan", false},
		{"type mismatch", "schema_version: 1\nfile_type: task_set\n", "execution_plan", true},
		{"missing type", "schema_version: 1\n", "task_set", true},
		{"version zero", "schema_version: 0\nfile_type: task_set\n", "task_set", true},
		{fmt.Sprintf("version above %d", CurrentSchemaVersion),
			fmt.Sprintf("schema_version: %d\nfile_type: task_set\n", CurrentSchemaVersion+1), "task_set", true},
		{"unknown type", "schema_version: 1\nfile_type: mystery\n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeader([]byte(tt.content), tt.fileType)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSchemaHeader error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
