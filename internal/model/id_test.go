package model

import (
	"strings"
	"testing"
)

func TestGenerateFutureWorkID(t *testing.T) {
	id, err := GenerateFutureWorkID()
	if err != nil {
		t.Fatalf("GenerateFutureWorkID failed: %v", err)
	}
	if !strings.HasPrefix(id, "fw_") {
		t.Errorf("id %q missing fw_ prefix", id)
	}
	if err := ValidateFutureWorkID(id); err != nil {
		t.Errorf("generated id %q failed validation: %v", id, err)
	}
}

func TestGenerateFutureWorkID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateFutureWorkID()
		if err != nil {
			t.Fatalf("GenerateFutureWorkID failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValidateTaskID(t *testing.T) {
	for _, valid := range []string{"1", "42", "3.1", "3.1.2"} {
		if err := ValidateTaskID(valid); err != nil {
			t.Errorf("ValidateTaskID(%q) = %v, want nil", valid, err)
		}
	}
	for _, invalid := range []string{"", "a", "3.", ".1", "3..1", "task-1"} {
		if err := ValidateTaskID(invalid); err == nil {
			t.Errorf("ValidateTaskID(%q) = nil, want error", invalid)
		}
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrCyclicDependency, "cyclic_dependency"},
		{ErrCorrupt, "corrupt"},
		{ErrNotFound, "not_found"},
		{ErrTimeout, "timeout"},
		{ErrVerificationFailed, "verification_failed"},
		{ErrBlocked, "blocked"},
		{ErrStalePlan, "stale_plan"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
