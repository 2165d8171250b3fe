package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// Future-work entries get generated ids; task ids are authored and
// hierarchical ("3", "3.1") so they are validated, not generated.

var futureWorkIDRegex = regexp.MustCompile(`^fw_[0-9]{10}_[0-9a-f]{8}$`)

var taskIDRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// GenerateFutureWorkID returns an id of the form fw_<unix>_<hex8>.
func GenerateFutureWorkID() (string, error) {
	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return fmt.Sprintf("fw_%010d_%s", timestamp, hex.EncodeToString(randomBytes)), nil
}

// ValidateFutureWorkID checks the fw_<unix>_<hex8> shape.
func ValidateFutureWorkID(id string) error {
	if !futureWorkIDRegex.MatchString(id) {
		return fmt.Errorf("invalid future work id: %q", id)
	}
	return nil
}

// ValidateTaskID checks the hierarchical numeric shape ("3", "3.1").
func ValidateTaskID(id string) error {
	if !taskIDRegex.MatchString(id) {
		return fmt.Errorf("invalid task id: %q (want hierarchical numeric form like \"3\" or \"3.1\")", id)
	}
	return nil
}
