package validation

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// safeKeyRegex matches safe owner key components (alphanumeric, dash, underscore, dot)
	safeKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// threadIDRegex matches the server backend's thread id format
	threadIDRegex = regexp.MustCompile(`^(thr|thread)_[0-9a-zA-Z]+$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateExecutionID validates an execution ID
func ValidateExecutionID(id string) error {
	return ValidateUUID(id)
}

// ValidateOwnerKey validates an owner key. Owner keys identify the
// conversation an execution belongs to and have the form
// component[:component]..., e.g. "C123:U456" or "C123:U456:pty".
func ValidateOwnerKey(key string) error {
	if key == "" {
		return fmt.Errorf("owner key cannot be empty")
	}

	parts := strings.Split(key, ":")
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("owner key has empty component: %s", key)
		}
		if !safeKeyRegex.MatchString(part) {
			return fmt.Errorf("unsafe owner key component: %s", part)
		}
	}
	return nil
}

// ValidateExternalSessionID validates a resumable session id: either a
// UUID (claude) or a thread id (codex app-server).
func ValidateExternalSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if threadIDRegex.MatchString(id) {
		return nil
	}
	return ValidateUUID(id)
}

// ValidateWorkingDir checks that the path is absolute and an existing
// directory.
func ValidateWorkingDir(path string) error {
	if path == "" {
		return fmt.Errorf("working directory cannot be empty")
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("working directory must be absolute: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("working directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory is not a directory: %s", path)
	}
	return nil
}
