package validation

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid lowercase", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"valid uppercase", "F47AC10B-58CC-4372-A567-0E02B2C3D479", false},
		{"empty", "", true},
		{"missing dashes", "f47ac10b58cc4372a5670e02b2c3d479", true},
		{"too short", "f47ac10b-58cc-4372", true},
		{"not hex", "g47ac10b-58cc-4372-a567-0e02b2c3d479", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUUID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUUID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateOwnerKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"single component", "C123ABC", false},
		{"channel and user", "C123:U456", false},
		{"with suffix", "C123:U456:pty", false},
		{"empty", "", true},
		{"empty component", "C123::U456", true},
		{"trailing separator", "C123:", true},
		{"shell metachars", "C123:$(rm)", true},
		{"spaces", "C123:U 456", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOwnerKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOwnerKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestValidateExternalSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"thread id", "thr_8f3kd92mz", false},
		{"long thread prefix", "thread_01abc", false},
		{"empty", "", true},
		{"bare word", "yesterday", true},
		{"thread with unsafe chars", "thr_../../etc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExternalSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateExternalSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWorkingDir(t *testing.T) {
	tmpDir := t.TempDir()
	file := filepath.Join(tmpDir, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing dir", tmpDir, false},
		{"empty", "", true},
		{"relative", "work/dir", true},
		{"traversal", tmpDir + "/../escape", true},
		{"missing", filepath.Join(tmpDir, "nope"), true},
		{"regular file", file, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWorkingDir(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWorkingDir(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}
