package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Claude.Binary != "claude" {
		t.Errorf("Claude.Binary = %q, want %q", cfg.Claude.Binary, "claude")
	}
	if cfg.Claude.DefaultMode != "acceptEdits" {
		t.Errorf("Claude.DefaultMode = %q, want %q", cfg.Claude.DefaultMode, "acceptEdits")
	}
	if cfg.Codex.DefaultSandbox != "workspace-write" {
		t.Errorf("Codex.DefaultSandbox = %q, want %q", cfg.Codex.DefaultSandbox, "workspace-write")
	}
	if cfg.PTY.MaxSessions != 10 {
		t.Errorf("PTY.MaxSessions = %d, want 10", cfg.PTY.MaxSessions)
	}
	if cfg.Limits.MaxRetryDepth != 3 {
		t.Errorf("Limits.MaxRetryDepth = %d, want 3", cfg.Limits.MaxRetryDepth)
	}
	if cfg.Limits.MaxLineBytes != 1024*1024 {
		t.Errorf("Limits.MaxLineBytes = %d, want %d", cfg.Limits.MaxLineBytes, 1024*1024)
	}
	if got := cfg.Timeouts.ReadLine(); got != 10*time.Minute {
		t.Errorf("Timeouts.ReadLine() = %v, want %v", got, 10*time.Minute)
	}
	if got := cfg.Timeouts.PTYRead(); got != 100*time.Millisecond {
		t.Errorf("Timeouts.PTYRead() = %v, want %v", got, 100*time.Millisecond)
	}
	if got := cfg.Timeouts.IdleTimeout(); got != 30*time.Minute {
		t.Errorf("Timeouts.IdleTimeout() = %v, want %v", got, 30*time.Minute)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v, want nil", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.jsonc")

	content := `{
		// Engine configuration
		"claude": {
			"binary": "/usr/local/bin/claude",
			"default_mode": "plan"
		},
		"pty": {
			"max_sessions": 3
		},
		"timeouts": {
			"read_line_sec": 120
		},
		"debug": true
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Claude.Binary != "/usr/local/bin/claude" {
		t.Errorf("Claude.Binary = %q, want %q", cfg.Claude.Binary, "/usr/local/bin/claude")
	}
	if cfg.Claude.DefaultMode != "plan" {
		t.Errorf("Claude.DefaultMode = %q, want %q", cfg.Claude.DefaultMode, "plan")
	}
	if cfg.PTY.MaxSessions != 3 {
		t.Errorf("PTY.MaxSessions = %d, want 3", cfg.PTY.MaxSessions)
	}
	if got := cfg.Timeouts.ReadLine(); got != 2*time.Minute {
		t.Errorf("Timeouts.ReadLine() = %v, want %v", got, 2*time.Minute)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	// Untouched sections still get defaults
	if cfg.Codex.Binary != "codex" {
		t.Errorf("Codex.Binary = %q, want %q", cfg.Codex.Binary, "codex")
	}
	if cfg.Timeouts.StartupSec != 30 {
		t.Errorf("Timeouts.StartupSec = %d, want 30", cfg.Timeouts.StartupSec)
	}
}

func TestLoadRejectsBadDefaultMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.jsonc")

	content := `{"claude": {"default_mode": "yolo"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load with invalid default_mode succeeded, want error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.jsonc")); err == nil {
		t.Error("Load of missing file succeeded, want error")
	}
}

func TestStripJSONComments(t *testing.T) {
	in := `{
	// line comment
	"a": "has // not a comment",
	/* block
	   comment */
	"b": 2
}`
	out := string(StripJSONComments([]byte(in)))
	if want := `"has // not a comment"`; !strings.Contains(out, want) {
		t.Errorf("string contents stripped: %q", out)
	}
	if strings.Contains(out, "line comment") || strings.Contains(out, "block") {
		t.Errorf("comments not stripped: %q", out)
	}
}
