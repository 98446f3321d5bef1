package cleanup

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/test/logs", "/test/data")

	if cfg.LogDir != "/test/logs" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/test/logs")
	}
	if cfg.DataDir != "/test/data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/test/data")
	}
	if cfg.Interval != 1*time.Hour {
		t.Errorf("Interval = %v, want %v", cfg.Interval, 1*time.Hour)
	}
	if cfg.LogRetention != 7*24*time.Hour {
		t.Errorf("LogRetention = %v, want %v", cfg.LogRetention, 7*24*time.Hour)
	}
	if cfg.DiskWarnPercent != 80.0 {
		t.Errorf("DiskWarnPercent = %f, want 80.0", cfg.DiskWarnPercent)
	}
	if cfg.DiskErrorPercent != 90.0 {
		t.Errorf("DiskErrorPercent = %f, want 90.0", cfg.DiskErrorPercent)
	}
}

func TestCleaner_StartStop(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Config{
		LogDir:           tmpDir,
		DataDir:          tmpDir,
		Interval:         100 * time.Millisecond, // Fast for testing
		LogRetention:     1 * time.Hour,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}

	cleaner := New(cfg)
	cleaner.Start()

	// Give it time to run at least once
	time.Sleep(150 * time.Millisecond)

	cleaner.Stop()

	// Verify it stopped (no panic, no hanging)
}

func TestCleaner_CleanupOldLogs(t *testing.T) {
	tmpDir := t.TempDir()

	oldLog := filepath.Join(tmpDir, "drover-2024-01-01.log")
	newLog := filepath.Join(tmpDir, "drover-2026-08-31.log")
	otherFile := filepath.Join(tmpDir, "notes.txt")

	_ = os.WriteFile(oldLog, []byte("old"), 0o644)
	_ = os.WriteFile(newLog, []byte("new"), 0o644)
	_ = os.WriteFile(otherFile, []byte("keep"), 0o644)

	oldTime := time.Now().Add(-30 * 24 * time.Hour)
	_ = os.Chtimes(oldLog, oldTime, oldTime)
	_ = os.Chtimes(otherFile, oldTime, oldTime)

	cleaner := New(Config{
		LogDir:       tmpDir,
		DataDir:      tmpDir,
		LogRetention: 7 * 24 * time.Hour,
	})
	cleaner.cleanupOldLogs()

	if _, err := os.Stat(oldLog); !errors.Is(err, fs.ErrNotExist) {
		t.Error("expired log file should have been removed")
	}
	if _, err := os.Stat(newLog); err != nil {
		t.Error("current log file should still exist")
	}
	if _, err := os.Stat(otherFile); err != nil {
		t.Error("non-log file should still exist")
	}
}

func TestCleaner_CleanupTmpFiles(t *testing.T) {
	tmpDir := t.TempDir()

	oldTmpFile := filepath.Join(tmpDir, "old.tmp")
	newTmpFile := filepath.Join(tmpDir, "new.tmp")
	regularFile := filepath.Join(tmpDir, "drover.db")

	_ = os.WriteFile(oldTmpFile, []byte("old"), 0o644)
	_ = os.WriteFile(newTmpFile, []byte("new"), 0o644)
	_ = os.WriteFile(regularFile, []byte("keep"), 0o644)

	// Make old file appear old
	oldTime := time.Now().Add(-30 * 24 * time.Hour)
	_ = os.Chtimes(oldTmpFile, oldTime, oldTime)

	cleaner := New(Config{
		LogDir:       tmpDir,
		DataDir:      tmpDir,
		LogRetention: 7 * 24 * time.Hour,
	})
	cleaner.cleanupTmpFiles()

	if _, err := os.Stat(oldTmpFile); !errors.Is(err, fs.ErrNotExist) {
		t.Error("old .tmp file should have been removed")
	}
	if _, err := os.Stat(newTmpFile); err != nil {
		t.Error("new .tmp file should still exist")
	}
	if _, err := os.Stat(regularFile); err != nil {
		t.Error("regular file should still exist")
	}
}

func TestCleaner_CleanupTmpFiles_Nested(t *testing.T) {
	tmpDir := t.TempDir()

	nestedDir := filepath.Join(tmpDir, "sessions", "archive")
	_ = os.MkdirAll(nestedDir, 0o755)

	nestedTmpFile := filepath.Join(nestedDir, "nested.tmp")
	_ = os.WriteFile(nestedTmpFile, []byte("nested"), 0o644)

	oldTime := time.Now().Add(-30 * 24 * time.Hour)
	_ = os.Chtimes(nestedTmpFile, oldTime, oldTime)

	cleaner := New(Config{
		LogDir:       tmpDir,
		DataDir:      tmpDir,
		LogRetention: 7 * 24 * time.Hour,
	})
	cleaner.cleanupTmpFiles()

	if _, err := os.Stat(nestedTmpFile); !errors.Is(err, fs.ErrNotExist) {
		t.Error("nested old .tmp file should have been removed")
	}
}

func TestCleaner_DiskUsage(t *testing.T) {
	tmpDir := t.TempDir()

	cleaner := New(Config{LogDir: tmpDir, DataDir: tmpDir})
	used, total, percent, err := cleaner.DiskUsage()

	if err != nil {
		t.Fatalf("DiskUsage() error = %v", err)
	}
	if total == 0 {
		t.Error("total bytes should be > 0")
	}
	if used > total {
		t.Error("used bytes should be <= total bytes")
	}
	if percent < 0 || percent > 100 {
		t.Errorf("percent = %f, should be between 0 and 100", percent)
	}
}

func TestCleaner_DiskUsage_InvalidPath(t *testing.T) {
	cleaner := New(Config{DataDir: "/nonexistent/path/that/does/not/exist"})

	_, _, _, err := cleaner.DiskUsage()
	if err == nil {
		t.Error("expected error for nonexistent path")
	}
}

func TestCleaner_RunCleanup(t *testing.T) {
	tmpDir := t.TempDir()

	cleaner := New(Config{
		LogDir:           tmpDir,
		DataDir:          tmpDir,
		LogRetention:     1 * time.Hour,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	})

	// Should run all cleanup tasks without panic
	cleaner.runCleanup()
}
