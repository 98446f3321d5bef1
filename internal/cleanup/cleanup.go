// Package cleanup provides background housekeeping for drover's
// on-disk footprint: dated log files past retention, orphaned .tmp
// files under the data directory, and disk usage monitoring.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oxvale/drover/internal/logger"
)

// Cleaner performs periodic resource cleanup.
type Cleaner struct {
	logDir    string
	dataDir   string
	interval  time.Duration
	retention time.Duration
	diskWarn  float64
	diskError float64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds cleanup configuration.
type Config struct {
	LogDir           string
	DataDir          string
	Interval         time.Duration // How often to run cleanup
	LogRetention     time.Duration // How long to keep dated log files
	DiskWarnPercent  float64       // Warn at this disk usage percentage
	DiskErrorPercent float64       // Error at this disk usage percentage
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(logDir, dataDir string) Config {
	return Config{
		LogDir:           logDir,
		DataDir:          dataDir,
		Interval:         1 * time.Hour,
		LogRetention:     7 * 24 * time.Hour,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}
}

// New creates a new Cleaner with the given configuration.
func New(cfg Config) *Cleaner {
	return &Cleaner{
		logDir:    cfg.LogDir,
		dataDir:   cfg.DataDir,
		interval:  cfg.Interval,
		retention: cfg.LogRetention,
		diskWarn:  cfg.DiskWarnPercent,
		diskError: cfg.DiskErrorPercent,
	}
}

// Start begins the periodic cleanup loop.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		// Run immediately on start
		c.runCleanup()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runCleanup()
			}
		}
	}()

	logger.Info("🧹 Cleanup started (interval=%v, retention=%v)", c.interval, c.retention)
}

// Stop halts the cleanup loop.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		logger.Info("🧹 Cleanup stopped")
	}
}

// runCleanup performs all cleanup tasks.
func (c *Cleaner) runCleanup() {
	c.cleanupOldLogs()
	c.cleanupTmpFiles()
	c.checkDiskUsage()
}

// cleanupOldLogs removes dated log files older than retention.
// Log files are flat: <logDir>/drover-YYYY-MM-DD.log
func (c *Cleaner) cleanupOldLogs() {
	cutoff := time.Now().Add(-c.retention)
	var removed int

	entries, err := os.ReadDir(c.logDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "drover-") || !strings.HasSuffix(name, ".log") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.logDir, name)); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		logger.Info("🧹 Removed %d expired log files", removed)
	}
}

// cleanupTmpFiles removes orphaned .tmp files under the data directory
// older than retention.
func (c *Cleaner) cleanupTmpFiles() {
	cutoff := time.Now().Add(-c.retention)
	var removed int

	err := filepath.Walk(c.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".tmp") {
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err == nil {
					removed++
				}
			}
		}
		return nil
	})

	if err != nil {
		logger.Warn("cleanup walk error: %v", err)
	}
	if removed > 0 {
		logger.Info("🧹 Removed %d orphaned .tmp files", removed)
	}
}

// checkDiskUsage monitors disk usage and logs warnings.
func (c *Cleaner) checkDiskUsage() {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.dataDir, &stat); err != nil {
		return
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	used := total - free
	usedPercent := float64(used) / float64(total) * 100

	if usedPercent >= c.diskError {
		logger.Error("disk usage at %.1f%% (data dir)", usedPercent)
	} else if usedPercent >= c.diskWarn {
		logger.Warn("disk usage at %.1f%% (data dir)", usedPercent)
	}
}

// DiskUsage returns current disk usage stats.
func (c *Cleaner) DiskUsage() (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(c.dataDir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	return
}
