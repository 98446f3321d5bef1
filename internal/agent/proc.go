package agent

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oxvale/drover/internal/logger"
)

var ErrReadTimeout = errors.New("timed out waiting for process output")

// Process wraps one spawned backend CLI with line-oriented stdout
// reading and escalating termination. It satisfies registry.Handle.
type Process struct {
	cmd       *exec.Cmd
	lines     chan string
	stderr    bytes.Buffer
	termGrace time.Duration
	cancelled atomic.Bool
	waitErr   error
	waited    chan struct{}
}

// StartProcess spawns a backend CLI and begins reading stdout lines.
func StartProcess(binary string, args []string, workingDir string, termGrace time.Duration) (*Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = workingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	p := &Process{
		cmd:       cmd,
		lines:     make(chan string, 64),
		termGrace: termGrace,
		waited:    make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		// Large file reads can produce very long JSON lines
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		close(p.lines)
	}()

	go func() {
		p.waitErr = cmd.Wait()
		close(p.waited)
	}()

	return p, nil
}

// ReadLine returns the next stdout line. The second return is false at
// EOF. A stall past the timeout returns ErrReadTimeout.
func (p *Process) ReadLine(timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line, ok := <-p.lines:
		return line, ok, nil
	case <-timer.C:
		return "", false, ErrReadTimeout
	}
}

// Terminate escalates: SIGTERM, bounded wait, SIGKILL, bounded wait,
// log if the process still has not exited.
func (p *Process) Terminate() {
	p.cancelled.Store(true)
	if p.cmd.Process == nil {
		return
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.waited:
		return
	case <-time.After(p.termGrace):
	}

	_ = p.cmd.Process.Kill()
	select {
	case <-p.waited:
	case <-time.After(p.termGrace):
		logger.Error("process %d unresponsive after SIGKILL", p.cmd.Process.Pid)
	}
}

// Interrupt sends SIGINT without marking the process cancelled.
func (p *Process) Interrupt() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGINT)
	}
}

// Wait blocks until the process exits and returns its wait error.
func (p *Process) Wait() error {
	<-p.waited
	return p.waitErr
}

// Cancelled reports whether Terminate was requested.
func (p *Process) Cancelled() bool {
	return p.cancelled.Load()
}

// Stderr returns what the process wrote to stderr so far.
func (p *Process) Stderr() string {
	return string(bytes.TrimSpace(p.stderr.Bytes()))
}

// ExitCode returns the process exit code after Wait, or -1.
func (p *Process) ExitCode() int {
	select {
	case <-p.waited:
	default:
		return -1
	}
	if p.waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
