package appserver

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oxvale/drover/internal/logger"
)

// serverProcess wraps the long-lived app-server child with stdio pipes
// and escalating termination. It satisfies registry.Handle.
type serverProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	termGrace time.Duration
	waited    chan struct{}
	termOnce  sync.Once
}

func startServer(binary string, args []string, workingDir string, termGrace time.Duration) (*serverProcess, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	p := &serverProcess{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		termGrace: termGrace,
		waited:    make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.waited)
	}()
	return p, nil
}

func (p *serverProcess) Stdin() io.Writer  { return p.stdin }
func (p *serverProcess) Stdout() io.Reader { return p.stdout }

// Terminate closes stdin so a well-behaved server exits, then
// escalates SIGTERM to SIGKILL after the grace period.
func (p *serverProcess) Terminate() {
	p.termOnce.Do(func() {
		_ = p.stdin.Close()
		select {
		case <-p.waited:
			return
		case <-time.After(p.termGrace):
		}

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
			logger.Error("app-server %d unresponsive after SIGKILL", p.cmd.Process.Pid)
		}
	})
}
