package ptypool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/oxvale/drover/internal/agent"
	"github.com/oxvale/drover/internal/logger"
	"github.com/oxvale/drover/internal/stream"
)

var (
	ErrSessionNotReady = errors.New("session is not ready for input")
	ErrSessionBusy     = errors.New("session is busy with another call")
	ErrSessionDead     = errors.New("session process has exited")
)

// State is the lifecycle phase of a pooled session. Transitions only
// move Starting→Idle, Idle→Busy→Idle, any→Stopping→Stopped, any→Error.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// SessionConfig describes how to spawn and drive one interactive
// backend process under a pseudo-terminal.
type SessionConfig struct {
	Binary     string
	Args       []string
	Dialect    stream.Dialect
	WorkingDir string
	Mode       string
	Model      string

	Cols uint16
	Rows uint16

	StartupTimeout    time.Duration
	InactivityTimeout time.Duration
	ReadTimeout       time.Duration
	CallTimeout       time.Duration
	StopGrace         time.Duration

	MaxLineBytes int
}

func (c *SessionConfig) applyDefaults() {
	if c.Cols == 0 {
		c.Cols = 200
	}
	if c.Rows == 0 {
		c.Rows = 50
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = time.Hour
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.Dialect == "" {
		c.Dialect = stream.DialectCodex
	}
}

// SessionInfo is a point-in-time snapshot for status surfaces.
type SessionInfo struct {
	OwnerKey          string
	State             State
	PID               int
	CreatedAt         time.Time
	LastActivity      time.Time
	IdleSeconds       int
	ExternalSessionID string
	Mode              string
	Model             string
}

// Session wraps one interactive process attached to a pseudo-terminal.
// A session is exclusively occupied by one call at a time; Send is
// rejected unless the session is idle.
type Session struct {
	owner string
	cfg   SessionConfig

	mu           sync.Mutex
	state        State
	cmd          *exec.Cmd
	ptmx         *os.File
	waited       chan struct{}
	decoder      *stream.Decoder
	partial      string
	createdAt    time.Time
	lastActivity time.Time
	externalID   string
}

// startSession spawns the backend under a pty and waits for it to
// become ready: either the first decodable event or a prompt-looking
// tail, within the startup timeout. Residual boot output is flushed
// before the session is handed out.
func startSession(owner string, cfg SessionConfig) (*Session, error) {
	cfg.applyDefaults()

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s under pty: %w", cfg.Binary, err)
	}

	now := time.Now()
	s := &Session{
		owner:        owner,
		cfg:          cfg,
		state:        StateStarting,
		cmd:          cmd,
		ptmx:         ptmx,
		waited:       make(chan struct{}),
		decoder:      stream.NewDecoderWithCap(cfg.Dialect, cfg.MaxLineBytes),
		createdAt:    now,
		lastActivity: now,
	}
	go func() {
		_ = cmd.Wait()
		close(s.waited)
	}()

	if err := s.awaitReady(); err != nil {
		s.Terminate()
		return nil, err
	}
	s.flushResidual()

	s.mu.Lock()
	s.state = StateIdle
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return s, nil
}

func (s *Session) awaitReady() error {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	buf := make([]byte, 4096)

	for time.Now().Before(deadline) {
		_ = s.ptmx.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			for _, line := range s.splitLines(string(buf[:n])) {
				if !jsonLine(line) {
					continue
				}
				if msg := s.decoder.Feed(line); msg != nil {
					s.captureSessionID()
					return nil
				}
			}
			if looksLikePrompt(s.partial) {
				return nil
			}
		}
		if err != nil && !os.IsTimeout(err) {
			return fmt.Errorf("%s exited during startup: %w", s.cfg.Binary, err)
		}
	}
	return fmt.Errorf("%s did not become ready within %s", s.cfg.Binary, s.cfg.StartupTimeout)
}

// flushResidual drains boot output still in flight so the first Send
// does not misattribute it to the caller's prompt.
func (s *Session) flushResidual() {
	buf := make([]byte, 4096)
	quietSince := time.Now()
	for time.Since(quietSince) < 3*s.cfg.ReadTimeout {
		_ = s.ptmx.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.splitLines(string(buf[:n]))
			quietSince = time.Now()
		}
		if err != nil && !os.IsTimeout(err) {
			return
		}
	}
	s.partial = ""
}

// Send writes one prompt line and reads until a terminal message, an
// inactivity window with no bytes at all, or the overall call timeout.
// Accepted only while idle.
func (s *Session) Send(ctx context.Context, text string, onMessage agent.MessageFunc) (*agent.ExecutionResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateBusy:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	case StateIdle:
	default:
		s.mu.Unlock()
		return nil, ErrSessionNotReady
	}
	s.state = StateBusy
	s.lastActivity = time.Now()
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		s.setState(StateError)
		return nil, ErrSessionNotReady
	}
	if _, err := ptmx.Write([]byte(text + "\r")); err != nil {
		s.setState(StateError)
		return nil, fmt.Errorf("failed to write to session: %w", err)
	}

	var (
		accText     string
		accDetailed string
		errMsg      string
		cost        *float64
		durationMS  *int64
		cancelled   bool
		timedOut    bool
		done        bool
	)

	start := time.Now()
	lastData := start
	buf := make([]byte, 8192)

	for !done {
		select {
		case <-ctx.Done():
			cancelled = true
			done = true
			continue
		default:
		}

		if time.Since(start) > s.cfg.CallTimeout {
			timedOut = true
			break
		}

		_ = ptmx.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, err := ptmx.Read(buf)
		if n > 0 {
			lastData = time.Now()
			for _, line := range s.splitLines(string(buf[:n])) {
				if !jsonLine(line) {
					// Terminal echo and prompt chrome, not backend output
					continue
				}
				msg := s.decoder.Feed(line)
				if msg == nil {
					continue
				}
				agent.SafeOnMessage(onMessage, msg)
				switch msg.Type {
				case stream.Assistant:
					accText = stream.ConcatWithSpacing(accText, msg.Text)
					accDetailed += msg.DetailedText
				case stream.ToolCall, stream.ToolResult:
					if msg.Text != "" {
						accText = stream.ConcatWithSpacing(accText, msg.Text)
					}
					accDetailed += msg.DetailedText
				case stream.Result:
					cost = msg.CostUnits
					durationMS = msg.DurationMS
					if msg.Text != "" {
						accText = msg.Text
					}
					if msg.DetailedText != "" {
						accDetailed = msg.DetailedText
					}
					done = true
				case stream.Error:
					errMsg = msg.Text
					done = true
				}
			}
			continue
		}

		if err != nil && !os.IsTimeout(err) {
			// Process went away mid-call
			s.setState(StateError)
			return &agent.ExecutionResult{
				Text: accText, DetailedText: accDetailed,
				ExternalSessionID: s.ExternalSessionID(),
				Err:               ErrSessionDead.Error(),
			}, nil
		}

		// Silence after output has flowed marks the response complete
		if time.Since(lastData) > s.cfg.InactivityTimeout {
			done = true
		}
	}

	s.captureSessionID()
	s.mu.Lock()
	if s.state == StateBusy {
		s.state = StateIdle
	}
	s.lastActivity = time.Now()
	external := s.externalID
	s.mu.Unlock()

	res := &agent.ExecutionResult{
		Text:              accText,
		DetailedText:      accDetailed,
		ExternalSessionID: external,
		CostUnits:         cost,
		DurationMS:        durationMS,
	}
	switch {
	case cancelled:
		res.WasCancelled = true
		res.Err = "cancelled"
		s.Interrupt()
	case timedOut:
		res.Err = fmt.Sprintf("call timed out after %s", s.cfg.CallTimeout)
		s.Interrupt()
	case errMsg != "":
		res.Err = errMsg
	default:
		res.Success = true
	}
	return res, nil
}

// Interrupt sends an in-band interrupt without tearing the session down.
func (s *Session) Interrupt() {
	s.mu.Lock()
	ptmx := s.ptmx
	proc := processOf(s.cmd)
	s.mu.Unlock()

	if ptmx != nil {
		if _, err := ptmx.Write([]byte{0x03}); err == nil {
			return
		}
	}
	if proc != nil {
		_ = proc.Signal(syscall.SIGINT)
	}
}

// Terminate escalates: in-band exit command, then SIGINT, then a hard
// kill, each after the stop grace period.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.state == StateStopping || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	ptmx := s.ptmx
	proc := processOf(s.cmd)
	s.mu.Unlock()

	if proc == nil {
		s.finishStop(ptmx)
		return
	}

	if ptmx != nil {
		_, _ = ptmx.Write([]byte("/exit\r"))
		if s.waitExit(s.cfg.StopGrace) {
			s.finishStop(ptmx)
			return
		}
	}

	_ = proc.Signal(syscall.SIGINT)
	if s.waitExit(s.cfg.StopGrace) {
		s.finishStop(ptmx)
		return
	}

	_ = proc.Kill()
	if !s.waitExit(s.cfg.StopGrace) {
		logger.Error("session for %s did not exit after kill (pid %d)", s.owner, proc.Pid)
	}
	s.finishStop(ptmx)
}

func (s *Session) finishStop(ptmx *os.File) {
	if ptmx != nil {
		_ = ptmx.Close()
	}
	s.mu.Lock()
	s.ptmx = nil
	s.state = StateStopped
	s.mu.Unlock()
}

// waitExit blocks until process exit or the grace period elapses.
func (s *Session) waitExit(grace time.Duration) bool {
	if s.waited == nil {
		return true
	}
	select {
	case <-s.waited:
		return true
	case <-time.After(grace):
		return false
	}
}

// Alive reports whether the underlying process is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	state := s.state
	waited := s.waited
	s.mu.Unlock()

	if state == StateStopped {
		return false
	}
	if waited == nil {
		// Sessions without a process only stop explicitly
		return state != StateError
	}
	select {
	case <-waited:
		return false
	default:
		return true
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) ExternalSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalID
}

func (s *Session) captureSessionID() {
	if s.decoder == nil {
		return
	}
	if id := s.decoder.SessionID(); id != "" {
		s.mu.Lock()
		s.externalID = id
		s.mu.Unlock()
	}
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := 0
	if proc := processOf(s.cmd); proc != nil {
		pid = proc.Pid
	}
	return SessionInfo{
		OwnerKey:          s.owner,
		State:             s.state,
		PID:               pid,
		CreatedAt:         s.createdAt,
		LastActivity:      s.lastActivity,
		IdleSeconds:       int(time.Since(s.lastActivity).Seconds()),
		ExternalSessionID: s.externalID,
		Mode:              s.cfg.Mode,
		Model:             s.cfg.Model,
	}
}

// splitLines folds a raw chunk into the carry-over buffer and returns
// the complete lines it contains, stripped of terminal escapes.
func (s *Session) splitLines(chunk string) []string {
	s.partial += stripANSI(strings.ReplaceAll(chunk, "\r", ""))
	var lines []string
	for {
		idx := strings.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, s.partial[:idx])
		s.partial = s.partial[idx+1:]
	}
	return lines
}

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

func stripANSI(text string) string {
	return ansiRE.ReplaceAllString(text, "")
}

func jsonLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "{")
}

func looksLikePrompt(tail string) bool {
	trimmed := strings.TrimRight(tail, " ")
	return strings.HasSuffix(trimmed, ">") || strings.HasSuffix(trimmed, "$") || strings.HasSuffix(trimmed, "#")
}

func processOf(cmd *exec.Cmd) *os.Process {
	if cmd == nil {
		return nil
	}
	return cmd.Process
}
