package codex

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oxvale/drover/internal/agent"
	"github.com/oxvale/drover/internal/logger"
	"github.com/oxvale/drover/internal/metrics"
	"github.com/oxvale/drover/internal/registry"
	"github.com/oxvale/drover/internal/stream"
)

// Config controls one-shot codex CLI executions.
type Config struct {
	Binary          string
	SandboxModes    []string
	DefaultSandbox  string
	ApprovalModes   []string
	DefaultApproval string
	Models          []string
	DefaultModel    string
	ReadLineTimeout time.Duration
	TermGrace       time.Duration
	MaxRetryDepth   int
	MaxLineBytes    int
}

// Executor runs `codex exec --json` once per call and normalizes its
// item/event stream.
type Executor struct {
	cfg Config
	reg *registry.Registry

	mu     sync.Mutex
	active map[string]struct{}
}

func NewExecutor(cfg Config, reg *registry.Registry) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	if cfg.DefaultSandbox == "" {
		cfg.DefaultSandbox = "workspace-write"
	}
	if cfg.DefaultApproval == "" {
		cfg.DefaultApproval = "on-request"
	}
	if cfg.ReadLineTimeout == 0 {
		cfg.ReadLineTimeout = 10 * time.Minute
	}
	if cfg.TermGrace == 0 {
		cfg.TermGrace = 5 * time.Second
	}
	if cfg.MaxRetryDepth == 0 {
		cfg.MaxRetryDepth = 3
	}
	return &Executor{
		cfg:    cfg,
		reg:    reg,
		active: make(map[string]struct{}),
	}
}

// Execute runs one prompt to completion. A resumed session the backend
// no longer knows about is retried exactly once without the resume id.
func (e *Executor) Execute(ctx context.Context, req agent.Request) (*agent.ExecutionResult, error) {
	if !e.reg.ReserveSpawn(req.OwnerKey) {
		return &agent.ExecutionResult{Err: "spawn rate limit exceeded for owner"}, nil
	}

	resume := req.ResumeSessionID

	e.mu.Lock()
	e.active[req.ExecutionID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, req.ExecutionID)
		e.mu.Unlock()
	}()

	metrics.RecordExecutionStart("codex")
	start := time.Now()

	var res *agent.ExecutionResult
	for depth := 0; depth < e.cfg.MaxRetryDepth; depth++ {
		var retry bool
		res, retry = e.runOnce(ctx, req, resume)
		if retry {
			logger.Info("codex session %s not found, retrying without resume (depth=%d)", resume, depth+1)
			metrics.RecordRetry("codex", "resume_not_found")
			resume = ""
			continue
		}
		e.recordEnd(res, start)
		return res, nil
	}

	res.Success = false
	res.Err = fmt.Sprintf("max retry depth (%d) exceeded", e.cfg.MaxRetryDepth)
	e.recordEnd(res, start)
	return res, nil
}

func (e *Executor) recordEnd(res *agent.ExecutionResult, start time.Time) {
	status := "success"
	switch {
	case res.WasCancelled:
		status = "cancelled"
	case !res.Success:
		status = "failure"
	}
	metrics.RecordExecutionEnd("codex", status, time.Since(start).Seconds())
}

// buildArgs assembles the codex exec command line. The prompt is
// always the final argument.
func (e *Executor) buildArgs(prompt, resume, sandbox, approval, model, workingDir string) []string {
	var args []string
	if resume != "" {
		args = []string{"exec", "resume", resume, "--json"}
	} else {
		args = []string{"exec", "--json"}
	}

	if model != "" {
		base, effort := ParseModelEffort(model)
		base = agent.PickAllowed(base, e.cfg.Models, e.cfg.DefaultModel)
		args = append(args, "--model", base)
		if effort != "" {
			args = append(args, "-c", fmt.Sprintf("model_reasoning_effort=%q", effort))
		}
	}

	sandbox = agent.PickAllowed(sandbox, e.cfg.SandboxModes, e.cfg.DefaultSandbox)
	args = append(args, "--sandbox", sandbox)

	// The CLI has no approval flag; "never" maps to --full-auto and the
	// rest need nothing extra.
	if NormalizeApproval(approval) == "never" {
		args = append(args, "--full-auto")
	}

	args = append(args, "--cd", workingDir)
	return append(args, prompt)
}

func (e *Executor) runOnce(ctx context.Context, req agent.Request, resume string) (*agent.ExecutionResult, bool) {
	args := e.buildArgs(req.Prompt, resume, req.Mode, e.cfg.DefaultApproval, req.Model, req.WorkingDir)
	logger.Info("executing codex exec (execution %s)", req.ExecutionID)

	proc, err := agent.StartProcess(e.cfg.Binary, args, req.WorkingDir, e.cfg.TermGrace)
	if err != nil {
		logger.Error("failed to start codex: %v", err)
		return &agent.ExecutionResult{Err: fmt.Sprintf("failed to start codex: %v", err)}, false
	}

	if err := e.reg.Register(req.ExecutionID, req.OwnerKey, proc); err != nil {
		proc.Terminate()
		return &agent.ExecutionResult{Err: err.Error()}, false
	}
	defer e.reg.Deregister(req.ExecutionID)

	decoder := stream.NewDecoderWithCap(stream.DialectCodex, e.cfg.MaxLineBytes)

	var (
		accText      string
		accDetailed  string
		sessionID    string
		errMsg       string
		cost         *float64
		durationMS   *int64
		ctxCancelled bool
	)

	for {
		if ctx.Err() != nil {
			ctxCancelled = true
			proc.Terminate()
			break
		}

		line, ok, err := proc.ReadLine(e.cfg.ReadLineTimeout)
		if err != nil {
			logger.Warn("codex output stalled, terminating execution %s", req.ExecutionID)
			proc.Terminate()
			proc.Wait()
			return &agent.ExecutionResult{
				Text:              accText,
				DetailedText:      decoder.DetailedText(),
				ExternalSessionID: sessionID,
				Err:               "command timed out",
			}, false
		}
		if !ok {
			break
		}

		msg := decoder.Feed(line)
		if msg == nil {
			continue
		}

		if msg.SessionID != "" {
			sessionID = msg.SessionID
		}
		switch msg.Type {
		case stream.Assistant:
			if msg.Text != "" {
				accText = stream.ConcatWithSpacing(accText, msg.Text)
			}
		case stream.Result:
			cost = msg.CostUnits
			durationMS = msg.DurationMS
			if msg.Text != "" {
				accText = msg.Text
			}
			if msg.DetailedText != "" {
				accDetailed = msg.DetailedText
			}
		case stream.Error:
			errMsg = msg.Text
		}

		agent.SafeOnMessage(req.OnMessage, msg)

		if msg.IsFinal {
			break
		}
	}

	proc.Wait()

	if stderr := proc.Stderr(); stderr != "" {
		logger.Warn("codex stderr: %s", stderr)
		if errMsg == "" && proc.ExitCode() != 0 {
			errMsg = stderr
		}
	}

	wasCancelled := ctxCancelled || proc.Cancelled()
	success := !wasCancelled && errMsg == "" && proc.ExitCode() == 0

	// Cancelled or failed runs never see the terminal result that
	// carries the detailed transcript; take it from the decoder.
	if accDetailed == "" {
		accDetailed = decoder.DetailedText()
	}

	res := &agent.ExecutionResult{
		Success:           success,
		Text:              accText,
		DetailedText:      accDetailed,
		ExternalSessionID: sessionID,
		Err:               errMsg,
		CostUnits:         cost,
		DurationMS:        durationMS,
		WasCancelled:      wasCancelled,
	}
	if wasCancelled && res.Err == "" {
		res.Err = "cancelled"
	}

	if !success && !wasCancelled && resume != "" && sessionNotFound(errMsg) {
		return res, true
	}
	return res, false
}

// Cancel requests termination of one active execution.
func (e *Executor) Cancel(execID string) bool {
	return e.reg.Cancel(execID)
}

// CancelByOwner terminates every active execution for an owner key.
func (e *Executor) CancelByOwner(ownerKey string) int {
	return e.reg.CancelByOwner(ownerKey)
}

// Shutdown cancels all executions started by this executor.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.reg.Cancel(id)
	}
}

// ParseModelEffort splits a "model:effort" selector into its parts.
// Unknown suffixes are left attached to the model name.
func ParseModelEffort(model string) (base, effort string) {
	idx := strings.LastIndex(model, ":")
	if idx < 0 {
		return model, ""
	}
	suffix := strings.ToLower(model[idx+1:])
	switch suffix {
	case "low", "medium", "high", "xhigh":
		return model[:idx], suffix
	}
	return model, ""
}

// NormalizeApproval maps deprecated approval modes onto supported
// ones. Empty input falls back to on-request.
func NormalizeApproval(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "on-failure" {
		return "on-request"
	}
	return mode
}

func sessionNotFound(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "session not found") ||
		strings.Contains(lower, "no conversation found")
}
