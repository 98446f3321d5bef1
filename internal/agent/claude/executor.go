package claude

import (
	"context"
	"errors"
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

var ErrSpawnThrottled = errors.New("spawn rate limit exceeded for owner")

// Config controls one-shot claude CLI executions.
type Config struct {
	Binary          string
	PermissionModes []string
	DefaultMode     string
	AutoApproveMode string
	Models          []string
	DefaultModel    string
	ReadLineTimeout time.Duration
	PlanWriteGrace  time.Duration
	TermGrace       time.Duration
	MaxRetryDepth   int
	MaxLineBytes    int
}

// Executor runs the claude CLI once per call with stream-json output,
// watching the decoded stream for control events.
type Executor struct {
	cfg Config
	reg *registry.Registry

	mu     sync.Mutex
	states map[string]*ExecutionState
}

func NewExecutor(cfg Config, reg *registry.Registry) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.AutoApproveMode == "" {
		cfg.AutoApproveMode = "acceptEdits"
	}
	if cfg.ReadLineTimeout == 0 {
		cfg.ReadLineTimeout = 10 * time.Minute
	}
	if cfg.PlanWriteGrace == 0 {
		cfg.PlanWriteGrace = 15 * time.Second
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
		states: make(map[string]*ExecutionState),
	}
}

type retryClass int

const (
	retryNone retryClass = iota
	retryNoResume
	retryAutoApprove
)

// Execute runs one prompt to completion, applying the bounded retry
// policy: resume-not-found retries once with the resume id cleared,
// and a rejected plan-finish retries once in auto-approve mode.
func (e *Executor) Execute(ctx context.Context, req agent.Request) (*agent.ExecutionResult, error) {
	mode := agent.PickAllowed(req.Mode, e.cfg.PermissionModes, e.cfg.DefaultMode)
	model := agent.PickAllowed(req.Model, e.cfg.Models, e.cfg.DefaultModel)

	resume := ""
	if agent.ValidResumeID(req.ResumeSessionID) {
		resume = req.ResumeSessionID
	}

	if !e.reg.ReserveSpawn(req.OwnerKey) {
		return &agent.ExecutionResult{Err: ErrSpawnThrottled.Error()}, ErrSpawnThrottled
	}

	state := newExecutionState()
	e.mu.Lock()
	e.states[req.ExecutionID] = state
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.states, req.ExecutionID)
		e.mu.Unlock()
	}()

	metrics.RecordExecutionStart("claude")
	start := time.Now()

	var res *agent.ExecutionResult
	for depth := 0; depth < e.cfg.MaxRetryDepth; depth++ {
		var retry retryClass
		res, retry = e.runOnce(ctx, req, resume, mode, model, state)

		switch retry {
		case retryNoResume:
			logger.Info("session %s not found, retrying without resume (depth=%d)", resume, depth+1)
			metrics.RecordRetry("claude", "resume_not_found")
			resume = ""
			continue
		case retryAutoApprove:
			logger.Info("plan finish rejected, retrying with %s mode (depth=%d)", e.cfg.AutoApproveMode, depth+1)
			metrics.RecordRetry("claude", "plan_auto_approve")
			if agent.ValidResumeID(res.ExternalSessionID) {
				resume = res.ExternalSessionID
			}
			mode = e.cfg.AutoApproveMode
			continue
		}

		e.recordEnd(res, start)
		return res, nil
	}

	logger.Error("max retry depth (%d) reached for execution %s", e.cfg.MaxRetryDepth, req.ExecutionID)
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
	metrics.RecordExecutionEnd("claude", status, time.Since(start).Seconds())
}

func (e *Executor) buildArgs(prompt, resume, mode, model string) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--permission-mode", mode,
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return append(args, prompt)
}

func (e *Executor) runOnce(ctx context.Context, req agent.Request, resume, mode, model string, state *ExecutionState) (*agent.ExecutionResult, retryClass) {
	args := e.buildArgs(req.Prompt, resume, mode, model)
	logger.Info("executing claude --permission-mode %s (execution %s)", mode, req.ExecutionID)

	proc, err := agent.StartProcess(e.cfg.Binary, args, req.WorkingDir, e.cfg.TermGrace)
	if err != nil {
		logger.Error("failed to start claude: %v", err)
		return &agent.ExecutionResult{Err: fmt.Sprintf("failed to start claude: %v", err)}, retryNone
	}

	if err := e.reg.Register(req.ExecutionID, req.OwnerKey, proc); err != nil {
		proc.Terminate()
		return &agent.ExecutionResult{Err: err.Error()}, retryNone
	}
	defer e.reg.Deregister(req.ExecutionID)

	decoder := stream.NewDecoderWithCap(stream.DialectClaude, e.cfg.MaxLineBytes)

	var (
		accText       string
		accDetailed   string
		sessionID     string
		errMsg        string
		cost          *float64
		durationMS    *int64
		stoppedByUs   bool
		planRejected  bool
		planTimedOut  bool
		ctxCancelled  bool
		stopForPlan   bool
		drainUntil    time.Time
	)

readLoop:
	for {
		if ctx.Err() != nil {
			ctxCancelled = true
			proc.Terminate()
			break
		}

		// Poll faster while waiting out the plan-write grace period so
		// the deferred stop condition is re-checked without new output.
		timeout := e.cfg.ReadLineTimeout
		switch {
		case stopForPlan:
			timeout = 250 * time.Millisecond
		case state.exitPlanPending():
			timeout = time.Second
		}

		line, ok, err := proc.ReadLine(timeout)
		if err != nil {
			if stopForPlan {
				// Nothing more buffered; the plan verdict is in.
				proc.Terminate()
				break
			}
			if state.exitPlanPending() {
				if state.planGraceExpired(e.cfg.PlanWriteGrace) {
					logger.Warn("plan write grace expired, terminating execution %s", req.ExecutionID)
					planTimedOut = true
					stoppedByUs = true
					proc.Terminate()
					break
				}
				continue
			}
			logger.Warn("claude output stalled, terminating execution %s", req.ExecutionID)
			proc.Terminate()
			proc.Wait()
			return &agent.ExecutionResult{
				Text:              accText,
				DetailedText:      decoder.DetailedText(),
				ExternalSessionID: sessionID,
				Err:               "command timed out",
			}, retryNone
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

		for _, tool := range msg.Tools {
			if tool.HasResult && tool.Name == toolExitPlan && tool.IsError {
				planRejected = true
			}
		}

		action := state.observe(msg)
		agent.SafeOnMessage(req.OnMessage, msg)

		switch action {
		case actionStopForQuestion:
			logger.Info("question tool detected, terminating execution %s for user input", req.ExecutionID)
			stoppedByUs = true
			proc.Terminate()
			break readLoop
		case actionStopForPlan:
			if !stopForPlan {
				logger.Info("plan finish detected, draining before terminating execution %s", req.ExecutionID)
				stopForPlan = true
				drainUntil = time.Now().Add(2 * time.Second)
			}
		}

		// Already-emitted lines may carry the plan tool's rejection
		// result; read them out before terminating so a rejected
		// finish flips into the auto-approve retry.
		if stopForPlan && (planRejected || time.Now().After(drainUntil)) {
			proc.Terminate()
			break
		}

		if msg.IsFinal {
			break
		}
	}

	if stopForPlan {
		stoppedByUs = true
	}

	proc.Wait()

	if stderr := proc.Stderr(); stderr != "" {
		logger.Warn("claude stderr: %s", stderr)
		if errMsg == "" && proc.ExitCode() != 0 {
			errMsg = stderr
		}
	}

	pendingQuestion, pendingPlan, planCandidate := state.snapshot()
	wasCancelled := ctxCancelled || (proc.Cancelled() && !stoppedByUs)

	// Runs stopped early never reach the terminal result that carries
	// the detailed transcript; take it from the decoder instead.
	if accDetailed == "" {
		accDetailed = decoder.DetailedText()
	}

	success := !wasCancelled && errMsg == "" && (stoppedByUs || proc.ExitCode() == 0)

	res := &agent.ExecutionResult{
		Success:             success,
		Text:                accText,
		DetailedText:        accDetailed,
		ExternalSessionID:   sessionID,
		Err:                 errMsg,
		CostUnits:           cost,
		DurationMS:          durationMS,
		WasCancelled:        wasCancelled,
		PendingQuestion:     pendingQuestion && stoppedByUs,
		PendingPlanApproval: pendingPlan && stoppedByUs,
		PlanCandidateText:   planCandidate,
		PlanWriteTimedOut:   planTimedOut,
	}
	if wasCancelled && res.Err == "" {
		res.Err = "cancelled"
	}

	if !success && resume != "" && sessionNotFound(errMsg) {
		return res, retryNoResume
	}
	if planRejected && state.markAutoApproveRetried() {
		return res, retryAutoApprove
	}
	return res, retryNone
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
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.reg.Cancel(id)
	}
}

func sessionNotFound(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "session not found") ||
		strings.Contains(lower, "no conversation found")
}
