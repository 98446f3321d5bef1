package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oxvale/drover/internal/agent"
	"github.com/oxvale/drover/internal/logger"
	"github.com/oxvale/drover/internal/metrics"
	"github.com/oxvale/drover/internal/registry"
	"github.com/oxvale/drover/internal/stream"
)

// Options configures a Bridge.
type Options struct {
	Binary      string
	WorkingDir  string
	Unattended  bool
	CallTimeout time.Duration
	TermGrace   time.Duration

	// OnUserInputRequest answers a free-form input request. A false
	// second return means no answer is available.
	OnUserInputRequest func(id string, payload json.RawMessage) (string, bool)
	// OnApprovalRequest decides an approval request. A false second
	// return means no decision is available.
	OnApprovalRequest func(method string, payload json.RawMessage) (bool, bool)

	MaxRetryDepth int
	MaxLineBytes  int
}

// Bridge drives the server-style codex variant over JSON-RPC stdio,
// producing the same canonical Message stream the one-shot executors
// produce.
type Bridge struct {
	opts Options
	reg  *registry.Registry
}

func NewBridge(opts Options, reg *registry.Registry) *Bridge {
	if opts.Binary == "" {
		opts.Binary = "codex"
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.TermGrace == 0 {
		opts.TermGrace = 5 * time.Second
	}
	if opts.MaxRetryDepth == 0 {
		opts.MaxRetryDepth = 3
	}
	return &Bridge{opts: opts, reg: reg}
}

// Execute runs one turn against a fresh or resumed thread. A resume id
// the server no longer knows about is retried once on a new thread.
func (b *Bridge) Execute(ctx context.Context, req agent.Request) (*agent.ExecutionResult, error) {
	if !b.reg.ReserveSpawn(req.OwnerKey) {
		return &agent.ExecutionResult{Err: "spawn rate limit exceeded for owner"}, nil
	}

	metrics.RecordExecutionStart("codex-appserver")
	start := time.Now()

	resume := req.ResumeSessionID
	var res *agent.ExecutionResult
	for depth := 0; depth < b.opts.MaxRetryDepth; depth++ {
		var retry bool
		res, retry = b.runOnce(ctx, req, resume)
		if retry {
			logger.Info("thread %s not found, retrying on a new thread (depth=%d)", resume, depth+1)
			metrics.RecordRetry("codex-appserver", "thread_not_found")
			resume = ""
			continue
		}
		b.recordEnd(res, start)
		return res, nil
	}

	res.Success = false
	res.Err = fmt.Sprintf("max retry depth (%d) exceeded", b.opts.MaxRetryDepth)
	b.recordEnd(res, start)
	return res, nil
}

func (b *Bridge) recordEnd(res *agent.ExecutionResult, start time.Time) {
	status := "success"
	switch {
	case res.WasCancelled:
		status = "cancelled"
	case !res.Success:
		status = "failure"
	}
	metrics.RecordExecutionEnd("codex-appserver", status, time.Since(start).Seconds())
}

func (b *Bridge) runOnce(ctx context.Context, req agent.Request, resume string) (*agent.ExecutionResult, bool) {
	proc, err := startServer(b.opts.Binary, []string{"app-server"}, req.WorkingDir, b.opts.TermGrace)
	if err != nil {
		logger.Error("failed to start app-server: %v", err)
		return &agent.ExecutionResult{Err: fmt.Sprintf("failed to start app-server: %v", err)}, false
	}
	defer proc.Terminate()

	if err := b.reg.Register(req.ExecutionID, req.OwnerKey, proc); err != nil {
		return &agent.ExecutionResult{Err: err.Error()}, false
	}
	defer b.reg.Deregister(req.ExecutionID)

	conn := NewConn(proc.Stdin(), proc.Stdout())

	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()

	if _, err := conn.Call(callCtx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "drover", "version": "1.0"},
	}); err != nil {
		return &agent.ExecutionResult{Err: fmt.Sprintf("initialize failed: %v", err)}, false
	}

	threadID, err := b.openThread(callCtx, conn, resume, req.WorkingDir)
	if err != nil {
		if resume != "" && threadNotFound(err) {
			return &agent.ExecutionResult{Err: err.Error()}, true
		}
		return &agent.ExecutionResult{Err: err.Error()}, false
	}

	if _, err := conn.Call(callCtx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": req.Prompt}},
	}); err != nil {
		if resume != "" && threadNotFound(err) {
			return &agent.ExecutionResult{Err: err.Error()}, true
		}
		return &agent.ExecutionResult{Err: fmt.Sprintf("turn/start failed: %v", err)}, false
	}

	return b.pump(ctx, conn, req, resume, threadID)
}

func (b *Bridge) openThread(ctx context.Context, conn *Conn, resume, workingDir string) (string, error) {
	method := "thread/start"
	params := map[string]any{"cwd": workingDir}
	if resume != "" {
		method = "thread/resume"
		params = map[string]any{"threadId": resume}
	}

	result, err := conn.Call(ctx, method, params)
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", method, err)
	}

	var thread struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(result, &thread); err != nil || thread.ThreadID == "" {
		if resume != "" {
			return resume, nil
		}
		return "", fmt.Errorf("%s returned no thread id", method)
	}
	return thread.ThreadID, nil
}

// pump translates server notifications into synthetic decoder events
// until a terminal turn notification arrives.
func (b *Bridge) pump(ctx context.Context, conn *Conn, req agent.Request, resume, threadID string) (*agent.ExecutionResult, bool) {
	decoder := stream.NewDecoderWithCap(stream.DialectCodex, b.opts.MaxLineBytes)
	b.feed(decoder, req, map[string]any{"type": "thread.started", "thread_id": threadID})

	var (
		accText     string
		accDetailed string
		errMsg      string
		cost        *float64
		durationMS  *int64
		final       bool
	)

	deadline := time.NewTimer(b.opts.CallTimeout)
	defer deadline.Stop()

	for !final {
		select {
		case <-ctx.Done():
			return &agent.ExecutionResult{
				Text: accText, DetailedText: decoder.DetailedText(),
				ExternalSessionID: threadID,
				Err:               "cancelled", WasCancelled: true,
			}, false

		case <-deadline.C:
			return &agent.ExecutionResult{
				Text: accText, DetailedText: decoder.DetailedText(),
				ExternalSessionID: threadID,
				Err:               "turn timed out",
			}, false

		case env, ok := <-conn.Events:
			if !ok {
				// Stream ended without a terminal notification
				return &agent.ExecutionResult{
					Text: accText, DetailedText: decoder.DetailedText(),
					ExternalSessionID: threadID,
					Err:               "app-server exited mid-turn",
				}, false
			}

			if env.ID != nil {
				b.serveRequest(conn, env)
				continue
			}

			event, terminal := translateNotification(env)
			if event == nil {
				continue
			}
			msg := b.feed(decoder, req, event)
			if msg != nil {
				if msg.Type == stream.Assistant && msg.Text != "" {
					accText = stream.ConcatWithSpacing(accText, msg.Text)
				}
				if msg.Type == stream.Result {
					cost = msg.CostUnits
					durationMS = msg.DurationMS
					if msg.Text != "" {
						accText = msg.Text
					}
					if msg.DetailedText != "" {
						accDetailed = msg.DetailedText
					}
				}
				if msg.Type == stream.Error {
					errMsg = msg.Text
				}
			}
			final = terminal
		}
	}

	if accDetailed == "" {
		accDetailed = decoder.DetailedText()
	}

	if errMsg != "" {
		if resume != "" && threadNotFoundText(errMsg) {
			return &agent.ExecutionResult{Err: errMsg, ExternalSessionID: threadID}, true
		}
		return &agent.ExecutionResult{
			Text: accText, DetailedText: accDetailed,
			ExternalSessionID: threadID,
			Err:               errMsg,
		}, false
	}

	return &agent.ExecutionResult{
		Success:           true,
		Text:              accText,
		DetailedText:      accDetailed,
		ExternalSessionID: threadID,
		CostUnits:         cost,
		DurationMS:        durationMS,
	}, false
}

// feed marshals a synthetic event into the codex wire shape and runs
// it through the decoder and the caller's callback.
func (b *Bridge) feed(decoder *stream.Decoder, req agent.Request, event map[string]any) *stream.Message {
	line, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to encode synthetic event: %v", err)
		return nil
	}
	msg := decoder.Feed(string(line))
	if msg != nil {
		agent.SafeOnMessage(req.OnMessage, msg)
	}
	return msg
}

// translateNotification maps a server notification onto a synthetic
// decoder event. The second return marks terminal notifications.
func translateNotification(env *envelope) (map[string]any, bool) {
	var params map[string]any
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			logger.Warn("undecodable notification params for %s: %v", env.Method, err)
			return nil, false
		}
	}

	switch env.Method {
	case "thread/started":
		return map[string]any{"type": "thread.started", "thread_id": params["threadId"]}, false

	case "item/started":
		return map[string]any{"type": "item.started", "item": params["item"]}, false

	case "item/completed":
		return map[string]any{"type": "item.completed", "item": params["item"]}, false

	case "item/agentMessage/delta":
		// Interim delta; the completed item carries the full text.
		return nil, false

	case "turn/completed":
		event := map[string]any{"type": "turn.completed"}
		if usage, ok := params["usage"]; ok {
			event["usage"] = usage
		}
		return event, true

	case "turn/failed":
		return map[string]any{"type": "turn.failed", "error": params["error"]}, true
	}

	return nil, false
}

// serveRequest dispatches a server-initiated request to the injected
// callbacks, falling back to a context-appropriate default so every
// exchange terminates.
func (b *Bridge) serveRequest(conn *Conn, env *envelope) {
	id := *env.ID

	switch env.Method {
	case "item/tool/requestUserInput", "requestUserInput":
		var params struct {
			CallID string `json:"callId"`
		}
		_ = json.Unmarshal(env.Params, &params)

		if b.opts.OnUserInputRequest != nil {
			if answer, ok := b.opts.OnUserInputRequest(params.CallID, env.Params); ok {
				_ = conn.Reply(id, map[string]any{"answer": answer})
				return
			}
		}
		logger.Warn("no answer available for %s, declining", env.Method)
		_ = conn.Reply(id, map[string]any{"answer": ""})

	default:
		// Approval-style request
		approved := false
		answered := false
		if b.opts.OnApprovalRequest != nil {
			approved, answered = b.opts.OnApprovalRequest(env.Method, env.Params)
		}
		if !answered {
			approved = b.opts.Unattended
			logger.Warn("no decision available for %s, defaulting to %v", env.Method, approved)
		}
		_ = conn.Reply(id, approvalPayload(env.Method, approved))
	}
}

// approvalPayload converts a boolean decision into the payload shape
// each approval method expects.
func approvalPayload(method string, approved bool) map[string]any {
	switch method {
	case "skill/requestApproval":
		if approved {
			return map[string]any{"decision": "approve"}
		}
		return map[string]any{"decision": "decline"}
	case "execCommandApproval", "applyPatchApproval":
		if approved {
			return map[string]any{"decision": "approved"}
		}
		return map[string]any{"decision": "denied"}
	default:
		if approved {
			return map[string]any{"decision": "accept"}
		}
		return map[string]any{"decision": "decline"}
	}
}

func threadNotFound(err error) bool {
	return err != nil && threadNotFoundText(err.Error())
}

func threadNotFoundText(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "thread not found") ||
		strings.Contains(lower, "no conversation found") ||
		strings.Contains(lower, "session not found")
}
