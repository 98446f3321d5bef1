package claude

import (
	"strings"
	"sync"
	"time"

	"github.com/oxvale/drover/internal/stream"
)

// Control tool names the executor watches for in the decoded stream.
const (
	toolAskQuestion = "AskUserQuestion"
	toolExitPlan    = "ExitPlanMode"
	toolTask        = "Task"
	toolWrite       = "Write"
)

// ExecutionState holds the per-call control flags. One instance per
// in-flight execution id, never shared across executions.
type ExecutionState struct {
	mu sync.Mutex

	askQuestionDetected bool
	exitPlanDetected    bool
	exitPlanAt          time.Time
	pendingWrites       map[string]string // tool id -> file path
	planSubtaskID       string
	planSubtaskDone     bool
	planCandidate       string
	autoApproveRetried  bool
}

func newExecutionState() *ExecutionState {
	return &ExecutionState{
		pendingWrites: make(map[string]string),
	}
}

// observe updates control flags from one decoded message and reports
// what the read loop should do next.
func (s *ExecutionState) observe(msg *stream.Message) loopAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tool := range msg.Tools {
		if tool.HasResult {
			s.observeResultLocked(tool)
		} else {
			s.observeCallLocked(tool)
		}
	}

	if s.askQuestionDetected {
		return actionStopForQuestion
	}
	if s.exitPlanDetected && s.planFinishedLocked() {
		return actionStopForPlan
	}
	return actionContinue
}

func (s *ExecutionState) observeCallLocked(tool *stream.ToolActivity) {
	switch tool.Name {
	case toolAskQuestion:
		s.askQuestionDetected = true

	case toolExitPlan:
		if !s.exitPlanDetected {
			s.exitPlanDetected = true
			s.exitPlanAt = time.Now()
		}

	case toolTask:
		if isPlanSubtask(tool.Input) {
			s.planSubtaskID = tool.ID
		}

	case toolWrite:
		if path, ok := tool.Input["file_path"].(string); ok && strings.HasSuffix(path, ".md") {
			s.pendingWrites[tool.ID] = path
		}
	}
}

func (s *ExecutionState) observeResultLocked(tool *stream.ToolActivity) {
	delete(s.pendingWrites, tool.ID)

	if s.planSubtaskID != "" && tool.ID == s.planSubtaskID {
		s.planSubtaskDone = true
		if tool.FullResultText != "" {
			s.planCandidate = tool.FullResultText
		}
	}
}

// planFinishedLocked reports whether it is safe to terminate for plan
// approval: any plan-producing subtask and all pending markdown writes
// have completed.
func (s *ExecutionState) planFinishedLocked() bool {
	if s.planSubtaskID != "" && !s.planSubtaskDone {
		return false
	}
	return len(s.pendingWrites) == 0
}

// planGraceExpired reports whether the bounded wait for in-flight plan
// writes has elapsed.
func (s *ExecutionState) planGraceExpired(grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitPlanDetected && time.Since(s.exitPlanAt) >= grace
}

func (s *ExecutionState) exitPlanPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitPlanDetected
}

func (s *ExecutionState) snapshot() (question, plan bool, candidate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.askQuestionDetected, s.exitPlanDetected, s.planCandidate
}

func (s *ExecutionState) markAutoApproveRetried() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoApproveRetried {
		return false
	}
	s.autoApproveRetried = true
	return true
}

type loopAction int

const (
	actionContinue loopAction = iota
	actionStopForQuestion
	actionStopForPlan
)

// isPlanSubtask reports whether a Task invocation produces a plan. The
// classifier is a keyword check on the subagent type and description;
// callers can tune upstream prompts rather than this predicate.
func isPlanSubtask(input map[string]any) bool {
	for _, key := range []string{"subagent_type", "description", "prompt"} {
		if v, ok := input[key].(string); ok && strings.Contains(strings.ToLower(v), "plan") {
			return true
		}
	}
	return false
}
