package claude

import (
	"testing"
	"time"

	"github.com/oxvale/drover/internal/stream"
)

func toolCallMsg(id, name string, input map[string]any) *stream.Message {
	return &stream.Message{
		Type:  stream.ToolCall,
		Tools: []*stream.ToolActivity{{ID: id, Name: name, Input: input}},
	}
}

func toolResultMsg(id, name, result string, isError bool) *stream.Message {
	return &stream.Message{
		Type: stream.ToolResult,
		Tools: []*stream.ToolActivity{{
			ID: id, Name: name, HasResult: true,
			FullResultText: result, IsError: isError,
		}},
	}
}

func TestQuestionDetection(t *testing.T) {
	s := newExecutionState()

	action := s.observe(toolCallMsg("q1", toolAskQuestion, map[string]any{}))
	if action != actionStopForQuestion {
		t.Errorf("action = %v, want actionStopForQuestion", action)
	}
}

func TestPlanStopsImmediatelyWithoutWrites(t *testing.T) {
	s := newExecutionState()

	action := s.observe(toolCallMsg("p1", toolExitPlan, map[string]any{}))
	if action != actionStopForPlan {
		t.Errorf("action = %v, want actionStopForPlan", action)
	}
}

func TestPlanDeferredUntilWriteCompletes(t *testing.T) {
	s := newExecutionState()

	s.observe(toolCallMsg("w1", toolWrite, map[string]any{"file_path": "/tmp/plan.md"}))
	action := s.observe(toolCallMsg("p1", toolExitPlan, map[string]any{}))
	if action != actionContinue {
		t.Errorf("action with pending write = %v, want actionContinue", action)
	}

	action = s.observe(toolResultMsg("w1", toolWrite, "written", false))
	if action != actionStopForPlan {
		t.Errorf("action after write completes = %v, want actionStopForPlan", action)
	}
}

func TestNonMarkdownWriteNotTracked(t *testing.T) {
	s := newExecutionState()

	s.observe(toolCallMsg("w1", toolWrite, map[string]any{"file_path": "/tmp/main.go"}))
	action := s.observe(toolCallMsg("p1", toolExitPlan, map[string]any{}))
	if action != actionStopForPlan {
		t.Errorf("action = %v, want actionStopForPlan (non-md writes never gate)", action)
	}
}

func TestPlanDeferredUntilSubtaskDone(t *testing.T) {
	s := newExecutionState()

	s.observe(toolCallMsg("t1", toolTask, map[string]any{"subagent_type": "plan-writer"}))
	action := s.observe(toolCallMsg("p1", toolExitPlan, map[string]any{}))
	if action != actionContinue {
		t.Errorf("action with running plan subtask = %v, want actionContinue", action)
	}

	action = s.observe(toolResultMsg("t1", toolTask, "the plan content", false))
	if action != actionStopForPlan {
		t.Errorf("action after subtask = %v, want actionStopForPlan", action)
	}

	_, _, candidate := s.snapshot()
	if candidate != "the plan content" {
		t.Errorf("plan candidate = %q, want subtask result", candidate)
	}
}

func TestUnrelatedTaskIgnored(t *testing.T) {
	s := newExecutionState()

	s.observe(toolCallMsg("t1", toolTask, map[string]any{"description": "run the linter"}))
	action := s.observe(toolCallMsg("p1", toolExitPlan, map[string]any{}))
	if action != actionStopForPlan {
		t.Errorf("action = %v, want actionStopForPlan (non-plan task never gates)", action)
	}
}

func TestPlanGraceExpiry(t *testing.T) {
	s := newExecutionState()

	if s.planGraceExpired(time.Millisecond) {
		t.Error("grace expired before exit plan detected")
	}

	s.observe(toolCallMsg("w1", toolWrite, map[string]any{"file_path": "/x.md"}))
	s.observe(toolCallMsg("p1", toolExitPlan, map[string]any{}))

	if s.planGraceExpired(time.Hour) {
		t.Error("grace expired immediately")
	}
	time.Sleep(5 * time.Millisecond)
	if !s.planGraceExpired(time.Millisecond) {
		t.Error("grace not expired after window")
	}
}

func TestAutoApproveRetriedOnce(t *testing.T) {
	s := newExecutionState()

	if !s.markAutoApproveRetried() {
		t.Error("first markAutoApproveRetried = false")
	}
	if s.markAutoApproveRetried() {
		t.Error("second markAutoApproveRetried = true, want blocked")
	}
}
