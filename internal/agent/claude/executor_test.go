package claude

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oxvale/drover/internal/agent"
	"github.com/oxvale/drover/internal/registry"
	"github.com/oxvale/drover/internal/stream"
)

func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-stub.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newTestExecutor(t *testing.T, binary string) *Executor {
	t.Helper()
	return NewExecutor(Config{
		Binary:          binary,
		PermissionModes: []string{"default", "acceptEdits", "plan"},
		DefaultMode:     "acceptEdits",
		Models:          []string{"sonnet"},
		DefaultModel:    "sonnet",
		ReadLineTimeout: 5 * time.Second,
		PlanWriteGrace:  time.Second,
		TermGrace:       time.Second,
	}, registry.New(6000, 100))
}

func baseRequest(execID string) agent.Request {
	return agent.Request{
		Prompt:      "list files",
		WorkingDir:  "/tmp",
		ExecutionID: execID,
		OwnerKey:    "chan-1",
	}
}

func TestExecuteBasic(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"system","subtype":"init","session_id":"f47ac10b-58cc-4372-a567-0e02b2c3d479"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}'
echo '{"type":"result","result":"ok","session_id":"f47ac10b-58cc-4372-a567-0e02b2c3d479","cost_usd":0.01,"duration_ms":42}'
`)
	e := newTestExecutor(t, stub)

	var msgs []*stream.Message
	req := baseRequest("e1")
	req.OnMessage = func(m *stream.Message) { msgs = append(msgs, m) }

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, err = %q", res.Err)
	}
	if res.Text != "ok" {
		t.Errorf("Text = %q, want ok", res.Text)
	}
	if res.ExternalSessionID != "f47ac10b-58cc-4372-a567-0e02b2c3d479" {
		t.Errorf("ExternalSessionID = %q", res.ExternalSessionID)
	}
	if res.CostUnits == nil || *res.CostUnits != 0.01 {
		t.Errorf("CostUnits = %v, want 0.01", res.CostUnits)
	}
	if len(msgs) != 3 {
		t.Errorf("callback invoked %d times, want 3", len(msgs))
	}
}

func TestExecuteResumeNotFoundRetries(t *testing.T) {
	stub := writeStub(t, `
case "$*" in
*--resume*)
  echo '{"type":"error","error":{"message":"No conversation found with session ID"}}'
  exit 1
  ;;
*)
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"fresh"}]}}'
  echo '{"type":"result","result":"fresh","session_id":"f47ac10b-58cc-4372-a567-0e02b2c3d479"}'
  ;;
esac
`)
	e := newTestExecutor(t, stub)

	req := baseRequest("e1")
	req.ResumeSessionID = "12345678-1234-1234-1234-123456789012"

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false after retry, err = %q", res.Err)
	}
	if res.Text != "fresh" {
		t.Errorf("Text = %q, want fresh", res.Text)
	}
}

func TestExecuteInvalidResumeDropped(t *testing.T) {
	stub := writeStub(t, `
case "$*" in
*--resume*) echo '{"type":"error","error":{"message":"bad flag"}}'; exit 1;;
*) echo '{"type":"result","result":"done"}';;
esac
`)
	e := newTestExecutor(t, stub)

	req := baseRequest("e1")
	req.ResumeSessionID = "not-a-uuid"

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, want malformed resume id dropped (err=%q)", res.Err)
	}
}

func TestCancelMidExecution(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}'
sleep 60
`)
	e := newTestExecutor(t, stub)

	done := make(chan *agent.ExecutionResult, 1)
	go func() {
		res, _ := e.Execute(context.Background(), baseRequest("e1"))
		done <- res
	}()

	// Give the stub time to start and emit its line
	deadline := time.After(5 * time.Second)
	for !e.reg.Active("e1") {
		select {
		case <-deadline:
			t.Fatal("execution never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)

	if !e.Cancel("e1") {
		t.Fatal("Cancel returned false")
	}

	var res *agent.ExecutionResult
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}

	if !res.WasCancelled {
		t.Error("WasCancelled = false")
	}
	if res.Text != "partial" {
		t.Errorf("Text = %q, want partial output preserved", res.Text)
	}
	if e.reg.Active("e1") {
		t.Error("execution still registered after cancel")
	}
}

func TestQuestionToolStopsExecution(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{"questions":[{"question":"Which one?"}]}}]}}'
sleep 60
`)
	e := newTestExecutor(t, stub)

	res, err := e.Execute(context.Background(), baseRequest("e1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.PendingQuestion {
		t.Error("PendingQuestion = false")
	}
	if res.WasCancelled {
		t.Error("WasCancelled = true for question stop")
	}
	if !res.Success {
		t.Errorf("Success = false, err = %q", res.Err)
	}
	if !strings.Contains(res.DetailedText, "AskUserQuestion") {
		t.Errorf("DetailedText = %q, want tool transcript preserved", res.DetailedText)
	}
}

func TestPlanFinishStopsExecution(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"p1","name":"ExitPlanMode","input":{"plan":"do things"}}]}}'
sleep 60
`)
	e := newTestExecutor(t, stub)

	res, err := e.Execute(context.Background(), baseRequest("e1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.PendingPlanApproval {
		t.Error("PendingPlanApproval = false")
	}
	if res.PlanWriteTimedOut {
		t.Error("PlanWriteTimedOut = true with no pending writes")
	}
}

func TestPlanRejectionTriggersAutoApproveRetry(t *testing.T) {
	stub := writeStub(t, `
case "$*" in
*"--permission-mode plan"*)
  echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"p1","name":"ExitPlanMode","input":{"plan":"do things"}}]}}'
  echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"p1","content":"The user rejected the plan","is_error":true}]}}'
  sleep 60
  ;;
*)
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"executing plan"}]}}'
  echo '{"type":"result","result":"executing plan","session_id":"f47ac10b-58cc-4372-a567-0e02b2c3d479"}'
  ;;
esac
`)
	e := newTestExecutor(t, stub)

	req := baseRequest("e1")
	req.Mode = "plan"

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false after auto-approve retry, err = %q", res.Err)
	}
	if res.Text != "executing plan" {
		t.Errorf("Text = %q, want executing plan", res.Text)
	}
	if res.PendingPlanApproval {
		t.Error("PendingPlanApproval = true after successful retry")
	}
}

func TestPlanWaitsForPendingWrite(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"w1","name":"Write","input":{"file_path":"/tmp/plan.md","content":"x"}}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"p1","name":"ExitPlanMode","input":{}}]}}'
sleep 0.2
echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"w1","content":"written"}]}}'
sleep 60
`)
	e := newTestExecutor(t, stub)

	res, err := e.Execute(context.Background(), baseRequest("e1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.PendingPlanApproval {
		t.Error("PendingPlanApproval = false")
	}
	if res.PlanWriteTimedOut {
		t.Error("PlanWriteTimedOut = true, want write completion observed")
	}
}

func TestPlanWriteGraceExpires(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"w1","name":"Write","input":{"file_path":"/tmp/plan.md"}}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"p1","name":"ExitPlanMode","input":{}}]}}'
sleep 60
`)
	e := newTestExecutor(t, stub)

	start := time.Now()
	res, err := e.Execute(context.Background(), baseRequest("e1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.PlanWriteTimedOut {
		t.Error("PlanWriteTimedOut = false, want grace expiry")
	}
	if !res.PendingPlanApproval {
		t.Error("PendingPlanApproval = false")
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Errorf("grace expiry took %v", elapsed)
	}
}

func TestSpawnFailure(t *testing.T) {
	e := newTestExecutor(t, "/nonexistent/claude-binary")

	res, err := e.Execute(context.Background(), baseRequest("e1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true for spawn failure")
	}
	if res.Err == "" {
		t.Error("Err empty for spawn failure")
	}
}

func TestBuildArgs(t *testing.T) {
	e := newTestExecutor(t, "claude")

	args := e.buildArgs("hello", "", "plan", "sonnet")
	want := []string{"-p", "--verbose", "--output-format", "stream-json", "--permission-mode", "plan", "--model", "sonnet", "hello"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}

	args = e.buildArgs("hi", "12345678-1234-1234-1234-123456789012", "default", "sonnet")
	found := false
	for i, a := range args {
		if a == "--resume" && i+1 < len(args) && args[i+1] == "12345678-1234-1234-1234-123456789012" {
			found = true
		}
	}
	if !found {
		t.Errorf("resume flag missing: %v", args)
	}
	if args[len(args)-1] != "hi" {
		t.Errorf("prompt not last: %v", args)
	}
}
