package agent

import (
	"github.com/google/uuid"

	"github.com/oxvale/drover/internal/logger"
	"github.com/oxvale/drover/internal/stream"
)

// MessageFunc receives each decoded message during an execution. It
// must not panic; the engine logs and continues if it does.
type MessageFunc func(*stream.Message)

// Request carries everything one execution needs.
type Request struct {
	Prompt          string
	WorkingDir      string
	ResumeSessionID string
	Mode            string
	Model           string
	ExecutionID     string
	OwnerKey        string
	OnMessage       MessageFunc
}

// ExecutionResult is what a completed (or failed, or cancelled)
// execution returns to the caller.
type ExecutionResult struct {
	Success             bool
	Text                string
	DetailedText        string
	ExternalSessionID   string
	Err                 string
	CostUnits           *float64
	DurationMS          *int64
	WasCancelled        bool
	PendingQuestion     bool
	PendingPlanApproval bool
	PlanCandidateText   string
	PlanWriteTimedOut   bool
}

// ValidResumeID reports whether an external session id is safe to
// forward as a resume flag. Malformed ids are dropped with a warning,
// never forwarded.
func ValidResumeID(id string) bool {
	if id == "" {
		return false
	}
	if _, err := uuid.Parse(id); err != nil {
		logger.Warn("invalid resume session id (not UUID): %s", id)
		return false
	}
	return true
}

// PickAllowed returns value when it appears in allowed, otherwise the
// configured fallback with a warning.
func PickAllowed(value string, allowed []string, fallback string) string {
	if value == "" {
		return fallback
	}
	for _, a := range allowed {
		if a == value {
			return value
		}
	}
	logger.Warn("value %q not allowed, using %q", value, fallback)
	return fallback
}

// SafeOnMessage invokes the caller's callback, recovering from panics
// so one bad callback cannot kill an execution.
func SafeOnMessage(fn MessageFunc, msg *stream.Message) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message callback panicked: %v", r)
		}
	}()
	fn(msg)
}
