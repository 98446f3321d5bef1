package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpExecutionStart  Operation = "execution.start"
	OpExecutionEnd    Operation = "execution.end"
	OpExecutionCancel Operation = "execution.cancel"
	OpSessionEvict    Operation = "session.evict"
	OpSessionRemove   Operation = "session.remove"
)

// Event represents an audit log entry
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	Operation   Operation              `json:"operation"`
	OwnerKey    string                 `json:"owner_key,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Backend     string                 `json:"backend,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	DurationMS  int64                  `json:"duration_ms,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.OwnerKey != "" {
		attrs = append(attrs, slog.String("owner_key", event.OwnerKey))
	}
	if event.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", event.ExecutionID))
	}
	if event.Backend != "" {
		attrs = append(attrs, slog.String("backend", event.Backend))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", maskSessionID(event.SessionID)))
	}
	if event.DurationMS > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", event.DurationMS))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogStart records the beginning of an execution
func (l *Logger) LogStart(ownerKey, executionID, backend string) {
	l.Log(&Event{
		Operation:   OpExecutionStart,
		OwnerKey:    ownerKey,
		ExecutionID: executionID,
		Backend:     backend,
		Success:     true,
	})
}

// LogEnd records a finished execution
func (l *Logger) LogEnd(ownerKey, executionID, backend, sessionID string, durationMS int64, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{
		Operation:   OpExecutionEnd,
		OwnerKey:    ownerKey,
		ExecutionID: executionID,
		Backend:     backend,
		SessionID:   sessionID,
		DurationMS:  durationMS,
		Success:     err == nil,
		Error:       errMsg,
	})
}

func maskSessionID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return id[:8] + "..."
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func LogStart(ownerKey, executionID, backend string) {
	Default().LogStart(ownerKey, executionID, backend)
}

func LogEnd(ownerKey, executionID, backend, sessionID string, durationMS int64, err error) {
	Default().LogEnd(ownerKey, executionID, backend, sessionID, durationMS, err)
}
