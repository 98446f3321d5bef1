package stream

import (
	"time"
	"unicode"
)

// MessageType identifies the canonical kind of a decoded message.
type MessageType string

const (
	Init       MessageType = "init"
	Assistant  MessageType = "assistant"
	ToolCall   MessageType = "tool_call"
	ToolResult MessageType = "tool_result"
	Result     MessageType = "result"
	Error      MessageType = "error"
	Other      MessageType = "other"
)

// Message is the canonical event produced by a Decoder regardless of
// which backend wire format the line came from.
type Message struct {
	Type         MessageType
	Text         string
	DetailedText string
	Tools        []*ToolActivity
	SessionID    string
	IsFinal      bool
	CostUnits    *float64
	DurationMS   *int64
	Raw          map[string]any
}

// ToolActivity tracks one tool invocation from call to result.
type ToolActivity struct {
	ID             string
	Name           string
	Input          map[string]any
	InputSummary   string
	ResultText     string
	FullResultText string
	HasResult      bool
	IsError        bool
	StartedAt      time.Time
	DurationMS     *int64
}

// ConcatWithSpacing joins two text chunks with a paragraph break unless
// either side already ends or starts with whitespace. Adjacent turns
// never glue two words together.
func ConcatWithSpacing(existing, next string) string {
	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}
	last := rune(existing[len(existing)-1])
	first := rune(next[0])
	if unicode.IsSpace(last) || unicode.IsSpace(first) {
		return existing + next
	}
	return existing + "\n\n" + next
}
