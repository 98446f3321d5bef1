package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oxvale/drover/internal/logger"
	"github.com/oxvale/drover/internal/metrics"
)

// Dialect selects which backend wire format a Decoder understands.
type Dialect string

const (
	DialectClaude Dialect = "claude"
	DialectCodex  Dialect = "codex"
)

// MaxBufferSize caps buffered incomplete JSON to prevent memory exhaustion.
const MaxBufferSize = 1024 * 1024

// Decoder converts raw output lines from one backend into canonical
// Messages. It is not safe for concurrent use; each execution owns one.
type Decoder struct {
	dialect     Dialect
	buf         strings.Builder
	sessionID   string
	accText     string
	accDetailed string
	pending     map[string]*ToolActivity
	maxBuffer   int
}

// NewDecoder returns a decoder for the given dialect with the default
// buffer cap.
func NewDecoder(dialect Dialect) *Decoder {
	return &Decoder{
		dialect:   dialect,
		pending:   make(map[string]*ToolActivity),
		maxBuffer: MaxBufferSize,
	}
}

// NewDecoderWithCap returns a decoder with an explicit fragment buffer
// cap. A cap of zero or less falls back to MaxBufferSize.
func NewDecoderWithCap(dialect Dialect, maxBuffer int) *Decoder {
	d := NewDecoder(dialect)
	if maxBuffer > 0 {
		d.maxBuffer = maxBuffer
	}
	return d
}

// SessionID returns the external session id observed so far, if any.
func (d *Decoder) SessionID() string {
	return d.sessionID
}

// DetailedText returns the transcript accumulated so far, including
// rendered tool calls and results. It is valid before a terminal
// message arrives, so partial output survives early exits.
func (d *Decoder) DetailedText() string {
	return d.accDetailed
}

// Reset clears all decoder state.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.sessionID = ""
	d.accText = ""
	d.accDetailed = ""
	d.pending = make(map[string]*ToolActivity)
}

// Feed decodes one raw output line. Returns nil when the line is blank
// or an incomplete fragment that was buffered. Never panics.
func (d *Decoder) Feed(line string) *Message {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var value any
	if err := json.Unmarshal([]byte(line), &value); err != nil {
		d.buf.WriteString(line)
		if d.buf.Len() > d.maxBuffer {
			logger.Error("stream buffer overflow (%d bytes exceeds %d limit), resetting", d.buf.Len(), d.maxBuffer)
			metrics.RecordDecoderOverflow(string(d.dialect))
			d.buf.Reset()
			return &Message{
				Type: Error,
				Text: fmt.Sprintf("stream buffer overflow: JSON chunk exceeded %dKB limit", d.maxBuffer/1024),
				Raw:  map[string]any{},
			}
		}
		if err := json.Unmarshal([]byte(d.buf.String()), &value); err != nil {
			return nil
		}
		d.buf.Reset()
	}

	data, ok := value.(map[string]any)
	if !ok {
		// Parseable but not an object: degrade to assistant text
		// instead of dropping output.
		text := fmt.Sprint(value)
		d.appendAssistant(text)
		return &Message{
			Type:         Assistant,
			Text:         text,
			DetailedText: text,
			SessionID:    d.sessionID,
			Raw:          map[string]any{},
		}
	}

	switch d.dialect {
	case DialectCodex:
		return d.feedCodex(data)
	default:
		return d.feedClaude(data)
	}
}

func (d *Decoder) appendAssistant(text string) {
	if text == "" {
		return
	}
	d.accText = ConcatWithSpacing(d.accText, text)
	d.accDetailed = ConcatWithSpacing(d.accDetailed, text)
}

// newToolCall registers a pending activity and renders it for the
// detailed transcript. Callers accumulate the rendered text.
func (d *Decoder) newToolCall(id, name string, input map[string]any, raw map[string]any) *Message {
	rules := claudeSummaryRules
	if d.dialect == DialectCodex {
		rules = codexSummaryRules
	}

	activity := &ToolActivity{
		ID:           id,
		Name:         name,
		Input:        input,
		InputSummary: summarizeInput(rules, name, input),
		StartedAt:    time.Now(),
	}

	if _, exists := d.pending[id]; exists {
		logger.Warn("tool id collision: %s already tracked", id)
	}
	d.pending[id] = activity

	detailed := renderToolCall(name, input)

	return &Message{
		Type:         ToolCall,
		DetailedText: detailed,
		Tools:        []*ToolActivity{activity},
		SessionID:    d.sessionID,
		Raw:          raw,
	}
}

// completeTool pairs a result with its pending activity, or creates a
// standalone result-only entry for an unseen id.
func (d *Decoder) completeTool(id, content string, isError bool, raw map[string]any) *Message {
	preview := content
	if len(preview) > 500 {
		preview = preview[:500] + "..."
	}

	activity, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
		activity.ResultText = preview
		activity.FullResultText = content
		activity.HasResult = true
		activity.IsError = isError
		if !activity.StartedAt.IsZero() {
			ms := time.Since(activity.StartedAt).Milliseconds()
			activity.DurationMS = &ms
		}
	} else {
		activity = &ToolActivity{
			ID:             id,
			Name:           "unknown",
			Input:          map[string]any{},
			ResultText:     preview,
			FullResultText: content,
			HasResult:      true,
			IsError:        isError,
		}
	}

	detailed := renderToolResult(preview, isError)

	return &Message{
		Type:         ToolResult,
		DetailedText: detailed,
		Tools:        []*ToolActivity{activity},
		SessionID:    d.sessionID,
		Raw:          raw,
	}
}

// finalResult assembles the terminal message and clears pending tool
// registrations so a reused decoder cannot grow without bound.
func (d *Decoder) finalResult(sessionID string, cost *float64, durationMS *int64, raw map[string]any) *Message {
	if sessionID == "" {
		sessionID = d.sessionID
	}
	d.pending = make(map[string]*ToolActivity)
	return &Message{
		Type:         Result,
		Text:         d.accText,
		DetailedText: d.accDetailed,
		SessionID:    sessionID,
		IsFinal:      true,
		CostUnits:    cost,
		DurationMS:   durationMS,
		Raw:          raw,
	}
}

func renderToolCall(name string, input map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n[Tool: %s]\n", name)
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := input[key]
		text := fmt.Sprint(value)
		if len(text) > 100 {
			text = text[:100] + "..."
		}
		fmt.Fprintf(&b, "  %s: %s\n", key, text)
	}
	return b.String()
}

func renderToolResult(preview string, isError bool) string {
	status := "SUCCESS"
	if isError {
		status = "ERROR"
	}
	return fmt.Sprintf("\n\n[Tool Result: %s]\n%s\n", status, preview)
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func floatField(data map[string]any, key string) *float64 {
	if v, ok := data[key].(float64); ok {
		return &v
	}
	return nil
}

func intField(data map[string]any, key string) *int64 {
	if v, ok := data[key].(float64); ok {
		n := int64(v)
		return &n
	}
	return nil
}
