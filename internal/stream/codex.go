package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// feedCodex normalizes the item/event wire format: thread and turn
// lifecycle events plus item.started/item.completed payloads, along
// with the synthetic assistant/tool_result events the app-server
// bridge emits.
func (d *Decoder) feedCodex(data map[string]any) *Message {
	eventType := stringField(data, "type")
	if eventType == "" {
		eventType = stringField(data, "event")
	}

	switch eventType {
	case "thread.started":
		if tid := stringField(data, "thread_id"); tid != "" {
			d.sessionID = tid
		}
		return &Message{
			Type:      Init,
			SessionID: d.sessionID,
			Raw:       data,
		}

	case "turn.started":
		return &Message{Type: Other, SessionID: d.sessionID, Raw: data}

	case "item.started":
		return d.codexItemStarted(data)

	case "item.completed":
		return d.codexItemCompleted(data)

	case "request_user_input":
		callID := stringField(data, "call_id")
		if callID == "" {
			callID = stringField(data, "id")
		}
		if callID == "" {
			callID = "request_user_input"
		}
		questions, _ := data["questions"].([]any)
		msg := d.newToolCall(callID, "request_user_input", map[string]any{"questions": questions}, data)
		d.accDetailed += msg.DetailedText
		return msg

	case "turn.completed":
		cost := floatField(data, "cost_usd")
		duration := intField(data, "duration_ms")
		if usage, ok := data["usage"].(map[string]any); ok {
			if cost == nil {
				cost = floatField(usage, "cost")
			}
		}
		if duration == nil {
			duration = intField(data, "duration")
		}
		return d.finalResult(stringField(data, "session_id"), cost, duration, data)

	case "turn.failed":
		text := "turn failed"
		if errObj, ok := data["error"].(map[string]any); ok {
			if m := stringField(errObj, "message"); m != "" {
				text = m
			}
		} else if s := stringField(data, "error"); s != "" {
			text = s
		}
		return &Message{
			Type:      Error,
			Text:      text,
			SessionID: d.sessionID,
			IsFinal:   true,
			Raw:       data,
		}

	case "assistant":
		// Synthetic delta event emitted by the app-server bridge.
		text := stringField(data, "content")
		if text == "" {
			text = stringField(data, "text")
		}
		d.appendAssistant(text)
		return &Message{
			Type:         Assistant,
			Text:         text,
			DetailedText: text,
			SessionID:    d.sessionID,
			Raw:          data,
		}

	case "tool_result":
		// Synthetic pairing event emitted by the app-server bridge.
		id := stringField(data, "tool_use_id")
		if id == "" {
			id = stringField(data, "id")
		}
		if id == "" {
			id = "unknown"
		}
		content := flattenContent(firstOf(data, "content", "output", "result"))
		isError := boolField(data, "is_error") || boolField(data, "error")
		msg := d.completeTool(id, content, isError, data)
		d.accDetailed += msg.DetailedText
		return msg

	case "error":
		text := "unknown error"
		if errObj, ok := data["error"].(map[string]any); ok {
			if m := stringField(errObj, "message"); m != "" {
				text = m
			}
		} else if s := stringField(data, "error"); s != "" {
			text = s
		}
		return &Message{
			Type:    Error,
			Text:    text,
			IsFinal: true,
			Raw:     data,
		}
	}

	return &Message{Type: Other, SessionID: d.sessionID, Raw: data}
}

func (d *Decoder) codexItemStarted(data map[string]any) *Message {
	item, _ := data["item"].(map[string]any)
	if stringField(item, "type") == "command_execution" {
		id := itemID(item)
		command := stringField(item, "command")
		msg := d.newToolCall(id, "run_command", map[string]any{"command": command}, data)
		d.accDetailed += msg.DetailedText
		return msg
	}
	return &Message{Type: Other, SessionID: d.sessionID, Raw: data}
}

func (d *Decoder) codexItemCompleted(data map[string]any) *Message {
	item, _ := data["item"].(map[string]any)

	switch stringField(item, "type") {
	case "agent_message":
		text := stringField(item, "text")
		d.appendAssistant(text)
		return &Message{
			Type:         Assistant,
			Text:         text,
			DetailedText: text,
			SessionID:    d.sessionID,
			Raw:          data,
		}

	case "command_execution":
		id := itemID(item)
		output := stringField(item, "aggregated_output")
		if output == "" {
			output = stringField(item, "output")
		}
		exitCode := intField(item, "exit_code")
		status := strings.ToLower(stringField(item, "status"))
		itemErr := item["error"]
		isError := (exitCode != nil && *exitCode != 0) ||
			status == "failed" || status == "error" || status == "cancelled" ||
			(itemErr != nil && itemErr != false)
		if output == "" && itemErr != nil {
			if errMap, ok := itemErr.(map[string]any); ok {
				output = stringField(errMap, "message")
			} else {
				output = fmt.Sprint(itemErr)
			}
		}
		msg := d.completeTool(id, output, isError, data)
		d.accDetailed += msg.DetailedText
		return msg
	}

	return &Message{Type: Other, SessionID: d.sessionID, Raw: data}
}

func itemID(item map[string]any) string {
	if v, ok := item["id"]; ok {
		switch id := v.(type) {
		case string:
			return id
		case float64:
			return fmt.Sprintf("%.0f", id)
		default:
			if b, err := json.Marshal(v); err == nil {
				return string(b)
			}
		}
	}
	return "unknown"
}

func firstOf(data map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			return v
		}
	}
	return nil
}

func boolField(data map[string]any, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}
