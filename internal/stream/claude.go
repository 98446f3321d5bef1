package stream

// feedClaude normalizes the discrete-message wire format: system,
// assistant, user (tool results), result and error kinds with typed
// content blocks.
func (d *Decoder) feedClaude(data map[string]any) *Message {
	msgType := stringField(data, "type")

	switch msgType {
	case "system":
		if sid := stringField(data, "session_id"); sid != "" {
			d.sessionID = sid
		}
		return &Message{
			Type:      Init,
			SessionID: d.sessionID,
			Raw:       data,
		}

	case "assistant":
		return d.claudeAssistant(data)

	case "user":
		return d.claudeToolResults(data)

	case "result":
		cost := floatField(data, "cost_usd")
		if cost == nil {
			cost = floatField(data, "total_cost_usd")
		}
		return d.finalResult(stringField(data, "session_id"), cost, intField(data, "duration_ms"), data)

	case "error":
		text := "Unknown error"
		if errObj, ok := data["error"].(map[string]any); ok {
			if m := stringField(errObj, "message"); m != "" {
				text = m
			}
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

// claudeAssistant splits an assistant message into its text and
// tool_use blocks. Lines carrying tool_use become ToolCall messages so
// downstream control-flow can match on activities instead of raw
// content blocks.
func (d *Decoder) claudeAssistant(data map[string]any) *Message {
	message, _ := data["message"].(map[string]any)
	blocks, _ := message["content"].([]any)

	var text string
	var tools []*ToolActivity
	var detailed string

	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch stringField(block, "type") {
		case "text":
			t := stringField(block, "text")
			text += t
			detailed += t
		case "tool_use":
			id := stringField(block, "id")
			name := stringField(block, "name")
			if name == "" {
				name = "unknown"
			}
			input, _ := block["input"].(map[string]any)
			if input == nil {
				input = map[string]any{}
			}
			call := d.newToolCall(id, name, input, data)
			tools = append(tools, call.Tools...)
			detailed += call.DetailedText
		}
	}

	if text != "" {
		d.accText = ConcatWithSpacing(d.accText, text)
	}
	if detailed != "" {
		d.accDetailed = ConcatWithSpacing(d.accDetailed, detailed)
	}

	msg := &Message{
		Type:         Assistant,
		Text:         text,
		DetailedText: detailed,
		Tools:        tools,
		SessionID:    d.sessionID,
		Raw:          data,
	}
	if len(tools) > 0 {
		msg.Type = ToolCall
	}
	return msg
}

func (d *Decoder) claudeToolResults(data map[string]any) *Message {
	message, _ := data["message"].(map[string]any)
	blocks, _ := message["content"].([]any)

	var combined *Message
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok || stringField(block, "type") != "tool_result" {
			continue
		}
		id := stringField(block, "tool_use_id")
		if id == "" {
			id = "unknown"
		}
		isError, _ := block["is_error"].(bool)
		content := flattenContent(block["content"])

		msg := d.completeTool(id, content, isError, data)
		if combined == nil {
			combined = msg
		} else {
			combined.Tools = append(combined.Tools, msg.Tools...)
			combined.DetailedText += msg.DetailedText
		}
	}

	if combined == nil {
		return &Message{Type: Other, SessionID: d.sessionID, Raw: data}
	}
	d.accDetailed += combined.DetailedText
	return combined
}

// flattenContent extracts text from either a plain string or a list of
// typed content blocks.
func flattenContent(v any) string {
	switch content := v.(type) {
	case string:
		return content
	case []any:
		var out string
		for _, item := range content {
			if block, ok := item.(map[string]any); ok {
				if stringField(block, "type") == "text" {
					out += stringField(block, "text")
				}
			} else if s, ok := item.(string); ok {
				out += s
			}
		}
		return out
	case nil:
		return ""
	default:
		return ""
	}
}
