package stream

import (
	"fmt"
	"strings"
)

type summaryKind int

const (
	summaryPath summaryKind = iota
	summaryCmd
	summaryPattern
	summaryText
	summaryURL
	summaryFirstQuestion
)

type summaryRule struct {
	kind summaryKind
	keys []string
}

// Rule tables keyed by tool name, one per wire dialect.
var claudeSummaryRules = map[string]summaryRule{
	"Read":            {summaryPath, []string{"file_path", "path"}},
	"Edit":            {summaryPath, []string{"file_path", "path"}},
	"Write":           {summaryPath, []string{"file_path", "path"}},
	"Bash":            {summaryCmd, []string{"command", "cmd"}},
	"Glob":            {summaryPattern, []string{"pattern"}},
	"Grep":            {summaryPattern, []string{"pattern", "query"}},
	"WebFetch":        {summaryURL, []string{"url"}},
	"WebSearch":       {summaryText, []string{"query"}},
	"Task":            {summaryText, []string{"description"}},
	"AskUserQuestion": {summaryFirstQuestion, []string{"questions"}},
}

var codexSummaryRules = map[string]summaryRule{
	"read_file":          {summaryPath, []string{"path", "file_path"}},
	"edit_file":          {summaryPath, []string{"path", "file_path"}},
	"write_file":         {summaryPath, []string{"path", "file_path"}},
	"shell":              {summaryCmd, []string{"command", "cmd"}},
	"run_command":        {summaryCmd, []string{"command", "cmd"}},
	"glob":               {summaryPattern, []string{"pattern"}},
	"find_files":         {summaryPattern, []string{"pattern"}},
	"grep":               {summaryPattern, []string{"pattern", "query"}},
	"search":             {summaryPattern, []string{"pattern", "query"}},
	"web_fetch":          {summaryURL, []string{"url"}},
	"web_search":         {summaryText, []string{"query"}},
	"request_user_input": {summaryFirstQuestion, []string{"questions"}},
}

const (
	truncPathLen    = 45
	truncCmdLen     = 50
	truncPatternLen = 40
	truncTextLen    = 60
	truncURLLen     = 60
)

// summarizeInput creates a short inline display string for a tool input.
// Unknown tools get an empty summary.
func summarizeInput(rules map[string]summaryRule, name string, input map[string]any) string {
	rule, ok := rules[name]
	if !ok {
		return ""
	}

	switch rule.kind {
	case summaryPath:
		return "`" + truncatePath(firstPresent(input, rule.keys), truncPathLen) + "`"
	case summaryCmd:
		return "`" + truncateCmd(firstPresent(input, rule.keys), truncCmdLen) + "`"
	case summaryPattern:
		return "`" + truncateText(firstPresent(input, rule.keys), truncPatternLen) + "`"
	case summaryText:
		return "`" + truncateText(firstPresent(input, rule.keys), truncTextLen) + "`"
	case summaryURL:
		return "`" + truncateText(firstPresent(input, rule.keys), truncURLLen) + "`"
	case summaryFirstQuestion:
		return "`" + truncateText(firstQuestion(input, rule.keys), truncTextLen) + "`"
	}
	return ""
}

func firstPresent(input map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := input[key]; ok {
			return fmt.Sprint(v)
		}
	}
	return "?"
}

func firstQuestion(input map[string]any, keys []string) string {
	for _, key := range keys {
		list, ok := input[key].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		if q, ok := list[0].(map[string]any); ok {
			if text, ok := q["question"].(string); ok {
				return text
			}
		}
		return fmt.Sprint(list[0])
	}
	return "?"
}

// truncatePath shortens a file path keeping the filename visible.
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	return "..." + path[len(path)-(maxLen-3):]
}

// truncateCmd flattens newlines and shortens a command for display.
func truncateCmd(cmd string, maxLen int) string {
	text := strings.TrimSpace(strings.ReplaceAll(cmd, "\n", " "))
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen-3] + "..."
}

func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
