package transcript

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

const maxStatusDetail = 30

// Tools that never escalate to a permission prompt: they either delegate to a
// sub-agent or are themselves a question to the user.
var permissionExempt = map[string]bool{
	"Task":            true,
	"AskUserQuestion": true,
}

// PermissionExempt reports whether a running tool should not arm the
// permission timer.
func PermissionExempt(tool string) bool {
	return permissionExempt[tool]
}

// ToolStatus renders a short human-readable label for a running tool.
func ToolStatus(name string, input json.RawMessage) string {
	var args map[string]any
	if len(input) > 0 {
		_ = json.Unmarshal(input, &args)
	}
	str := func(key string) string {
		v, _ := args[key].(string)
		return strings.TrimSpace(v)
	}
	base := func(key string) string {
		if p := str(key); p != "" {
			return filepath.Base(p)
		}
		return ""
	}

	switch name {
	case "Read":
		return withDetail("Reading", base("file_path"))
	case "Edit", "MultiEdit":
		return withDetail("Editing", base("file_path"))
	case "Write":
		return withDetail("Writing", base("file_path"))
	case "Bash":
		cmd := str("command")
		if cmd == "" {
			return "Running command"
		}
		return "Running: " + truncate(cmd, maxStatusDetail)
	case "Glob":
		return "Searching files"
	case "Grep":
		return "Searching code"
	case "WebFetch":
		return "Fetching web content"
	case "WebSearch":
		return "Searching the web"
	case "Task":
		if desc := str("description"); desc != "" {
			return "Subtask: " + truncate(desc, maxStatusDetail+10)
		}
		return "Running subtask"
	case "AskUserQuestion":
		return "Waiting for your answer"
	case "":
		return "Using tool"
	}
	return "Using " + name
}

func withDetail(verb, detail string) string {
	if detail == "" {
		return verb
	}
	return verb + " " + detail
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
