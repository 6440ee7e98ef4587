// Package transcript defines the JSON Lines records an agent process appends
// to its transcript file, and a fallible decoder for them.
package transcript

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Record types.
const (
	TypeUser      = "user"
	TypeAssistant = "assistant"
	TypeSystem    = "system"
	TypeProgress  = "progress"
)

// System record subtypes.
const (
	SubtypeAgentIdentity    = "agent_identity"
	SubtypeMode             = "billy_mode"
	SubtypeModeAlias        = "mode"
	SubtypeApprovalRequired = "approval_required"
	SubtypeTurnDuration     = "turn_duration"
)

// Modes reported by the backend.
const (
	ModePlan  = "plan"
	ModeBuild = "build"
)

// Record is one decoded transcript line. Only the fields relevant to the
// record's Type/Subtype are populated.
type Record struct {
	Type    string   `json:"type"`
	Subtype string   `json:"subtype,omitempty"`
	Message *Message `json:"message,omitempty"`

	AgentID       string  `json:"agent_id,omitempty"`
	Role          string  `json:"role,omitempty"`
	ParentAgentID *string `json:"parent_agent_id,omitempty"`

	Mode string  `json:"mode,omitempty"`
	Ms   float64 `json:"ms,omitempty"`

	ParentToolUseID string        `json:"parent_tool_use_id,omitempty"`
	Data            *ProgressData `json:"data,omitempty"`
}

// Message carries the content of a user or assistant record.
type Message struct {
	Content Content `json:"content"`
}

// ProgressData wraps a nested sub-agent record.
type ProgressData struct {
	Message *Record `json:"message,omitempty"`
}

// Identity is the externally reported identity of an agent.
type Identity struct {
	AgentID       string
	Role          string
	ParentAgentID *string
}

// Decode parses one transcript line. It reports false for blank lines, lines
// that are not JSON objects and objects without a string type; callers ignore
// those. Any other field with an unexpected JSON type is treated as absent so
// one odd field never hides the record.
func Decode(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Record{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Record{}, false
	}
	rec := decodeFields(fields)
	if rec.Type == "" {
		return Record{}, false
	}
	return rec, true
}

func decodeFields(fields map[string]json.RawMessage) Record {
	rec := Record{
		Type:            rawString(fields["type"]),
		Subtype:         rawString(fields["subtype"]),
		AgentID:         rawString(fields["agent_id"]),
		Role:            rawString(fields["role"]),
		Mode:            rawString(fields["mode"]),
		Ms:              rawNumber(fields["ms"]),
		ParentToolUseID: rawString(fields["parent_tool_use_id"]),
	}
	if parent, ok := fields["parent_agent_id"]; ok {
		var p string
		if json.Unmarshal(parent, &p) == nil {
			rec.ParentAgentID = &p
		}
	}
	if msg := rawObject(fields["message"]); msg != nil {
		rec.Message = &Message{Content: decodeContent(msg["content"])}
	}
	if data := rawObject(fields["data"]); data != nil {
		pd := &ProgressData{}
		if nested := rawObject(data["message"]); nested != nil {
			inner := decodeFields(nested)
			pd.Message = &inner
		}
		rec.Data = pd
	}
	return rec
}

func rawObject(raw json.RawMessage) map[string]json.RawMessage {
	var obj map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil {
		return nil
	}
	return obj
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// rawNumber accepts a JSON number or a numeric string.
func rawNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f
	}
	if s := rawString(raw); s != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

// IsSystem reports whether rec is a system record of one of the subtypes.
func (r Record) IsSystem(subtypes ...string) bool {
	if r.Type != TypeSystem {
		return false
	}
	for _, s := range subtypes {
		if r.Subtype == s {
			return true
		}
	}
	return false
}

// Identity returns the reported identity. Both agent id and role are required.
func (r Record) Identity() (Identity, bool) {
	if !r.IsSystem(SubtypeAgentIdentity) {
		return Identity{}, false
	}
	agentID := strings.TrimSpace(r.AgentID)
	role := strings.TrimSpace(r.Role)
	if agentID == "" || role == "" {
		return Identity{}, false
	}
	var parent *string
	if r.ParentAgentID != nil && strings.TrimSpace(*r.ParentAgentID) != "" {
		p := strings.TrimSpace(*r.ParentAgentID)
		parent = &p
	}
	return Identity{AgentID: agentID, Role: role, ParentAgentID: parent}, true
}

// ReportedMode returns the plan/build mode of a mode record.
func (r Record) ReportedMode() (string, bool) {
	if !r.IsSystem(SubtypeMode, SubtypeModeAlias) {
		return "", false
	}
	switch r.Mode {
	case ModePlan, ModeBuild:
		return r.Mode, true
	}
	return "", false
}

// Blocks returns the message content blocks, or nil for text-only content.
func (r Record) Blocks() []Block {
	if r.Message == nil {
		return nil
	}
	return r.Message.Content.Blocks
}

// HasText reports whether the message carries any non-empty text.
func (r Record) HasText() bool {
	if r.Message == nil {
		return false
	}
	return r.Message.Content.HasText()
}
