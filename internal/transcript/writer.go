package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Writer appends records to a transcript file, one compact JSON object per
// line, syncing after every record so a tailing reader sees complete lines.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	closed  bool
}

// OpenWriter opens path for appending, creating it if needed.
func OpenWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript %q: %w", path, err)
	}
	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)
	return &Writer{file: file, encoder: encoder}, nil
}

// Append writes one record.
func (w *Writer) Append(record any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if err := w.encoder.Encode(record); err != nil {
		return fmt.Errorf("encode transcript record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync transcript: %w", err)
	}
	return nil
}

// Close closes the underlying file. Calling it twice is harmless.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

type messageRecord struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type identityRecord struct {
	Type          string  `json:"type"`
	Subtype       string  `json:"subtype"`
	AgentID       string  `json:"agent_id"`
	Role          string  `json:"role"`
	ParentAgentID *string `json:"parent_agent_id"`
}

type modeRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Mode    string `json:"mode"`
}

type subtypeRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

type turnDurationRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Ms      int64  `json:"ms"`
}

// UserRecord is a user prompt.
func UserRecord(text string) any {
	return messageRecord{Type: TypeUser, Message: Message{Content: TextContent(text)}}
}

// AssistantRecord is an assistant reply.
func AssistantRecord(text string) any {
	return messageRecord{Type: TypeAssistant, Message: Message{Content: TextContent(text)}}
}

// IdentityRecord announces who is writing the transcript. parent may be nil.
func IdentityRecord(agentID, role string, parent *string) any {
	return identityRecord{Type: TypeSystem, Subtype: SubtypeAgentIdentity, AgentID: agentID, Role: role, ParentAgentID: parent}
}

// ModeRecord reports a plan/build mode change.
func ModeRecord(mode string) any {
	return modeRecord{Type: TypeSystem, Subtype: SubtypeMode, Mode: mode}
}

// ApprovalRequiredRecord reports that the backend is waiting for approval.
func ApprovalRequiredRecord() any {
	return subtypeRecord{Type: TypeSystem, Subtype: SubtypeApprovalRequired}
}

// TurnDurationRecord closes a turn.
func TurnDurationRecord(ms int64) any {
	return turnDurationRecord{Type: TypeSystem, Subtype: SubtypeTurnDuration, Ms: ms}
}
