// Package agent holds the per-agent supervision state and the interpreter
// that advances it from transcript records.
package agent

import (
	"sort"
	"sync"

	"pixelagents/internal/events"
	"pixelagents/internal/transcript"
)

// Tool is one in-progress tool activity.
type Tool struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Agent is the supervised state of one agent process. The embedded mutex is
// the agent's single-writer lock: every read pass and timer expiry holds it
// while touching the fields below.
type Agent struct {
	sync.Mutex

	ID             int
	SessionID      string
	TerminalName   string
	TranscriptPath string
	ProjectDir     string

	ReadOffset         int64
	PendingPartialLine []byte

	tools     map[string]Tool
	toolOrder []string

	// subagentTools maps a parent tool id to the tools its sub-agent runs.
	subagentTools map[string]map[string]Tool
	subagentOrder map[string][]string

	IsWaiting           bool
	PermissionPending   bool
	HadActivityThisTurn bool
	Mode                string
	Identity            *transcript.Identity
}

// New returns an agent with zeroed transient state.
func New(id int, sessionID, terminalName, transcriptPath, projectDir string) *Agent {
	return &Agent{
		ID:             id,
		SessionID:      sessionID,
		TerminalName:   terminalName,
		TranscriptPath: transcriptPath,
		ProjectDir:     projectDir,
		tools:          make(map[string]Tool),
		subagentTools:  make(map[string]map[string]Tool),
		subagentOrder:  make(map[string][]string),
	}
}

// ActiveTools returns the running tools in start order.
func (a *Agent) ActiveTools() []Tool {
	out := make([]Tool, 0, len(a.toolOrder))
	for _, id := range a.toolOrder {
		out = append(out, a.tools[id])
	}
	return out
}

// ActiveSubagentTools returns the tools run under parent, in start order.
func (a *Agent) ActiveSubagentTools(parent string) []Tool {
	scope := a.subagentTools[parent]
	out := make([]Tool, 0, len(scope))
	for _, id := range a.subagentOrder[parent] {
		out = append(out, scope[id])
	}
	return out
}

// HasActiveTools reports whether any tool or sub-agent tool is running.
func (a *Agent) HasActiveTools() bool {
	return len(a.tools) > 0 || len(a.subagentTools) > 0
}

func (a *Agent) hasTool(id string) bool {
	_, ok := a.tools[id]
	return ok
}

func (a *Agent) addTool(t Tool) bool {
	if a.hasTool(t.ID) {
		return false
	}
	a.tools[t.ID] = t
	a.toolOrder = append(a.toolOrder, t.ID)
	return true
}

func (a *Agent) removeTool(id string) bool {
	if !a.hasTool(id) {
		return false
	}
	delete(a.tools, id)
	a.toolOrder = without(a.toolOrder, id)
	return true
}

func (a *Agent) addSubagentTool(parent string, t Tool) bool {
	scope, ok := a.subagentTools[parent]
	if !ok {
		scope = make(map[string]Tool)
		a.subagentTools[parent] = scope
	}
	if _, exists := scope[t.ID]; exists {
		return false
	}
	scope[t.ID] = t
	a.subagentOrder[parent] = append(a.subagentOrder[parent], t.ID)
	return true
}

func (a *Agent) removeSubagentTool(parent, id string) bool {
	scope, ok := a.subagentTools[parent]
	if !ok {
		return false
	}
	if _, exists := scope[id]; !exists {
		return false
	}
	delete(scope, id)
	a.subagentOrder[parent] = without(a.subagentOrder[parent], id)
	return true
}

func (a *Agent) dropSubagentScope(parent string) bool {
	if _, ok := a.subagentTools[parent]; !ok {
		return false
	}
	delete(a.subagentTools, parent)
	delete(a.subagentOrder, parent)
	return true
}

// clearTools empties both tool collections together.
func (a *Agent) clearTools() {
	a.tools = make(map[string]Tool)
	a.toolOrder = nil
	a.subagentTools = make(map[string]map[string]Tool)
	a.subagentOrder = make(map[string][]string)
}

func (a *Agent) hasNonExemptTool() bool {
	for _, t := range a.tools {
		if !transcript.PermissionExempt(t.Name) {
			return true
		}
	}
	for _, scope := range a.subagentTools {
		for _, t := range scope {
			if !transcript.PermissionExempt(t.Name) {
				return true
			}
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// ReplayEvents reconstructs the events a freshly connected presentation
// layer needs to show the agent's current state.
func (a *Agent) ReplayEvents() []events.Event {
	var out []events.Event
	for _, t := range a.ActiveTools() {
		out = append(out, events.ToolStart(a.ID, t.ID, t.Status))
	}
	parents := make([]string, 0, len(a.subagentOrder))
	for parent := range a.subagentOrder {
		parents = append(parents, parent)
	}
	sort.Strings(parents)
	for _, parent := range parents {
		for _, t := range a.ActiveSubagentTools(parent) {
			out = append(out, events.SubagentToolStart(a.ID, parent, t.ID, t.Status))
		}
	}
	if a.Mode != "" {
		out = append(out, events.ModeChanged(a.ID, a.Mode))
	}
	if a.PermissionPending {
		out = append(out, events.Permission(a.ID))
	}
	if a.IsWaiting {
		out = append(out, events.Status(a.ID, events.StatusWaiting))
	}
	return out
}

// Snapshot is a read-only copy of an agent's state.
type Snapshot struct {
	ID                  int                  `json:"id"`
	SessionID           string               `json:"sessionId"`
	TerminalName        string               `json:"terminalName"`
	TranscriptPath      string               `json:"jsonlFile"`
	ProjectDir          string               `json:"projectDir"`
	ReadOffset          int64                `json:"readOffset"`
	PendingPartialLine  []byte               `json:"-"`
	ActiveTools         []Tool               `json:"activeTools"`
	SubagentTools       map[string][]Tool    `json:"subagentTools,omitempty"`
	IsWaiting           bool                 `json:"isWaiting"`
	PermissionPending   bool                 `json:"permissionPending"`
	HadActivityThisTurn bool                 `json:"hadActivityThisTurn"`
	Mode                string               `json:"mode,omitempty"`
	Identity            *transcript.Identity `json:"identity,omitempty"`
}

// Snapshot copies the agent's state. The caller must hold the agent lock.
func (a *Agent) Snapshot() Snapshot {
	s := Snapshot{
		ID:                  a.ID,
		SessionID:           a.SessionID,
		TerminalName:        a.TerminalName,
		TranscriptPath:      a.TranscriptPath,
		ProjectDir:          a.ProjectDir,
		ReadOffset:          a.ReadOffset,
		PendingPartialLine:  append([]byte(nil), a.PendingPartialLine...),
		ActiveTools:         a.ActiveTools(),
		IsWaiting:           a.IsWaiting,
		PermissionPending:   a.PermissionPending,
		HadActivityThisTurn: a.HadActivityThisTurn,
		Mode:                a.Mode,
	}
	if len(a.subagentTools) > 0 {
		s.SubagentTools = make(map[string][]Tool, len(a.subagentTools))
		for parent := range a.subagentTools {
			s.SubagentTools[parent] = a.ActiveSubagentTools(parent)
		}
	}
	if a.Identity != nil {
		id := *a.Identity
		s.Identity = &id
	}
	return s
}
