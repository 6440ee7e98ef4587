// Package events defines the one-way notifications sent to the presentation
// layer and the hub that fans them out.
package events

import "encoding/json"

// Type is the wire discriminator of an Event.
type Type string

const (
	AgentCreated           Type = "agentCreated"
	AgentClosed            Type = "agentClosed"
	AgentSelected          Type = "agentSelected"
	AgentStatus            Type = "agentStatus"
	AgentMode              Type = "agentMode"
	AgentToolStart         Type = "agentToolStart"
	AgentToolDone          Type = "agentToolDone"
	AgentToolsClear        Type = "agentToolsClear"
	AgentSubagentToolStart Type = "agentSubagentToolStart"
	AgentSubagentToolDone  Type = "agentSubagentToolDone"
	AgentSubagentClear     Type = "agentSubagentClear"
	AgentToolPermission    Type = "agentToolPermission"
	AgentToolPermissionEnd Type = "agentToolPermissionClear"
	ExistingAgents         Type = "existingAgents"
)

// Agent statuses carried by AgentStatus.
const (
	StatusActive  = "active"
	StatusWaiting = "waiting"
)

// Event is a flat union; only the fields relevant to Type are set.
type Event struct {
	Type         Type                    `json:"type"`
	ID           int                     `json:"id,omitempty"`
	Status       string                  `json:"status,omitempty"`
	Mode         string                  `json:"mode,omitempty"`
	ToolID       string                  `json:"toolId,omitempty"`
	ParentToolID string                  `json:"parentToolId,omitempty"`
	Agents       []int                   `json:"agents,omitempty"`
	Meta         map[int]json.RawMessage `json:"meta,omitempty"`
}

// Emitter accepts outward events.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

func Created(id int) Event { return Event{Type: AgentCreated, ID: id} }
func Closed(id int) Event  { return Event{Type: AgentClosed, ID: id} }
func Selected(id int) Event {
	return Event{Type: AgentSelected, ID: id}
}

func Status(id int, status string) Event {
	return Event{Type: AgentStatus, ID: id, Status: status}
}

func ModeChanged(id int, mode string) Event {
	return Event{Type: AgentMode, ID: id, Mode: mode}
}

func ToolStart(id int, toolID, status string) Event {
	return Event{Type: AgentToolStart, ID: id, ToolID: toolID, Status: status}
}

func ToolDone(id int, toolID string) Event {
	return Event{Type: AgentToolDone, ID: id, ToolID: toolID}
}

func ToolsClear(id int) Event { return Event{Type: AgentToolsClear, ID: id} }

func SubagentToolStart(id int, parentToolID, toolID, status string) Event {
	return Event{Type: AgentSubagentToolStart, ID: id, ParentToolID: parentToolID, ToolID: toolID, Status: status}
}

func SubagentToolDone(id int, parentToolID, toolID string) Event {
	return Event{Type: AgentSubagentToolDone, ID: id, ParentToolID: parentToolID, ToolID: toolID}
}

func SubagentClear(id int, parentToolID string) Event {
	return Event{Type: AgentSubagentClear, ID: id, ParentToolID: parentToolID}
}

func Permission(id int) Event      { return Event{Type: AgentToolPermission, ID: id} }
func PermissionClear(id int) Event { return Event{Type: AgentToolPermissionEnd, ID: id} }

// Existing lists the live agents, in ascending id order, with their
// presentation metadata.
func Existing(ids []int, meta map[int]json.RawMessage) Event {
	return Event{Type: ExistingAgents, Agents: ids, Meta: meta}
}
