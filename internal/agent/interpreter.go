package agent

import (
	"pixelagents/internal/events"
	"pixelagents/internal/logging"
	"pixelagents/internal/transcript"
)

// Timers is the timeout capability the interpreter drives. Every method must
// be idempotent.
type Timers interface {
	StartWaiting(agentID int)
	CancelWaiting(agentID int)
	StartPermission(agentID int)
	CancelPermission(agentID int)
}

// Interpreter advances agent state from transcript records. Callers hold the
// agent lock for the duration of every call.
type Interpreter struct {
	emit   events.Emitter
	timers Timers
	logger logging.Logger
}

// NewInterpreter wires an interpreter to its event sink and timers.
func NewInterpreter(emit events.Emitter, timers Timers, logger logging.Logger) *Interpreter {
	if emit == nil {
		emit = events.Discard
	}
	return &Interpreter{emit: emit, timers: timers, logger: logging.OrNop(logger)}
}

// ApplyLine decodes and applies one transcript line. Lines that do not decode
// are ignored; it reports whether the line was applied.
func (in *Interpreter) ApplyLine(a *Agent, line []byte) bool {
	rec, ok := transcript.Decode(line)
	if !ok {
		return false
	}
	in.Apply(a, rec)
	return true
}

// Apply dispatches one decoded record by kind. Unknown kinds are ignored.
func (in *Interpreter) Apply(a *Agent, rec transcript.Record) {
	switch rec.Type {
	case transcript.TypeUser:
		in.user(a, rec)
	case transcript.TypeAssistant:
		in.assistant(a, rec)
	case transcript.TypeProgress:
		in.progress(a, rec)
	case transcript.TypeSystem:
		in.system(a, rec)
	}
}

func (in *Interpreter) user(a *Agent, rec transcript.Record) {
	if rec.Message != nil && rec.Message.Content.OnlyToolResults() {
		in.toolResults(a, rec.Message.Content.ToolResults())
		return
	}

	// A new prompt starts a turn.
	in.timers.CancelWaiting(a.ID)
	in.timers.CancelPermission(a.ID)
	a.clearTools()
	a.PermissionPending = false
	a.HadActivityThisTurn = false
	in.emit.Emit(events.ToolsClear(a.ID))
}

func (in *Interpreter) assistant(a *Agent, rec transcript.Record) {
	a.IsWaiting = false
	in.emit.Emit(events.Status(a.ID, events.StatusActive))

	var uses []transcript.Block
	if rec.Message != nil {
		uses = rec.Message.Content.ToolUses()
	}
	if len(uses) > 0 {
		in.timers.CancelWaiting(a.ID)
		in.startTools(a, uses)
		return
	}
	if rec.HasText() && !a.HadActivityThisTurn {
		in.timers.StartWaiting(a.ID)
	}
}

func (in *Interpreter) startTools(a *Agent, uses []transcript.Block) {
	armPermission := false
	for _, use := range uses {
		if use.ID == "" {
			continue
		}
		tool := Tool{ID: use.ID, Name: use.Name, Status: transcript.ToolStatus(use.Name, use.Input)}
		if !a.addTool(tool) {
			continue
		}
		a.HadActivityThisTurn = true
		in.emit.Emit(events.ToolStart(a.ID, tool.ID, tool.Status))
		if !transcript.PermissionExempt(tool.Name) {
			armPermission = true
		}
	}
	if armPermission {
		in.timers.StartPermission(a.ID)
	}
}

func (in *Interpreter) toolResults(a *Agent, results []transcript.Block) {
	for _, result := range results {
		if !a.removeTool(result.ToolUseID) {
			continue
		}
		if a.dropSubagentScope(result.ToolUseID) {
			in.emit.Emit(events.SubagentClear(a.ID, result.ToolUseID))
		}
		in.emit.Emit(events.ToolDone(a.ID, result.ToolUseID))
	}
	if a.hasNonExemptTool() {
		return
	}
	in.timers.CancelPermission(a.ID)
	if a.PermissionPending {
		a.PermissionPending = false
		in.emit.Emit(events.PermissionClear(a.ID))
	}
}

// progress carries a sub-agent's own assistant/user record, scoped to the
// tool that spawned it.
func (in *Interpreter) progress(a *Agent, rec transcript.Record) {
	parent := rec.ParentToolUseID
	if parent == "" || rec.Data == nil || rec.Data.Message == nil || !a.hasTool(parent) {
		return
	}
	nested := rec.Data.Message
	if nested.Message == nil {
		return
	}

	switch nested.Type {
	case transcript.TypeAssistant:
		armPermission := false
		for _, use := range nested.Message.Content.ToolUses() {
			if use.ID == "" {
				continue
			}
			tool := Tool{ID: use.ID, Name: use.Name, Status: transcript.ToolStatus(use.Name, use.Input)}
			if !a.addSubagentTool(parent, tool) {
				continue
			}
			in.emit.Emit(events.SubagentToolStart(a.ID, parent, tool.ID, tool.Status))
			if !transcript.PermissionExempt(tool.Name) {
				armPermission = true
			}
		}
		if armPermission {
			in.timers.StartPermission(a.ID)
		}
	case transcript.TypeUser:
		for _, result := range nested.Message.Content.ToolResults() {
			if a.removeSubagentTool(parent, result.ToolUseID) {
				in.emit.Emit(events.SubagentToolDone(a.ID, parent, result.ToolUseID))
			}
		}
	}
}

func (in *Interpreter) system(a *Agent, rec transcript.Record) {
	switch rec.Subtype {
	case transcript.SubtypeAgentIdentity:
		// An incomplete identity clears the previous one.
		a.Identity = nil
		if id, ok := rec.Identity(); ok {
			a.Identity = &id
		}
	case transcript.SubtypeMode, transcript.SubtypeModeAlias:
		if mode, ok := rec.ReportedMode(); ok {
			a.Mode = mode
			in.emit.Emit(events.ModeChanged(a.ID, mode))
		}
	case transcript.SubtypeApprovalRequired:
		a.PermissionPending = true
		in.emit.Emit(events.Permission(a.ID))
		in.timers.StartPermission(a.ID)
	case transcript.SubtypeTurnDuration:
		in.timers.CancelWaiting(a.ID)
		in.timers.CancelPermission(a.ID)
		if a.HasActiveTools() {
			a.clearTools()
			in.emit.Emit(events.ToolsClear(a.ID))
		}
		a.PermissionPending = false
		a.IsWaiting = true
		a.HadActivityThisTurn = false
		in.emit.Emit(events.Status(a.ID, events.StatusWaiting))
	}
}

// WaitingExpired handles a waiting timeout that survived cancellation.
func (in *Interpreter) WaitingExpired(a *Agent) {
	if a.IsWaiting {
		return
	}
	a.IsWaiting = true
	in.emit.Emit(events.Status(a.ID, events.StatusWaiting))
}

// PermissionExpired handles a permission timeout that survived cancellation.
// It escalates only while approval is outstanding or a tool that may need
// approval is still running.
func (in *Interpreter) PermissionExpired(a *Agent) {
	if !a.PermissionPending && !a.hasNonExemptTool() {
		return
	}
	a.PermissionPending = true
	in.emit.Emit(events.Permission(a.ID))
}
