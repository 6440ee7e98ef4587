package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pixelagents/internal/clock"
	"pixelagents/internal/events"
	"pixelagents/internal/timers"
)

type timerCalls struct {
	calls []string
}

func (t *timerCalls) StartWaiting(int)     { t.calls = append(t.calls, "start:waiting") }
func (t *timerCalls) CancelWaiting(int)    { t.calls = append(t.calls, "cancel:waiting") }
func (t *timerCalls) StartPermission(int)  { t.calls = append(t.calls, "start:permission") }
func (t *timerCalls) CancelPermission(int) { t.calls = append(t.calls, "cancel:permission") }

func newHarness() (*Agent, *Interpreter, *events.Recorder, *timerCalls) {
	rec := &events.Recorder{}
	tc := &timerCalls{}
	return New(1, "sess", "Billy #1", "/tmp/1.jsonl", "/tmp"), NewInterpreter(rec, tc, nil), rec, tc
}

func feed(in *Interpreter, a *Agent, lines ...string) {
	for _, line := range lines {
		in.ApplyLine(a, []byte(line))
	}
}

const (
	userLine        = `{"type":"user","message":{"content":"build it"}}`
	planLine        = `{"type":"system","subtype":"billy_mode","mode":"plan"}`
	assistantLine   = `{"type":"assistant","message":{"content":"on it"}}`
	turnLine        = `{"type":"system","subtype":"turn_duration","ms":120}`
	approvalLine    = `{"type":"system","subtype":"approval_required"}`
	bashToolLine    = `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"go test"}}]}}`
	bashResultLine  = `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1"}]}}`
	taskToolLine    = `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"task","name":"Task","input":{"description":"explore"}}]}}`
	subToolLine     = `{"type":"progress","parent_tool_use_id":"task","data":{"message":{"type":"assistant","message":{"content":[{"type":"tool_use","id":"s1","name":"Read","input":{"file_path":"/a/b.go"}}]}}}}`
	subResultLine   = `{"type":"progress","parent_tool_use_id":"task","data":{"message":{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"s1"}]}}}}`
	taskResultLine  = `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"task"}]}}`
	identityLine    = `{"type":"system","subtype":"agent_identity","agent_id":"billy","role":"primary","parent_agent_id":null}`
	malformedLine   = `this is {not json`
	unknownLine     = `{"type":"system","subtype":"compaction"}`
	unknownTypeLine = `{"type":"summary","summary":"x"}`
)

func TestTurnBoundaryEventSequence(t *testing.T) {
	a, in, rec, _ := newHarness()
	feed(in, a, userLine, planLine, assistantLine, turnLine)

	require.Equal(t, []events.Type{
		events.AgentToolsClear,
		events.AgentMode,
		events.AgentStatus,
		events.AgentStatus,
	}, rec.Types())
	got := rec.Events()
	require.Equal(t, "plan", got[1].Mode)
	require.Equal(t, events.StatusActive, got[2].Status)
	require.Equal(t, events.StatusWaiting, got[3].Status)

	require.True(t, a.IsWaiting)
	require.Equal(t, "plan", a.Mode)
	require.False(t, a.HasActiveTools())
}

func TestApprovalClearedByTurnBoundary(t *testing.T) {
	a, in, rec, tc := newHarness()
	feed(in, a, approvalLine)
	require.True(t, a.PermissionPending)
	require.Equal(t, []string{"start:permission"}, tc.calls)

	feed(in, a, turnLine)
	require.False(t, a.PermissionPending)
	require.True(t, a.IsWaiting)
	require.Equal(t, []events.Type{events.AgentToolPermission, events.AgentStatus}, rec.Types())
	require.Contains(t, tc.calls, "cancel:permission")
}

func TestApprovalClearedWithActiveToolsEmitsClear(t *testing.T) {
	a, in, rec, _ := newHarness()
	feed(in, a, bashToolLine)
	rec.Reset()

	feed(in, a, approvalLine, turnLine)
	require.Equal(t, []events.Type{
		events.AgentToolPermission,
		events.AgentToolsClear,
		events.AgentStatus,
	}, rec.Types())
	require.False(t, a.PermissionPending)
	require.True(t, a.IsWaiting)
	require.Empty(t, a.ActiveTools())
}

func TestMalformedLineDoesNotAlterTransitions(t *testing.T) {
	clean, cleanIn, cleanRec, _ := newHarness()
	feed(cleanIn, clean, userLine, assistantLine, turnLine)

	dirty, dirtyIn, dirtyRec, _ := newHarness()
	feed(dirtyIn, dirty, userLine, malformedLine, assistantLine, "", malformedLine, turnLine)

	require.Equal(t, cleanRec.Events(), dirtyRec.Events())
	require.Equal(t, clean.Snapshot(), dirty.Snapshot())
	require.False(t, dirtyIn.ApplyLine(dirty, []byte(malformedLine)))
}

func TestUnknownRecordsAreIgnored(t *testing.T) {
	a, in, rec, tc := newHarness()
	feed(in, a, unknownLine, unknownTypeLine)
	require.Empty(t, rec.Events())
	require.Empty(t, tc.calls)
	require.Equal(t, New(1, "sess", "Billy #1", "/tmp/1.jsonl", "/tmp").Snapshot(), a.Snapshot())
}

func TestIdentityIsStoredSilently(t *testing.T) {
	a, in, rec, _ := newHarness()
	feed(in, a, identityLine)
	require.Empty(t, rec.Events())
	require.NotNil(t, a.Identity)
	require.Equal(t, "billy", a.Identity.AgentID)
	require.Equal(t, "primary", a.Identity.Role)
	require.Nil(t, a.Identity.ParentAgentID)
}

func TestIncompleteIdentityClearsPrevious(t *testing.T) {
	a, in, rec, _ := newHarness()
	feed(in, a, identityLine)
	require.NotNil(t, a.Identity)

	feed(in, a, `{"type":"system","subtype":"agent_identity","agent_id":"billy"}`)
	require.Nil(t, a.Identity)

	feed(in, a, identityLine)
	feed(in, a, `{"type":"system","subtype":"agent_identity","role":"primary"}`)
	require.Nil(t, a.Identity)
	require.Empty(t, rec.Events())
}

func TestUserTurnCancelsWaitingAndResetsActivity(t *testing.T) {
	a, in, rec, tc := newHarness()
	feed(in, a, bashToolLine)
	require.True(t, a.HadActivityThisTurn)
	tc.calls = nil
	rec.Reset()

	feed(in, a, userLine)
	require.Equal(t, []string{"cancel:waiting", "cancel:permission"}, tc.calls)
	require.Equal(t, []events.Type{events.AgentToolsClear}, rec.Types())
	require.False(t, a.HadActivityThisTurn)
	require.Empty(t, a.ActiveTools())
}

func TestToolLifecycle(t *testing.T) {
	a, in, rec, tc := newHarness()
	feed(in, a, bashToolLine)

	require.Equal(t, []events.Type{events.AgentStatus, events.AgentToolStart}, rec.Types())
	require.Equal(t, "Running: go test", rec.Events()[1].Status)
	require.Equal(t, []string{"cancel:waiting", "start:permission"}, tc.calls)
	require.Len(t, a.ActiveTools(), 1)

	// A duplicate tool_use is not started twice.
	feed(in, a, bashToolLine)
	require.Len(t, a.ActiveTools(), 1)

	rec.Reset()
	tc.calls = nil
	feed(in, a, bashResultLine)
	require.Equal(t, []events.Type{events.AgentToolDone}, rec.Types())
	require.Equal(t, []string{"cancel:permission"}, tc.calls)
	require.False(t, a.HasActiveTools())
}

func TestToolResultClearsReportedPermission(t *testing.T) {
	a, in, rec, _ := newHarness()
	feed(in, a, bashToolLine)
	in.PermissionExpired(a)
	require.True(t, a.PermissionPending)

	rec.Reset()
	feed(in, a, bashResultLine)
	require.Equal(t, []events.Type{events.AgentToolDone, events.AgentToolPermissionEnd}, rec.Types())
	require.False(t, a.PermissionPending)
}

func TestWaitingTimerOnlyForQuietTextTurns(t *testing.T) {
	a, in, _, tc := newHarness()
	feed(in, a, userLine, assistantLine)
	require.Contains(t, tc.calls, "start:waiting")

	b, in2, _, tc2 := newHarness()
	feed(in2, b, userLine, bashToolLine, bashResultLine, assistantLine)
	require.NotContains(t, tc2.calls, "start:waiting")
}

func TestSubagentTools(t *testing.T) {
	a, in, rec, tc := newHarness()
	feed(in, a, taskToolLine)
	require.NotContains(t, tc.calls, "start:permission")

	rec.Reset()
	feed(in, a, subToolLine)
	require.Equal(t, []events.Type{events.AgentSubagentToolStart}, rec.Types())
	require.Equal(t, "Reading b.go", rec.Events()[0].Status)
	require.Len(t, a.ActiveSubagentTools("task"), 1)
	require.Contains(t, tc.calls, "start:permission")

	feed(in, a, subResultLine)
	require.Empty(t, a.ActiveSubagentTools("task"))

	feed(in, a, subToolLine)
	rec.Reset()
	feed(in, a, taskResultLine)
	require.Equal(t, []events.Type{events.AgentSubagentClear, events.AgentToolDone}, rec.Types())
	require.False(t, a.HasActiveTools())
}

func TestProgressForUnknownParentIgnored(t *testing.T) {
	a, in, rec, _ := newHarness()
	feed(in, a, subToolLine)
	require.Empty(t, rec.Events())
	require.False(t, a.HasActiveTools())
}

func TestTurnBoundaryClearsBothToolSetsTogether(t *testing.T) {
	a, in, rec, _ := newHarness()
	feed(in, a, taskToolLine, subToolLine)
	rec.Reset()

	feed(in, a, turnLine)
	require.Equal(t, []events.Type{events.AgentToolsClear, events.AgentStatus}, rec.Types())
	require.Empty(t, a.ActiveTools())
	require.Empty(t, a.ActiveSubagentTools("task"))
}

func TestExpiries(t *testing.T) {
	a, in, rec, _ := newHarness()
	in.PermissionExpired(a)
	require.Empty(t, rec.Events())

	in.WaitingExpired(a)
	in.WaitingExpired(a)
	require.Equal(t, []events.Type{events.AgentStatus}, rec.Types())
	require.True(t, a.IsWaiting)
}

func TestReplayEvents(t *testing.T) {
	a, in, _, _ := newHarness()
	feed(in, a, planLine, taskToolLine, subToolLine, approvalLine)
	a.IsWaiting = true

	var types []events.Type
	for _, e := range a.ReplayEvents() {
		types = append(types, e.Type)
	}
	require.Equal(t, []events.Type{
		events.AgentToolStart,
		events.AgentSubagentToolStart,
		events.AgentMode,
		events.AgentToolPermission,
		events.AgentStatus,
	}, types)
}

func TestWaitingTimerFiresThroughManager(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &events.Recorder{}
	a := New(7, "sess", "Billy #7", "/tmp/7.jsonl", "/tmp")

	var in *Interpreter
	var mgr *timers.Manager
	mgr = timers.NewManager(func(id int, kind timers.Kind, gen uint64) {
		a.Lock()
		defer a.Unlock()
		if !mgr.Consume(id, kind, gen) {
			return
		}
		if kind == timers.Waiting {
			in.WaitingExpired(a)
		}
	}, timers.WithClock(fake))
	in = NewInterpreter(rec, mgr, nil)

	a.Lock()
	feed(in, a, userLine, assistantLine)
	a.Unlock()

	fake.Advance(timers.DefaultWaitingDelay)
	a.Lock()
	defer a.Unlock()
	require.True(t, a.IsWaiting)
	require.Equal(t, events.StatusWaiting, rec.Events()[len(rec.Events())-1].Status)
}

func TestActivityCancelsPendingWaitingTimer(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &events.Recorder{}
	a := New(8, "sess", "Billy #8", "/tmp/8.jsonl", "/tmp")

	var in *Interpreter
	var mgr *timers.Manager
	mgr = timers.NewManager(func(id int, kind timers.Kind, gen uint64) {
		if mgr.Consume(id, kind, gen) && kind == timers.Waiting {
			in.WaitingExpired(a)
		}
	}, timers.WithClock(fake))
	in = NewInterpreter(rec, mgr, nil)

	feed(in, a, userLine, assistantLine)
	fake.Advance(2 * time.Second)
	feed(in, a, userLine)
	fake.Advance(time.Minute)

	require.False(t, a.IsWaiting)
	require.False(t, mgr.Active(8, timers.Waiting))
}
