package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		line string
		ok   bool
		typ  string
	}{
		{name: "user string", line: `{"type":"user","message":{"content":"hi"}}`, ok: true, typ: TypeUser},
		{name: "assistant blocks", line: `{"type":"assistant","message":{"content":[{"type":"text","text":"x"}]}}`, ok: true, typ: TypeAssistant},
		{name: "system", line: `{"type":"system","subtype":"turn_duration","ms":120}`, ok: true, typ: TypeSystem},
		{name: "unknown type is still a record", line: `{"type":"summary"}`, ok: true, typ: "summary"},
		{name: "blank", line: "   ", ok: false},
		{name: "not json", line: "garbage {", ok: false},
		{name: "array", line: `[1,2]`, ok: false},
		{name: "truncated", line: `{"type":"user","mess`, ok: false},
		{name: "missing type", line: `{"subtype":"x"}`, ok: false},
		{name: "numeric type", line: `{"type":7}`, ok: false},
		{name: "numeric content", line: `{"type":"assistant","message":{"content":42}}`, ok: true, typ: TypeAssistant},
		{name: "object content", line: `{"type":"assistant","message":{"content":{"text":"hi"}}}`, ok: true, typ: TypeAssistant},
		{name: "string ms", line: `{"type":"system","subtype":"turn_duration","ms":"120"}`, ok: true, typ: TypeSystem},
		{name: "numeric parent", line: `{"type":"system","subtype":"agent_identity","agent_id":"a","role":"r","parent_agent_id":7}`, ok: true, typ: TypeSystem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, ok := Decode([]byte(tc.line))
			require.Equal(t, tc.ok, ok)
			if ok {
				require.Equal(t, tc.typ, rec.Type)
			}
		})
	}
}

func TestDecodeTreatsMistypedFieldsAsAbsent(t *testing.T) {
	t.Parallel()

	rec, ok := Decode([]byte(`{"type":"system","subtype":"turn_duration","ms":"120"}`))
	require.True(t, ok)
	require.True(t, rec.IsSystem(SubtypeTurnDuration))
	require.Equal(t, float64(120), rec.Ms)

	rec, ok = Decode([]byte(`{"type":"system","subtype":"turn_duration","ms":{"v":1}}`))
	require.True(t, ok)
	require.Zero(t, rec.Ms)

	rec, ok = Decode([]byte(`{"type":"assistant","message":{"content":42}}`))
	require.True(t, ok)
	require.NotNil(t, rec.Message)
	require.False(t, rec.HasText())
	require.Empty(t, rec.Blocks())

	rec, ok = Decode([]byte(`{"type":"assistant","message":{"content":[7,{"type":"text","text":"kept"}]}}`))
	require.True(t, ok)
	require.Len(t, rec.Blocks(), 1)
	require.True(t, rec.HasText())

	rec, ok = Decode([]byte(`{"type":"system","subtype":"agent_identity","agent_id":"billy","role":"primary","parent_agent_id":7}`))
	require.True(t, ok)
	id, ok := rec.Identity()
	require.True(t, ok)
	require.Nil(t, id.ParentAgentID)

	rec, ok = Decode([]byte(`{"type":"progress","parent_tool_use_id":"p1","data":{"message":{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t9","name":"Read"}]}}}}`))
	require.True(t, ok)
	require.NotNil(t, rec.Data)
	require.NotNil(t, rec.Data.Message)
	require.Equal(t, TypeAssistant, rec.Data.Message.Type)
	require.Len(t, rec.Data.Message.Blocks(), 1)
}

func TestIdentityRequiresAgentAndRole(t *testing.T) {
	t.Parallel()

	rec, ok := Decode([]byte(`{"type":"system","subtype":"agent_identity","agent_id":"billy","role":"primary","parent_agent_id":null}`))
	require.True(t, ok)
	id, ok := rec.Identity()
	require.True(t, ok)
	require.Equal(t, "billy", id.AgentID)
	require.Equal(t, "primary", id.Role)
	require.Nil(t, id.ParentAgentID)

	rec, _ = Decode([]byte(`{"type":"system","subtype":"agent_identity","agent_id":"sub","role":"helper","parent_agent_id":"billy"}`))
	id, ok = rec.Identity()
	require.True(t, ok)
	require.Equal(t, "billy", *id.ParentAgentID)

	rec, _ = Decode([]byte(`{"type":"system","subtype":"agent_identity","agent_id":"billy"}`))
	_, ok = rec.Identity()
	require.False(t, ok)
}

func TestReportedMode(t *testing.T) {
	t.Parallel()

	for line, want := range map[string]string{
		`{"type":"system","subtype":"billy_mode","mode":"plan"}`: ModePlan,
		`{"type":"system","subtype":"mode","mode":"build"}`:      ModeBuild,
		`{"type":"system","subtype":"billy_mode","mode":"fly"}`:  "",
	} {
		rec, ok := Decode([]byte(line))
		require.True(t, ok)
		mode, _ := rec.ReportedMode()
		require.Equal(t, want, mode, line)
	}
}

func TestContentBlocks(t *testing.T) {
	t.Parallel()

	rec, ok := Decode([]byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1"},{"type":"tool_result","tool_use_id":"t2"}]}}`))
	require.True(t, ok)
	require.True(t, rec.Message.Content.OnlyToolResults())
	require.False(t, rec.HasText())
	require.Len(t, rec.Message.Content.ToolResults(), 2)

	rec, _ = Decode([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`))
	require.True(t, rec.HasText())
	uses := rec.Message.Content.ToolUses()
	require.Len(t, uses, 1)
	require.Equal(t, "Running: ls", ToolStatus(uses[0].Name, uses[0].Input))
}

func TestToolStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Reading main.go", ToolStatus("Read", json.RawMessage(`{"file_path":"/src/main.go"}`)))
	require.Equal(t, "Editing", ToolStatus("Edit", nil))
	require.Equal(t, "Searching code", ToolStatus("Grep", nil))
	require.Equal(t, "Using Frobnicate", ToolStatus("Frobnicate", nil))
	require.Equal(t, "Running: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa…",
		ToolStatus("Bash", json.RawMessage(`{"command":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)))
	require.True(t, PermissionExempt("Task"))
	require.False(t, PermissionExempt("Bash"))
}

func TestWriterProducesDecodableLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "1.jsonl")
	w, err := OpenWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(IdentityRecord("billy", "primary", nil)))
	require.NoError(t, w.Append(UserRecord("hello")))
	require.NoError(t, w.Append(ModeRecord(ModePlan)))
	require.NoError(t, w.Append(AssistantRecord("hi <there>")))
	require.NoError(t, w.Append(ApprovalRequiredRecord()))
	require.NoError(t, w.Append(TurnDurationRecord(120)))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Append(UserRecord("late")), os.ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var recs []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rec, ok := Decode(scanner.Bytes())
		require.True(t, ok, scanner.Text())
		recs = append(recs, rec)
	}
	require.Len(t, recs, 6)
	require.Contains(t, string(mustRead(t, path)), `"parent_agent_id":null`)
	require.Equal(t, "hi <there>", recs[3].Message.Content.Text)
	require.True(t, recs[4].IsSystem(SubtypeApprovalRequired))
	require.Equal(t, float64(120), recs[5].Ms)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
