package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelB()
	require.Equal(t, 2, hub.Subscribers())

	hub.Emit(Created(1))
	require.Equal(t, Created(1), <-a)
	require.Equal(t, Created(1), <-b)

	cancelA()
	cancelA()
	_, open := <-a
	require.False(t, open)
	require.Equal(t, 1, hub.Subscribers())
}

func TestHubDropsForFullSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Emit(Status(1, StatusActive))
	hub.Emit(Status(1, StatusWaiting))

	require.Equal(t, uint64(1), hub.Dropped())
	require.Equal(t, StatusActive, (<-ch).Status)
}

func TestEventWireShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ToolStart(3, "toolu_1", "Reading a.go"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"agentToolStart","id":3,"toolId":"toolu_1","status":"Reading a.go"}`, string(data))

	data, err = json.Marshal(Existing([]int{1, 2}, map[int]json.RawMessage{2: json.RawMessage(`{"palette":1}`)}))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"existingAgents","agents":[1,2],"meta":{"2":{"palette":1}}}`, string(data))
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	var rec Recorder
	rec.Emit(Created(1))
	rec.Emit(ToolsClear(1))
	require.Equal(t, []Type{AgentCreated, AgentToolsClear}, rec.Types())
	rec.Reset()
	require.Empty(t, rec.Events())
}
