package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/paths"
)

func testWorkflow() *Workflow {
	return &Workflow{
		ID: "wf-1",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "work", Type: NodeTask, Task: &TaskPayload{Prompt: "do it"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", From: "start", To: "work"},
			{ID: "e2", From: "work", To: "end"},
		},
		Variables: map[string]any{"lang": "go"},
	}
}

func seed(t *testing.T) (*Store, *Instance) {
	t.Helper()
	s := NewStore(paths.NewLayout(t.TempDir()))
	wf := testWorkflow()
	require.NoError(t, s.SaveWorkflow("t1", wf))
	in, err := s.CreateInstance("t1", "inst-1", wf)
	require.NoError(t, err)
	return s, in
}

func TestCreateInstanceDefaults(t *testing.T) {
	_, in := seed(t)

	assert.Equal(t, InstancePending, in.Status)
	require.Len(t, in.NodeStates, 3)
	for _, st := range in.NodeStates {
		assert.Equal(t, NodePending, st.Status)
		assert.Zero(t, st.Attempts)
	}
	assert.Equal(t, "go", in.Variables["lang"])
	assert.Equal(t, "t1", in.TaskID())
}

func TestResolveInstanceAcrossColdCache(t *testing.T) {
	s, _ := seed(t)

	// A second store has an empty cache and must fall back to the scan.
	cold := NewStore(paths.NewLayout(s.layout.Root()))
	in, err := cold.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", in.WorkflowID)

	_, err = cold.GetInstance("missing")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestUpdateInstanceStatusStamps(t *testing.T) {
	s, _ := seed(t)

	in, err := s.UpdateInstanceStatus("inst-1", InstanceRunning, "")
	require.NoError(t, err)
	require.NotNil(t, in.StartedAt)
	started := *in.StartedAt

	// Subsequent running transitions keep the original start stamp.
	time.Sleep(5 * time.Millisecond)
	in, err = s.UpdateInstanceStatus("inst-1", InstanceRunning, "")
	require.NoError(t, err)
	assert.True(t, in.StartedAt.Equal(started))

	in, err = s.UpdateInstanceStatus("inst-1", InstancePaused, "operator request")
	require.NoError(t, err)
	require.NotNil(t, in.Pause)
	assert.Equal(t, "operator request", in.Pause.Reason)
	assert.Nil(t, in.CompletedAt)

	in, err = s.UpdateInstanceStatus("inst-1", InstanceCompleted, "")
	require.NoError(t, err)
	assert.Nil(t, in.Pause)
	require.NotNil(t, in.CompletedAt)
}

func TestUpdateNodeStateMerges(t *testing.T) {
	s, _ := seed(t)

	now := time.Now()
	running := NodeRunning
	attempts := 1
	in, err := s.UpdateNodeState("inst-1", "work", NodeStatePatch{
		Status:    &running,
		Attempts:  &attempts,
		StartedAt: &now,
	})
	require.NoError(t, err)
	st := in.NodeStates["work"]
	assert.Equal(t, NodeRunning, st.Status)
	assert.Equal(t, 1, st.Attempts)
	require.NotNil(t, st.StartedAt)

	// Patching only the status leaves the rest intact.
	done := NodeDone
	in, err = s.UpdateNodeState("inst-1", "work", NodeStatePatch{Status: &done})
	require.NoError(t, err)
	st = in.NodeStates["work"]
	assert.Equal(t, NodeDone, st.Status)
	assert.Equal(t, 1, st.Attempts)
	require.NotNil(t, st.StartedAt)
}

func TestSetNodeOutput(t *testing.T) {
	s, _ := seed(t)

	in, err := s.SetNodeOutput("inst-1", "work", map[string]any{"_raw": "hello"})
	require.NoError(t, err)
	out, ok := in.Outputs["work"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", out["_raw"])
}

func TestIncrementLoopCount(t *testing.T) {
	s, _ := seed(t)

	n, err := s.IncrementLoopCount("inst-1", "e2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementLoopCount("inst-1", "e2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResetNodeStateClearsAttempts(t *testing.T) {
	s, _ := seed(t)

	failed := NodeFailed
	attempts := 3
	errMsg := "boom"
	_, err := s.UpdateNodeState("inst-1", "work", NodeStatePatch{
		Status:   &failed,
		Attempts: &attempts,
		Error:    &errMsg,
	})
	require.NoError(t, err)

	in, err := s.ResetNodeState("inst-1", "work")
	require.NoError(t, err)
	st := in.NodeStates["work"]
	assert.Equal(t, NodePending, st.Status)
	assert.Zero(t, st.Attempts)
	assert.Empty(t, st.Error)
	assert.Nil(t, st.StartedAt)
}

func TestUpdateInstanceVariablesDottedPaths(t *testing.T) {
	s, _ := seed(t)

	in, err := s.UpdateInstanceVariables("inst-1", map[string]any{
		"review.verdict": "approved",
		"count":          3,
	})
	require.NoError(t, err)

	review, ok := in.Variables["review"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approved", review["verdict"])
	assert.Equal(t, 3, in.Variables["count"])
	assert.Equal(t, "go", in.Variables["lang"])
}

func TestWorkflowGraphHelpers(t *testing.T) {
	wf := testWorkflow()

	require.NotNil(t, wf.NodeByID("work"))
	assert.Nil(t, wf.NodeByID("nope"))

	from := wf.EdgesFrom("start")
	require.Len(t, from, 1)
	assert.Equal(t, "work", from[0].To)

	to := wf.EdgesTo("end")
	require.Len(t, to, 1)
	assert.Equal(t, "work", to[0].From)
}
