package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

type fixture struct {
	flows  *flow.Store
	queue  *queue.Queue
	events *bus.Bus
	tasks  *task.Store
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureRoot())
	f := &fixture{
		flows:  flow.NewStore(layout),
		queue:  queue.New(layout),
		events: bus.New(),
		tasks:  task.NewStore(layout),
	}
	f.mgr = NewManager(f.flows, f.queue, f.events, f.tasks)
	return f
}

func (f *fixture) seed(t *testing.T, wf *flow.Workflow) *flow.Instance {
	t.Helper()
	require.NoError(t, f.tasks.Create(&task.Task{ID: "t1", Title: "x"}))
	require.NoError(t, f.flows.SaveWorkflow("t1", wf))
	in, err := f.flows.CreateInstance("t1", "i1", wf)
	require.NoError(t, err)
	_, err = f.flows.UpdateInstanceStatus("i1", flow.InstanceRunning, "")
	require.NoError(t, err)
	return in
}

func (f *fixture) markDone(t *testing.T, nodeID string) {
	t.Helper()
	done := flow.NodeDone
	_, err := f.flows.UpdateNodeState("i1", nodeID, flow.NodeStatePatch{Status: &done})
	require.NoError(t, err)
}

func linearWorkflow() *flow.Workflow {
	return &flow.Workflow{
		ID: "wf",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "a", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "a"}},
			{ID: "b", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "b"}},
			{ID: "end", Type: flow.NodeEnd},
		},
		Edges: []flow.Edge{
			{ID: "e1", From: "start", To: "a"},
			{ID: "e2", From: "a", To: "b"},
			{ID: "e3", From: "b", To: "end"},
		},
	}
}

func branchWorkflow() *flow.Workflow {
	return &flow.Workflow{
		ID: "wf",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "check", Type: flow.NodeCondition, Condition: `variables.go == true`},
			{ID: "yes", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "yes"}},
			{ID: "no", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "no"}},
			{ID: "end", Type: flow.NodeEnd},
		},
		Edges: []flow.Edge{
			{ID: "e1", From: "start", To: "check"},
			{ID: "e2", From: "check", To: "yes", Condition: "true"},
			{ID: "e3", From: "check", To: "no", Condition: "false"},
			{ID: "e4", From: "yes", To: "end"},
			{ID: "e5", From: "no", To: "end"},
		},
	}
}

func TestStartNodeReadyFirst(t *testing.T) {
	f := newFixture(t)
	in := f.seed(t, linearWorkflow())

	wf, err := f.flows.GetWorkflow("t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, ReadyNodes(wf, in))
}

func TestAdvanceEnqueuesReadyNodes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, linearWorkflow())

	_, err := f.mgr.Advance("i1", 0)
	require.NoError(t, err)

	job, err := f.queue.GetNextJob("i1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "start", job.Data.NodeID)

	// start is now ready, not pending; a second pass enqueues nothing new.
	_, err = f.mgr.Advance("i1", 0)
	require.NoError(t, err)
	job, err = f.queue.GetNextJob("i1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSuccessorReadyAfterDone(t *testing.T) {
	f := newFixture(t)
	f.seed(t, linearWorkflow())

	f.markDone(t, "start")
	in, err := f.mgr.Advance("i1", 0)
	require.NoError(t, err)
	assert.Equal(t, flow.NodeReady, in.NodeStates["a"].Status)
	assert.Equal(t, flow.NodePending, in.NodeStates["b"].Status)
}

func TestBranchSkipPropagation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, branchWorkflow())

	f.markDone(t, "start")
	f.markDone(t, "check")
	_, err := f.flows.SetNodeOutput("i1", "check", map[string]any{"_raw": "true"})
	require.NoError(t, err)

	in, err := f.mgr.Advance("i1", 0)
	require.NoError(t, err)

	assert.Equal(t, flow.NodeReady, in.NodeStates["yes"].Status)
	assert.Equal(t, flow.NodeSkipped, in.NodeStates["no"].Status)

	// end waits on yes; the skipped branch alone does not admit it.
	assert.Equal(t, flow.NodePending, in.NodeStates["end"].Status)

	f.markDone(t, "yes")
	in, err = f.mgr.Advance("i1", 0)
	require.NoError(t, err)
	assert.Equal(t, flow.NodeReady, in.NodeStates["end"].Status)
}

func TestTerminalCompleted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, linearWorkflow())

	var completedEvent bool
	f.events.On(bus.WorkflowCompleted, func(bus.Event) { completedEvent = true })

	for _, n := range []string{"start", "a", "b", "end"} {
		f.markDone(t, n)
	}
	in, err := f.mgr.Advance("i1", 0)
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceCompleted, in.Status)
	assert.NotNil(t, in.CompletedAt)
	assert.True(t, completedEvent)
}

func TestTerminalFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, linearWorkflow())

	var failedEvent bool
	f.events.On(bus.WorkflowFailed, func(bus.Event) { failedEvent = true })

	f.markDone(t, "start")
	failed := flow.NodeFailed
	errMsg := "backend exploded"
	_, err := f.flows.UpdateNodeState("i1", "a", flow.NodeStatePatch{Status: &failed, Error: &errMsg})
	require.NoError(t, err)

	// Downstream of the failed node has no alternative path: b and end
	// become skipped, all nodes terminal, instance failed.
	in, err := f.mgr.Advance("i1", 0)
	require.NoError(t, err)

	assert.Equal(t, flow.NodeSkipped, in.NodeStates["b"].Status)
	assert.Equal(t, flow.NodeSkipped, in.NodeStates["end"].Status)
	assert.Equal(t, flow.InstanceFailed, in.Status)
	assert.Contains(t, in.Error, "backend exploded")
	assert.True(t, failedEvent)
}

func TestPausedInstanceDispatchesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, linearWorkflow())

	_, err := f.flows.UpdateInstanceStatus("i1", flow.InstancePaused, "operator")
	require.NoError(t, err)

	_, err = f.mgr.Advance("i1", 0)
	require.NoError(t, err)

	job, err := f.queue.GetNextJob("i1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSwitchEdgeMatching(t *testing.T) {
	f := newFixture(t)
	wf := &flow.Workflow{
		ID: "wf",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "route", Type: flow.NodeSwitch, Switch: `variables.kind`},
			{ID: "docs", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "d"}},
			{ID: "code", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "c"}},
			{ID: "other", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "o"}},
			{ID: "end", Type: flow.NodeEnd},
		},
		Edges: []flow.Edge{
			{ID: "e1", From: "start", To: "route"},
			{ID: "e2", From: "route", To: "docs", Condition: "docs"},
			{ID: "e3", From: "route", To: "code", Condition: "code"},
			{ID: "e4", From: "route", To: "other"}, // fallback
			{ID: "e5", From: "docs", To: "end"},
			{ID: "e6", From: "code", To: "end"},
			{ID: "e7", From: "other", To: "end"},
		},
	}
	f.seed(t, wf)

	f.markDone(t, "start")
	f.markDone(t, "route")
	_, err := f.flows.SetNodeOutput("i1", "route", map[string]any{"_raw": "code"})
	require.NoError(t, err)

	in, err := f.mgr.Advance("i1", 0)
	require.NoError(t, err)

	assert.Equal(t, flow.NodeReady, in.NodeStates["code"].Status)
	assert.Equal(t, flow.NodeSkipped, in.NodeStates["docs"].Status)
	assert.Equal(t, flow.NodeSkipped, in.NodeStates["other"].Status)
}

func TestSwitchFallback(t *testing.T) {
	f := newFixture(t)
	wf := &flow.Workflow{
		ID: "wf",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "route", Type: flow.NodeSwitch, Switch: `variables.kind`},
			{ID: "docs", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "d"}},
			{ID: "other", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "o"}},
		},
		Edges: []flow.Edge{
			{ID: "e1", From: "start", To: "route"},
			{ID: "e2", From: "route", To: "docs", Condition: "docs"},
			{ID: "e3", From: "route", To: "other"},
		},
	}
	f.seed(t, wf)

	f.markDone(t, "start")
	f.markDone(t, "route")
	_, err := f.flows.SetNodeOutput("i1", "route", map[string]any{"_raw": "mystery"})
	require.NoError(t, err)

	in, err := f.mgr.Advance("i1", 0)
	require.NoError(t, err)

	assert.Equal(t, flow.NodeSkipped, in.NodeStates["docs"].Status)
	assert.Equal(t, flow.NodeReady, in.NodeStates["other"].Status)
}

func TestLoopBackEdgeDoesNotGate(t *testing.T) {
	f := newFixture(t)
	wf := &flow.Workflow{
		ID: "wf",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "check", Type: flow.NodeLoop, Condition: `variables.more == true`},
			{ID: "body", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "iterate"}},
			{ID: "end", Type: flow.NodeEnd},
		},
		Edges: []flow.Edge{
			{ID: "e1", From: "start", To: "check"},
			{ID: "e2", From: "check", To: "body", Condition: "true"},
			{ID: "e3", From: "body", To: "check", MaxIterations: 3}, // back-edge
			{ID: "e4", From: "check", To: "end", Condition: "false"},
		},
	}
	in := f.seed(t, wf)

	// With only start done, check must be ready despite the pending
	// back-edge source.
	f.markDone(t, "start")
	in, err := f.flows.GetInstanceForTask("t1")
	require.NoError(t, err)
	assert.Contains(t, ReadyNodes(wf, in), "check")
}

func TestComputeProgress(t *testing.T) {
	in := &flow.Instance{NodeStates: map[string]*flow.NodeState{
		"a": {Status: flow.NodeDone},
		"b": {Status: flow.NodeSkipped},
		"c": {Status: flow.NodeRunning},
		"d": {Status: flow.NodePending},
	}}

	p := ComputeProgress(in)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 2, p.Completed)
	assert.InDelta(t, 50.0, p.Percentage, 0.01)
}
