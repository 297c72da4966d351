package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/client"
	"github.com/taskweave/taskweave/internal/orchestration/mock"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/message"
	"github.com/taskweave/taskweave/internal/store/trace"
)

type fixture struct {
	flows    *flow.Store
	queue    *queue.Queue
	traces   *trace.Store
	messages *message.Store
	mock     *mock.Invoker
	exec     *Executor
}

func newFixture(t *testing.T, scripts ...mock.Script) *fixture {
	t.Helper()
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureRoot())
	f := &fixture{
		flows:    flow.NewStore(layout),
		queue:    queue.New(layout),
		traces:   trace.NewStore(layout),
		messages: message.NewStore(layout),
		mock:     mock.New(scripts...),
	}
	f.exec = New(f.flows, f.queue, f.traces, f.messages, f.mock)
	return f
}

func (f *fixture) seed(t *testing.T, wf *flow.Workflow) {
	t.Helper()
	require.NoError(t, f.flows.SaveWorkflow("t1", wf))
	_, err := f.flows.CreateInstance("t1", "i1", wf)
	require.NoError(t, err)
}

// lease enqueues and leases the job for one node.
func (f *fixture) lease(t *testing.T, nodeID string) *queue.Job {
	t.Helper()
	_, err := f.queue.EnqueueNode(queue.JobData{InstanceID: "i1", NodeID: nodeID, TaskID: "t1"}, queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := f.queue.GetNextJob("i1")
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func singleNodeWorkflow(node flow.Node) *flow.Workflow {
	return &flow.Workflow{
		ID:    "wf",
		Nodes: []flow.Node{{ID: "start", Type: flow.NodeStart}, node},
		Edges: []flow.Edge{{ID: "e1", From: "start", To: node.ID}},
	}
}

func TestTaskNodeSuccess(t *testing.T) {
	f := newFixture(t, mock.Script{Match: "", Response: "all done"})
	f.seed(t, singleNodeWorkflow(flow.Node{
		ID: "work", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "do the thing"},
	}))

	job := f.lease(t, "work")
	outcome, err := f.exec.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, outcome.Parked)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	st := in.NodeStates["work"]
	assert.Equal(t, flow.NodeDone, st.Status)
	assert.Equal(t, 1, st.Attempts)
	require.NotNil(t, st.CompletedAt)

	out, ok := in.Outputs["work"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "all done", out["_raw"])

	// A node span and an llm span were recorded.
	tr, err := f.traces.Get("t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, 2, tr.SpanCount)
}

func TestTaskNodeFoldsPendingMessages(t *testing.T) {
	f := newFixture(t)
	f.seed(t, singleNodeWorkflow(flow.Node{
		ID: "work", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "base prompt"},
	}))
	_, err := f.messages.Append("t1", "also check the docs")
	require.NoError(t, err)

	job := f.lease(t, "work")
	_, err = f.exec.Execute(context.Background(), job)
	require.NoError(t, err)

	calls := f.mock.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "base prompt")
	assert.Contains(t, calls[0].Prompt, "also check the docs")

	// The message is delivered exactly once.
	pending, err := f.messages.Pending("t1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTaskNodeFailureRecorded(t *testing.T) {
	f := newFixture(t, mock.Script{Match: "", Err: errors.New("backend down")})
	f.seed(t, singleNodeWorkflow(flow.Node{
		ID: "work", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "x"},
	}))

	job := f.lease(t, "work")
	_, err := f.exec.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, client.KindProcess, client.KindOf(err))

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	st := in.NodeStates["work"]
	assert.Equal(t, flow.NodeFailed, st.Status)
	assert.Contains(t, st.Error, "backend down")
}

func TestTaskNodeTimeout(t *testing.T) {
	f := newFixture(t, mock.Script{Match: "", Response: "late", Delay: time.Second})
	f.seed(t, singleNodeWorkflow(flow.Node{
		ID: "work", Type: flow.NodeTask,
		Task: &flow.TaskPayload{Prompt: "x", TimeoutMs: 30},
	}))

	job := f.lease(t, "work")
	_, err := f.exec.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, client.KindTimeout, client.KindOf(err))

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, flow.NodeFailed, in.NodeStates["work"].Status)
}

func TestCancellationReturnsNodeToPending(t *testing.T) {
	f := newFixture(t, mock.Script{Match: "", Response: "late", Delay: time.Second})
	f.seed(t, singleNodeWorkflow(flow.Node{
		ID: "work", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "x"},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	job := f.lease(t, "work")
	_, err := f.exec.Execute(ctx, job)
	require.Error(t, err)
	assert.Equal(t, client.KindCancelled, client.KindOf(err))

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	st := in.NodeStates["work"]
	assert.Equal(t, flow.NodePending, st.Status)
	assert.Zero(t, st.Attempts, "a cancelled attempt never counts")
}

func TestConditionNode(t *testing.T) {
	f := newFixture(t)
	wf := singleNodeWorkflow(flow.Node{
		ID: "check", Type: flow.NodeCondition, Condition: `variables.n > 1`,
	})
	wf.Variables = map[string]any{"n": 5}
	f.seed(t, wf)

	job := f.lease(t, "check")
	_, err := f.exec.Execute(context.Background(), job)
	require.NoError(t, err)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	out := in.Outputs["check"].(map[string]any)
	assert.Equal(t, "true", out["_raw"])
}

func TestSwitchNode(t *testing.T) {
	f := newFixture(t)
	wf := singleNodeWorkflow(flow.Node{
		ID: "route", Type: flow.NodeSwitch, Switch: `variables.kind`,
	})
	wf.Variables = map[string]any{"kind": "docs"}
	f.seed(t, wf)

	job := f.lease(t, "route")
	_, err := f.exec.Execute(context.Background(), job)
	require.NoError(t, err)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	out := in.Outputs["route"].(map[string]any)
	assert.Equal(t, "docs", out["_raw"])
}

func TestAssignNode(t *testing.T) {
	f := newFixture(t)
	wf := singleNodeWorkflow(flow.Node{
		ID: "set", Type: flow.NodeAssign,
		Assign: map[string]string{
			"review.verdict": `"approved"`,
			"count":          `1 + 2`,
		},
	})
	f.seed(t, wf)

	job := f.lease(t, "set")
	_, err := f.exec.Execute(context.Background(), job)
	require.NoError(t, err)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	review := in.Variables["review"].(map[string]any)
	assert.Equal(t, "approved", review["verdict"])
	assert.EqualValues(t, 3, in.Variables["count"])
}

func TestScriptNode(t *testing.T) {
	f := newFixture(t)
	wf := singleNodeWorkflow(flow.Node{
		ID: "calc", Type: flow.NodeScript, Script: `str(2 * 21)`,
	})
	f.seed(t, wf)

	job := f.lease(t, "calc")
	_, err := f.exec.Execute(context.Background(), job)
	require.NoError(t, err)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	out := in.Outputs["calc"].(map[string]any)
	assert.Equal(t, "42", out["_raw"])
}

func TestHumanNodeParks(t *testing.T) {
	f := newFixture(t)
	f.seed(t, singleNodeWorkflow(flow.Node{ID: "approve", Type: flow.NodeHuman}))

	job := f.lease(t, "approve")
	outcome, err := f.exec.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, outcome.Parked)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, flow.NodeWaiting, in.NodeStates["approve"].Status)

	parked, err := f.queue.GetWaitingHumanJobs()
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, job.ID, parked[0].ID)
}

func loopWorkflow(maxIter int) *flow.Workflow {
	return &flow.Workflow{
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
			{ID: "e3", From: "body", To: "check", MaxIterations: maxIter},
			{ID: "e4", From: "check", To: "end", Condition: "false"},
		},
		Variables: map[string]any{"more": true},
	}
}

func TestLoopTakesBodyAndResets(t *testing.T) {
	f := newFixture(t)
	f.seed(t, loopWorkflow(3))

	// Simulate a completed previous pass through the body.
	done := flow.NodeDone
	attempts := 2
	_, err := f.flows.UpdateNodeState("i1", "body", flow.NodeStatePatch{Status: &done, Attempts: &attempts})
	require.NoError(t, err)

	job := f.lease(t, "check")
	_, err = f.exec.Execute(context.Background(), job)
	require.NoError(t, err)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	out := in.Outputs["check"].(map[string]any)
	assert.Equal(t, "true", out["_raw"])
	assert.Equal(t, 1, in.LoopCounts["e3"])

	// Re-entry reset the body: pending again with attempts cleared.
	st := in.NodeStates["body"]
	assert.Equal(t, flow.NodePending, st.Status)
	assert.Zero(t, st.Attempts)
}

func TestLoopExitsWhenBudgetSpent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, loopWorkflow(2))

	for i := 0; i < 2; i++ {
		_, err := f.flows.IncrementLoopCount("i1", "e3")
		require.NoError(t, err)
	}

	job := f.lease(t, "check")
	_, err := f.exec.Execute(context.Background(), job)
	require.NoError(t, err)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	out := in.Outputs["check"].(map[string]any)
	assert.Equal(t, "false", out["_raw"])
	assert.Equal(t, 2, in.LoopCounts["e3"])
}

func TestForeachRunsBodyPerItem(t *testing.T) {
	f := newFixture(t, mock.Script{Match: "", Response: "handled"})
	wf := &flow.Workflow{
		ID: "wf",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "fan", Type: flow.NodeForeach, Foreach: &flow.ForeachPayload{
				Items: `variables.targets`,
				Body:  []string{"work"},
			}},
			{ID: "work", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "process"}},
			{ID: "end", Type: flow.NodeEnd},
		},
		Edges: []flow.Edge{
			{ID: "e1", From: "start", To: "fan"},
			{ID: "e2", From: "fan", To: "work"},
			{ID: "e3", From: "work", To: "end"},
		},
		Variables: map[string]any{"targets": []any{"alpha", "beta", "gamma"}},
	}
	f.seed(t, wf)

	job := f.lease(t, "fan")
	_, err := f.exec.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Len(t, f.mock.Calls(), 3)

	in, err := f.flows.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, flow.NodeDone, in.NodeStates["fan"].Status)
	assert.Equal(t, flow.NodeDone, in.NodeStates["work"].Status)

	out := in.Outputs["work"].(map[string]any)
	items := out["items"].([]any)
	assert.Len(t, items, 3)
}
