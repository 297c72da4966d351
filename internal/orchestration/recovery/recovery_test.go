package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/orchestration/mock"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/orchestration/worker"

	"github.com/taskweave/taskweave/internal/orchestration/engine"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

// seedCrashedTask builds the on-disk shape a dead runtime leaves behind:
// a developing task owned by a gone pid, a running instance with one
// node mid-flight, and an active queue lease for that node.
func seedCrashedTask(t *testing.T, layout paths.Layout) (instanceID string) {
	t.Helper()
	tasks := task.NewStore(layout)
	flows := flow.NewStore(layout)
	q := queue.New(layout)

	require.NoError(t, tasks.Create(&task.Task{ID: "t1", Title: "crashed"}))
	_, err := tasks.Update("t1", func(cur *task.Task) { cur.Status = task.StatusPlanning })
	require.NoError(t, err)
	_, err = tasks.Update("t1", func(cur *task.Task) { cur.Status = task.StatusDeveloping })
	require.NoError(t, err)

	wf := &flow.Workflow{
		ID: "wf",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "a", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "step a"}},
			{ID: "b", Type: flow.NodeTask, Task: &flow.TaskPayload{Prompt: "step b"}},
			{ID: "end", Type: flow.NodeEnd},
		},
		Edges: []flow.Edge{
			{ID: "e1", From: "start", To: "a"},
			{ID: "e2", From: "a", To: "b"},
			{ID: "e3", From: "b", To: "end"},
		},
	}
	require.NoError(t, flows.SaveWorkflow("t1", wf))
	in, err := flows.CreateInstance("t1", "i1", wf)
	require.NoError(t, err)
	_, err = flows.UpdateInstanceStatus(in.ID, flow.InstanceRunning, "")
	require.NoError(t, err)

	done := flow.NodeDone
	running := flow.NodeRunning
	one := 1
	_, err = flows.UpdateNodeState("i1", "start", flow.NodeStatePatch{Status: &done})
	require.NoError(t, err)
	_, err = flows.UpdateNodeState("i1", "a", flow.NodeStatePatch{Status: &running, Attempts: &one})
	require.NoError(t, err)

	_, err = q.EnqueueNode(queue.JobData{
		InstanceID: "i1", NodeID: "a", TaskID: "t1", WorkflowID: "wf",
	}, queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.GetNextJob("i1")
	require.NoError(t, err)
	require.NotNil(t, job, "lease must be active to model the crash")

	require.NoError(t, tasks.WriteProcessInfo("t1", task.ProcessInfo{
		PID: 999999, StartedAt: time.Now(), Status: task.ProcessRunning,
	}))
	return in.ID
}

func TestRecoverOrphanedTask(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureRoot())
	seedCrashedTask(t, layout)

	r := New(layout)
	r.alive = func(int) bool { return false }

	report, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, report.Orphans, 1)

	orphan := report.Orphans[0]
	assert.Equal(t, "t1", orphan.TaskID)
	assert.Equal(t, 999999, orphan.DeadPID)
	assert.Equal(t, []string{"a"}, orphan.NodesReset)
	assert.Equal(t, 1, orphan.LeasesRecycled)
	assert.Equal(t, flow.InstancePaused, orphan.InstanceMoved)

	in, err := r.flows.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, flow.InstancePaused, in.Status)
	assert.Equal(t, flow.NodePending, in.NodeStates["a"].Status)
	assert.Equal(t, 1, in.NodeStates["a"].Attempts, "attempts survive recovery")
	assert.Empty(t, in.NodeStates["a"].Error)

	job, err := r.queue.GetJob(queue.JobID("i1", "a", 0))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusWaiting, job.Status)

	got, err := r.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)

	_, err = r.tasks.ProcessInfo("t1")
	assert.True(t, faults.Is(err, faults.NotFound), "stale owner record must be removed")
}

func TestRecoverSkipsLiveOwner(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureRoot())
	seedCrashedTask(t, layout)

	r := New(layout)
	r.alive = func(int) bool { return true }

	report, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Empty(t, report.Orphans)

	in, err := r.flows.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, flow.InstanceRunning, in.Status)
	assert.Equal(t, flow.NodeRunning, in.NodeStates["a"].Status)
}

// TestRecoverThenRestartCompletes is the kill-and-recover round trip:
// recovery repairs the orphan, then a fresh engine finishes the work.
func TestRecoverThenRestartCompletes(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureRoot())
	seedCrashedTask(t, layout)

	r := New(layout)
	r.alive = func(int) bool { return false }
	_, err := r.Run(context.Background(), nil)
	require.NoError(t, err)

	inv := mock.New(mock.Script{Match: "", Response: "ok"})
	eng := engine.New(layout, bus.New(), inv, worker.Options{
		PollInterval: 10 * time.Millisecond,
		IdleWait:     20 * time.Millisecond,
		Concurrency:  1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	in, err := eng.Run(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, flow.InstanceCompleted, in.Status)
	for _, n := range []string{"start", "a", "b", "end"} {
		assert.Equal(t, flow.NodeDone, in.NodeStates[n].Status, n)
	}

	// The recycled lease reruns the node once; the duplicate job
	// enqueued for the retained attempt count is dropped as stale.
	var aCalls int
	for _, req := range inv.Calls() {
		if req.Prompt == "step a" {
			aCalls++
		}
	}
	assert.Equal(t, 1, aCalls)
}
