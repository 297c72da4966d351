package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/client"
	"github.com/taskweave/taskweave/internal/orchestration/mock"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/paths"
)

func TestQueueCollectorReportsDepth(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureRoot())
	q := queue.New(layout)

	_, err := q.EnqueueNode(queue.JobData{InstanceID: "i1", NodeID: "a", TaskID: "t1"}, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.EnqueueNode(queue.JobData{InstanceID: "i1", NodeID: "b", TaskID: "t1"}, queue.EnqueueOptions{})
	require.NoError(t, err)
	leased, err := q.GetNextJob("i1")
	require.NoError(t, err)
	require.NotNil(t, leased)

	expected := `# HELP taskweave_queue_active_leases Jobs currently leased by workers.
# TYPE taskweave_queue_active_leases gauge
taskweave_queue_active_leases 1
# HELP taskweave_queue_jobs Jobs in the durable queue by status.
# TYPE taskweave_queue_jobs gauge
taskweave_queue_jobs{status="active"} 1
taskweave_queue_jobs{status="completed"} 0
taskweave_queue_jobs{status="delayed"} 0
taskweave_queue_jobs{status="failed"} 0
taskweave_queue_jobs{status="human_waiting"} 0
taskweave_queue_jobs{status="waiting"} 1
`
	require.NoError(t, testutil.CollectAndCompare(NewQueueCollector(q), strings.NewReader(expected)))
}

func TestObserverMeasuresNodeDuration(t *testing.T) {
	events := bus.New()
	set := NewSet(prometheus.NewRegistry())
	o := NewObserver(events, set)
	defer o.Close()

	events.Emit(bus.NodeStarted, map[string]any{"jobId": "j1"})
	events.Emit(bus.NodeCompleted, map[string]any{"jobId": "j1"})

	events.Emit(bus.NodeStarted, map[string]any{"jobId": "j2"})
	events.Emit(bus.NodeFailed, map[string]any{"jobId": "j2"})

	// A completion without a matching start is dropped.
	events.Emit(bus.NodeCompleted, map[string]any{"jobId": "j3"})

	assert.Equal(t, 2, testutil.CollectAndCount(set.NodeDuration))
	assert.Empty(t, o.started)
}

func TestObserverCountsTerminalWorkflows(t *testing.T) {
	events := bus.New()
	set := NewSet(prometheus.NewRegistry())
	o := NewObserver(events, set)
	defer o.Close()

	events.Emit(bus.WorkflowCompleted, map[string]any{"taskId": "t1"})
	events.Emit(bus.WorkflowCompleted, map[string]any{"taskId": "t2"})
	events.Emit(bus.WorkflowFailed, map[string]any{"taskId": "t3"})

	assert.Equal(t, float64(2), testutil.ToFloat64(set.WorkflowsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(set.WorkflowsTotal.WithLabelValues("failed")))
}

func TestInstrumentInvokerAccountsLatencyAndTokens(t *testing.T) {
	set := NewSet(prometheus.NewRegistry())
	inner := mock.New(mock.Script{Match: "fail", Err: assert.AnError})
	inv := InstrumentInvoker(inner, set)

	assert.Equal(t, client.BackendMock, inv.Backend())

	resp, err := inv.Invoke(context.Background(), client.Request{Prompt: "summarize the changelog"})
	require.NoError(t, err)
	require.NotNil(t, resp)

	_, err = inv.Invoke(context.Background(), client.Request{Prompt: "fail this one"})
	require.Error(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(set.BackendLatency))
	in := testutil.ToFloat64(set.TokensTotal.WithLabelValues("mock", "input"))
	assert.Greater(t, in, float64(0))
}
