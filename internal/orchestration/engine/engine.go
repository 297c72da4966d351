// Package engine is the workflow runtime for a single task. It owns the
// instance from start to settle: it claims the task's process record,
// opens the root trace span, drives the worker pool and, once the
// instance reaches a terminal state, renders the result artefact and
// moves the task along its own lifecycle.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/client"
	"github.com/taskweave/taskweave/internal/orchestration/executor"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/orchestration/state"
	"github.com/taskweave/taskweave/internal/orchestration/worker"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/message"
	"github.com/taskweave/taskweave/internal/store/task"
	"github.com/taskweave/taskweave/internal/store/trace"
)

// rootSpanID is the span id of the per-instance workflow span; node
// spans name it as their parent.
const rootSpanID = "workflow"

// Engine runs one task's instance to a terminal state.
type Engine struct {
	layout   paths.Layout
	tasks    *task.Store
	flows    *flow.Store
	queue    *queue.Queue
	traces   *trace.Store
	messages *message.Store
	events   *bus.Bus
	invoker  client.Invoker
	opts     worker.Options
}

// New wires an engine over the shared data directory. All state lives
// on disk, so engines in different processes compose through the same
// layout.
func New(layout paths.Layout, events *bus.Bus, invoker client.Invoker, opts worker.Options) *Engine {
	return &Engine{
		layout:   layout,
		tasks:    task.NewStore(layout),
		flows:    flow.NewStore(layout),
		queue:    queue.New(layout),
		traces:   trace.NewStore(layout),
		messages: message.NewStore(layout),
		events:   events,
		invoker:  invoker,
		opts:     opts,
	}
}

// Flows exposes the instance store for callers that inspect state.
func (e *Engine) Flows() *flow.Store { return e.flows }

// Queue exposes the job queue, mainly for approval front-ends.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Traces exposes the span store so a mirror can be attached before Run.
func (e *Engine) Traces() *trace.Store { return e.traces }

// Run drives the task's instance until it settles or ctx is cancelled.
// A fresh task is moved planning -> developing first; a paused one is
// resumed, releasing any parked approval jobs.
func (e *Engine) Run(ctx context.Context, taskID string) (*flow.Instance, error) {
	t, err := e.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, faults.New(faults.PreconditionFailed, "task %s is %s", taskID, t.Status)
	}

	wf, err := e.flows.GetWorkflow(taskID)
	if err != nil {
		return nil, err
	}
	in, err := e.ensureInstance(taskID, wf)
	if err != nil {
		return nil, err
	}

	if err := e.claim(taskID, t); err != nil {
		return nil, err
	}

	if err := e.seedVariables(t, in); err != nil {
		log.Warn(log.CatEngine, "Failed to seed instance variables", "taskID", taskID, "error", err)
	}

	resuming := in.Status == flow.InstancePaused
	in, err = e.flows.UpdateInstanceStatus(in.ID, flow.InstanceRunning, "")
	if err != nil {
		return nil, err
	}
	if resuming {
		if n, err := e.queue.ResumeWaitingJobsForInstance(in.ID); err != nil {
			log.Warn(log.CatEngine, "Failed to release waiting jobs on resume", "instanceID", in.ID, "error", err)
		} else if n > 0 {
			log.Info(log.CatEngine, "Released waiting jobs", "instanceID", in.ID, "count", n)
		}
	}

	startedAt := time.Now()
	e.traces.Append(taskID, trace.Span{
		TraceID:   in.ID,
		SpanID:    rootSpanID,
		Name:      workflowName(wf),
		Kind:      trace.KindWorkflow,
		StartedAt: startedAt,
		Status:    trace.StatusRunning,
		Attributes: map[string]any{
			"taskId":     taskID,
			"workflowId": wf.ID,
		},
	})

	rec := newRecorder(e.layout, e.events, taskID)
	defer rec.close()

	e.events.Emit(bus.WorkflowStarted, map[string]any{
		"instanceId": in.ID,
		"taskId":     taskID,
		"workflowId": wf.ID,
		"resumed":    resuming,
	})

	states := state.NewManager(e.flows, e.queue, e.events, e.tasks)
	exec := executor.New(e.flows, e.queue, e.traces, e.messages, e.invoker)
	pool := worker.NewPool(e.flows, e.queue, states, exec, e.events, e.opts)

	runErr := pool.Run(ctx, in.ID)

	in, err = e.flows.GetInstance(in.ID)
	if err != nil {
		return nil, err
	}
	e.finalize(taskID, wf, in, startedAt, runErr)
	return in, runErr
}

// ensureInstance returns the task's instance, creating one when the
// lifecycle API has not pre-created it.
func (e *Engine) ensureInstance(taskID string, wf *flow.Workflow) (*flow.Instance, error) {
	in, err := e.flows.GetInstanceForTask(taskID)
	if err == nil {
		return in, nil
	}
	if !faults.Is(err, faults.NotFound) {
		return nil, err
	}
	return e.flows.CreateInstance(taskID, uuid.NewString(), wf)
}

// claim records this process as the task's owner and advances the task
// status machine to developing.
func (e *Engine) claim(taskID string, t *task.Task) error {
	if err := e.tasks.WriteProcessInfo(taskID, task.ProcessInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Status:    task.ProcessRunning,
	}); err != nil {
		return err
	}
	_, err := e.tasks.Update(taskID, func(cur *task.Task) {
		switch cur.Status {
		case task.StatusPending:
			cur.Status = task.StatusPlanning
		case task.StatusPlanning, task.StatusPaused:
			cur.Status = task.StatusDeveloping
		}
	})
	if err != nil {
		return err
	}
	if t.Status == task.StatusPending {
		// pending walks through planning on its way to developing.
		_, err = e.tasks.Update(taskID, func(cur *task.Task) {
			if cur.Status == task.StatusPlanning {
				cur.Status = task.StatusDeveloping
			}
		})
	}
	return err
}

// finalize closes the root span, renders the result artefact and moves
// the task forward when the instance settled. A run interrupted by ctx
// leaves the task where it is; recovery or resume picks it up.
func (e *Engine) finalize(taskID string, wf *flow.Workflow, in *flow.Instance, startedAt time.Time, runErr error) {
	if !in.Status.IsTerminal() {
		if err := e.tasks.WriteProcessInfo(taskID, task.ProcessInfo{
			PID:        os.Getpid(),
			StartedAt:  startedAt,
			Status:     task.ProcessStopped,
			StopReason: stopReason(runErr),
		}); err != nil {
			log.Warn(log.CatEngine, "Failed to record stop", "taskID", taskID, "error", err)
		}
		return
	}

	now := time.Now()
	spanStatus := trace.StatusOK
	if in.Status != flow.InstanceCompleted {
		spanStatus = trace.StatusError
	}
	e.traces.Append(taskID, trace.Span{
		TraceID:    in.ID,
		SpanID:     rootSpanID,
		Name:       workflowName(wf),
		Kind:       trace.KindWorkflow,
		StartedAt:  startedAt,
		EndedAt:    &now,
		DurationMs: now.Sub(startedAt).Milliseconds(),
		Status:     spanStatus,
		Error:      in.Error,
	})

	e.writeStats(taskID, in, startedAt, now)

	if in.Status == flow.InstanceCompleted {
		if err := e.writeResult(taskID, wf, in); err != nil {
			log.Warn(log.CatEngine, "Failed to write result artefact", "taskID", taskID, "error", err)
		}
		if _, err := e.tasks.Update(taskID, func(t *task.Task) {
			if t.Status == task.StatusDeveloping {
				t.Status = task.StatusReviewing
			}
		}); err != nil {
			log.Warn(log.CatEngine, "Failed to move task to reviewing", "taskID", taskID, "error", err)
		}
	} else {
		if _, err := e.tasks.Update(taskID, func(t *task.Task) {
			if !t.Status.IsTerminal() {
				t.Status = task.StatusFailed
			}
		}); err != nil {
			log.Warn(log.CatEngine, "Failed to mark task failed", "taskID", taskID, "error", err)
		}
		e.events.Emit(bus.TaskFailed, map[string]any{
			"taskId": taskID, "instanceId": in.ID, "error": in.Error,
		})
	}

	if err := e.tasks.ClearProcessInfo(taskID); err != nil {
		log.Warn(log.CatEngine, "Failed to clear process record", "taskID", taskID, "error", err)
	}
}

// seedVariables copies the task's execution overrides into the instance
// variables the executor reads. Existing values win so a resumed run
// keeps its session.
func (e *Engine) seedVariables(t *task.Task, in *flow.Instance) error {
	vars := map[string]any{}
	if t.WorkDir != "" {
		if _, ok := in.Variables["workDir"]; !ok {
			vars["workDir"] = t.WorkDir
		}
	}
	if t.Model != "" {
		if _, ok := in.Variables["model"]; !ok {
			vars["model"] = t.Model
		}
	}
	if len(vars) == 0 {
		return nil
	}
	_, err := e.flows.UpdateInstanceVariables(in.ID, vars)
	return err
}

// writeStats aggregates the settled instance and the trace into the
// per-task stats document.
func (e *Engine) writeStats(taskID string, in *flow.Instance, startedAt, endedAt time.Time) {
	stats := task.Stats{
		NodesTotal: len(in.NodeStates),
		DurationMs: endedAt.Sub(startedAt).Milliseconds(),
		UpdatedAt:  endedAt,
	}
	for _, st := range in.NodeStates {
		switch st.Status {
		case flow.NodeDone:
			stats.NodesCompleted++
		case flow.NodeFailed:
			stats.NodesFailed++
		case flow.NodeSkipped:
			stats.NodesSkipped++
		}
	}
	if tr, err := e.traces.Get(taskID, in.ID); err == nil {
		stats.TotalTokens = tr.TotalTokens
		stats.TotalCost = tr.TotalCost
		for _, sp := range tr.Spans {
			if sp.Kind == trace.KindLLM {
				stats.LLMCalls++
			}
		}
	}
	if err := e.tasks.WriteStats(taskID, stats); err != nil {
		log.Warn(log.CatEngine, "Failed to write stats", "taskID", taskID, "error", err)
	}
}

func stopReason(runErr error) string {
	if runErr == nil {
		return "stopped"
	}
	return runErr.Error()
}

// writeResult renders outputs/result.md from the settled instance.
func (e *Engine) writeResult(taskID string, wf *flow.Workflow, in *flow.Instance) error {
	t, err := e.tasks.Get(taskID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", t.Description)
	}
	fmt.Fprintf(&b, "Status: %s\n\n", in.Status)

	for _, n := range wf.Nodes {
		if n.Type != flow.NodeTask {
			continue
		}
		raw, ok := in.Outputs[n.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", nodeHeading(&n))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(rawText(raw)))
	}

	return os.WriteFile(e.layout.ResultFile(taskID), []byte(b.String()), 0o644)
}

func workflowName(wf *flow.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	return wf.ID
}

func nodeHeading(n *flow.Node) string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

func rawText(v any) string {
	if m, ok := v.(map[string]any); ok {
		if s, ok := m["_raw"].(string); ok {
			return s
		}
	}
	return fmt.Sprintf("%v", v)
}
