// Package executor runs a single node to completion. It dispatches on
// node type, records the outcome on the instance and in the trace, and
// leaves queue bookkeeping to the caller: the worker decides between
// complete, fail-with-retry and requeue from the classified error.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/client"
	"github.com/taskweave/taskweave/internal/orchestration/expression"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/message"
	"github.com/taskweave/taskweave/internal/store/trace"
)

// DefaultTaskTimeout bounds one LLM invocation.
const DefaultTaskTimeout = 30 * time.Minute

// Outcome reports how a node execution ended.
type Outcome struct {
	// Parked means the node went into human_waiting; the job must stay
	// leased as parked, neither completed nor failed.
	Parked bool
	// Stale means the node already moved past this job, typically a
	// recovered lease racing a re-enqueued attempt. The job is spent
	// without touching the node.
	Stale bool
}

// Executor executes nodes.
type Executor struct {
	flows    *flow.Store
	queue    *queue.Queue
	traces   *trace.Store
	messages *message.Store
	invoker  client.Invoker
}

// New creates an executor bound to one backend invoker.
func New(flows *flow.Store, q *queue.Queue, traces *trace.Store, messages *message.Store, invoker client.Invoker) *Executor {
	return &Executor{flows: flows, queue: q, traces: traces, messages: messages, invoker: invoker}
}

// Execute runs the node carried by the job. On success the node is done
// with its output recorded; on failure the node is failed with the error
// recorded, and the classified error is returned for the caller's retry
// decision. Cancellation returns the node to pending.
func (e *Executor) Execute(ctx context.Context, job *queue.Job) (*Outcome, error) {
	in, err := e.flows.GetInstance(job.Data.InstanceID)
	if err != nil {
		return nil, err
	}
	wf, err := e.flows.GetWorkflow(in.TaskID())
	if err != nil {
		return nil, err
	}
	node := wf.NodeByID(job.Data.NodeID)
	if node == nil {
		return nil, faults.New(faults.Corrupt, "job %s names unknown node %s", job.ID, job.Data.NodeID)
	}

	if st := in.NodeStates[node.ID]; st != nil && st.Status != flow.NodePending && st.Status != flow.NodeReady {
		log.Debug(log.CatExec, "Dropping stale job", "jobID", job.ID, "nodeStatus", st.Status)
		return &Outcome{Stale: true}, nil
	}

	start := time.Now()
	running := flow.NodeRunning
	attempts := job.Attempts + 1
	if in, err = e.flows.UpdateNodeState(in.ID, node.ID, flow.NodeStatePatch{
		Status: &running, Attempts: &attempts, StartedAt: &start,
	}); err != nil {
		return nil, err
	}
	e.appendSpan(in, node, job, trace.Span{StartedAt: start, Status: trace.StatusRunning})

	output, parked, execErr := e.dispatch(ctx, wf, in, node, job)

	end := time.Now()
	durationMs := end.Sub(start).Milliseconds()

	switch {
	case parked:
		waiting := flow.NodeWaiting
		if _, err := e.flows.UpdateNodeState(in.ID, node.ID, flow.NodeStatePatch{Status: &waiting}); err != nil {
			return nil, err
		}
		return &Outcome{Parked: true}, nil

	case execErr != nil && client.KindOf(execErr) == client.KindCancelled:
		// Not an outcome: the attempt never counts, the node goes back
		// to pending for redispatch.
		pending := flow.NodePending
		prev := job.Attempts
		if _, err := e.flows.UpdateNodeState(in.ID, node.ID, flow.NodeStatePatch{Status: &pending, Attempts: &prev}); err != nil {
			return nil, err
		}
		return nil, execErr

	case execErr != nil:
		failed := flow.NodeFailed
		errMsg := execErr.Error()
		if _, err := e.flows.UpdateNodeState(in.ID, node.ID, flow.NodeStatePatch{
			Status: &failed, CompletedAt: &end, DurationMs: &durationMs, Error: &errMsg,
		}); err != nil {
			return nil, err
		}
		e.appendSpan(in, node, job, trace.Span{
			StartedAt: start, EndedAt: &end, DurationMs: durationMs,
			Status: trace.StatusError, Error: errMsg,
		})
		log.Warn(log.CatExec, "Node failed", "nodeID", node.ID, "attempt", attempts, "error", errMsg)
		return nil, execErr

	default:
		if _, err := e.flows.SetNodeOutput(in.ID, node.ID, output); err != nil {
			return nil, err
		}
		done := flow.NodeDone
		if _, err := e.flows.UpdateNodeState(in.ID, node.ID, flow.NodeStatePatch{
			Status: &done, CompletedAt: &end, DurationMs: &durationMs,
		}); err != nil {
			return nil, err
		}
		e.appendSpan(in, node, job, trace.Span{
			StartedAt: start, EndedAt: &end, DurationMs: durationMs, Status: trace.StatusOK,
		})
		log.Debug(log.CatExec, "Node done", "nodeID", node.ID, "durationMs", durationMs)
		return &Outcome{}, nil
	}
}

// dispatch runs the type-specific behavior and returns the node output.
func (e *Executor) dispatch(ctx context.Context, wf *flow.Workflow, in *flow.Instance, node *flow.Node, job *queue.Job) (output any, parked bool, err error) {
	switch node.Type {
	case flow.NodeStart, flow.NodeEnd:
		return rawOutput(""), false, nil

	case flow.NodeTask:
		out, err := e.runTask(ctx, in, node, job)
		return out, false, err

	case flow.NodeCondition:
		verdict := expression.EvaluateBool(node.Condition, evalContext(in, nil))
		return rawOutput(fmt.Sprintf("%t", verdict)), false, nil

	case flow.NodeSwitch:
		value, err := expression.Evaluate(node.Switch, evalContext(in, nil))
		if err != nil {
			return nil, false, err
		}
		return rawOutput(stringify(value)), false, nil

	case flow.NodeAssign:
		assigned := make(map[string]any, len(node.Assign))
		for path, src := range node.Assign {
			value, err := expression.Evaluate(src, evalContext(in, nil))
			if err != nil {
				return nil, false, err
			}
			assigned[path] = value
		}
		if _, err := e.flows.UpdateInstanceVariables(in.ID, assigned); err != nil {
			return nil, false, err
		}
		return map[string]any{"_raw": "", "assigned": assigned}, false, nil

	case flow.NodeScript:
		value, err := expression.Evaluate(node.Script, evalContext(in, nil))
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"_raw": stringify(value), "value": value}, false, nil

	case flow.NodeLoop:
		out, err := e.runLoop(wf, in, node)
		return out, false, err

	case flow.NodeForeach:
		out, err := e.runForeach(ctx, wf, in, node, job)
		return out, false, err

	case flow.NodeHuman:
		if err := e.queue.MarkJobWaiting(job.ID); err != nil {
			return nil, false, err
		}
		log.Info(log.CatExec, "Node parked for approval", "nodeID", node.ID, "jobID", job.ID)
		return nil, true, nil

	default:
		return nil, false, faults.New(faults.Corrupt, "unknown node type %q", node.Type)
	}
}

// runTask performs one LLM invocation. Pending user messages are folded
// into the prompt, and the backend session id is threaded through the
// instance variables so consecutive task nodes share a conversation.
func (e *Executor) runTask(ctx context.Context, in *flow.Instance, node *flow.Node, job *queue.Job) (any, error) {
	timeout := DefaultTaskTimeout
	if node.Task != nil && node.Task.TimeoutMs > 0 {
		timeout = time.Duration(node.Task.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := ""
	persona := ""
	if node.Task != nil {
		prompt = node.Task.Prompt
		persona = node.Task.Persona
	}
	if msgs, err := e.messages.Drain(in.TaskID()); err == nil && len(msgs) > 0 {
		var sb strings.Builder
		sb.WriteString(prompt)
		sb.WriteString("\n\nUser guidance received while you were working:\n")
		for _, m := range msgs {
			sb.WriteString("- ")
			sb.WriteString(m.Body)
			sb.WriteString("\n")
		}
		prompt = sb.String()
	}

	sessionID, _ := in.Variables["sessionId"].(string)
	workDir, _ := in.Variables["workDir"].(string)
	model, _ := in.Variables["model"].(string)

	llmStart := time.Now()
	resp, err := e.invoker.Invoke(ctx, client.Request{
		Prompt:    prompt,
		Persona:   persona,
		WorkDir:   workDir,
		SessionID: sessionID,
		Model:     model,
	})
	if err != nil {
		e.appendLLMSpan(in, node, job, llmStart, nil, err)
		return nil, err
	}
	e.appendLLMSpan(in, node, job, llmStart, resp, nil)

	if resp.SessionID != "" && resp.SessionID != sessionID {
		if _, err := e.flows.UpdateInstanceVariables(in.ID, map[string]any{"sessionId": resp.SessionID}); err != nil {
			log.Warn(log.CatExec, "Failed to persist session id", "error", err)
		}
	}
	return rawOutput(resp.Text), nil
}

// runLoop decides between another pass through the body and the exit
// edge. The back-edge's iteration counter bounds the loop; a fresh pass
// resets the body nodes so they run again without consuming retries.
func (e *Executor) runLoop(wf *flow.Workflow, in *flow.Instance, node *flow.Node) (any, error) {
	backEdge := loopBackEdge(wf, node.ID)
	if backEdge == nil {
		return nil, faults.New(faults.Corrupt, "loop node %s has no back-edge", node.ID)
	}

	count := in.LoopCounts[backEdge.ID]
	loopCtx := evalContext(in, nil)
	loopCtx.LoopCount = count
	again := expression.EvaluateBool(node.Condition, loopCtx)
	if !again || count >= backEdge.MaxIterations {
		return rawOutput("false"), nil
	}

	if _, err := e.flows.IncrementLoopCount(in.ID, backEdge.ID); err != nil {
		return nil, err
	}
	for _, bodyID := range loopBody(wf, node.ID, backEdge) {
		if _, err := e.flows.ResetNodeState(in.ID, bodyID); err != nil {
			return nil, err
		}
	}
	return rawOutput("true"), nil
}

// runForeach evaluates the iterable and runs the body nodes inline once
// per item, with index/item/total bound in the evaluation context. Task
// bodies invoke the backend sequentially; outputs are collected per body
// node.
func (e *Executor) runForeach(ctx context.Context, wf *flow.Workflow, in *flow.Instance, node *flow.Node, job *queue.Job) (any, error) {
	if node.Foreach == nil {
		return nil, faults.New(faults.Corrupt, "foreach node %s has no payload", node.ID)
	}
	value, err := expression.Evaluate(node.Foreach.Items, evalContext(in, nil))
	if err != nil {
		return nil, err
	}
	items, ok := value.([]any)
	if !ok {
		return nil, faults.New(faults.Internal, "foreach items expression yielded %T, want list", value)
	}

	collected := make(map[string][]any, len(node.Foreach.Body))
	for idx, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, client.Classify(ctx, e.invoker.Backend(), "foreach interrupted", err)
		}
		loop := &loopFrame{Index: idx, Item: item, Total: len(items)}
		for _, bodyID := range node.Foreach.Body {
			body := wf.NodeByID(bodyID)
			if body == nil {
				return nil, faults.New(faults.Corrupt, "foreach body names unknown node %s", bodyID)
			}
			out, err := e.runForeachBody(ctx, in, body, job, loop)
			if err != nil {
				return nil, err
			}
			collected[bodyID] = append(collected[bodyID], out)
		}
	}

	// Body nodes ran inline; mark them done so the ready-set moves past
	// them.
	now := time.Now()
	done := flow.NodeDone
	for _, bodyID := range node.Foreach.Body {
		if _, err := e.flows.SetNodeOutput(in.ID, bodyID, map[string]any{"_raw": "", "items": collected[bodyID]}); err != nil {
			return nil, err
		}
		if _, err := e.flows.UpdateNodeState(in.ID, bodyID, flow.NodeStatePatch{Status: &done, CompletedAt: &now}); err != nil {
			return nil, err
		}
	}
	return map[string]any{"_raw": fmt.Sprintf("%d items", len(items)), "results": collected}, nil
}

type loopFrame struct {
	Index int
	Item  any
	Total int
}

func (e *Executor) runForeachBody(ctx context.Context, in *flow.Instance, body *flow.Node, job *queue.Job, loop *loopFrame) (any, error) {
	switch body.Type {
	case flow.NodeTask:
		prompt := ""
		persona := ""
		if body.Task != nil {
			prompt = body.Task.Prompt
			persona = body.Task.Persona
		}
		prompt = fmt.Sprintf("%s\n\nItem %d of %d: %s", prompt, loop.Index+1, loop.Total, stringify(loop.Item))
		llmStart := time.Now()
		resp, err := e.invoker.Invoke(ctx, client.Request{Prompt: prompt, Persona: persona})
		if err != nil {
			e.appendLLMSpan(in, body, job, llmStart, nil, err)
			return nil, err
		}
		e.appendLLMSpan(in, body, job, llmStart, resp, nil)
		return resp.Text, nil

	case flow.NodeScript:
		return expression.Evaluate(body.Script, evalContext(in, loop))

	default:
		return nil, faults.New(faults.Internal, "foreach body node %s has unsupported type %s", body.ID, body.Type)
	}
}

// loopBackEdge finds the iteration-bounded edge entering the loop node.
func loopBackEdge(wf *flow.Workflow, loopID string) *flow.Edge {
	for _, e := range wf.EdgesTo(loopID) {
		if e.MaxIterations > 0 {
			edge := e
			return &edge
		}
	}
	return nil
}

// loopBody collects the nodes strictly inside the cycle: reachable from
// the loop node along forward edges while also able to reach the
// back-edge source.
func loopBody(wf *flow.Workflow, loopID string, backEdge *flow.Edge) []string {
	reachesBack := map[string]bool{backEdge.From: true}
	// Fixpoint over reverse reachability to the back-edge source.
	for changed := true; changed; {
		changed = false
		for _, e := range wf.Edges {
			if e.MaxIterations > 0 {
				continue
			}
			if reachesBack[e.To] && !reachesBack[e.From] {
				reachesBack[e.From] = true
				changed = true
			}
		}
	}

	var body []string
	seen := map[string]bool{loopID: true}
	frontier := []string{loopID}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, e := range wf.EdgesFrom(cur) {
			if e.MaxIterations > 0 || seen[e.To] {
				continue
			}
			seen[e.To] = true
			if reachesBack[e.To] {
				body = append(body, e.To)
				frontier = append(frontier, e.To)
			}
		}
	}
	return body
}

func evalContext(in *flow.Instance, loop *loopFrame) expression.Context {
	states := make(map[string]any, len(in.NodeStates))
	for id, st := range in.NodeStates {
		states[id] = string(st.Status)
	}
	ctx := expression.Context{
		Outputs:    in.Outputs,
		Variables:  in.Variables,
		Inputs:     in.Variables,
		NodeStates: states,
	}
	if loop != nil {
		ctx.Index = loop.Index
		ctx.Item = loop.Item
		ctx.Total = loop.Total
	}
	return ctx
}

func rawOutput(text string) map[string]any {
	return map[string]any{"_raw": text}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// appendSpan records a node span; best-effort.
func (e *Executor) appendSpan(in *flow.Instance, node *flow.Node, job *queue.Job, span trace.Span) {
	span.TraceID = in.ID
	span.SpanID = fmt.Sprintf("%s#%d", node.ID, job.Attempts)
	span.ParentSpanID = "workflow"
	span.Name = fmt.Sprintf("node %s", node.ID)
	span.Kind = trace.KindNode
	span.Attributes = map[string]any{"nodeType": string(node.Type), "attempt": job.Attempts}
	if err := e.traces.Append(in.TaskID(), span); err != nil {
		log.Warn(log.CatExec, "Failed to append node span", "nodeID", node.ID, "error", err)
	}
}

// appendLLMSpan records one backend invocation under the node span.
func (e *Executor) appendLLMSpan(in *flow.Instance, node *flow.Node, job *queue.Job, start time.Time, resp *client.Response, invokeErr error) {
	end := time.Now()
	span := trace.Span{
		TraceID:      in.ID,
		SpanID:       fmt.Sprintf("%s#%d/llm", node.ID, job.Attempts),
		ParentSpanID: fmt.Sprintf("%s#%d", node.ID, job.Attempts),
		Name:         fmt.Sprintf("%s invoke", e.invoker.Backend()),
		Kind:         trace.KindLLM,
		StartedAt:    start,
		EndedAt:      &end,
		DurationMs:   end.Sub(start).Milliseconds(),
		Status:       trace.StatusOK,
	}
	if invokeErr != nil {
		span.Status = trace.StatusError
		span.Error = invokeErr.Error()
	} else if resp != nil {
		span.TokenUsage = &trace.TokenUsage{Input: resp.Tokens.Input, Output: resp.Tokens.Output}
		span.CostUSD = resp.CostUSD
	}
	if err := e.traces.Append(in.TaskID(), span); err != nil {
		log.Warn(log.CatExec, "Failed to append llm span", "nodeID", node.ID, "error", err)
	}
}
