// Package state advances workflow instances: it derives skip and ready
// sets from recorded node outcomes, enqueues newly-ready nodes, and
// detects the instance's terminal status.
package state

import (
	"fmt"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/expression"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

// Progress summarizes how far an instance has advanced.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// Manager owns the ready-set computation and terminal-state detection.
type Manager struct {
	flows  *flow.Store
	queue  *queue.Queue
	events *bus.Bus
	tasks  *task.Store
}

// NewManager creates a state manager.
func NewManager(flows *flow.Store, q *queue.Queue, events *bus.Bus, tasks *task.Store) *Manager {
	return &Manager{flows: flows, queue: q, events: events, tasks: tasks}
}

// Advance runs one settlement pass over the instance: propagate skips to
// a fixpoint, enqueue every newly-ready node at the given priority, and
// settle the instance status if all nodes are terminal. Safe to call
// after every node-state change; enqueue idempotence absorbs repeats.
func (m *Manager) Advance(instanceID string, priority int) (*flow.Instance, error) {
	in, err := m.flows.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	taskID := in.TaskID()
	wf, err := m.flows.GetWorkflow(taskID)
	if err != nil {
		return nil, err
	}

	// A loop node whose body finished another pass is rearmed first, so
	// the skip pass below never sees a half-iterated cycle.
	if in, err = m.reenterLoops(wf, in); err != nil {
		return nil, err
	}

	// Skip propagation to a fixpoint: skipping one node can make its
	// successors skippable.
	for {
		skipped := false
		for _, nodeID := range SkippableNodes(wf, in) {
			st := flow.NodeSkipped
			if in, err = m.flows.UpdateNodeState(instanceID, nodeID, flow.NodeStatePatch{Status: &st}); err != nil {
				return nil, err
			}
			log.Debug(log.CatEngine, "Node skipped", "instanceID", instanceID, "nodeID", nodeID)
			skipped = true
		}
		if !skipped {
			break
		}
	}

	// A paused or already-terminal instance records outcomes but
	// dispatches nothing new.
	if in.Status == flow.InstancePaused || in.Status.IsTerminal() {
		return in, nil
	}

	ready := ReadyNodes(wf, in)
	if len(ready) > 0 {
		data := make([]queue.JobData, 0, len(ready))
		for _, nodeID := range ready {
			st := flow.NodeReady
			if in, err = m.flows.UpdateNodeState(instanceID, nodeID, flow.NodeStatePatch{Status: &st}); err != nil {
				return nil, err
			}
			node := wf.NodeByID(nodeID)
			data = append(data, queue.JobData{
				InstanceID: instanceID,
				NodeID:     nodeID,
				Attempt:    in.NodeStates[nodeID].Attempts,
				WorkflowID: wf.ID,
				TaskID:     taskID,
				Persona:    nodePersona(node),
				Retries:    nodeRetries(node),
			})
		}
		if _, err := m.queue.EnqueueNodes(data, queue.EnqueueOptions{Priority: priority}); err != nil {
			return nil, err
		}
		m.events.Emit(bus.WorkflowProgress, map[string]any{
			"instanceId": instanceID,
			"taskId":     taskID,
			"ready":      ready,
			"progress":   ComputeProgress(in),
		})
	}

	return m.settle(wf, in)
}

// reenterLoops resets every loop node that voted to continue (output
// "true") once its back-edge source has completed the body pass. The
// reset returns the node to pending, so the ready-set computation
// re-dispatches it for the next iteration decision.
func (m *Manager) reenterLoops(wf *flow.Workflow, in *flow.Instance) (*flow.Instance, error) {
	var err error
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.Type != flow.NodeLoop {
			continue
		}
		st := in.NodeStates[n.ID]
		if st == nil || st.Status != flow.NodeDone || rawString(in.Outputs[n.ID]) != "true" {
			continue
		}
		back := loopBackEdge(wf, n.ID)
		if back == nil {
			continue
		}
		src := in.NodeStates[back.From]
		if src == nil || src.Status != flow.NodeDone {
			continue
		}
		if in, err = m.flows.ResetNodeState(in.ID, n.ID); err != nil {
			return nil, err
		}
		log.Debug(log.CatEngine, "Loop rearmed", "instanceID", in.ID, "nodeID", n.ID)
	}
	return in, nil
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

func nodePersona(n *flow.Node) string {
	if n != nil && n.Task != nil {
		return n.Task.Persona
	}
	return ""
}

func nodeRetries(n *flow.Node) int {
	if n != nil && n.Retries != nil {
		return *n.Retries
	}
	return 0
}

// settle finalizes the instance when every node is terminal and records
// the aggregate stats.
func (m *Manager) settle(wf *flow.Workflow, in *flow.Instance) (*flow.Instance, error) {
	allTerminal := true
	anyFailed := false
	for _, st := range in.NodeStates {
		if !st.Status.IsTerminal() {
			allTerminal = false
			break
		}
		if st.Status == flow.NodeFailed {
			anyFailed = true
		}
	}
	if !allTerminal || in.Status.IsTerminal() {
		return in, nil
	}

	taskID := in.TaskID()
	status := flow.InstanceCompleted
	event := bus.WorkflowCompleted
	reason := ""
	if anyFailed {
		status = flow.InstanceFailed
		event = bus.WorkflowFailed
		reason = firstNodeError(in)
	}

	in, won, err := m.flows.SettleInstance(in.ID, status, reason)
	if err != nil {
		return nil, err
	}
	if !won {
		return in, nil
	}
	if err := m.writeStats(taskID, in); err != nil {
		log.Warn(log.CatEngine, "Failed to write stats", "taskID", taskID, "error", err)
	}
	m.events.Emit(event, map[string]any{
		"instanceId": in.ID,
		"taskId":     taskID,
		"error":      reason,
	})
	log.Info(log.CatEngine, "Instance settled", "instanceID", in.ID, "status", status)
	return in, nil
}

func firstNodeError(in *flow.Instance) string {
	for nodeID, st := range in.NodeStates {
		if st.Status == flow.NodeFailed && st.Error != "" {
			return fmt.Sprintf("node %s: %s", nodeID, st.Error)
		}
	}
	return "workflow failed"
}

func (m *Manager) writeStats(taskID string, in *flow.Instance) error {
	var stats task.Stats
	for _, st := range in.NodeStates {
		stats.NodesTotal++
		switch st.Status {
		case flow.NodeDone:
			stats.NodesCompleted++
		case flow.NodeFailed:
			stats.NodesFailed++
		case flow.NodeSkipped:
			stats.NodesSkipped++
		}
		stats.DurationMs += st.DurationMs
	}
	return m.tasks.WriteStats(taskID, stats)
}

// evalContext builds the expression context for edge conditions.
func evalContext(in *flow.Instance) expression.Context {
	states := make(map[string]any, len(in.NodeStates))
	for id, st := range in.NodeStates {
		states[id] = string(st.Status)
	}
	return expression.Context{
		Outputs:    in.Outputs,
		Variables:  in.Variables,
		NodeStates: states,
	}
}

// gatingEdges returns the incoming edges that gate a node's readiness.
// Loop back-edges (marked by maxIterations) do not gate: the loop
// executor drives re-entry explicitly, and treating a back-edge as a
// precondition would deadlock every cycle on first entry.
func gatingEdges(wf *flow.Workflow, nodeID string) []flow.Edge {
	var out []flow.Edge
	for _, e := range wf.EdgesTo(nodeID) {
		if e.MaxIterations == 0 {
			out = append(out, e)
		}
	}
	return out
}

// edgeSatisfied reports whether an edge actively admits its target: the
// source is done and the edge condition holds. Edges leaving a
// branching node (switch, condition, loop) carry literal match values
// compared against the recorded output instead of expressions, with the
// empty condition acting as the fallback branch.
func edgeSatisfied(wf *flow.Workflow, e flow.Edge, in *flow.Instance, ctx expression.Context) bool {
	st, ok := in.NodeStates[e.From]
	if !ok || st.Status != flow.NodeDone {
		return false
	}
	if src := wf.NodeByID(e.From); src != nil {
		switch src.Type {
		case flow.NodeSwitch, flow.NodeCondition, flow.NodeLoop:
			return switchAdmits(wf, e, in)
		}
	}
	return expression.EvaluateBool(e.Condition, ctx)
}

// switchAdmits matches a branch edge against the source's recorded
// output value.
func switchAdmits(wf *flow.Workflow, e flow.Edge, in *flow.Instance) bool {
	value := rawString(in.Outputs[e.From])
	if e.Condition != "" {
		return e.Condition == value
	}
	// Fallback branch: admits only when no sibling matches.
	for _, sibling := range wf.EdgesFrom(e.From) {
		if sibling.ID != e.ID && sibling.MaxIterations == 0 && sibling.Condition == value && sibling.Condition != "" {
			return false
		}
	}
	return true
}

// rawString extracts the comparable string form of a node output.
func rawString(v any) string {
	if m, ok := v.(map[string]any); ok {
		if raw, ok := m["_raw"]; ok {
			v = raw
		}
	}
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ReadyNodes computes the set of pending nodes whose every gating edge
// is resolved: each source is done with the condition true, or skipped.
// A node admitted only through skipped sources is not ready (it belongs
// to the skip set). Nodes with no gating edges are ready as soon as they
// are pending; that covers the start node.
func ReadyNodes(wf *flow.Workflow, in *flow.Instance) []string {
	ctx := evalContext(in)
	var ready []string
	for _, n := range wf.Nodes {
		st, ok := in.NodeStates[n.ID]
		if !ok || st.Status != flow.NodePending {
			continue
		}
		edges := gatingEdges(wf, n.ID)
		if len(edges) == 0 {
			ready = append(ready, n.ID)
			continue
		}
		allResolved := true
		anySatisfied := false
		for _, e := range edges {
			src := in.NodeStates[e.From]
			switch {
			case src == nil:
				allResolved = false
			case edgeSatisfied(wf, e, in, ctx):
				anySatisfied = true
			case src.Status == flow.NodeSkipped:
				// Resolved but not admitting.
			default:
				allResolved = false
			}
			if !allResolved {
				break
			}
		}
		if allResolved && anySatisfied {
			ready = append(ready, n.ID)
		}
	}
	return ready
}

// SkippableNodes computes pending nodes that can never become ready:
// every gating edge is resolved and none admits them. A source that is
// done with a false condition, failed, or skipped resolves an edge
// without admitting the target.
func SkippableNodes(wf *flow.Workflow, in *flow.Instance) []string {
	ctx := evalContext(in)
	var skippable []string
	for _, n := range wf.Nodes {
		st, ok := in.NodeStates[n.ID]
		if !ok || st.Status != flow.NodePending {
			continue
		}
		edges := gatingEdges(wf, n.ID)
		if len(edges) == 0 {
			continue
		}
		allResolved := true
		anySatisfied := false
		for _, e := range edges {
			src := in.NodeStates[e.From]
			if src == nil || !src.Status.IsTerminal() {
				allResolved = false
				break
			}
			// A loop that voted to continue has not made its exit
			// decision yet; nothing downstream of it may be skipped.
			if srcNode := wf.NodeByID(e.From); srcNode != nil && srcNode.Type == flow.NodeLoop &&
				src.Status == flow.NodeDone && rawString(in.Outputs[e.From]) == "true" && !edgeSatisfied(wf, e, in, ctx) {
				allResolved = false
				break
			}
			if edgeSatisfied(wf, e, in, ctx) {
				anySatisfied = true
			}
		}
		if allResolved && !anySatisfied {
			skippable = append(skippable, n.ID)
		}
	}
	return skippable
}

// ComputeProgress folds node states into a progress summary. Skipped
// nodes count as completed: they will never run, so they no longer hold
// the instance back.
func ComputeProgress(in *flow.Instance) Progress {
	p := Progress{Total: len(in.NodeStates)}
	for _, st := range in.NodeStates {
		if st.Status == flow.NodeDone || st.Status == flow.NodeSkipped {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}
