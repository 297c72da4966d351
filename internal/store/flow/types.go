// Package flow defines workflow definitions and execution instances, and
// their durable store. A workflow is an immutable graph; an instance is
// the runtime state of one execution of that graph and is the sole source
// of execution state for a task.
package flow

import "time"

// NodeType dispatches node execution.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeTask      NodeType = "task"
	NodeCondition NodeType = "condition"
	NodeLoop      NodeType = "loop"
	NodeHuman     NodeType = "human"
	NodeSwitch    NodeType = "switch"
	NodeAssign    NodeType = "assign"
	NodeScript    NodeType = "script"
	NodeForeach   NodeType = "foreach"
)

// TaskPayload configures a task-type node.
type TaskPayload struct {
	Prompt    string `json:"prompt"`
	Persona   string `json:"persona,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"` // 0 means the 30 min default
}

// ForeachPayload configures a foreach-type node.
type ForeachPayload struct {
	// Items is an expression yielding the iterable (typically a
	// variables.* reference).
	Items string `json:"items"`
	// Body names the nodes dispatched once per item.
	Body []string `json:"body,omitempty"`
}

// Node is one vertex of the workflow graph.
type Node struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Type NodeType `json:"type"`

	Task      *TaskPayload      `json:"task,omitempty"`
	Condition string            `json:"condition,omitempty"` // condition and loop nodes
	Switch    string            `json:"switch,omitempty"`
	Assign    map[string]string `json:"assign,omitempty"` // dotted path -> expression
	Script    string            `json:"script,omitempty"`
	Foreach   *ForeachPayload   `json:"foreach,omitempty"`

	// Retries overrides the queue's retry budget for this node when set.
	Retries *int `json:"retries,omitempty"`
}

// Edge is a directed connection between nodes.
type Edge struct {
	ID            string `json:"id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Condition     string `json:"condition,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"` // loop edges only
}

// Workflow is the immutable graph definition for a task. Mutation is
// append-only: the inject operation adds a node and rewires the outgoing
// edges of one anchor node.
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	Variables map[string]any `json:"variables,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// EdgesFrom returns all edges leaving node id.
func (w *Workflow) EdgesFrom(id string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTo returns all edges entering node id.
func (w *Workflow) EdgesTo(id string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the instance status is final.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the runtime state of one node within an instance.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeReady   NodeStatus = "ready"
	NodeRunning NodeStatus = "running"
	NodeDone    NodeStatus = "done"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
	NodeWaiting NodeStatus = "waiting" // human approval pending
)

// IsTerminal reports whether the node status ends the current attempt.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeDone, NodeFailed, NodeSkipped:
		return true
	default:
		return false
	}
}

// NodeState is the per-node runtime record embedded in the instance.
type NodeState struct {
	Status      NodeStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
	OutputRef   string     `json:"outputRef,omitempty"`
}

// PauseInfo records why and when an instance was paused.
type PauseInfo struct {
	Reason   string    `json:"reason,omitempty"`
	PausedAt time.Time `json:"pausedAt"`
}

// Instance is the execution state of one workflow.
type Instance struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflowId"`
	Status      InstanceStatus        `json:"status"`
	NodeStates  map[string]*NodeState `json:"nodeStates"`
	LoopCounts  map[string]int        `json:"loopCounts"` // edge id -> iterations taken
	Outputs     map[string]any        `json:"outputs"`    // node id -> output value
	Variables   map[string]any        `json:"variables"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	Pause       *PauseInfo            `json:"pause,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// TaskID returns the owning task id cross-referenced in the variables.
func (in *Instance) TaskID() string {
	if v, ok := in.Variables["taskId"].(string); ok {
		return v
	}
	return ""
}

// NodeStatePatch merges into a node's state record. Nil fields are left
// unchanged.
type NodeStatePatch struct {
	Status      *NodeStatus
	Attempts    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Error       *string
	OutputRef   *string
}

func (p NodeStatePatch) apply(st *NodeState) {
	if p.Status != nil {
		st.Status = *p.Status
	}
	if p.Attempts != nil {
		st.Attempts = *p.Attempts
	}
	if p.StartedAt != nil {
		st.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		st.CompletedAt = p.CompletedAt
	}
	if p.DurationMs != nil {
		st.DurationMs = *p.DurationMs
	}
	if p.Error != nil {
		st.Error = *p.Error
	}
	if p.OutputRef != nil {
		st.OutputRef = *p.OutputRef
	}
}
