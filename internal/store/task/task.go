// Package task defines the task domain model and its durable store.
//
// A task owns its directory under tasks/{taskId}: the task record, the
// workflow and instance documents, the owner process record, message
// stream, logs, outputs and traces. Deleting a task removes the whole
// directory.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusDeveloping Status = "developing"
	StatusPaused     Status = "paused"
	StatusReviewing  Status = "reviewing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the status machine permits s -> next.
//
//	pending -> planning -> developing <-> paused -> reviewing -> {completed, failed, cancelled}
//
// Any non-terminal state may transition to failed or cancelled.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusPlanning
	case StatusPlanning:
		return next == StatusDeveloping
	case StatusDeveloping:
		return next == StatusPaused || next == StatusReviewing
	case StatusPaused:
		return next == StatusDeveloping
	case StatusReviewing:
		return next == StatusCompleted || next == StatusPending
	default:
		return false
	}
}

// Priority orders tasks in the queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight maps a priority to the signed queue priority (higher first).
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return -10
	default:
		return 0
	}
}

// Task is the user-facing unit of work.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Priority     Priority  `json:"priority"`
	Status       Status    `json:"status"`
	WorkDir      string    `json:"workDir,omitempty"`
	Assignee     string    `json:"assignee,omitempty"`
	Backend      string    `json:"backend,omitempty"` // backend override, e.g. "claudecli"
	Model        string    `json:"model,omitempty"`   // model override passed to the backend
	RetryCount   int       `json:"retryCount"`
	ParentTaskID string    `json:"parentTaskId,omitempty"`
	RejectReason string    `json:"rejectReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ProcessStatus describes the owner process of a running task.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessExited  ProcessStatus = "exited"
)

// ProcessInfo is the owner record for a running task. Recovery uses it to
// detect orphans: a non-terminal task whose recorded pid is dead.
type ProcessInfo struct {
	PID        int           `json:"pid"`
	StartedAt  time.Time     `json:"startedAt"`
	Status     ProcessStatus `json:"status"`
	StopReason string        `json:"stopReason,omitempty"`
}

// Summary is the derived index entry for a task.
type Summary struct {
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

// TimelineEntry records one status transition.
type TimelineEntry struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Stats aggregates a finished task's execution.
type Stats struct {
	NodesTotal     int       `json:"nodesTotal"`
	NodesCompleted int       `json:"nodesCompleted"`
	NodesFailed    int       `json:"nodesFailed"`
	NodesSkipped   int       `json:"nodesSkipped"`
	DurationMs     int64     `json:"durationMs"`
	TotalTokens    int       `json:"totalTokens"`
	TotalCost      float64   `json:"totalCost"`
	LLMCalls       int       `json:"llmCalls"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []Status
	Priority Priority
	ParentID string
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.ParentID != "" && t.ParentTaskID != f.ParentID {
		return false
	}
	return true
}
