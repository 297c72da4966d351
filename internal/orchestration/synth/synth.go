// Package synth produces workflow graphs from task descriptions. The
// engine consumes the Synthesizer interface only; implementations range
// from keyword-matched YAML templates to asking an LLM backend to draft
// the graph, with a linear plan-work-review fallback when nothing
// better applies.
package synth

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

// Synthesizer turns a task into an executable workflow.
type Synthesizer interface {
	Synthesize(ctx context.Context, t *task.Task) (*flow.Workflow, error)
}

// Linear is the fallback synthesizer: a straight plan, implement,
// review pipeline driven by the task description.
type Linear struct{}

// Synthesize implements Synthesizer.
func (Linear) Synthesize(_ context.Context, t *task.Task) (*flow.Workflow, error) {
	desc := t.Description
	if desc == "" {
		desc = t.Title
	}
	return &flow.Workflow{
		ID:   uuid.NewString(),
		Name: t.Title,
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "plan", Name: "Plan", Type: flow.NodeTask, Task: &flow.TaskPayload{
				Prompt:  "Break the following task into a concrete plan of steps:\n\n" + desc,
				Persona: "You are a meticulous technical planner.",
			}},
			{ID: "implement", Name: "Implement", Type: flow.NodeTask, Task: &flow.TaskPayload{
				Prompt: "Carry out the plan from the previous step for this task:\n\n" + desc,
			}},
			{ID: "review", Name: "Review", Type: flow.NodeTask, Task: &flow.TaskPayload{
				Prompt:  "Review the work done so far for mistakes and gaps. Summarize the final result.",
				Persona: "You are a critical reviewer.",
			}},
			{ID: "end", Type: flow.NodeEnd},
		},
		Edges: []flow.Edge{
			{ID: "e1", From: "start", To: "plan"},
			{ID: "e2", From: "plan", To: "implement"},
			{ID: "e3", From: "implement", To: "review"},
			{ID: "e4", From: "review", To: "end"},
		},
	}, nil
}

// Chain tries each synthesizer in order; the first non-nil workflow
// wins. An error aborts the chain.
type Chain []Synthesizer

// Synthesize implements Synthesizer.
func (c Chain) Synthesize(ctx context.Context, t *task.Task) (*flow.Workflow, error) {
	for _, s := range c {
		wf, err := s.Synthesize(ctx, t)
		if err != nil {
			return nil, err
		}
		if wf != nil {
			return wf, nil
		}
	}
	return nil, nil
}
