package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/client"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

const synthPersona = `You design task workflows. Reply with a single JSON object, no prose:
{"nodes":[{"id":"start","type":"start"},{"id":"step1","type":"task","prompt":"..."},{"id":"end","type":"end"}],
 "edges":[{"from":"start","to":"step1"},{"from":"step1","to":"end"}]}
Node types: start, end, task (needs prompt, optional persona), condition (needs condition expression), human.
Always include exactly one start node and one end node, and connect every node.`

// LLM asks a backend to draft the workflow graph. Malformed but
// salvageable JSON is repaired before parsing; an unusable reply yields
// nil so a chained fallback takes over.
type LLM struct {
	invoker client.Invoker
	model   string
}

// NewLLM creates an LLM synthesizer on the given backend.
func NewLLM(invoker client.Invoker, model string) *LLM {
	return &LLM{invoker: invoker, model: model}
}

type llmGraph struct {
	Nodes []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Type      string `json:"type"`
		Prompt    string `json:"prompt"`
		Persona   string `json:"persona"`
		Condition string `json:"condition"`
	} `json:"nodes"`
	Edges []struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Condition string `json:"condition"`
	} `json:"edges"`
}

// Synthesize implements Synthesizer.
func (s *LLM) Synthesize(ctx context.Context, t *task.Task) (*flow.Workflow, error) {
	desc := t.Description
	if desc == "" {
		desc = t.Title
	}
	resp, err := s.invoker.Invoke(ctx, client.Request{
		Prompt:  "Design a workflow for this task:\n\n" + desc,
		Persona: synthPersona,
		Model:   s.model,
	})
	if err != nil {
		return nil, faults.Wrap(faults.BackendFailure, err, "synthesizing workflow")
	}

	graph, err := parseGraph(resp.Text)
	if err != nil {
		log.Warn(log.CatBackend, "Unusable synthesized graph, falling back", "error", err)
		return nil, nil
	}
	return s.build(graph, t)
}

func parseGraph(text string) (*llmGraph, error) {
	// Strip a markdown fence if the model wrapped its JSON in one.
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "}"); i >= 0 {
		text = text[:i+1]
	}

	var graph llmGraph
	if err := json.Unmarshal([]byte(text), &graph); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, faults.Wrap(faults.Corrupt, err, "parsing synthesized graph")
		}
		if err := json.Unmarshal([]byte(repaired), &graph); err != nil {
			return nil, faults.Wrap(faults.Corrupt, err, "parsing repaired graph")
		}
	}
	if len(graph.Nodes) == 0 {
		return nil, faults.New(faults.Corrupt, "synthesized graph has no nodes")
	}
	return &graph, nil
}

func (s *LLM) build(graph *llmGraph, t *task.Task) (*flow.Workflow, error) {
	wf := &flow.Workflow{ID: uuid.NewString(), Name: t.Title}
	known := map[string]bool{}
	hasStart, hasEnd := false, false

	for _, n := range graph.Nodes {
		node := flow.Node{
			ID:        n.ID,
			Name:      n.Name,
			Type:      flow.NodeType(n.Type),
			Condition: n.Condition,
		}
		switch node.Type {
		case flow.NodeStart:
			hasStart = true
		case flow.NodeEnd:
			hasEnd = true
		case flow.NodeTask:
			node.Task = &flow.TaskPayload{Prompt: n.Prompt, Persona: n.Persona}
		case flow.NodeCondition, flow.NodeHuman:
		default:
			return nil, faults.New(faults.Corrupt, "synthesized node %s has unsupported type %q", n.ID, n.Type)
		}
		wf.Nodes = append(wf.Nodes, node)
		known[n.ID] = true
	}
	if !hasStart || !hasEnd {
		return nil, faults.New(faults.Corrupt, "synthesized graph is missing start or end")
	}

	for i, e := range graph.Edges {
		if !known[e.From] || !known[e.To] {
			return nil, faults.New(faults.Corrupt, "synthesized edge %s -> %s names unknown node", e.From, e.To)
		}
		wf.Edges = append(wf.Edges, flow.Edge{
			ID:        fmt.Sprintf("e%d", i+1),
			From:      e.From,
			To:        e.To,
			Condition: e.Condition,
		})
	}
	return wf, nil
}
