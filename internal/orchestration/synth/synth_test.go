package synth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/orchestration/mock"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

func TestLinearFallbackShape(t *testing.T) {
	wf, err := Linear{}.Synthesize(context.Background(), &task.Task{
		ID: "t1", Title: "Ship it", Description: "Ship the feature",
	})
	require.NoError(t, err)

	require.Len(t, wf.Nodes, 5)
	assert.Equal(t, flow.NodeStart, wf.Nodes[0].Type)
	assert.Equal(t, flow.NodeEnd, wf.Nodes[len(wf.Nodes)-1].Type)
	assert.Contains(t, wf.Nodes[1].Task.Prompt, "Ship the feature")
	assert.Len(t, wf.Edges, 4)
}

const reviewTemplate = `
name: code-review
match: [review]
nodes:
  - id: start
    type: start
  - id: inspect
    type: task
    prompt: "Review this: {{description}}"
    persona: "You are a reviewer."
  - id: approve
    type: human
  - id: end
    type: end
edges:
  - {from: start, to: inspect}
  - {from: inspect, to: approve}
  - {from: approve, to: end}
`

func TestTemplateMatchAndExpansion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(reviewTemplate), 0o644))

	s := NewTemplates(dir)
	wf, err := s.Synthesize(context.Background(), &task.Task{
		ID: "t1", Title: "Review the parser", Description: "Please review internal/parser",
	})
	require.NoError(t, err)
	require.NotNil(t, wf)

	assert.Equal(t, "code-review", wf.Name)
	require.Len(t, wf.Nodes, 4)
	assert.Equal(t, flow.NodeHuman, wf.Nodes[2].Type)
	assert.Equal(t, "Review this: Please review internal/parser", wf.Nodes[1].Task.Prompt)
}

func TestTemplateNoMatchYieldsNil(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(reviewTemplate), 0o644))

	s := NewTemplates(dir)
	wf, err := s.Synthesize(context.Background(), &task.Task{ID: "t1", Title: "Write docs"})
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestBuiltinTemplateMatches(t *testing.T) {
	s := NewTemplates(t.TempDir())
	wf, err := s.Synthesize(context.Background(), &task.Task{
		ID: "t1", Title: "Research rate limiting strategies",
	})
	require.NoError(t, err)
	require.NotNil(t, wf)

	assert.Equal(t, "Research report", wf.Name)
	var hasCondition bool
	for _, n := range wf.Nodes {
		if n.Type == flow.NodeCondition {
			hasCondition = true
		}
	}
	assert.True(t, hasCondition)
}

func TestDiskTemplateShadowsBuiltin(t *testing.T) {
	shadow := `
name: custom-research
match: [research]
nodes:
  - id: start
    type: start
  - id: dig
    type: task
    prompt: "{{description}}"
  - id: end
    type: end
edges:
  - {from: start, to: dig}
  - {from: dig, to: end}
`
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(shadow), 0o644))

	s := NewTemplates(dir)
	wf, err := s.Synthesize(context.Background(), &task.Task{ID: "t1", Title: "Research caching"})
	require.NoError(t, err)
	require.NotNil(t, wf)
	assert.Equal(t, "custom-research", wf.Name)
}

func TestChainFallsThrough(t *testing.T) {
	c := Chain{NewTemplates(t.TempDir()), Linear{}}
	wf, err := c.Synthesize(context.Background(), &task.Task{ID: "t1", Title: "Anything"})
	require.NoError(t, err)
	require.NotNil(t, wf)
	assert.Len(t, wf.Edges, 4)
}

func TestLLMSynthesizerParsesGraph(t *testing.T) {
	reply := `Here you go:
{"nodes":[{"id":"start","type":"start"},{"id":"write","type":"task","prompt":"write the doc"},{"id":"end","type":"end"}],
"edges":[{"from":"start","to":"write"},{"from":"write","to":"end"}]}`
	s := NewLLM(mock.New(mock.Script{Match: "", Response: reply}), "")

	wf, err := s.Synthesize(context.Background(), &task.Task{ID: "t1", Title: "Write the doc"})
	require.NoError(t, err)
	require.NotNil(t, wf)
	require.Len(t, wf.Nodes, 3)
	assert.Equal(t, "write the doc", wf.Nodes[1].Task.Prompt)
	require.Len(t, wf.Edges, 2)
}

func TestLLMSynthesizerUnusableReplyYieldsNil(t *testing.T) {
	s := NewLLM(mock.New(mock.Script{Match: "", Response: "I cannot help with that."}), "")
	wf, err := s.Synthesize(context.Background(), &task.Task{ID: "t1", Title: "x"})
	require.NoError(t, err)
	assert.Nil(t, wf)
}
