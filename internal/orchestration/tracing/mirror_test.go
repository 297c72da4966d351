package tracing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/internal/paths"
	tracestore "github.com/taskweave/taskweave/internal/store/trace"
)

func TestMirrorPairsStartAndEndRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otel.jsonl")
	p, err := NewProvider(Config{Enabled: true, Exporter: "file", FilePath: path})
	require.NoError(t, err)

	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureTaskDirs("t1"))
	store := tracestore.NewStore(layout)
	store.SetMirror(NewMirror(p))

	start := time.Now().Add(-5 * time.Second)
	mid := start.Add(time.Second)
	nodeEnd := start.Add(3 * time.Second)
	rootEnd := start.Add(4 * time.Second)

	require.NoError(t, store.Append("t1", tracestore.Span{
		TraceID: "i1", SpanID: "workflow", Name: "demo workflow",
		Kind: tracestore.KindWorkflow, StartedAt: start,
	}))
	require.NoError(t, store.Append("t1", tracestore.Span{
		TraceID: "i1", SpanID: "plan#0", ParentSpanID: "workflow",
		Name: "plan", Kind: tracestore.KindNode, StartedAt: mid,
	}))
	require.NoError(t, store.Append("t1", tracestore.Span{
		TraceID: "i1", SpanID: "plan#0", ParentSpanID: "workflow",
		Name: "plan", Kind: tracestore.KindNode,
		StartedAt: mid, EndedAt: &nodeEnd, DurationMs: 2000,
		Status:     tracestore.StatusOK,
		TokenUsage: &tracestore.TokenUsage{Input: 40, Output: 10},
	}))
	require.NoError(t, store.Append("t1", tracestore.Span{
		TraceID: "i1", SpanID: "workflow", Name: "demo workflow",
		Kind: tracestore.KindWorkflow,
		StartedAt: start, EndedAt: &rootEnd, DurationMs: 4000,
		Status: tracestore.StatusOK,
	}))

	require.NoError(t, p.Shutdown(context.Background()))

	spans := readSpanFile(t, path)
	require.Len(t, spans, 2)

	root := spanByName(spans, "demo workflow")
	plan := spanByName(spans, "plan")
	require.NotNil(t, root)
	require.NotNil(t, plan)

	// The store's string ids ride along as attributes; the otel ids
	// carry the parent chain.
	assert.Equal(t, "workflow", root.Attributes[AttrSpanID])
	assert.Equal(t, "plan#0", plan.Attributes[AttrSpanID])
	assert.Equal(t, root.SpanID, plan.ParentSpanID)
	assert.Equal(t, root.TraceID, plan.TraceID)

	assert.Equal(t, tracestore.KindWorkflow, root.Kind)
	assert.Equal(t, tracestore.KindNode, plan.Kind)
	require.NotNil(t, plan.TokenUsage)
	assert.Equal(t, 40, plan.TokenUsage.Input)
}

func TestMirrorClosesStragglersWhenRootEnds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otel.jsonl")
	p, err := NewProvider(Config{Enabled: true, Exporter: "file", FilePath: path})
	require.NoError(t, err)

	m := NewMirror(p)
	start := time.Now().Add(-time.Second)
	end := time.Now()

	m.Emit(tracestore.Span{TraceID: "i1", SpanID: "workflow", Name: "wf", StartedAt: start})
	m.Emit(tracestore.Span{TraceID: "i1", SpanID: "orphan#0", ParentSpanID: "workflow", Name: "orphan", StartedAt: start})
	m.Emit(tracestore.Span{
		TraceID: "i1", SpanID: "workflow", Name: "wf",
		StartedAt: start, EndedAt: &end, Status: tracestore.StatusError, Error: "boom",
	})

	require.NoError(t, p.Shutdown(context.Background()))

	spans := readSpanFile(t, path)
	require.Len(t, spans, 2)
	assert.Empty(t, m.open)

	root := spanByName(spans, "wf")
	require.NotNil(t, root)
	assert.Equal(t, tracestore.StatusError, root.Status)
	assert.Equal(t, "boom", root.Error)
}

func TestMirrorDisabledIsInert(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	m := NewMirror(p)

	m.Emit(tracestore.Span{TraceID: "i1", SpanID: "workflow", Name: "wf", StartedAt: time.Now()})
	assert.Empty(t, m.open)
}
