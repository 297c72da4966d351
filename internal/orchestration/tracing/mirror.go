package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	tracestore "github.com/taskweave/taskweave/internal/store/trace"
)

// Span attribute keys used by the bridge.
const (
	AttrKind      = "taskweave.kind"
	AttrSpanID    = "taskweave.span_id"
	AttrTaskID    = "task.id"
	AttrTokensIn  = "llm.tokens.input"
	AttrTokensOut = "llm.tokens.output"
	AttrCostUSD   = "llm.cost_usd"
)

// Mirror re-emits trace store spans through the otel pipeline. The
// store appends a start record when a span opens and an end record when
// it closes; the mirror pairs the two into one otel span, keeping the
// parent chain intact because parents always open before their
// children.
type Mirror struct {
	provider *Provider
	mu       sync.Mutex
	open     map[string]openSpan
}

type openSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewMirror creates a mirror over the given provider.
func NewMirror(p *Provider) *Mirror {
	return &Mirror{provider: p, open: make(map[string]openSpan)}
}

// Emit implements the trace store's Mirror interface.
func (m *Mirror) Emit(s tracestore.Span) {
	if !m.provider.Enabled() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.TraceID + "/" + s.SpanID
	if s.EndedAt == nil {
		if _, ok := m.open[key]; !ok {
			m.open[key] = m.begin(s)
		}
		return
	}

	entry, ok := m.open[key]
	if !ok {
		// End record with no start seen, e.g. a mirror attached
		// mid-flight. Open it retroactively with the recorded start.
		entry = m.begin(s)
	}
	delete(m.open, key)

	entry.span.SetAttributes(closingAttributes(s)...)
	if s.Status == tracestore.StatusError {
		entry.span.SetStatus(codes.Error, s.Error)
	} else {
		entry.span.SetStatus(codes.Ok, "")
	}
	entry.span.End(trace.WithTimestamp(*s.EndedAt))

	if s.ParentSpanID == "" {
		m.drain(s.TraceID)
	}
}

// begin opens an otel span for a store span, parented to the still-open
// otel span of the store parent when there is one.
func (m *Mirror) begin(s tracestore.Span) openSpan {
	parent := context.Background()
	if s.ParentSpanID != "" {
		if p, ok := m.open[s.TraceID+"/"+s.ParentSpanID]; ok {
			parent = p.ctx
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrKind, string(s.Kind)),
		attribute.String(AttrSpanID, s.SpanID),
	}
	for k, v := range s.Attributes {
		attrs = append(attrs, anyAttribute(k, v))
	}

	ctx, span := m.provider.Tracer().Start(parent, s.Name,
		trace.WithTimestamp(s.StartedAt),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return openSpan{ctx: ctx, span: span}
}

// drain closes any spans of a trace whose end record never arrived;
// the root ending means the workflow is over.
func (m *Mirror) drain(traceID string) {
	prefix := traceID + "/"
	for k, entry := range m.open {
		if strings.HasPrefix(k, prefix) {
			entry.span.End()
			delete(m.open, k)
		}
	}
}

func closingAttributes(s tracestore.Span) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if s.TokenUsage != nil {
		attrs = append(attrs,
			attribute.Int(AttrTokensIn, s.TokenUsage.Input),
			attribute.Int(AttrTokensOut, s.TokenUsage.Output),
		)
	}
	if s.CostUSD > 0 {
		attrs = append(attrs, attribute.Float64(AttrCostUSD, s.CostUSD))
	}
	for k, v := range s.Attributes {
		attrs = append(attrs, anyAttribute(k, v))
	}
	return attrs
}

func anyAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", val))
	}
}
