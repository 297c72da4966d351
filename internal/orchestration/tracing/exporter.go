package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	tracestore "github.com/taskweave/taskweave/internal/store/trace"
)

// FileExporter writes spans to a JSONL file. Records use the trace
// store's span shape, so a file produced here reads back with the same
// tooling as the per-task trace files.
type FileExporter struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileExporter opens (or creates) the span file at path, creating
// parent directories as needed. Existing files are appended to.
func NewFileExporter(path string) (*FileExporter, error) {
	cleanPath := filepath.Clean(path)

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 -- path is cleaned above
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

// ExportSpans writes one JSON object per span, one span per line.
func (e *FileExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	encoder := json.NewEncoder(e.file)
	for _, span := range spans {
		record := spanToRecord(span)
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("encode span: %w", err)
		}
	}
	return nil
}

// Shutdown closes the file.
func (e *FileExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file != nil {
		err := e.file.Close()
		e.file = nil
		return err
	}
	return nil
}

// spanToRecord converts an otel span into the store's span shape.
func spanToRecord(span sdktrace.ReadOnlySpan) tracestore.Span {
	sc := span.SpanContext()

	parentSpanID := ""
	if span.Parent().IsValid() {
		parentSpanID = span.Parent().SpanID().String()
	}

	rec := tracestore.Span{
		TraceID:      sc.TraceID().String(),
		SpanID:       sc.SpanID().String(),
		ParentSpanID: parentSpanID,
		Name:         span.Name(),
		Kind:         tracestore.KindOther,
		StartedAt:    span.StartTime(),
		Status:       tracestore.StatusOK,
	}

	end := span.EndTime()
	rec.EndedAt = &end
	rec.DurationMs = end.Sub(span.StartTime()).Milliseconds()

	if span.Status().Code == codes.Error {
		rec.Status = tracestore.StatusError
		rec.Error = span.Status().Description
	}

	attrs := make(map[string]any)
	usage := tracestore.TokenUsage{}
	for _, kv := range span.Attributes() {
		switch string(kv.Key) {
		case AttrKind:
			rec.Kind = tracestore.SpanKind(kv.Value.AsString())
		case AttrTokensIn:
			usage.Input = int(kv.Value.AsInt64())
		case AttrTokensOut:
			usage.Output = int(kv.Value.AsInt64())
		case AttrCostUSD:
			rec.CostUSD = kv.Value.AsFloat64()
		default:
			attrs[string(kv.Key)] = kv.Value.AsInterface()
		}
	}
	if usage.Input > 0 || usage.Output > 0 {
		rec.TokenUsage = &usage
	}
	if len(attrs) > 0 {
		rec.Attributes = attrs
	}
	return rec
}
