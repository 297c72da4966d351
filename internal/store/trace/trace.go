// Package trace is the durable span store. Spans are appended to a
// per-trace JSONL file as execution progresses; reads aggregate the file
// into a trace summary. The format matches what the tracing bridge's
// exporter emits, so a trace file can be produced either by direct
// appends or through the OpenTelemetry pipeline.
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/document"
)

// SpanKind classifies what a span measures.
type SpanKind string

const (
	KindWorkflow SpanKind = "workflow"
	KindNode     SpanKind = "node"
	KindLLM      SpanKind = "llm"
	KindOther    SpanKind = "other"
)

// SpanStatus is the outcome of a span.
type SpanStatus string

const (
	StatusOK      SpanStatus = "ok"
	StatusError   SpanStatus = "error"
	StatusRunning SpanStatus = "running" // start record written, end never arrived
)

// TokenUsage records LLM token consumption for a span.
type TokenUsage struct {
	Input  int `json:"input,omitempty"`
	Output int `json:"output,omitempty"`
}

// Span is one record in a trace file.
type Span struct {
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	Kind         SpanKind       `json:"kind"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Status       SpanStatus     `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Error        string         `json:"error,omitempty"`
	TokenUsage   *TokenUsage    `json:"tokenUsage,omitempty"`
	CostUSD      float64        `json:"costUsd,omitempty"`
}

// Trace is the aggregate view of one trace file.
type Trace struct {
	TraceID     string     `json:"traceId"`
	RootSpanID  string     `json:"rootSpanId,omitempty"`
	Status      SpanStatus `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`
	SpanCount   int        `json:"spanCount"`
	ErrorCount  int        `json:"errorCount"`
	TotalTokens int        `json:"totalTokens"`
	TotalCost   float64    `json:"totalCost"`
	Spans       []Span     `json:"spans,omitempty"`
}

// Mirror receives a copy of every appended span record, start and end
// records alike. The store stays the source of truth; a mirror only
// re-emits, and its failures never surface here.
type Mirror interface {
	Emit(Span)
}

// Store reads and appends trace files under per-task trace directories.
type Store struct {
	layout paths.Layout
	mirror Mirror
}

// NewStore creates a trace store over the given layout.
func NewStore(layout paths.Layout) *Store {
	return &Store{layout: layout}
}

// SetMirror attaches a span mirror. Call it before the store is shared
// with workers; the field is not synchronized.
func (s *Store) SetMirror(m Mirror) {
	s.mirror = m
}

// Append writes one span record to the trace file. A span may appear
// twice: once at start (no end time, status running) and once at end;
// aggregation keeps the later record per span id.
func (s *Store) Append(taskID string, span Span) error {
	if span.Status == "" {
		span.Status = StatusRunning
	}
	if err := document.AppendLine(s.layout.TraceFile(taskID, span.TraceID), span); err != nil {
		return err
	}
	if s.mirror != nil {
		s.mirror.Emit(span)
	}
	return nil
}

// Get aggregates one trace file. Unparseable lines are skipped so a torn
// tail write cannot hide the rest of the trace.
func (s *Store) Get(taskID, traceID string) (*Trace, error) {
	spans, err := s.readSpans(s.layout.TraceFile(taskID, traceID))
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, faults.New(faults.NotFound, "trace %s not found for task %s", traceID, taskID)
	}
	return aggregate(traceID, spans), nil
}

// List returns summaries of every trace recorded for a task, newest first.
// Span bodies are omitted from the summaries.
func (s *Store) List(taskID string) ([]*Trace, error) {
	entries, err := os.ReadDir(s.layout.TracesDir(taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Internal, err, "scanning traces for task %s", taskID)
	}

	var out []*Trace
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		traceID := strings.TrimSuffix(name, ".jsonl")
		tr, err := s.Get(taskID, traceID)
		if err != nil {
			log.Warn(log.CatStore, "Skipping unreadable trace", "taskID", taskID, "traceID", traceID, "error", err)
			continue
		}
		tr.Spans = nil
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// SlowSpans returns spans in a trace at or above the duration threshold,
// slowest first. A positive limit caps the result.
func (s *Store) SlowSpans(taskID, traceID string, thresholdMs int64, limit int) ([]Span, error) {
	tr, err := s.Get(taskID, traceID)
	if err != nil {
		return nil, err
	}
	var out []Span
	for _, sp := range tr.Spans {
		if sp.DurationMs >= thresholdMs {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DurationMs > out[j].DurationMs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ErrorChain returns the ancestry path from the root span down to spanID.
// An empty spanID selects the deepest errored span, which localizes a
// failure in one call.
func (s *Store) ErrorChain(taskID, traceID, spanID string) ([]Span, error) {
	tr, err := s.Get(taskID, traceID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Span, len(tr.Spans))
	for _, sp := range tr.Spans {
		byID[sp.SpanID] = sp
	}

	var target Span
	if spanID != "" {
		sp, ok := byID[spanID]
		if !ok {
			return nil, faults.New(faults.NotFound, "span %s not found in trace %s", spanID, traceID)
		}
		target = sp
	} else {
		// Deepest errored span wins; depth is the ancestry length.
		deepestDepth := -1
		for _, sp := range tr.Spans {
			if sp.Status != StatusError {
				continue
			}
			depth := 0
			for cur := sp; cur.ParentSpanID != ""; depth++ {
				parent, ok := byID[cur.ParentSpanID]
				if !ok {
					break
				}
				cur = parent
			}
			if depth > deepestDepth {
				target, deepestDepth = sp, depth
			}
		}
		if deepestDepth < 0 {
			return nil, nil
		}
	}

	var chain []Span
	for cur, ok := target, true; ok; cur, ok = byID[cur.ParentSpanID] {
		chain = append(chain, cur)
		if cur.ParentSpanID == "" {
			break
		}
	}
	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// readSpans parses a trace file, deduplicating by span id with the last
// record winning.
func (s *Store) readSpans(path string) ([]Span, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the fixed layout
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Internal, err, "opening trace file")
	}
	defer f.Close() //nolint:errcheck

	latest := map[string]Span{}
	var order []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var sp Span
		if err := json.Unmarshal([]byte(line), &sp); err != nil {
			log.Warn(log.CatStore, "Skipping unparseable span line", "path", path)
			continue
		}
		if _, seen := latest[sp.SpanID]; !seen {
			order = append(order, sp.SpanID)
		}
		latest[sp.SpanID] = sp
	}
	if err := sc.Err(); err != nil {
		return nil, faults.Wrap(faults.Internal, err, "scanning trace file")
	}

	spans := make([]Span, 0, len(order))
	for _, id := range order {
		spans = append(spans, latest[id])
	}
	return spans, nil
}

// aggregate folds spans into a trace summary. Status precedence is
// error over running over ok.
func aggregate(traceID string, spans []Span) *Trace {
	tr := &Trace{TraceID: traceID, Status: StatusOK, SpanCount: len(spans), Spans: spans}

	var latestEnd time.Time
	for i, sp := range spans {
		if i == 0 || sp.StartedAt.Before(tr.StartedAt) {
			tr.StartedAt = sp.StartedAt
		}
		if sp.EndedAt != nil && sp.EndedAt.After(latestEnd) {
			latestEnd = *sp.EndedAt
		}
		if sp.ParentSpanID == "" && tr.RootSpanID == "" {
			tr.RootSpanID = sp.SpanID
		}
		switch sp.Status {
		case StatusError:
			tr.ErrorCount++
			tr.Status = StatusError
		case StatusRunning:
			if tr.Status != StatusError {
				tr.Status = StatusRunning
			}
		}
		if sp.TokenUsage != nil {
			tr.TotalTokens += sp.TokenUsage.Input + sp.TokenUsage.Output
		}
		tr.TotalCost += sp.CostUSD
	}
	if !latestEnd.IsZero() {
		tr.EndedAt = &latestEnd
		tr.DurationMs = latestEnd.Sub(tr.StartedAt).Milliseconds()
	}
	return tr
}
