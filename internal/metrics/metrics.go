// Package metrics exposes the daemon's Prometheus instrumentation:
// queue depth, node durations, backend latency, and token spend. The
// registry is plain prometheus; the daemon serves it over /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskweave/taskweave/internal/orchestration/bus"
)

const namespace = "taskweave"

// Set is the daemon's instrument collection.
type Set struct {
	NodeDuration   *prometheus.HistogramVec
	BackendLatency *prometheus.HistogramVec
	WorkflowsTotal *prometheus.CounterVec
	TokensTotal    *prometheus.CounterVec
	CostUSDTotal   *prometheus.CounterVec
}

// NewSet registers the instruments on the given registerer.
func NewSet(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Wall time from node dispatch to outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"outcome"}),
		BackendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "LLM backend invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"backend", "outcome"}),
		WorkflowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflow instances reaching a terminal status.",
		}, []string{"status"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by LLM invocations.",
		}, []string{"backend", "direction"}),
		CostUSDTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Accumulated LLM spend in USD.",
		}, []string{"backend"}),
	}
}

// Observer feeds the instrument set from the event bus. Node duration
// is measured from the node:started event to its completion or failure,
// keyed by job id so retries measure each attempt separately.
type Observer struct {
	set *Set

	mu      sync.Mutex
	started map[string]time.Time
	offs    []func()
}

// NewObserver subscribes to the bus. Call Close to detach.
func NewObserver(events *bus.Bus, set *Set) *Observer {
	o := &Observer{set: set, started: make(map[string]time.Time)}
	o.offs = append(o.offs,
		events.On(bus.NodeStarted, o.onNodeStarted),
		events.On(bus.NodeCompleted, func(ev bus.Event) { o.onNodeDone(ev, "completed") }),
		events.On(bus.NodeFailed, func(ev bus.Event) { o.onNodeDone(ev, "failed") }),
		events.On(bus.WorkflowCompleted, func(bus.Event) {
			set.WorkflowsTotal.WithLabelValues("completed").Inc()
		}),
		events.On(bus.WorkflowFailed, func(bus.Event) {
			set.WorkflowsTotal.WithLabelValues("failed").Inc()
		}),
	)
	return o
}

func (o *Observer) onNodeStarted(ev bus.Event) {
	jobID, ok := ev.Payload["jobId"].(string)
	if !ok {
		return
	}
	o.mu.Lock()
	o.started[jobID] = time.Now()
	o.mu.Unlock()
}

func (o *Observer) onNodeDone(ev bus.Event, outcome string) {
	jobID, ok := ev.Payload["jobId"].(string)
	if !ok {
		return
	}
	o.mu.Lock()
	start, seen := o.started[jobID]
	delete(o.started, jobID)
	o.mu.Unlock()
	if !seen {
		return
	}
	o.set.NodeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// Close detaches the observer from the bus.
func (o *Observer) Close() {
	for _, off := range o.offs {
		off()
	}
	o.offs = nil
}
