// Package worker drives instance execution: a small pool of pollers
// leases jobs from the queue, admits them through the global slot
// semaphore, runs them through the executor and feeds outcomes back to
// the state manager. Pause and cancellation are observed at every
// suspension point.
package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/client"
	"github.com/taskweave/taskweave/internal/orchestration/executor"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/orchestration/state"
	"github.com/taskweave/taskweave/internal/store/flow"
)

// Defaults for the polling loop and admission control.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultIdleWait     = 500 * time.Millisecond
	DefaultGlobalSlots  = 10
	DefaultConcurrency  = 3
)

// Options tune a pool.
type Options struct {
	PollInterval time.Duration
	IdleWait     time.Duration
	GlobalSlots  int64
	Concurrency  int
	// Wake cuts an idle wait short, typically fed by the queue watcher.
	Wake <-chan struct{}
}

func (o *Options) fill() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.IdleWait <= 0 {
		o.IdleWait = DefaultIdleWait
	}
	if o.GlobalSlots <= 0 {
		o.GlobalSlots = DefaultGlobalSlots
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
}

// Pool runs one instance to a terminal state.
type Pool struct {
	flows  *flow.Store
	queue  *queue.Queue
	states *state.Manager
	exec   *executor.Executor
	events *bus.Bus
	slots  *semaphore.Weighted
	opts   Options
}

// NewPool creates a worker pool.
func NewPool(flows *flow.Store, q *queue.Queue, states *state.Manager, exec *executor.Executor, events *bus.Bus, opts Options) *Pool {
	opts.fill()
	return &Pool{
		flows:  flows,
		queue:  q,
		states: states,
		exec:   exec,
		events: events,
		slots:  semaphore.NewWeighted(opts.GlobalSlots),
		opts:   opts,
	}
}

// Run drives the instance until it reaches a terminal status or ctx is
// cancelled. It seeds the ready set once, then lets the pollers race.
func (p *Pool) Run(ctx context.Context, instanceID string) error {
	if _, err := p.states.Advance(instanceID, p.priority(instanceID)); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error { return p.poll(ctx, instanceID) })
	}
	return g.Wait()
}

// priority reads the instance's current scheduling priority from its
// variables; zero when unset.
func (p *Pool) priority(instanceID string) int {
	in, err := p.flows.GetInstance(instanceID)
	if err != nil {
		return 0
	}
	if v, ok := in.Variables["priority"].(float64); ok {
		return int(v)
	}
	if v, ok := in.Variables["priority"].(int); ok {
		return v
	}
	return 0
}

// poll is one worker loop.
func (p *Pool) poll(ctx context.Context, instanceID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		in, err := p.flows.GetInstance(instanceID)
		if err != nil {
			return err
		}
		if in.Status.IsTerminal() {
			return nil
		}
		if in.Status == flow.InstancePaused {
			// Paused: hold position, dispatch nothing.
			p.sleep(ctx, p.opts.IdleWait)
			continue
		}

		job, err := p.queue.GetNextJob(instanceID)
		if err != nil {
			if faults.Is(err, faults.LockContention) {
				p.sleep(ctx, p.opts.PollInterval)
				continue
			}
			return err
		}
		if job == nil {
			// Nothing ready. If every node settled while another worker
			// held the last job, the next iteration sees the terminal
			// status; meanwhile finish any granted approvals, recompute
			// the ready set (an injected node appears here), and wait
			// for work or a wake.
			p.reapApprovals(instanceID)
			p.advance(instanceID, p.priority(instanceID))
			p.idle(ctx)
			continue
		}

		p.handle(ctx, instanceID, job)
		p.sleep(ctx, p.opts.PollInterval)
	}
}

// handle executes one leased job and records the outcome.
func (p *Pool) handle(ctx context.Context, instanceID string, job *queue.Job) {
	p.events.Emit(bus.NodeStarted, map[string]any{
		"instanceId": instanceID,
		"taskId":     job.Data.TaskID,
		"nodeId":     job.Data.NodeID,
		"jobId":      job.ID,
		"attempt":    job.Attempts,
	})

	if err := p.slots.Acquire(ctx, 1); err != nil {
		// Cancelled while queued for admission: give the lease back.
		p.requeue(job)
		return
	}
	defer p.slots.Release(1)

	// Pause or stop may have landed while we waited for a slot.
	if in, err := p.flows.GetInstance(instanceID); err == nil &&
		(in.Status == flow.InstancePaused || in.Status.IsTerminal()) {
		p.requeue(job)
		return
	}

	outcome, execErr := p.exec.Execute(ctx, job)

	switch {
	case execErr == nil && outcome.Parked:
		// human_waiting; the approval path finishes this job.
		return

	case execErr == nil && outcome.Stale:
		// The node already moved on; spend the job quietly.
		if err := p.queue.CompleteJob(job.ID); err != nil {
			log.Warn(log.CatWorker, "Failed to complete stale job", "jobID", job.ID, "error", err)
		}
		p.advance(instanceID, job.Priority)

	case execErr == nil:
		if err := p.queue.CompleteJob(job.ID); err != nil {
			log.Warn(log.CatWorker, "Failed to complete job", "jobID", job.ID, "error", err)
		}
		p.events.Emit(bus.NodeCompleted, map[string]any{
			"instanceId": instanceID,
			"taskId":     job.Data.TaskID,
			"nodeId":     job.Data.NodeID,
			"jobId":      job.ID,
		})
		p.advance(instanceID, job.Priority)

	case client.KindOf(execErr) == client.KindCancelled:
		// No retry bump; the node is already back in pending.
		p.requeue(job)

	default:
		p.failJob(instanceID, job, execErr)
	}
}

// failJob runs the retry decision: FailJob either schedules a delayed
// retry or fails terminally. A scheduled retry puts the node back to
// pending so the intermediate failure does not leak into the ready-set
// computation.
func (p *Pool) failJob(instanceID string, job *queue.Job, execErr error) {
	if err := p.queue.FailJob(job.ID, execErr.Error()); err != nil {
		log.Warn(log.CatWorker, "Failed to record job failure", "jobID", job.ID, "error", err)
		return
	}
	after, err := p.queue.GetJob(job.ID)
	if err != nil {
		return
	}

	if after.Status == queue.StatusFailed {
		p.events.Emit(bus.NodeFailed, map[string]any{
			"instanceId": instanceID,
			"taskId":     job.Data.TaskID,
			"nodeId":     job.Data.NodeID,
			"jobId":      job.ID,
			"error":      execErr.Error(),
		})
		p.advance(instanceID, job.Priority)
		return
	}

	// Retry scheduled: the executor left the node failed, but that is
	// an attempt outcome, not a node outcome yet.
	pending := flow.NodePending
	attempts := after.Attempts
	if _, err := p.flows.UpdateNodeState(instanceID, job.Data.NodeID, flow.NodeStatePatch{
		Status: &pending, Attempts: &attempts,
	}); err != nil {
		log.Warn(log.CatWorker, "Failed to reset node for retry", "nodeID", job.Data.NodeID, "error", err)
	}
}

// reapApprovals finishes human nodes whose approval was granted:
// resumeWaitingJob completes the queue job, and this pass moves the
// still-waiting node to done so the graph keeps flowing.
func (p *Pool) reapApprovals(instanceID string) {
	in, err := p.flows.GetInstance(instanceID)
	if err != nil {
		return
	}
	jobs, err := p.queue.InstanceJobs(instanceID)
	if err != nil {
		return
	}
	for _, job := range jobs {
		if job.Status != queue.StatusCompleted {
			continue
		}
		st := in.NodeStates[job.Data.NodeID]
		if st == nil || st.Status != flow.NodeWaiting {
			continue
		}
		if _, err := p.flows.SetNodeOutput(instanceID, job.Data.NodeID, map[string]any{"_raw": "approved"}); err != nil {
			log.Warn(log.CatWorker, "Failed to record approval output", "nodeID", job.Data.NodeID, "error", err)
			continue
		}
		now := time.Now()
		done := flow.NodeDone
		if _, err := p.flows.UpdateNodeState(instanceID, job.Data.NodeID, flow.NodeStatePatch{
			Status: &done, CompletedAt: &now,
		}); err != nil {
			log.Warn(log.CatWorker, "Failed to finish approved node", "nodeID", job.Data.NodeID, "error", err)
			continue
		}
		p.events.Emit(bus.NodeCompleted, map[string]any{
			"instanceId": instanceID,
			"taskId":     job.Data.TaskID,
			"nodeId":     job.Data.NodeID,
			"jobId":      job.ID,
			"approved":   true,
		})
		p.advance(instanceID, job.Priority)
	}
}

func (p *Pool) advance(instanceID string, priority int) {
	if _, err := p.states.Advance(instanceID, priority); err != nil {
		log.Warn(log.CatWorker, "State advance failed", "instanceID", instanceID, "error", err)
	}
}

func (p *Pool) requeue(job *queue.Job) {
	if err := p.queue.RequeueJob(job.ID); err != nil {
		log.Warn(log.CatWorker, "Failed to requeue job", "jobID", job.ID, "error", err)
	}
}

// idle waits for new work: a wake signal, the idle timeout, or ctx.
func (p *Pool) idle(ctx context.Context) {
	if p.opts.Wake == nil {
		p.sleep(ctx, p.opts.IdleWait)
		return
	}
	select {
	case <-ctx.Done():
	case <-p.opts.Wake:
	case <-time.After(p.opts.IdleWait):
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
