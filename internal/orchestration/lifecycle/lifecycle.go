// Package lifecycle is the task-level API: create, start, pause,
// resume, stop, review and inject. It owns the task status machine and
// delegates graph execution to whatever runtime the caller spawns.
// Every operation is idempotent against its terminal precondition.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/orchestration/synth"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/message"
	"github.com/taskweave/taskweave/internal/store/task"
)

// Spawner starts the runtime that will own a task, typically the
// daemon's per-task engine goroutine or a child process.
type Spawner func(ctx context.Context, taskID string) error

// Service exposes the task lifecycle operations.
type Service struct {
	tasks    *task.Store
	flows    *flow.Store
	queue    *queue.Queue
	messages *message.Store
	events   *bus.Bus
	synth    synth.Synthesizer
	spawn    Spawner
}

// New wires a lifecycle service. spawn may be nil for read-mostly
// callers; Start then refuses.
func New(layout paths.Layout, events *bus.Bus, synthesizer synth.Synthesizer, spawn Spawner) *Service {
	return &Service{
		tasks:    task.NewStore(layout),
		flows:    flow.NewStore(layout),
		queue:    queue.New(layout),
		messages: message.NewStore(layout),
		events:   events,
		synth:    synthesizer,
		spawn:    spawn,
	}
}

// CreateRequest describes a new task.
type CreateRequest struct {
	Title       string
	Description string
	Priority    task.Priority
	WorkDir     string
	Backend     string
	Model       string
}

// Create persists the task, synthesizes its workflow and pre-creates a
// pending instance.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*task.Task, error) {
	if req.Title == "" {
		return nil, faults.New(faults.PreconditionFailed, "task title is required")
	}

	t := &task.Task{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		WorkDir:     req.WorkDir,
		Backend:     req.Backend,
		Model:       req.Model,
	}
	if err := s.tasks.Create(t); err != nil {
		return nil, err
	}

	wf, err := s.synth.Synthesize(ctx, t)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, faults.New(faults.Internal, "synthesizer produced no workflow for task %s", t.ID)
	}
	if err := s.flows.SaveWorkflow(t.ID, wf); err != nil {
		return nil, err
	}
	if _, err := s.flows.CreateInstance(t.ID, uuid.NewString(), wf); err != nil {
		return nil, err
	}

	s.events.Emit(bus.TaskCreated, map[string]any{"taskId": t.ID, "title": t.Title})
	log.Info(log.CatEngine, "Task created", "taskID", t.ID, "nodes", len(wf.Nodes))
	return t, nil
}

// Start hands a pending task to the runtime spawner.
func (s *Service) Start(ctx context.Context, taskID string) error {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPending {
		return faults.New(faults.PreconditionFailed, "task %s is %s, not pending", taskID, t.Status)
	}
	if info, err := s.tasks.ProcessInfo(taskID); err == nil && task.IsProcessRunning(info.PID) {
		return faults.New(faults.PreconditionFailed, "task %s already owned by pid %d", taskID, info.PID)
	}
	if s.spawn == nil {
		return faults.New(faults.Internal, "no runtime spawner configured")
	}
	if err := s.spawn(ctx, taskID); err != nil {
		return err
	}
	s.events.Emit(bus.TaskStarted, map[string]any{"taskId": taskID})
	return nil
}

// Pause flags the instance; the owning worker drains its in-flight
// nodes and then dispatches nothing new.
func (s *Service) Pause(taskID, reason string) error {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusPaused {
		return nil
	}
	if t.Status != task.StatusDeveloping {
		return faults.New(faults.PreconditionFailed, "task %s is %s, not developing", taskID, t.Status)
	}

	in, err := s.flows.GetInstanceForTask(taskID)
	if err != nil {
		return err
	}
	if _, err := s.flows.UpdateInstanceStatus(in.ID, flow.InstancePaused, reason); err != nil {
		return err
	}
	if _, err := s.tasks.Update(taskID, func(cur *task.Task) {
		if cur.Status == task.StatusDeveloping {
			cur.Status = task.StatusPaused
		}
	}); err != nil {
		return err
	}
	s.events.Emit(bus.TaskPaused, map[string]any{"taskId": taskID, "reason": reason})
	return nil
}

// Resume clears the pause flag and releases parked approval jobs. It
// requires a live owner process; a dead owner means the runtime is gone
// and the task needs a recovery pass plus a fresh start instead.
func (s *Service) Resume(ctx context.Context, taskID string) error {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusDeveloping {
		return nil
	}
	if t.Status != task.StatusPaused {
		return faults.New(faults.PreconditionFailed, "task %s is %s, not paused", taskID, t.Status)
	}

	info, err := s.tasks.ProcessInfo(taskID)
	if err != nil || !task.IsProcessRunning(info.PID) {
		return faults.New(faults.PreconditionFailed,
			"task %s has no live owner process; run recovery to respawn it", taskID)
	}

	in, err := s.flows.GetInstanceForTask(taskID)
	if err != nil {
		return err
	}
	if _, err := s.flows.UpdateInstanceStatus(in.ID, flow.InstanceRunning, ""); err != nil {
		return err
	}
	if n, err := s.queue.ResumeWaitingJobsForInstance(in.ID); err != nil {
		log.Warn(log.CatEngine, "Failed to release waiting jobs", "instanceID", in.ID, "error", err)
	} else if n > 0 {
		log.Info(log.CatEngine, "Released waiting jobs on resume", "instanceID", in.ID, "count", n)
	}
	if _, err := s.tasks.Update(taskID, func(cur *task.Task) {
		if cur.Status == task.StatusPaused {
			cur.Status = task.StatusDeveloping
		}
	}); err != nil {
		return err
	}
	s.events.Emit(bus.TaskResumed, map[string]any{"taskId": taskID})
	return nil
}

// Stop terminates the owner process and cancels the task. Stopping a
// terminal task is a no-op.
func (s *Service) Stop(taskID, reason string) error {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}

	if info, err := s.tasks.ProcessInfo(taskID); err == nil && task.IsProcessRunning(info.PID) {
		if err := task.TerminateProcess(info.PID); err != nil {
			log.Warn(log.CatEngine, "Failed to signal owner", "taskID", taskID, "pid", info.PID, "error", err)
		}
	}

	if in, err := s.flows.GetInstanceForTask(taskID); err == nil {
		if _, err := s.queue.RemoveWorkflowJobs(in.ID); err != nil {
			log.Warn(log.CatEngine, "Failed to drop queued jobs", "instanceID", in.ID, "error", err)
		}
		if !in.Status.IsTerminal() {
			if _, _, err := s.flows.SettleInstance(in.ID, flow.InstanceCancelled, reason); err != nil {
				return err
			}
		}
	}

	if _, err := s.tasks.Update(taskID, func(cur *task.Task) {
		if !cur.Status.IsTerminal() {
			cur.Status = task.StatusCancelled
		}
	}); err != nil {
		return err
	}
	if err := s.tasks.ClearProcessInfo(taskID); err != nil {
		return err
	}
	s.events.Emit(bus.TaskStopped, map[string]any{"taskId": taskID, "reason": reason})
	return nil
}

// Complete accepts a reviewed task.
func (s *Service) Complete(taskID string) error {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusCompleted {
		return nil
	}
	if t.Status != task.StatusReviewing {
		return faults.New(faults.PreconditionFailed, "task %s is %s, not reviewing", taskID, t.Status)
	}
	if _, err := s.tasks.Update(taskID, func(cur *task.Task) {
		cur.Status = task.StatusCompleted
	}); err != nil {
		return err
	}
	s.events.Emit(bus.TaskCompleted, map[string]any{"taskId": taskID})
	return nil
}

// Reject sends a reviewed task back to pending for another round.
func (s *Service) Reject(taskID, reason string) error {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusReviewing {
		return faults.New(faults.PreconditionFailed, "task %s is %s, not reviewing", taskID, t.Status)
	}
	_, err = s.tasks.Update(taskID, func(cur *task.Task) {
		cur.Status = task.StatusPending
		cur.RetryCount++
		cur.RejectReason = reason
	})
	return err
}

// Inject splices a new task node after the current anchor: the running
// node if there is one, otherwise the most recently completed. The
// anchor's outgoing edges are rewired through the injected node with
// their conditions preserved; the worker discovers the node on its next
// ready-set pass.
func (s *Service) Inject(taskID, prompt, persona string) (string, error) {
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return "", err
	}
	if t.Status.IsTerminal() {
		return "", faults.New(faults.PreconditionFailed, "task %s is %s", taskID, t.Status)
	}

	wf, err := s.flows.GetWorkflow(taskID)
	if err != nil {
		return "", err
	}
	in, err := s.flows.GetInstanceForTask(taskID)
	if err != nil {
		return "", err
	}

	anchor := pickAnchor(wf, in)
	if anchor == "" {
		return "", faults.New(faults.PreconditionFailed, "task %s has no running or completed node to anchor on", taskID)
	}

	injectedID := fmt.Sprintf("injected-%s", uuid.NewString()[:8])
	wf.Nodes = append(wf.Nodes, flow.Node{
		ID:   injectedID,
		Name: "Injected step",
		Type: flow.NodeTask,
		Task: &flow.TaskPayload{Prompt: prompt, Persona: persona},
	})

	var kept []flow.Edge
	var successors []flow.Edge
	for _, e := range wf.Edges {
		if e.From == anchor {
			successors = append(successors, e)
			continue
		}
		kept = append(kept, e)
	}
	kept = append(kept, flow.Edge{
		ID:   fmt.Sprintf("e-%s-in", injectedID),
		From: anchor,
		To:   injectedID,
	})
	for i, e := range successors {
		kept = append(kept, flow.Edge{
			ID:            fmt.Sprintf("e-%s-out%d", injectedID, i+1),
			From:          injectedID,
			To:            e.To,
			Condition:     e.Condition,
			MaxIterations: e.MaxIterations,
		})
	}
	wf.Edges = kept

	if err := s.flows.SaveWorkflow(taskID, wf); err != nil {
		return "", err
	}
	pending := flow.NodePending
	if _, err := s.flows.UpdateNodeState(in.ID, injectedID, flow.NodeStatePatch{Status: &pending}); err != nil {
		return "", err
	}

	log.Info(log.CatEngine, "Node injected", "taskID", taskID, "nodeID", injectedID, "anchor", anchor)
	return injectedID, nil
}

// pickAnchor chooses the node the injected step follows.
func pickAnchor(wf *flow.Workflow, in *flow.Instance) string {
	for _, n := range wf.Nodes {
		if st := in.NodeStates[n.ID]; st != nil && st.Status == flow.NodeRunning {
			return n.ID
		}
	}

	type doneNode struct {
		id string
		at time.Time
	}
	var done []doneNode
	for _, n := range wf.Nodes {
		st := in.NodeStates[n.ID]
		if st == nil || st.Status != flow.NodeDone || st.CompletedAt == nil {
			continue
		}
		done = append(done, doneNode{n.ID, *st.CompletedAt})
	}
	if len(done) == 0 {
		return ""
	}
	sort.Slice(done, func(i, k int) bool { return done[i].at.After(done[k].at) })
	return done[0].id
}

// SendMessage queues a user message for the task; the next task-node
// execution folds pending messages into its prompt.
func (s *Service) SendMessage(taskID, body string) (*message.Message, error) {
	if _, err := s.tasks.Get(taskID); err != nil {
		return nil, err
	}
	return s.messages.Append(taskID, body)
}

// WaitingApprovals lists every job parked on a human gate.
func (s *Service) WaitingApprovals() ([]*queue.Job, error) {
	return s.queue.GetWaitingHumanJobs()
}

// Approve releases one parked approval job.
func (s *Service) Approve(jobID string) error {
	return s.queue.ResumeWaitingJob(jobID)
}
