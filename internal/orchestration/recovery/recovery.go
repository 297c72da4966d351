// Package recovery rehydrates tasks whose owner process died. It runs
// on daemon start and on demand: every non-terminal task with a dead
// recorded pid is an orphan whose instance, node states and queue
// leases are reset so a fresh runtime can pick the work back up.
package recovery

import (
	"context"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/orchestration/queue"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

// Orphan describes one recovered task.
type Orphan struct {
	TaskID         string              `json:"taskId"`
	InstanceID     string              `json:"instanceId,omitempty"`
	DeadPID        int                 `json:"deadPid"`
	NodesReset     []string            `json:"nodesReset,omitempty"`
	LeasesRecycled int                 `json:"leasesRecycled"`
	InstanceMoved  flow.InstanceStatus `json:"instanceMoved,omitempty"`
}

// Report is the outcome of one recovery pass.
type Report struct {
	Scanned int      `json:"scanned"`
	Orphans []Orphan `json:"orphans"`
}

// Resumer restarts the runtime of a recovered task. The daemon passes
// its spawn function; nil disables auto-resume.
type Resumer func(ctx context.Context, taskID string) error

// Recoverer scans for and repairs orphaned tasks.
type Recoverer struct {
	tasks *task.Store
	flows *flow.Store
	queue *queue.Queue

	// alive reports whether a pid is running; overridable in tests.
	alive func(pid int) bool
}

// New creates a recoverer over the shared data directory.
func New(layout paths.Layout) *Recoverer {
	return &Recoverer{
		tasks: task.NewStore(layout),
		flows: flow.NewStore(layout),
		queue: queue.New(layout),
		alive: task.IsProcessRunning,
	}
}

// Run performs one recovery pass. When resume is non-nil, every
// recovered task is handed to it for a restart.
func (r *Recoverer) Run(ctx context.Context, resume Resumer) (*Report, error) {
	report := &Report{}

	candidates, err := r.tasks.ListByStatus(task.StatusPlanning, task.StatusDeveloping, task.StatusPaused)
	if err != nil {
		return nil, err
	}

	for _, t := range candidates {
		report.Scanned++
		info, err := r.tasks.ProcessInfo(t.ID)
		if err != nil {
			if faults.Is(err, faults.NotFound) {
				continue // never owned, nothing to recover
			}
			return nil, err
		}
		if r.alive(info.PID) {
			continue
		}

		orphan, err := r.recover(t, info.PID)
		if err != nil {
			log.ErrorErr(log.CatRecovery, "Failed to recover task", err, "taskID", t.ID)
			continue
		}
		report.Orphans = append(report.Orphans, *orphan)

		if resume != nil {
			if err := resume(ctx, t.ID); err != nil {
				log.ErrorErr(log.CatRecovery, "Failed to respawn task", err, "taskID", t.ID)
			}
		}
	}
	return report, nil
}

// recover repairs one orphaned task: running nodes back to pending with
// attempts retained, abandoned queue leases recycled, the instance
// parked, and the stale owner record removed.
func (r *Recoverer) recover(t *task.Task, deadPID int) (*Orphan, error) {
	orphan := &Orphan{TaskID: t.ID, DeadPID: deadPID}

	in, err := r.flows.GetInstanceForTask(t.ID)
	if err != nil && !faults.Is(err, faults.NotFound) {
		return nil, err
	}
	if in != nil {
		orphan.InstanceID = in.ID

		for nodeID, st := range in.NodeStates {
			if st.Status != flow.NodeRunning {
				continue
			}
			pending := flow.NodePending
			empty := ""
			if _, err := r.flows.UpdateNodeState(in.ID, nodeID, flow.NodeStatePatch{
				Status: &pending, Error: &empty,
			}); err != nil {
				return nil, err
			}
			orphan.NodesReset = append(orphan.NodesReset, nodeID)
		}

		n, err := r.queue.RecoverInstanceLeases(in.ID)
		if err != nil {
			return nil, err
		}
		orphan.LeasesRecycled = n

		if in.Status == flow.InstanceRunning {
			target := flow.InstancePaused
			if in.StartedAt == nil {
				target = flow.InstancePending
			}
			if _, err := r.flows.UpdateInstanceStatus(in.ID, target, "owner process died"); err != nil {
				return nil, err
			}
			orphan.InstanceMoved = target
		}
	}

	if !t.Status.IsTerminal() && t.Status != task.StatusPaused {
		if _, err := r.tasks.Update(t.ID, func(cur *task.Task) {
			if cur.Status == task.StatusPlanning || cur.Status == task.StatusDeveloping {
				cur.Status = task.StatusPaused
			}
		}); err != nil {
			return nil, err
		}
	}

	if err := r.tasks.ClearProcessInfo(t.ID); err != nil {
		return nil, err
	}

	log.Info(log.CatRecovery, "Recovered orphaned task",
		"taskID", t.ID, "deadPID", deadPID,
		"nodesReset", len(orphan.NodesReset), "leases", orphan.LeasesRecycled)
	return orphan, nil
}
