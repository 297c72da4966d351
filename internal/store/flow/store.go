package flow

import (
	"errors"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/document"
)

// Store persists workflows and instances under the per-task directories.
// Every mutation is a full read-modify-write of the instance document so
// the file on disk is always a consistent snapshot. Mutations are
// serialized in-process; readers see either the old or the new snapshot
// through the atomic document write.
type Store struct {
	layout paths.Layout
	mu     sync.Mutex

	// resolve caches instance id -> task id so GetInstance does not have
	// to rescan the tasks directory on every call. Entries are advisory;
	// a miss falls back to the scan.
	resolve *gocache.Cache
}

// NewStore creates a flow store over the given layout.
func NewStore(layout paths.Layout) *Store {
	return &Store{
		layout:  layout,
		resolve: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// SaveWorkflow persists the workflow definition for a task.
func (s *Store) SaveWorkflow(taskID string, wf *Workflow) error {
	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if err := s.layout.EnsureTaskDirs(taskID); err != nil {
		return faults.Wrap(faults.Internal, err, "creating task dirs")
	}
	return document.Write(s.layout.WorkflowFile(taskID), wf)
}

// GetWorkflow loads the workflow definition for a task.
func (s *Store) GetWorkflow(taskID string) (*Workflow, error) {
	var wf Workflow
	err := document.Read(s.layout.WorkflowFile(taskID), &wf)
	if errors.Is(err, document.ErrAbsent) {
		return nil, faults.New(faults.NotFound, "no workflow for task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// CreateInstance builds a fresh instance for the workflow: every node
// pending with zero attempts, variables cloned from the definition, and
// the owning task id recorded for reverse lookup.
func (s *Store) CreateInstance(taskID, instanceID string, wf *Workflow) (*Instance, error) {
	states := make(map[string]*NodeState, len(wf.Nodes))
	for _, n := range wf.Nodes {
		states[n.ID] = &NodeState{Status: NodePending}
	}

	vars := make(map[string]any, len(wf.Variables)+1)
	for k, v := range wf.Variables {
		vars[k] = v
	}
	vars["taskId"] = taskID

	in := &Instance{
		ID:         instanceID,
		WorkflowID: wf.ID,
		Status:     InstancePending,
		NodeStates: states,
		LoopCounts: map[string]int{},
		Outputs:    map[string]any{},
		Variables:  vars,
	}
	if err := document.Write(s.layout.InstanceFile(taskID), in); err != nil {
		return nil, err
	}
	s.resolve.Set(instanceID, taskID, gocache.DefaultExpiration)
	return in, nil
}

// GetInstanceForTask loads the instance owned by a task.
func (s *Store) GetInstanceForTask(taskID string) (*Instance, error) {
	var in Instance
	err := document.Read(s.layout.InstanceFile(taskID), &in)
	if errors.Is(err, document.ErrAbsent) {
		return nil, faults.New(faults.NotFound, "no instance for task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	s.resolve.Set(in.ID, taskID, gocache.DefaultExpiration)
	return &in, nil
}

// GetInstance loads an instance by its own id, resolving the owning task
// through the cache or, on a miss, a scan of the tasks directory.
func (s *Store) GetInstance(instanceID string) (*Instance, error) {
	taskID, err := s.ResolveTask(instanceID)
	if err != nil {
		return nil, err
	}
	return s.GetInstanceForTask(taskID)
}

// ResolveTask maps an instance id to its owning task id.
func (s *Store) ResolveTask(instanceID string) (string, error) {
	if v, ok := s.resolve.Get(instanceID); ok {
		return v.(string), nil
	}
	ids, err := document.Subdirs(s.layout.TasksDir())
	if err != nil {
		return "", err
	}
	for _, taskID := range ids {
		var in Instance
		if err := document.Read(s.layout.InstanceFile(taskID), &in); err != nil {
			continue
		}
		s.resolve.Set(in.ID, taskID, gocache.DefaultExpiration)
		if in.ID == instanceID {
			return taskID, nil
		}
	}
	return "", faults.New(faults.NotFound, "instance %s not found", instanceID)
}

// mutate applies fn to the instance document under read-modify-write.
func (s *Store) mutate(instanceID string, fn func(*Instance) error) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, err := s.ResolveTask(instanceID)
	if err != nil {
		return nil, err
	}
	in, err := s.GetInstanceForTask(taskID)
	if err != nil {
		return nil, err
	}
	if err := fn(in); err != nil {
		return nil, err
	}
	if err := document.Write(s.layout.InstanceFile(taskID), in); err != nil {
		return nil, err
	}
	return in, nil
}

// UpdateInstanceStatus transitions the instance status, stamping startedAt
// on the first move to running and completedAt on entering a terminal
// status. Pause metadata is set when pausing and cleared otherwise.
func (s *Store) UpdateInstanceStatus(instanceID string, status InstanceStatus, reason string) (*Instance, error) {
	return s.mutate(instanceID, func(in *Instance) error {
		now := time.Now()
		in.Status = status
		switch {
		case status == InstanceRunning && in.StartedAt == nil:
			in.StartedAt = &now
		case status.IsTerminal() && in.CompletedAt == nil:
			in.CompletedAt = &now
		}
		if status == InstancePaused {
			in.Pause = &PauseInfo{Reason: reason, PausedAt: now}
		} else {
			in.Pause = nil
		}
		if status == InstanceFailed && reason != "" {
			in.Error = reason
		}
		return nil
	})
}

// SettleInstance moves the instance to a terminal status unless another
// writer settled it first. The boolean reports whether this call won;
// exactly one caller observes true, which keeps terminal events
// single-shot under concurrent settlement passes.
func (s *Store) SettleInstance(instanceID string, status InstanceStatus, reason string) (*Instance, bool, error) {
	changed := false
	in, err := s.mutate(instanceID, func(in *Instance) error {
		if in.Status.IsTerminal() {
			return nil
		}
		changed = true
		now := time.Now()
		in.Status = status
		if in.CompletedAt == nil {
			in.CompletedAt = &now
		}
		in.Pause = nil
		if status == InstanceFailed && reason != "" {
			in.Error = reason
		}
		return nil
	})
	return in, changed, err
}

// UpdateNodeState merges a patch into one node's state record.
func (s *Store) UpdateNodeState(instanceID, nodeID string, patch NodeStatePatch) (*Instance, error) {
	return s.mutate(instanceID, func(in *Instance) error {
		st, ok := in.NodeStates[nodeID]
		if !ok {
			st = &NodeState{Status: NodePending}
			in.NodeStates[nodeID] = st
		}
		patch.apply(st)
		return nil
	})
}

// SetNodeOutput records a node's output value on the instance.
func (s *Store) SetNodeOutput(instanceID, nodeID string, output any) (*Instance, error) {
	return s.mutate(instanceID, func(in *Instance) error {
		if in.Outputs == nil {
			in.Outputs = map[string]any{}
		}
		in.Outputs[nodeID] = output
		return nil
	})
}

// IncrementLoopCount bumps the iteration counter for a loop edge and
// returns the new count.
func (s *Store) IncrementLoopCount(instanceID, edgeID string) (int, error) {
	var count int
	_, err := s.mutate(instanceID, func(in *Instance) error {
		if in.LoopCounts == nil {
			in.LoopCounts = map[string]int{}
		}
		in.LoopCounts[edgeID]++
		count = in.LoopCounts[edgeID]
		return nil
	})
	return count, err
}

// ResetNodeState returns a node to pending with its attempt counter
// cleared. Loop re-entry uses this: a fresh pass through the body is a
// new execution, not a retry of the previous one.
func (s *Store) ResetNodeState(instanceID, nodeID string) (*Instance, error) {
	return s.mutate(instanceID, func(in *Instance) error {
		in.NodeStates[nodeID] = &NodeState{Status: NodePending}
		return nil
	})
}

// UpdateInstanceVariables sets variables on the instance. Dotted keys
// address nested maps, creating intermediate maps as needed.
func (s *Store) UpdateInstanceVariables(instanceID string, vars map[string]any) (*Instance, error) {
	return s.mutate(instanceID, func(in *Instance) error {
		if in.Variables == nil {
			in.Variables = map[string]any{}
		}
		for k, v := range vars {
			setPath(in.Variables, k, v)
		}
		return nil
	})
}

// setPath writes v at the dotted path in m, replacing any non-map value
// found along the way.
func setPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for i := 0; i < len(parts)-1; i++ {
		next, ok := m[parts[i]].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[parts[i]] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
