// Package queue is the durable job queue. The whole queue lives in one
// JSON document; every mutation is a read-modify-write critical section
// guarded by the cross-process file lock, so multiple daemons and CLI
// invocations can share one data directory.
package queue

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/document"
	"github.com/taskweave/taskweave/internal/store/filelock"
)

// Status is the lifecycle state of a job. Delayed is derived, not
// stored: a waiting job whose processAt is in the future.
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusHumanWaiting Status = "human_waiting"
)

// DefaultMaxAttempts bounds failing executions per job.
const DefaultMaxAttempts = 3

// JobData identifies the node execution a job carries.
type JobData struct {
	InstanceID string `json:"instanceId"`
	NodeID     string `json:"nodeId"`
	Attempt    int    `json:"attempt"`
	WorkflowID string `json:"workflowId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	Persona    string `json:"persona,omitempty"`
	PromptRef  string `json:"promptRef,omitempty"`
	// Retries widens the job's retry budget beyond the queue default.
	Retries int `json:"retries,omitempty"`
}

// Job is one queue entry.
type Job struct {
	ID          string     `json:"id"`
	Data        JobData    `json:"data"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"` // higher first
	ProcessAt   time.Time  `json:"processAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the job has finished for good.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// JobID builds the canonical job id for a node execution attempt.
func JobID(instanceID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", instanceID, nodeID, attempt)
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Delay    time.Duration
	Priority int
}

// Stats is a per-status census of the queue.
type Stats struct {
	Waiting      int `json:"waiting"`
	Delayed      int `json:"delayed"`
	Active       int `json:"active"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	HumanWaiting int `json:"humanWaiting"`
	Total        int `json:"total"`
}

// queueDoc is the on-disk shape of queue.json.
type queueDoc struct {
	Jobs map[string]*Job `json:"jobs"`
}

// Queue mutates the durable queue document under the file lock.
type Queue struct {
	layout paths.Layout
	lock   *filelock.Lock
}

// New creates a queue over the given layout.
func New(layout paths.Layout) *Queue {
	return &Queue{
		layout: layout,
		lock:   filelock.New(layout.QueueLock()),
	}
}

// withDoc runs fn over the queue document inside the lock, persisting
// the document when fn reports a mutation.
func (q *Queue) withDoc(fn func(doc *queueDoc) (bool, error)) error {
	return q.lock.WithLock(func() error {
		doc := &queueDoc{}
		if err := document.Read(q.layout.QueueFile(), doc); err != nil {
			switch {
			case errors.Is(err, document.ErrAbsent):
			case faults.Is(err, faults.Corrupt):
				// Start over empty rather than wedging every queue
				// operation; the next persisted mutation overwrites
				// the bad file.
				log.Warn(log.CatQueue, "Queue file corrupt beyond repair, treating as empty",
					"path", q.layout.QueueFile(), "error", err)
				*doc = queueDoc{}
			default:
				return err
			}
		}
		if doc.Jobs == nil {
			doc.Jobs = map[string]*Job{}
		}
		dirty, err := fn(doc)
		if err != nil {
			return err
		}
		if !dirty {
			return nil
		}
		return document.Write(q.layout.QueueFile(), doc)
	})
}

// EnqueueNode inserts a job for the node execution, replacing any
// existing job with the same id. Replacement is what makes enqueue
// idempotent: racing enqueues of the same attempt collapse to one job.
func (q *Queue) EnqueueNode(data JobData, opts EnqueueOptions) (string, error) {
	ids, err := q.enqueue([]JobData{data}, opts)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueNodes is the batch variant; all inserts share one critical
// section.
func (q *Queue) EnqueueNodes(data []JobData, opts EnqueueOptions) ([]string, error) {
	return q.enqueue(data, opts)
}

func (q *Queue) enqueue(data []JobData, opts EnqueueOptions) ([]string, error) {
	now := time.Now()
	ids := make([]string, len(data))
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		for i, d := range data {
			id := JobID(d.InstanceID, d.NodeID, d.Attempt)
			ids[i] = id
			maxAttempts := DefaultMaxAttempts
			if d.Retries+1 > maxAttempts {
				maxAttempts = d.Retries + 1
			}
			doc.Jobs[id] = &Job{
				ID:          id,
				Data:        d,
				Status:      StatusWaiting,
				Priority:    opts.Priority,
				ProcessAt:   now.Add(opts.Delay),
				CreatedAt:   now,
				Attempts:    d.Attempt,
				MaxAttempts: maxAttempts,
			}
			log.Debug(log.CatQueue, "Enqueued job", "jobID", id, "priority", opts.Priority)
		}
		return len(data) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetNextJob leases the best ready job: highest priority first, then
// oldest createdAt, skipping jobs whose processAt is still in the
// future. instanceID narrows the pick to one instance; empty matches
// all. Returns nil when nothing is ready.
func (q *Queue) GetNextJob(instanceID string) (*Job, error) {
	var picked *Job
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		now := time.Now()
		var candidates []*Job
		for _, j := range doc.Jobs {
			if j.Status != StatusWaiting || j.ProcessAt.After(now) {
				continue
			}
			if instanceID != "" && j.Data.InstanceID != instanceID {
				continue
			}
			candidates = append(candidates, j)
		}
		if len(candidates) == 0 {
			return false, nil
		}
		sort.Slice(candidates, func(i, k int) bool {
			if candidates[i].Priority != candidates[k].Priority {
				return candidates[i].Priority > candidates[k].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
		})
		candidates[0].Status = StatusActive
		leased := *candidates[0]
		picked = &leased
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// CompleteJob marks a job completed.
func (q *Queue) CompleteJob(id string) error {
	return q.transition(id, func(j *Job) error {
		now := time.Now()
		j.Status = StatusCompleted
		j.CompletedAt = &now
		j.Error = ""
		return nil
	})
}

// FailJob records a failure. With retry budget remaining the job goes
// back to waiting with an exponential delay; otherwise it fails
// terminally.
func (q *Queue) FailJob(id string, jobErr string) error {
	return q.transition(id, func(j *Job) error {
		if j.Attempts+1 < j.MaxAttempts {
			j.Attempts++
			j.Status = StatusWaiting
			j.ProcessAt = time.Now().Add(backoff(j.Attempts))
			j.Error = jobErr
			log.Info(log.CatQueue, "Job scheduled for retry", "jobID", id, "attempts", j.Attempts)
			return nil
		}
		now := time.Now()
		j.Status = StatusFailed
		j.CompletedAt = &now
		j.Error = jobErr
		log.Warn(log.CatQueue, "Job failed terminally", "jobID", id, "error", jobErr)
		return nil
	})
}

// backoff is the delay before retry number attempts.
func backoff(attempts int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempts))) * time.Second
}

// MarkJobFailed fails a job unconditionally, bypassing the retry budget.
func (q *Queue) MarkJobFailed(id string, jobErr string) error {
	return q.transition(id, func(j *Job) error {
		now := time.Now()
		j.Status = StatusFailed
		j.CompletedAt = &now
		j.Error = jobErr
		return nil
	})
}

// MarkJobWaiting parks an active job for human approval.
func (q *Queue) MarkJobWaiting(id string) error {
	return q.transition(id, func(j *Job) error {
		if j.Status != StatusActive {
			return faults.New(faults.PreconditionFailed, "job %s is %s, not active", id, j.Status)
		}
		j.Status = StatusHumanWaiting
		return nil
	})
}

// RequeueJob returns an active job to waiting without touching the
// attempt counter. Used when a lease is abandoned by pause or
// cancellation rather than by failure.
func (q *Queue) RequeueJob(id string) error {
	return q.transition(id, func(j *Job) error {
		if j.Terminal() {
			return nil
		}
		j.Status = StatusWaiting
		j.ProcessAt = time.Now()
		return nil
	})
}

// ResumeWaitingJob completes a human-approval job.
func (q *Queue) ResumeWaitingJob(id string) error {
	return q.transition(id, func(j *Job) error {
		if j.Status != StatusHumanWaiting {
			return faults.New(faults.PreconditionFailed, "job %s is %s, not human_waiting", id, j.Status)
		}
		now := time.Now()
		j.Status = StatusCompleted
		j.CompletedAt = &now
		return nil
	})
}

// ResumeWaitingJobsForInstance completes every human-approval job of an
// instance. Used by pause-resume.
func (q *Queue) ResumeWaitingJobsForInstance(instanceID string) (int, error) {
	var n int
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		now := time.Now()
		for _, j := range doc.Jobs {
			if j.Status == StatusHumanWaiting && j.Data.InstanceID == instanceID {
				j.Status = StatusCompleted
				j.CompletedAt = &now
				n++
			}
		}
		return n > 0, nil
	})
	return n, err
}

// GetWaitingHumanJobs returns all jobs parked for approval, oldest first.
func (q *Queue) GetWaitingHumanJobs() ([]*Job, error) {
	var out []*Job
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		for _, j := range doc.Jobs {
			if j.Status == StatusHumanWaiting {
				copied := *j
				out = append(out, &copied)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// RecoverInstanceLeases returns every active job of an instance to
// waiting. Crash recovery calls this for orphaned instances: the worker
// holding the lease is gone, so the lease is void. Attempt counters are
// untouched and human-waiting jobs keep their park.
func (q *Queue) RecoverInstanceLeases(instanceID string) (int, error) {
	var n int
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		now := time.Now()
		for _, j := range doc.Jobs {
			if j.Status == StatusActive && j.Data.InstanceID == instanceID {
				j.Status = StatusWaiting
				j.ProcessAt = now
				n++
			}
		}
		return n > 0, nil
	})
	return n, err
}

// InstanceJobs returns copies of every job belonging to an instance.
func (q *Queue) InstanceJobs(instanceID string) ([]*Job, error) {
	var out []*Job
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		for _, j := range doc.Jobs {
			if j.Data.InstanceID == instanceID {
				copied := *j
				out = append(out, &copied)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// RemoveWorkflowJobs deletes the waiting jobs of an instance. Active
// and human-waiting jobs are left for their owners to resolve.
func (q *Queue) RemoveWorkflowJobs(instanceID string) (int, error) {
	var n int
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		for id, j := range doc.Jobs {
			if j.Data.InstanceID == instanceID && j.Status == StatusWaiting {
				delete(doc.Jobs, id)
				n++
			}
		}
		return n > 0, nil
	})
	return n, err
}

// CleanupOldJobs discards terminal jobs beyond the keepCount most
// recent. keepCount <= 0 uses the default of 100.
func (q *Queue) CleanupOldJobs(keepCount int) (int, error) {
	if keepCount <= 0 {
		keepCount = 100
	}
	var removed int
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		var terminal []*Job
		for _, j := range doc.Jobs {
			if j.Terminal() {
				terminal = append(terminal, j)
			}
		}
		if len(terminal) <= keepCount {
			return false, nil
		}
		sort.Slice(terminal, func(i, k int) bool {
			return finishedAt(terminal[i]).After(finishedAt(terminal[k]))
		})
		for _, j := range terminal[keepCount:] {
			delete(doc.Jobs, j.ID)
			removed++
		}
		return true, nil
	})
	return removed, err
}

func finishedAt(j *Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

// GetQueueStats counts jobs per status.
func (q *Queue) GetQueueStats() (Stats, error) {
	var stats Stats
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		now := time.Now()
		for _, j := range doc.Jobs {
			stats.Total++
			switch j.Status {
			case StatusWaiting:
				if j.ProcessAt.After(now) {
					stats.Delayed++
				} else {
					stats.Waiting++
				}
			case StatusActive:
				stats.Active++
			case StatusCompleted:
				stats.Completed++
			case StatusFailed:
				stats.Failed++
			case StatusHumanWaiting:
				stats.HumanWaiting++
			}
		}
		return false, nil
	})
	return stats, err
}

// GetJob returns a copy of one job.
func (q *Queue) GetJob(id string) (*Job, error) {
	var out *Job
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		j, ok := doc.Jobs[id]
		if !ok {
			return false, faults.New(faults.NotFound, "job %s not found", id)
		}
		copied := *j
		out = &copied
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveJobs returns copies of all leased jobs. Recovery uses this to
// find leases whose owner died.
func (q *Queue) ActiveJobs() ([]*Job, error) {
	var out []*Job
	err := q.withDoc(func(doc *queueDoc) (bool, error) {
		for _, j := range doc.Jobs {
			if j.Status == StatusActive {
				copied := *j
				out = append(out, &copied)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transition applies fn to one job under the lock.
func (q *Queue) transition(id string, fn func(*Job) error) error {
	return q.withDoc(func(doc *queueDoc) (bool, error) {
		j, ok := doc.Jobs[id]
		if !ok {
			return false, faults.New(faults.NotFound, "job %s not found", id)
		}
		if err := fn(j); err != nil {
			return false, err
		}
		return true, nil
	})
}
