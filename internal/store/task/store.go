package task

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/document"
)

// Store provides CRUD over task records, process-info and the derived index.
type Store struct {
	layout paths.Layout
}

// NewStore creates a task store over the given layout.
func NewStore(layout paths.Layout) *Store {
	return &Store{layout: layout}
}

// Create persists a new task and rewrites the index. Missing timestamps
// and priority are defaulted.
func (s *Store) Create(t *Task) error {
	if t.ID == "" {
		return faults.New(faults.Internal, "task id is required")
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if err := s.layout.EnsureTaskDirs(t.ID); err != nil {
		return fmt.Errorf("creating task dirs: %w", err)
	}
	if err := document.Write(s.layout.TaskFile(t.ID), t); err != nil {
		return err
	}
	return s.rebuildIndex()
}

// Get loads a task by id.
func (s *Store) Get(taskID string) (*Task, error) {
	var t Task
	err := document.Read(s.layout.TaskFile(taskID), &t)
	if errors.Is(err, document.ErrAbsent) {
		return nil, faults.New(faults.NotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Update atomically applies fn to the task record and persists it.
// Status transitions through fn are appended to the timeline.
func (s *Store) Update(taskID string, fn func(*Task)) (*Task, error) {
	t, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}

	before := t.Status
	fn(t)
	t.UpdatedAt = time.Now()

	if err := document.Write(s.layout.TaskFile(taskID), t); err != nil {
		return nil, err
	}
	if t.Status != before {
		s.appendTimeline(taskID, before, t.Status)
		if err := s.rebuildIndex(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Delete removes the task and its entire directory, then rewrites the index.
func (s *Store) Delete(taskID string) error {
	if _, err := s.Get(taskID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.layout.TaskDir(taskID)); err != nil {
		return fmt.Errorf("removing task dir: %w", err)
	}
	return s.rebuildIndex()
}

// List returns all tasks matching the filter, newest first.
func (s *Store) List(f Filter) ([]*Task, error) {
	ids, err := s.taskIDs()
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			// A half-deleted or corrupt task must not break listing.
			log.Warn(log.CatStore, "Skipping unreadable task", "taskID", id, "error", err)
			continue
		}
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListByStatus returns tasks in any of the given statuses.
func (s *Store) ListByStatus(statuses ...Status) ([]*Task, error) {
	return s.List(Filter{Statuses: statuses})
}

// Index returns the derived id -> summary index, rebuilding it from a
// directory scan when the document is absent or corrupt.
func (s *Store) Index() (map[string]Summary, error) {
	var idx map[string]Summary
	err := document.Read(s.layout.IndexFile(), &idx)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, document.ErrAbsent) && !faults.Is(err, faults.Corrupt) {
		return nil, err
	}
	if faults.Is(err, faults.Corrupt) {
		log.Warn(log.CatStore, "Task index corrupt, rebuilding from directory scan")
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	idx = map[string]Summary{}
	if err := document.Read(s.layout.IndexFile(), &idx); err != nil && !errors.Is(err, document.ErrAbsent) {
		return nil, err
	}
	return idx, nil
}

// rebuildIndex rewrites tasks/index.json from a directory scan.
func (s *Store) rebuildIndex() error {
	ids, err := s.taskIDs()
	if err != nil {
		return err
	}

	idx := make(map[string]Summary, len(ids))
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			continue
		}
		idx[id] = Summary{Title: t.Title, Status: t.Status, Priority: t.Priority, CreatedAt: t.CreatedAt}
	}
	return document.Write(s.layout.IndexFile(), idx)
}

// taskIDs scans the tasks directory for task subdirectories.
func (s *Store) taskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.layout.TasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning tasks dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// WriteProcessInfo records the owner process for a task.
func (s *Store) WriteProcessInfo(taskID string, info ProcessInfo) error {
	return document.Write(s.layout.ProcessFile(taskID), info)
}

// ProcessInfo loads the owner record, or NotFound when absent.
func (s *Store) ProcessInfo(taskID string) (*ProcessInfo, error) {
	var info ProcessInfo
	err := document.Read(s.layout.ProcessFile(taskID), &info)
	if errors.Is(err, document.ErrAbsent) {
		return nil, faults.New(faults.NotFound, "no process record for task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ClearProcessInfo removes a stale owner record. Missing file is a no-op.
func (s *Store) ClearProcessInfo(taskID string) error {
	if err := os.Remove(s.layout.ProcessFile(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing process record: %w", err)
	}
	return nil
}

// appendTimeline records a status transition; best-effort.
func (s *Store) appendTimeline(taskID string, from, to Status) {
	entry := TimelineEntry{From: from, To: to, At: time.Now()}
	var timeline []TimelineEntry
	if err := document.Read(s.layout.TimelineFile(taskID), &timeline); err != nil &&
		!errors.Is(err, document.ErrAbsent) && !faults.Is(err, faults.Corrupt) {
		return
	}
	timeline = append(timeline, entry)
	if err := document.Write(s.layout.TimelineFile(taskID), timeline); err != nil {
		log.Warn(log.CatStore, "Failed to append timeline", "taskID", taskID, "error", err)
	}
}

// Timeline returns the recorded status transitions for a task.
func (s *Store) Timeline(taskID string) ([]TimelineEntry, error) {
	var timeline []TimelineEntry
	err := document.Read(s.layout.TimelineFile(taskID), &timeline)
	if errors.Is(err, document.ErrAbsent) {
		return nil, nil
	}
	return timeline, err
}

// WriteStats persists the per-task aggregate stats document.
func (s *Store) WriteStats(taskID string, stats Stats) error {
	stats.UpdatedAt = time.Now()
	return document.Write(s.layout.StatsFile(taskID), stats)
}

// GetStats reads the per-task aggregate stats document. A task that
// never settled has none; that is reported as NotFound.
func (s *Store) GetStats(taskID string) (*Stats, error) {
	var stats Stats
	err := document.Read(s.layout.StatsFile(taskID), &stats)
	if errors.Is(err, document.ErrAbsent) {
		return nil, faults.New(faults.NotFound, "no stats recorded for task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
