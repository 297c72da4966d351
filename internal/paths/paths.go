// Package paths fixes the on-disk layout of the taskweave data directory
// and resolves its root.
//
// Layout:
//
//	{root}/queue.json                global durable job queue
//	{root}/queue.json.lock           queue critical-section lock
//	{root}/runner.lock               queue-runner pid lock
//	{root}/meta.json                 data-dir metadata
//	{root}/tasks/index.json          id -> task summary index
//	{root}/tasks/{taskId}/task.json
//	{root}/tasks/{taskId}/workflow.json
//	{root}/tasks/{taskId}/instance.json
//	{root}/tasks/{taskId}/process.json
//	{root}/tasks/{taskId}/messages.json
//	{root}/tasks/{taskId}/stats.json
//	{root}/tasks/{taskId}/timeline.json
//	{root}/tasks/{taskId}/logs/
//	{root}/tasks/{taskId}/outputs/
//	{root}/tasks/{taskId}/traces/{traceId}.jsonl
package paths

import (
	"os"
	"path/filepath"
)

// EnvDataDir overrides the data root when set.
const EnvDataDir = "TASKWEAVE_DATA_DIR"

// localDirName is the default per-project data directory.
const localDirName = ".taskweave"

// Root resolves the data root. Resolution order: TASKWEAVE_DATA_DIR env,
// ./.taskweave under the current working directory, ~/.taskweave fallback.
// The result is stable for the process lifetime only if the environment
// and working directory are; callers cache it once at startup.
func Root() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return filepath.Clean(dir)
	}
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, localDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return localDirName
	}
	return filepath.Join(home, localDirName)
}

// Layout exposes the fixed file locations under a resolved root.
type Layout struct {
	root string
}

// NewLayout returns a Layout rooted at root. An empty root resolves via Root().
func NewLayout(root string) Layout {
	if root == "" {
		root = Root()
	}
	return Layout{root: root}
}

// Root returns the data root directory.
func (l Layout) Root() string { return l.root }

// QueueFile is the global durable queue document.
func (l Layout) QueueFile() string { return filepath.Join(l.root, "queue.json") }

// QueueLock is the lock file guarding queue.json mutations.
func (l Layout) QueueLock() string { return filepath.Join(l.root, "queue.json.lock") }

// RunnerLock is the queue-runner pid lock.
func (l Layout) RunnerLock() string { return filepath.Join(l.root, "runner.lock") }

// MetaFile holds data-dir metadata.
func (l Layout) MetaFile() string { return filepath.Join(l.root, "meta.json") }

// TasksDir contains one subdirectory per task.
func (l Layout) TasksDir() string { return filepath.Join(l.root, "tasks") }

// IndexFile is the derived task index.
func (l Layout) IndexFile() string { return filepath.Join(l.root, "tasks", "index.json") }

// TaskDir is the per-task artefact directory.
func (l Layout) TaskDir(taskID string) string { return filepath.Join(l.root, "tasks", taskID) }

// TaskFile is the task record.
func (l Layout) TaskFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "task.json")
}

// WorkflowFile is the workflow definition for a task.
func (l Layout) WorkflowFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "workflow.json")
}

// InstanceFile is the sole source of execution state for a task.
func (l Layout) InstanceFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "instance.json")
}

// ProcessFile is the owner process record for a running task.
func (l Layout) ProcessFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "process.json")
}

// MessagesFile is the durable user->task message stream.
func (l Layout) MessagesFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "messages.json")
}

// StatsFile holds per-task aggregate stats.
func (l Layout) StatsFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "stats.json")
}

// TimelineFile holds per-task status transition history.
func (l Layout) TimelineFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "timeline.json")
}

// LogsDir holds event and execution logs for a task.
func (l Layout) LogsDir(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "logs")
}

// EventsLog is the JSON Lines structured event log.
func (l Layout) EventsLog(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "events.jsonl")
}

// ExecutionLog is the human-readable log.
func (l Layout) ExecutionLog(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "execution.log")
}

// OutputsDir holds final output artefacts.
func (l Layout) OutputsDir(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "outputs")
}

// ResultFile is the final output artefact.
func (l Layout) ResultFile(taskID string) string {
	return filepath.Join(l.OutputsDir(taskID), "result.md")
}

// TracesDir holds append-only trace span logs.
func (l Layout) TracesDir(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "traces")
}

// TraceFile is the JSONL span log for one trace.
func (l Layout) TraceFile(taskID, traceID string) string {
	return filepath.Join(l.TracesDir(taskID), traceID+".jsonl")
}

// EnsureTaskDirs creates the per-task directory tree.
func (l Layout) EnsureTaskDirs(taskID string) error {
	for _, dir := range []string{
		l.TaskDir(taskID),
		l.LogsDir(taskID),
		l.OutputsDir(taskID),
		l.TracesDir(taskID),
	} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return nil
}

// EnsureRoot creates the root and tasks directories.
func (l Layout) EnsureRoot() error {
	return os.MkdirAll(l.TasksDir(), 0750)
}
