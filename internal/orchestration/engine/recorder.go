package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/paths"
)

// recorded is the set of event names mirrored into the task's log files.
var recorded = []string{
	bus.WorkflowStarted,
	bus.WorkflowProgress,
	bus.WorkflowCompleted,
	bus.WorkflowFailed,
	bus.NodeStarted,
	bus.NodeCompleted,
	bus.NodeFailed,
}

// recorder mirrors bus events for one task into logs/events.jsonl and a
// human-readable logs/execution.log. It filters on the taskId payload
// field, so one shared bus can feed recorders for many tasks.
type recorder struct {
	taskID string
	mu     sync.Mutex
	events *os.File
	execl  *os.File
	unsubs []func()
}

func newRecorder(layout paths.Layout, events *bus.Bus, taskID string) *recorder {
	r := &recorder{taskID: taskID}

	var err error
	r.events, err = os.OpenFile(layout.EventsLog(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn(log.CatEngine, "Failed to open event log", "taskID", taskID, "error", err)
	}
	r.execl, err = os.OpenFile(layout.ExecutionLog(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn(log.CatEngine, "Failed to open execution log", "taskID", taskID, "error", err)
	}

	for _, name := range recorded {
		r.unsubs = append(r.unsubs, events.On(name, r.record))
	}
	return r
}

func (r *recorder) record(ev bus.Event) {
	if tid, _ := ev.Payload["taskId"].(string); tid != r.taskID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.events != nil {
		line, err := json.Marshal(map[string]any{
			"ts":      ev.Timestamp.Format(time.RFC3339Nano),
			"event":   ev.Name,
			"payload": ev.Payload,
		})
		if err == nil {
			fmt.Fprintf(r.events, "%s\n", line)
		}
	}
	if r.execl != nil {
		fmt.Fprintf(r.execl, "%s %-20s %s\n",
			ev.Timestamp.Format("2006-01-02 15:04:05.000"), ev.Name, summarize(ev))
	}
}

// summarize renders the fields a human scans for first.
func summarize(ev bus.Event) string {
	switch ev.Name {
	case bus.NodeStarted, bus.NodeCompleted:
		return fmt.Sprintf("node=%v", ev.Payload["nodeId"])
	case bus.NodeFailed:
		return fmt.Sprintf("node=%v error=%v", ev.Payload["nodeId"], ev.Payload["error"])
	case bus.WorkflowProgress:
		return fmt.Sprintf("progress=%v", ev.Payload["progress"])
	case bus.WorkflowFailed:
		return fmt.Sprintf("error=%v", ev.Payload["error"])
	default:
		return fmt.Sprintf("instance=%v", ev.Payload["instanceId"])
	}
}

func (r *recorder) close() {
	for _, u := range r.unsubs {
		u()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events != nil {
		r.events.Close()
		r.events = nil
	}
	if r.execl != nil {
		r.execl.Close()
		r.execl = nil
	}
}
