// Package bus is the in-process named-event fabric. Components register
// handlers against event names; emitters fire events without knowing who
// listens. Handlers run synchronously in registration order, and a
// failing handler never prevents the rest from running.
package bus

import (
	"sync"
	"time"

	"github.com/taskweave/taskweave/internal/log"
)

// Event names emitted by the engine and lifecycle layers.
const (
	WorkflowStarted   = "workflow:started"
	WorkflowProgress  = "workflow:progress"
	WorkflowCompleted = "workflow:completed"
	WorkflowFailed    = "workflow:failed"

	NodeStarted   = "node:started"
	NodeCompleted = "node:completed"
	NodeFailed    = "node:failed"

	TaskCreated   = "task:created"
	TaskStarted   = "task:started"
	TaskPaused    = "task:paused"
	TaskResumed   = "task:resumed"
	TaskStopped   = "task:stopped"
	TaskCompleted = "task:completed"
	TaskFailed    = "task:failed"
)

// Event is one emitted occurrence.
type Event struct {
	Name      string
	Payload   map[string]any
	Timestamp time.Time
}

// Handler receives an event. Handlers must not block; long work belongs
// on a goroutine the handler spawns itself.
type Handler func(Event)

type registration struct {
	id      int
	handler Handler
	once    bool
}

// Bus is a registration table keyed by event name.
type Bus struct {
	mu     sync.Mutex
	nextID int
	table  map[string][]registration
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{table: map[string][]registration{}}
}

// On registers a handler for an event name and returns an unsubscribe
// function.
func (b *Bus) On(name string, h Handler) func() {
	return b.register(name, h, false)
}

// Once registers a handler that is removed after its first delivery.
func (b *Bus) Once(name string, h Handler) func() {
	return b.register(name, h, true)
}

func (b *Bus) register(name string, h Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.table[name] = append(b.table[name], registration{id: id, handler: h, once: once})
	return func() { b.remove(name, id) }
}

func (b *Bus) remove(name string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.table[name]
	for i, r := range regs {
		if r.id == id {
			b.table[name] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every handler registered for its name.
// A panicking handler is logged and skipped; the remaining handlers
// still run.
func (b *Bus) Emit(name string, payload map[string]any) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	regs := make([]registration, len(b.table[name]))
	copy(regs, b.table[name])
	if hasOnce(regs) {
		kept := b.table[name][:0]
		for _, r := range b.table[name] {
			if !r.once {
				kept = append(kept, r)
			}
		}
		b.table[name] = kept
	}
	b.mu.Unlock()

	for _, r := range regs {
		deliver(ev, r.handler)
	}
}

func deliver(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "Event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}

func hasOnce(regs []registration) bool {
	for _, r := range regs {
		if r.once {
			return true
		}
	}
	return false
}

// Clear removes every handler for an event name. With no name it clears
// the whole table.
func (b *Bus) Clear(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(names) == 0 {
		b.table = map[string][]registration{}
		return
	}
	for _, n := range names {
		delete(b.table, n)
	}
}

// HandlerCount reports how many handlers are registered for a name.
func (b *Bus) HandlerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.table[name])
}
