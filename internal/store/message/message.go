// Package message is the durable user-to-task message stream. Messages
// queued while a task runs are drained by the engine at node boundaries
// and folded into the next prompt.
package message

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/paths"
	"github.com/taskweave/taskweave/internal/store/document"
)

// Message is one queued user message.
type Message struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	Delivered bool      `json:"delivered"`
}

// Store persists the per-task message stream.
type Store struct {
	layout paths.Layout
}

// NewStore creates a message store over the given layout.
func NewStore(layout paths.Layout) *Store {
	return &Store{layout: layout}
}

// Append queues a message for the task and returns it.
func (s *Store) Append(taskID, body string) (*Message, error) {
	msgs, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	m := Message{ID: uuid.NewString(), Body: body, CreatedAt: time.Now()}
	msgs = append(msgs, m)
	if err := document.Write(s.layout.MessagesFile(taskID), msgs); err != nil {
		return nil, err
	}
	return &m, nil
}

// Pending returns undelivered messages, oldest first.
func (s *Store) Pending(taskID string) ([]Message, error) {
	msgs, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range msgs {
		if !m.Delivered {
			out = append(out, m)
		}
	}
	return out, nil
}

// Drain returns undelivered messages and marks them delivered in the
// same write. Delivered messages stay in the file as history.
func (s *Store) Drain(taskID string) ([]Message, error) {
	msgs, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	var drained []Message
	for i := range msgs {
		if msgs[i].Delivered {
			continue
		}
		drained = append(drained, msgs[i])
		msgs[i].Delivered = true
	}
	if len(drained) == 0 {
		return nil, nil
	}
	if err := document.Write(s.layout.MessagesFile(taskID), msgs); err != nil {
		return nil, err
	}
	return drained, nil
}

// History returns the full message stream, delivered included.
func (s *Store) History(taskID string) ([]Message, error) {
	return s.load(taskID)
}

func (s *Store) load(taskID string) ([]Message, error) {
	var msgs []Message
	err := document.Read(s.layout.MessagesFile(taskID), &msgs)
	if errors.Is(err, document.ErrAbsent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
