// Package mock provides a scripted backend for tests and dry runs.
// Responses are matched per prompt substring, with optional artificial
// delay and failure injection.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/taskweave/taskweave/internal/orchestration/client"
)

func init() {
	client.RegisterBackend(client.BackendMock, func() client.Invoker {
		return New()
	})
}

// Script configures one canned behavior.
type Script struct {
	// Match selects this script when the prompt contains it. The empty
	// string matches everything and acts as the default.
	Match    string
	Response string
	Delay    time.Duration
	Err      error
	// Times limits how often the script fires before it is discarded;
	// zero means unlimited. A finite failing script models a transient
	// fault.
	Times int
}

// Invoker replays scripted responses.
type Invoker struct {
	mu      sync.Mutex
	scripts []Script
	calls   []client.Request
}

// New creates a mock invoker that echoes prompts until scripted.
func New(scripts ...Script) *Invoker {
	return &Invoker{scripts: scripts}
}

// AddScript appends a script at runtime.
func (m *Invoker) AddScript(s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, s)
}

// Calls returns every request seen so far.
func (m *Invoker) Calls() []client.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]client.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Backend implements client.Invoker.
func (m *Invoker) Backend() client.Backend { return client.BackendMock }

// CheckAvailable always succeeds.
func (m *Invoker) CheckAvailable(_ context.Context) error { return nil }

// Invoke replays the first matching script, or echoes the prompt when
// nothing matches.
func (m *Invoker) Invoke(ctx context.Context, req client.Request) (*client.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var matched *Script
	for i := range m.scripts {
		if m.scripts[i].Match == "" || strings.Contains(req.Prompt, m.scripts[i].Match) {
			s := m.scripts[i]
			matched = &s
			if m.scripts[i].Times > 0 {
				m.scripts[i].Times--
				if m.scripts[i].Times == 0 {
					m.scripts = append(m.scripts[:i:i], m.scripts[i+1:]...)
				}
			}
			break
		}
	}
	m.mu.Unlock()

	start := time.Now()
	if matched != nil && matched.Delay > 0 {
		select {
		case <-time.After(matched.Delay):
		case <-ctx.Done():
			return nil, client.Classify(ctx, client.BackendMock, "interrupted during scripted delay", ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, client.Classify(ctx, client.BackendMock, "context done before response", err)
	}
	if matched != nil && matched.Err != nil {
		return nil, client.Classify(ctx, client.BackendMock, "scripted failure", matched.Err)
	}

	text := "echo: " + req.Prompt
	if matched != nil {
		text = matched.Response
	}
	return &client.Response{
		Text:      text,
		SessionID: req.SessionID,
		Duration:  time.Since(start),
		Tokens:    client.TokenCounts{Input: len(req.Prompt) / 4, Output: len(text) / 4},
	}, nil
}
