// Package client defines the backend contract for LLM invocations and a
// registry of backend factories. Provider packages register themselves in
// init(), so importing a provider is what makes it available.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend identifies an LLM invocation provider.
type Backend string

const (
	// BackendClaudeCLI shells out to the Claude Code CLI.
	BackendClaudeCLI Backend = "claudecli"
	// BackendAnthropic calls the Anthropic API directly.
	BackendAnthropic Backend = "anthropic"
	// BackendOpenAI calls the OpenAI API directly.
	BackendOpenAI Backend = "openai"
	// BackendMock is a scripted backend for testing.
	BackendMock Backend = "mock"
)

// Request is one prompt invocation.
type Request struct {
	Prompt    string
	Persona   string // system prompt, empty for none
	WorkDir   string // working directory for CLI backends
	SessionID string // resume an existing session when set
	Model     string // provider default when empty
}

// TokenCounts records token consumption for one invocation.
type TokenCounts struct {
	Input  int
	Output int
}

// Response is the outcome of a successful invocation.
type Response struct {
	Text      string
	SessionID string
	Duration  time.Duration
	CostUSD   float64
	Tokens    TokenCounts
}

// Invoker is a backend capable of running prompt invocations.
// Invoke honors ctx for both cancellation and deadline; callers own the
// timeout policy.
type Invoker interface {
	Backend() Backend
	Invoke(ctx context.Context, req Request) (*Response, error)
	// CheckAvailable verifies the backend can be used at all (binary on
	// PATH, API key configured). It makes no billable calls.
	CheckAvailable(ctx context.Context) error
}

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	// KindTimeout means the deadline elapsed before the backend answered.
	KindTimeout ErrorKind = "timeout"
	// KindCancelled means the invocation was cancelled by its caller.
	KindCancelled ErrorKind = "cancelled"
	// KindProcess covers everything else: exec failures, API errors,
	// unparseable output.
	KindProcess ErrorKind = "process"
)

// InvokeError is a classified invocation failure.
type InvokeError struct {
	Kind    ErrorKind
	Backend Backend
	Message string
	Err     error
}

func (e *InvokeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s invoke %s: %s: %v", e.Backend, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s invoke %s: %s", e.Backend, e.Kind, e.Message)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to process for unclassified
// errors.
func KindOf(err error) ErrorKind {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindProcess
}

// Classify wraps err as an InvokeError, deriving the kind from the
// context state when the error itself is not already classified.
func Classify(ctx context.Context, backend Backend, msg string, err error) *InvokeError {
	kind := KindProcess
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		kind = KindCancelled
	}
	return &InvokeError{Kind: kind, Backend: backend, Message: msg, Err: err}
}

// ErrUnknownBackend is returned when an unregistered backend is requested.
var ErrUnknownBackend = errors.New("unknown backend")

var registry = make(map[Backend]func() Invoker)

// RegisterBackend registers an invoker factory for the given backend.
// Called from init() functions of provider packages.
func RegisterBackend(b Backend, factory func() Invoker) {
	registry[b] = factory
}

// NewInvoker creates an Invoker for the given backend.
func NewInvoker(b Backend) (Invoker, error) {
	factory, ok := registry[b]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, b)
	}
	return factory(), nil
}

// RegisteredBackends returns all registered backend identifiers.
func RegisteredBackends() []Backend {
	out := make([]Backend, 0, len(registry))
	for b := range registry {
		out = append(out, b)
	}
	return out
}

// IsRegistered reports whether a backend has been registered.
func IsRegistered(b Backend) bool {
	_, ok := registry[b]
	return ok
}
