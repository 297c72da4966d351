// Package anthropicapi invokes the Anthropic Messages API directly, for
// deployments without the Claude CLI. Unlike the CLI backend it has no
// session continuity or tool use; it is a plain prompt-in, text-out call.
package anthropicapi

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskweave/taskweave/internal/orchestration/client"
)

const (
	envAPIKey    = "ANTHROPIC_API_KEY"
	defaultModel = "claude-sonnet-4-20250514"
	maxTokens    = 8192
)

func init() {
	client.RegisterBackend(client.BackendAnthropic, func() client.Invoker {
		return New(os.Getenv(envAPIKey))
	})
}

// Invoker calls the Anthropic API.
type Invoker struct {
	apiKey string
	sdk    anthropic.Client
}

// New creates an Anthropic-backed invoker.
func New(apiKey string) *Invoker {
	return &Invoker{
		apiKey: apiKey,
		sdk:    anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Backend implements client.Invoker.
func (c *Invoker) Backend() client.Backend { return client.BackendAnthropic }

// CheckAvailable verifies an API key is configured.
func (c *Invoker) CheckAvailable(_ context.Context) error {
	if c.apiKey == "" {
		return &client.InvokeError{
			Kind: client.KindProcess, Backend: client.BackendAnthropic,
			Message: envAPIKey + " is not set",
		}
	}
	return nil
}

// Invoke runs one Messages API call.
func (c *Invoker) Invoke(ctx context.Context, req client.Request) (*client.Response, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Persona != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Persona}}
	}

	start := time.Now()
	message, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, client.Classify(ctx, client.BackendAnthropic, "messages API call failed", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		text.WriteString(block.Text)
	}

	return &client.Response{
		Text:     text.String(),
		Duration: time.Since(start),
		Tokens: client.TokenCounts{
			Input:  int(message.Usage.InputTokens),
			Output: int(message.Usage.OutputTokens),
		},
	}, nil
}
