// Package openaiapi invokes the OpenAI chat completions API. Like the
// Anthropic backend it is a plain prompt-in, text-out call with no
// session continuity.
package openaiapi

import (
	"context"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/taskweave/taskweave/internal/orchestration/client"
)

const (
	envAPIKey    = "OPENAI_API_KEY"
	defaultModel = "gpt-4o"
)

func init() {
	client.RegisterBackend(client.BackendOpenAI, func() client.Invoker {
		return New(os.Getenv(envAPIKey))
	})
}

// Invoker calls the OpenAI API.
type Invoker struct {
	apiKey string
	sdk    openai.Client
}

// New creates an OpenAI-backed invoker.
func New(apiKey string) *Invoker {
	return &Invoker{
		apiKey: apiKey,
		sdk:    openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Backend implements client.Invoker.
func (c *Invoker) Backend() client.Backend { return client.BackendOpenAI }

// CheckAvailable verifies an API key is configured.
func (c *Invoker) CheckAvailable(_ context.Context) error {
	if c.apiKey == "" {
		return &client.InvokeError{
			Kind: client.KindProcess, Backend: client.BackendOpenAI,
			Message: envAPIKey + " is not set",
		}
	}
	return nil
}

// Invoke runs one chat completion call.
func (c *Invoker) Invoke(ctx context.Context, req client.Request) (*client.Response, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.Persona != "" {
		messages = append(messages, openai.SystemMessage(req.Persona))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	start := time.Now()
	completion, err := c.sdk.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return nil, client.Classify(ctx, client.BackendOpenAI, "chat completion call failed", err)
	}
	if len(completion.Choices) == 0 {
		return nil, &client.InvokeError{
			Kind: client.KindProcess, Backend: client.BackendOpenAI,
			Message: "empty choices in completion response",
		}
	}

	return &client.Response{
		Text:     completion.Choices[0].Message.Content,
		Duration: time.Since(start),
		Tokens: client.TokenCounts{
			Input:  int(completion.Usage.PromptTokens),
			Output: int(completion.Usage.CompletionTokens),
		},
	}, nil
}
