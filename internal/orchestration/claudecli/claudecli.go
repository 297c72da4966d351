// Package claudecli invokes the Claude Code CLI in headless print mode.
// The CLI owns authentication and tool use; this package only shells out,
// parses the JSON result envelope, and classifies failures.
package claudecli

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/client"
)

const binaryName = "claude"

func init() {
	client.RegisterBackend(client.BackendClaudeCLI, func() client.Invoker {
		return &Invoker{}
	})
}

// Invoker shells out to the claude binary.
type Invoker struct {
	// Binary overrides the executable name, for tests.
	Binary string
}

// Backend implements client.Invoker.
func (c *Invoker) Backend() client.Backend { return client.BackendClaudeCLI }

// CheckAvailable verifies the CLI binary is on PATH.
func (c *Invoker) CheckAvailable(_ context.Context) error {
	if _, err := exec.LookPath(c.binary()); err != nil {
		return &client.InvokeError{
			Kind: client.KindProcess, Backend: client.BackendClaudeCLI,
			Message: "claude binary not found on PATH", Err: err,
		}
	}
	return nil
}

func (c *Invoker) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return binaryName
}

// resultEnvelope is the CLI's --output-format json shape.
type resultEnvelope struct {
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	IsError      bool    `json:"is_error"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke runs one headless CLI invocation.
func (c *Invoker) Invoke(ctx context.Context, req client.Request) (*client.Response, error) {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if req.Persona != "" {
		args = append(args, "--append-system-prompt", req.Persona)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.CommandContext(ctx, c.binary(), args...) //nolint:gosec // G204: fixed binary, args built here
	cmd.Dir = req.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	log.Debug(log.CatBackend, "Spawning claude CLI", "workDir", req.WorkDir, "resume", req.SessionID != "")
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "claude CLI exited with error"
		}
		return nil, client.Classify(ctx, client.BackendClaudeCLI, msg, err)
	}

	env, err := parseEnvelope(stdout.Bytes())
	if err != nil {
		return nil, client.Classify(ctx, client.BackendClaudeCLI, "unparseable CLI output", err)
	}
	if env.IsError {
		return nil, &client.InvokeError{
			Kind: client.KindProcess, Backend: client.BackendClaudeCLI,
			Message: env.Result,
		}
	}

	return &client.Response{
		Text:      env.Result,
		SessionID: env.SessionID,
		Duration:  elapsed,
		CostUSD:   env.TotalCostUSD,
		Tokens:    client.TokenCounts{Input: env.Usage.InputTokens, Output: env.Usage.OutputTokens},
	}, nil
}

// parseEnvelope decodes the CLI result, tolerating trailing log noise via
// a repair pass.
func parseEnvelope(raw []byte) (*resultEnvelope, error) {
	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err == nil {
		return &env, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &env); err != nil {
		return nil, err
	}
	return &env, nil
}
