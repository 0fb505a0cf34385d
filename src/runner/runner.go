// Package runner executes the work a task describes. The production
// implementation delegates to an LLM agent service over HTTP; tests and
// reminder-only deployments use NoopRunner.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/apimgr/assistant/src/task"
)

// ExecutionResult is the outcome of one task run.
type ExecutionResult struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TaskRunner executes a task's work. An error return means the attempt
// itself could not be made; a result with Success=false means the
// attempt ran and failed.
type TaskRunner interface {
	Execute(ctx context.Context, t *task.Task) (*ExecutionResult, error)
}

// AgentConfig configures the LLM agent endpoint.
type AgentConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// AgentRunner executes tasks by prompting an LLM agent service.
type AgentRunner struct {
	cfg    AgentConfig
	client *http.Client
	logger *slog.Logger
}

// NewAgentRunner creates the agent-backed runner.
func NewAgentRunner(cfg AgentConfig, logger *slog.Logger) *AgentRunner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &AgentRunner{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Execute prompts the agent with the task description and returns its
// reply as the run output. Transport failures are returned as errors;
// agent-reported failures and malformed replies come back as an
// unsuccessful result.
func (r *AgentRunner) Execute(ctx context.Context, t *task.Task) (*ExecutionResult, error) {
	if r.cfg.URL == "" {
		return nil, fmt.Errorf("agent URL not configured: %w", task.ErrChannelUnavailable)
	}
	start := time.Now()

	prompt := t.Title
	if t.Description != "" {
		prompt += "\n\n" + t.Description
	}
	if t.AIContext != "" {
		prompt += "\n\nContext:\n" + t.AIContext
	}
	payload, err := json.Marshal(chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a task execution assistant. Complete the task described by the user and report the result."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.cfg.URL, "/")+"/v1/chat/completions",
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent call: %w", ctx.Err())
		}
		return nil, fmt.Errorf("agent call: %w: %v", task.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	elapsed := time.Since(start)
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("agent returned %d: %w", resp.StatusCode, task.ErrTransientUpstream)
	}
	if resp.StatusCode >= 400 {
		return &ExecutionResult{
			Success:  false,
			Error:    fmt.Sprintf("agent rejected request: %d %s", resp.StatusCode, strings.TrimSpace(string(body))),
			Duration: elapsed,
		}, nil
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		r.logger.Warn("agent returned malformed response",
			"task_id", t.ID, "error", err)
		return &ExecutionResult{
			Success:  false,
			Error:    "malformed agent response: " + err.Error(),
			Duration: elapsed,
		}, nil
	}
	if parsed.Error != nil {
		return &ExecutionResult{
			Success:  false,
			Error:    parsed.Error.Message,
			Duration: elapsed,
		}, nil
	}
	if len(parsed.Choices) == 0 {
		return &ExecutionResult{
			Success:  false,
			Error:    "agent returned no choices",
			Duration: elapsed,
		}, nil
	}

	return &ExecutionResult{
		Success:  true,
		Output:   parsed.Choices[0].Message.Content,
		Duration: elapsed,
	}, nil
}

// NoopRunner succeeds immediately without doing work. Reminder tasks
// need no execution beyond their notification.
type NoopRunner struct{}

func (NoopRunner) Execute(ctx context.Context, t *task.Task) (*ExecutionResult, error) {
	return &ExecutionResult{Success: true, Duration: 0}, nil
}
