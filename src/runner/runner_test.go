package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apimgr/assistant/src/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func agentTask() *task.Task {
	return &task.Task{
		ID:       1,
		Title:    "Summarize inbox",
		TaskType: task.TypeAutomated,
	}
}

func TestAgentExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req chatRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request not JSON: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "Summarize inbox") {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "3 unread, nothing urgent"}},
			},
		})
	}))
	defer srv.Close()

	r := NewAgentRunner(AgentConfig{URL: srv.URL}, testLogger())
	res, err := r.Execute(context.Background(), agentTask())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Errorf("success = false, error = %q", res.Error)
	}
	if res.Output != "3 unread, nothing urgent" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestAgentExecutePromptCarriesAIContext(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request not JSON: %v", err)
		}
		if len(req.Messages) == 2 {
			prompt = req.Messages[1].Content
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "done"}},
			},
		})
	}))
	defer srv.Close()

	tk := &task.Task{
		ID:          2,
		Title:       "Check flights",
		Description: "Find options for next week",
		AIContext:   "user prefers morning departures from SFO",
		TaskType:    task.TypeAutomated,
	}
	r := NewAgentRunner(AgentConfig{URL: srv.URL}, testLogger())
	if _, err := r.Execute(context.Background(), tk); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"Check flights", "Find options for next week", "user prefers morning departures from SFO"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt %q missing %q", prompt, want)
		}
	}
}

func TestAgentExecuteMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json at all")
	}))
	defer srv.Close()

	r := NewAgentRunner(AgentConfig{URL: srv.URL}, testLogger())
	res, err := r.Execute(context.Background(), agentTask())
	if err != nil {
		t.Fatalf("malformed response should not be a transport error: %v", err)
	}
	if res.Success {
		t.Error("success = true, want failed result")
	}
	if !strings.Contains(res.Error, "malformed") {
		t.Errorf("error = %q, want malformed marker", res.Error)
	}
}

func TestAgentExecuteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewAgentRunner(AgentConfig{URL: srv.URL}, testLogger())
	_, err := r.Execute(context.Background(), agentTask())
	if !errors.Is(err, task.ErrTransientUpstream) {
		t.Errorf("err = %v, want ErrTransientUpstream", err)
	}
}

func TestAgentExecuteClientErrorIsFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":{"message":"bad prompt"}}`)
	}))
	defer srv.Close()

	r := NewAgentRunner(AgentConfig{URL: srv.URL}, testLogger())
	res, err := r.Execute(context.Background(), agentTask())
	if err != nil {
		t.Fatalf("4xx should be a failed result, not an error: %v", err)
	}
	if res.Success {
		t.Error("success = true, want failed")
	}
}

func TestAgentExecuteHonorsContext(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	r := NewAgentRunner(AgentConfig{URL: srv.URL}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := r.Execute(ctx, agentTask())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestAgentExecuteUnconfigured(t *testing.T) {
	r := NewAgentRunner(AgentConfig{}, testLogger())
	_, err := r.Execute(context.Background(), agentTask())
	if !errors.Is(err, task.ErrChannelUnavailable) {
		t.Errorf("err = %v, want ErrChannelUnavailable", err)
	}
}

func TestAgentExecuteAuthHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	r := NewAgentRunner(AgentConfig{URL: srv.URL, APIKey: "sk-test"}, testLogger())
	if _, err := r.Execute(context.Background(), agentTask()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestNoopRunner(t *testing.T) {
	res, err := NoopRunner{}.Execute(context.Background(), agentTask())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Error("noop should succeed")
	}
}
