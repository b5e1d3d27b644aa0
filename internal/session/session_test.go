package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/s33g/azure-chat/internal/config"
	"github.com/s33g/azure-chat/internal/conversation"
	"github.com/s33g/azure-chat/internal/llm"
)

// fakeAzure answers chat completions and remembers the last request
type fakeAzure struct {
	mu       sync.Mutex
	requests []llm.CompletionOptions
	status   int
}

func (f *fakeAzure) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req llm.CompletionOptions
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		io.WriteString(w, "slow down")
		return
	}

	n := len(req.Messages)
	if req.Stream != nil && *req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, part := range []string{"str", "eamed"} {
			finish := "null"
			if i == 1 {
				finish = `"stop"`
			}
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":%s}]}\n\n", part, finish)
		}
		io.WriteString(w, "data: [DONE]\n\n")
		return
	}

	fmt.Fprintf(w, `{"id":"c","object":"chat.completion","created":1,"model":"gpt-4o",
"usage":{"prompt_tokens":%d,"completion_tokens":2,"total_tokens":%d},
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"reply %d"}}]}`, n*10, n*10+2, n)
}

func (f *fakeAzure) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeAzure) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAzure) last() llm.CompletionOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func testConfig(endpoint string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Deployments = []config.Deployment{
		{
			Name:     "primary",
			Endpoint: endpoint + "/primary",
			Auth:     config.AuthConfig{Type: config.AuthAPIKey, KeyEnv: "AZCHAT_SESSION_TEST_KEY"},
		},
		{
			Name:     "secondary",
			Endpoint: endpoint + "/secondary",
			Auth:     config.AuthConfig{Type: config.AuthAPIKey, KeyEnv: "AZCHAT_SESSION_TEST_KEY"},
		},
	}
	cfg.Conversation.SystemPrompt = "Be brief."
	return cfg
}

func newTestSession(t *testing.T) (*Session, *fakeAzure) {
	t.Helper()
	t.Setenv("AZCHAT_SESSION_TEST_KEY", "test-key")

	fake := &fakeAzure{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	s, err := New(context.Background(), testConfig(server.URL), "", "", zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s, fake
}

func TestSession_AskKeepsHistory(t *testing.T) {
	s, fake := newTestSession(t)
	ctx := context.Background()

	if s.ID() == "" {
		t.Fatal("Expected a generated session ID")
	}
	if s.Deployment() != "primary" {
		t.Errorf("Expected default deployment primary, got %s", s.Deployment())
	}

	reply, err := s.Ask(ctx, "first", AskOptions{})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if reply.Content != "reply 2" {
		t.Errorf("Unexpected content %q", reply.Content)
	}
	if reply.Usage == nil || reply.Usage.TotalTokens != 22 {
		t.Errorf("Unexpected usage %+v", reply.Usage)
	}
	if reply.FinishReason != "stop" || reply.Model != "gpt-4o" || reply.Deployment != "primary" {
		t.Errorf("Unexpected reply %+v", reply)
	}

	if _, err := s.Ask(ctx, "second", AskOptions{}); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	req := fake.last()
	var roles []string
	for _, m := range req.Messages {
		roles = append(roles, string(*m.Role))
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Errorf("Unexpected request roles %v", roles)
	}
	if req.Messages[0].Text() != "Be brief." || req.Messages[2].Text() != "reply 2" {
		t.Errorf("Unexpected request messages %+v", req.Messages)
	}

	history, err := s.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("Expected 4 stored messages, got %d", len(history))
	}
	if history[1].Tokens != 2 {
		t.Errorf("Expected completion tokens on assistant message, got %d", history[1].Tokens)
	}
}

func TestSession_AskStream(t *testing.T) {
	s, fake := newTestSession(t)

	var deltas []string
	reply, err := s.Ask(context.Background(), "hello", AskOptions{
		Stream:  true,
		OnDelta: func(d string) { deltas = append(deltas, d) },
	})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	if reply.Content != "streamed" {
		t.Errorf("Expected streamed, got %q", reply.Content)
	}
	if strings.Join(deltas, "|") != "str|eamed" {
		t.Errorf("Unexpected deltas %v", deltas)
	}
	if reply.FinishReason != "stop" {
		t.Errorf("Expected finish reason stop, got %q", reply.FinishReason)
	}
	if reply.Usage != nil {
		t.Errorf("Expected no usage for streamed reply, got %+v", reply.Usage)
	}
	if req := fake.last(); req.Stream == nil || !*req.Stream {
		t.Error("Expected a streaming request")
	}

	history, _ := s.History(context.Background())
	if len(history) != 2 || history[1].Content != "streamed" {
		t.Errorf("Expected streamed exchange in history, got %+v", history)
	}
}

func TestSession_AskRateLimited(t *testing.T) {
	s, fake := newTestSession(t)
	fake.setStatus(http.StatusTooManyRequests)

	_, err := s.Ask(context.Background(), "hello", AskOptions{})

	var cerr *llm.CallError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *llm.CallError, got %v", err)
	}
	if cerr.Kind != llm.KindRateLimited {
		t.Errorf("Expected rate limited, got %v", cerr.Kind)
	}

	history, _ := s.History(context.Background())
	if len(history) != 0 {
		t.Errorf("Expected failed exchange not to be stored, got %d messages", len(history))
	}
}

func TestSession_Deployments(t *testing.T) {
	s, fake := newTestSession(t)
	ctx := context.Background()

	if got := s.Deployments(); len(got) != 2 {
		t.Errorf("Expected 2 deployments, got %v", got)
	}

	if err := s.SetDeployment(ctx, "missing"); err == nil {
		t.Error("Expected error for unknown deployment")
	}
	if err := s.SetDeployment(ctx, "secondary"); err != nil {
		t.Fatalf("SetDeployment() error = %v", err)
	}

	reply, err := s.Ask(ctx, "hi", AskOptions{})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if reply.Deployment != "secondary" {
		t.Errorf("Expected secondary deployment, got %s", reply.Deployment)
	}

	reply, err = s.Ask(ctx, "hi", AskOptions{Deployment: "primary"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if reply.Deployment != "primary" {
		t.Errorf("Expected per-call override, got %s", reply.Deployment)
	}
	if fake.count() != 2 {
		t.Errorf("Expected 2 requests, got %d", fake.count())
	}
}

func TestSession_ReloadRemovesDeployment(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.SetDeployment(ctx, "secondary"); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig("http://localhost")
	cfg.Deployments = cfg.Deployments[:1]
	if err := s.Reload(cfg); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if s.Deployment() != "primary" {
		t.Errorf("Expected fallback to primary, got %s", s.Deployment())
	}
}

func TestSession_ResetAndUsage(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if _, err := s.Ask(ctx, "hi", AskOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if history, _ := s.History(ctx); len(history) != 0 {
		t.Errorf("Expected empty history after reset, got %d", len(history))
	}

	if _, err := s.Usage(ctx); !errors.Is(err, ErrUsageDisabled) {
		t.Errorf("Expected ErrUsageDisabled without redis, got %v", err)
	}
}

func TestSession_Delete(t *testing.T) {
	s, fake := newTestSession(t)
	ctx := context.Background()

	if _, err := s.Ask(ctx, "hi", AskOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := s.store.Get(ctx, s.ID()); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("Expected conversation to be gone, got %v", err)
	}
	if history, _ := s.History(ctx); len(history) != 0 {
		t.Errorf("Expected no history after delete, got %d messages", len(history))
	}

	if _, err := s.Ask(ctx, "again", AskOptions{}); !errors.Is(err, ErrDeleted) {
		t.Errorf("Expected ErrDeleted, got %v", err)
	}
	if fake.count() != 1 {
		t.Errorf("Expected no request after delete, got %d", fake.count())
	}
}

func TestNew_MissingSecret(t *testing.T) {
	t.Setenv("AZCHAT_SESSION_TEST_KEY", "")

	if _, err := New(context.Background(), testConfig("http://localhost"), "", "", zerolog.Nop()); err == nil {
		t.Error("Expected error when the key variable is empty")
	}
}
