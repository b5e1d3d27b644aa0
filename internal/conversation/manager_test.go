package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/s33g/azure-chat/internal/config"
	"github.com/s33g/azure-chat/internal/storage"
)

// Note: These tests require a running Redis instance
// Run: docker run -d -p 6379:6379 redis:7-alpine

func getTestClient(t *testing.T) *storage.Client {
	t.Helper()

	cfg := config.RedisConfig{
		Address:   "localhost:6379",
		DB:        15, // Use DB 15 for testing
		KeyPrefix: "test:",
	}

	client, err := storage.NewClient(context.Background(), cfg)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clean test database
	client.Redis().FlushDB(context.Background())

	return client
}

func TestManager_CreateAndGet(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	mgr := NewManager(client, time.Hour, 50)
	ctx := context.Background()

	conv := Conversation{
		SessionID:    "session123",
		Deployment:   "gpt4o",
		SystemPrompt: "You are a test assistant.",
	}

	if err := mgr.Create(ctx, conv); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := mgr.Get(ctx, "session123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.SessionID != conv.SessionID {
		t.Errorf("SessionID = %v, want %v", got.SessionID, conv.SessionID)
	}
	if got.Deployment != conv.Deployment {
		t.Errorf("Deployment = %v, want %v", got.Deployment, conv.Deployment)
	}
	if got.SystemPrompt != conv.SystemPrompt {
		t.Errorf("SystemPrompt = %v, want %v", got.SystemPrompt, conv.SystemPrompt)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	ttl := client.Redis().TTL(ctx, client.Keys().Session("session123")).Val()
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("Expected TTL within an hour, got %v", ttl)
	}
}

func TestManager_GetMissing(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	mgr := NewManager(client, time.Hour, 50)
	if _, err := mgr.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_AddAndGetMessages(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	mgr := NewManager(client, time.Hour, 50)
	ctx := context.Background()

	if err := mgr.Create(ctx, Conversation{SessionID: "session123", Deployment: "gpt4o"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	messages := []Message{
		{Role: "user", Content: "Hello!"},
		{Role: "assistant", Content: "Hi there!", Tokens: 4},
	}

	for _, msg := range messages {
		if err := mgr.AddMessage(ctx, "session123", msg); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}

	got, err := mgr.GetMessages(ctx, "session123")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}

	if len(got) != len(messages) {
		t.Fatalf("Got %d messages, want %d", len(got), len(messages))
	}

	for i, want := range messages {
		if got[i] != want {
			t.Errorf("Message %d = %+v, want %+v", i, got[i], want)
		}
	}
}

func TestManager_ClearMessages(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	mgr := NewManager(client, time.Hour, 50)
	ctx := context.Background()

	mgr.Create(ctx, Conversation{SessionID: "session123"})
	mgr.AddMessage(ctx, "session123", Message{Role: "user", Content: "Test"})

	if err := mgr.ClearMessages(ctx, "session123"); err != nil {
		t.Fatalf("ClearMessages() error = %v", err)
	}

	messages, err := mgr.GetMessages(ctx, "session123")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Got %d messages after clear, want 0", len(messages))
	}

	// Verify conversation still exists
	if _, err := mgr.Get(ctx, "session123"); err != nil {
		t.Errorf("Conversation should still exist after clearing messages")
	}
}

func TestManager_UpdateDeploymentAndTokens(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	mgr := NewManager(client, time.Hour, 50)
	ctx := context.Background()

	mgr.Create(ctx, Conversation{SessionID: "session123", Deployment: "a"})

	if err := mgr.UpdateDeployment(ctx, "session123", "b"); err != nil {
		t.Fatalf("UpdateDeployment() error = %v", err)
	}
	if err := mgr.IncrementTokenCount(ctx, "session123", 12); err != nil {
		t.Fatalf("IncrementTokenCount() error = %v", err)
	}
	if err := mgr.IncrementTokenCount(ctx, "session123", 8); err != nil {
		t.Fatalf("IncrementTokenCount() error = %v", err)
	}

	got, _ := mgr.Get(ctx, "session123")
	if got.Deployment != "b" {
		t.Errorf("Deployment = %v, want b", got.Deployment)
	}
	if got.TokenCount != 20 {
		t.Errorf("TokenCount = %d, want 20", got.TokenCount)
	}
}

func TestManager_Delete(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	mgr := NewManager(client, time.Hour, 50)
	ctx := context.Background()

	mgr.Create(ctx, Conversation{SessionID: "session123"})
	mgr.AddMessage(ctx, "session123", Message{Role: "user", Content: "Test"})

	if err := mgr.Delete(ctx, "session123"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := mgr.Get(ctx, "session123"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if n := client.Redis().Exists(ctx, client.Keys().Messages("session123")).Val(); n != 0 {
		t.Errorf("Expected messages key to be deleted")
	}
}

func TestManager_MessageTrimming(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	// Create manager with small max messages
	mgr := NewManager(client, time.Hour, 3)
	ctx := context.Background()

	mgr.Create(ctx, Conversation{SessionID: "session123"})

	// Add more messages than max
	for i := 0; i < 5; i++ {
		mgr.AddMessage(ctx, "session123", Message{
			Role:    "user",
			Content: string(rune('A' + i)), // A, B, C, D, E
		})
	}

	messages, _ := mgr.GetMessages(ctx, "session123")
	if len(messages) != 3 {
		t.Fatalf("Got %d messages, want 3", len(messages))
	}

	// Should be C, D, E (last 3)
	expected := []string{"C", "D", "E"}
	for i, want := range expected {
		if messages[i].Content != want {
			t.Errorf("Message %d: Content = %v, want %v", i, messages[i].Content, want)
		}
	}
}
