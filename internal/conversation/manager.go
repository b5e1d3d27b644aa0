package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/s33g/azure-chat/internal/storage"
)

// Manager handles conversation storage and retrieval in Redis
type Manager struct {
	client      *storage.Client
	ttl         time.Duration
	maxMessages int
}

// NewManager creates a new conversation manager
func NewManager(client *storage.Client, ttl time.Duration, maxMessages int) *Manager {
	return &Manager{
		client:      client,
		ttl:         ttl,
		maxMessages: maxMessages,
	}
}

// Create creates a new conversation
func (m *Manager) Create(ctx context.Context, conv Conversation) error {
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	key := m.client.Keys().Session(conv.SessionID)

	pipe := m.client.Redis().TxPipeline()
	pipe.HSet(ctx, key, conv.ToMap())
	pipe.Expire(ctx, key, m.ttl)
	pipe.Expire(ctx, m.client.Keys().Messages(conv.SessionID), m.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

// Get retrieves a conversation by session ID
func (m *Manager) Get(ctx context.Context, sessionID string) (*Conversation, error) {
	key := m.client.Keys().Session(sessionID)

	data, err := m.client.Redis().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if len(data) == 0 {
		return nil, ErrNotFound
	}

	var conv Conversation
	if err := conv.FromMap(sessionID, data); err != nil {
		return nil, err
	}

	return &conv, nil
}

// Delete deletes a conversation and its messages
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	pipe := m.client.Redis().Pipeline()
	pipe.Del(ctx, m.client.Keys().Session(sessionID))
	pipe.Del(ctx, m.client.Keys().Messages(sessionID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	return nil
}

// AddMessage appends a message, trims the history to the newest maxMessages
// and refreshes the TTL of the session
func (m *Manager) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msgKey := m.client.Keys().Messages(sessionID)

	pipe := m.client.Redis().Pipeline()
	pipe.RPush(ctx, msgKey, data)
	if m.maxMessages > 0 {
		pipe.LTrim(ctx, msgKey, -int64(m.maxMessages), -1)
	}
	pipe.Expire(ctx, msgKey, m.ttl)
	pipe.HSet(ctx, m.client.Keys().Session(sessionID), "updated_at", time.Now().Unix())
	pipe.Expire(ctx, m.client.Keys().Session(sessionID), m.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}

	return nil
}

// GetMessages retrieves all messages in a conversation, oldest first
func (m *Manager) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	data, err := m.client.Redis().LRange(ctx, m.client.Keys().Messages(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	messages := make([]Message, 0, len(data))
	for _, d := range data {
		msg, err := UnmarshalMessage(d)
		if err != nil {
			// Skip malformed messages
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// ClearMessages removes all messages from a conversation (keeps conversation metadata)
func (m *Manager) ClearMessages(ctx context.Context, sessionID string) error {
	if err := m.client.Redis().Del(ctx, m.client.Keys().Messages(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	return nil
}

// UpdateDeployment changes the deployment a conversation talks to
func (m *Manager) UpdateDeployment(ctx context.Context, sessionID, deployment string) error {
	key := m.client.Keys().Session(sessionID)

	pipe := m.client.Redis().Pipeline()
	pipe.HSet(ctx, key, "deployment", deployment)
	pipe.HSet(ctx, key, "updated_at", time.Now().Unix())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}

	return nil
}

// IncrementTokenCount adds tokens to the conversation's total
func (m *Manager) IncrementTokenCount(ctx context.Context, sessionID string, tokens int) error {
	key := m.client.Keys().Session(sessionID)

	if err := m.client.Redis().HIncrBy(ctx, key, "token_count", int64(tokens)).Err(); err != nil {
		return fmt.Errorf("failed to increment token count: %w", err)
	}

	return nil
}
