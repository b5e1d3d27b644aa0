package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/s33g/azure-chat/internal/llm"
)

// Message represents a conversation message
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
	Tokens  int    `json:"tokens,omitempty"` // server-reported completion tokens for assistant turns
}

// Conversation represents session metadata
type Conversation struct {
	SessionID    string
	Deployment   string
	SystemPrompt string
	TokenCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ToMap converts conversation to a map for Redis HSET
func (c *Conversation) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"deployment":    c.Deployment,
		"system_prompt": c.SystemPrompt,
		"token_count":   c.TokenCount,
		"created_at":    c.CreatedAt.Unix(),
		"updated_at":    c.UpdatedAt.Unix(),
	}
}

// FromMap populates conversation from Redis HGETALL result
func (c *Conversation) FromMap(sessionID string, m map[string]string) error {
	c.SessionID = sessionID
	c.Deployment = m["deployment"]
	c.SystemPrompt = m["system_prompt"]

	var tokenCount int64
	if _, err := fmt.Sscanf(m["token_count"], "%d", &tokenCount); err == nil {
		c.TokenCount = int(tokenCount)
	}

	var createdAt, updatedAt int64
	if _, err := fmt.Sscanf(m["created_at"], "%d", &createdAt); err == nil {
		c.CreatedAt = time.Unix(createdAt, 0)
	}
	if _, err := fmt.Sscanf(m["updated_at"], "%d", &updatedAt); err == nil {
		c.UpdatedAt = time.Unix(updatedAt, 0)
	}

	return nil
}

// MarshalMessage converts a Message to JSON for storage
func MarshalMessage(m Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalMessage converts JSON to a Message
func UnmarshalMessage(data string) (Message, error) {
	var m Message
	err := json.Unmarshal([]byte(data), &m)
	return m, err
}

// BuildContext turns a transcript into request messages, with the system
// prompt first when one is set
func BuildContext(systemPrompt string, history []Message) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, llm.NewMessage(llm.RoleSystem, systemPrompt))
	}
	for _, m := range history {
		messages = append(messages, llm.NewMessage(llm.ChatRole(m.Role), m.Content))
	}
	return messages
}
