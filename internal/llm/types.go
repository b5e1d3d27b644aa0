package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Wire types for the Azure OpenAI chat completions API

// ErrEmptyMessages is returned when options carry no messages
var ErrEmptyMessages = errors.New("messages must not be empty")

// ChatRole is the author of a chat message
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one chat turn. Both fields are optional on the wire.
type ChatMessage struct {
	Content *string   `json:"content,omitempty"`
	Role    *ChatRole `json:"role,omitempty"`
}

// NewMessage creates a message with both fields set
func NewMessage(role ChatRole, content string) ChatMessage {
	return ChatMessage{Content: &content, Role: &role}
}

// Text returns the content or "" when absent
func (m ChatMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// CompletionOptions is the request payload. Nil fields are omitted.
type CompletionOptions struct {
	Messages              []ChatMessage `json:"messages"`
	Temperature           *float32      `json:"temperature,omitempty"`
	NucleusSamplingFactor *float32      `json:"top_p,omitempty"`
	ChoicesPerPrompt      *int          `json:"n,omitempty"`
	Stream                *bool         `json:"stream,omitempty"`
	StopSequences         []string      `json:"stop,omitempty"`
	MaxTokens             *int          `json:"max_tokens,omitempty"`
	PresencePenalty       *float32      `json:"presence_penalty,omitempty"`
	FrequencyPenalty      *float32      `json:"frequency_penalty,omitempty"`
	TokenSelectionBiases  map[int]int   `json:"logit_bias,omitempty"`
	User                  *string       `json:"user,omitempty"`
}

// Ptr returns a pointer to v, for filling optional fields
func Ptr[T any](v T) *T {
	return &v
}

// Marshal serializes the options for the wire
func (o *CompletionOptions) Marshal() ([]byte, error) {
	if len(o.Messages) == 0 {
		return nil, ErrEmptyMessages
	}
	return json.Marshal(o)
}

// Usage is the server-reported token usage
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Validate checks that counts are non-negative and add up
func (u Usage) Validate() error {
	if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.TotalTokens < 0 {
		return fmt.Errorf("usage has negative token counts: %+v", u)
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		return fmt.Errorf("usage total_tokens %d != prompt_tokens %d + completion_tokens %d",
			u.TotalTokens, u.PromptTokens, u.CompletionTokens)
	}
	return nil
}

// ChatChoice is one completion alternative
type ChatChoice struct {
	Message      ChatMessage `json:"message"`
	Index        *int        `json:"index,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

// UnmarshalJSON accepts "delta" in place of "message", as sent in streaming chunks
func (c *ChatChoice) UnmarshalJSON(data []byte) error {
	var wire struct {
		Message      *ChatMessage `json:"message"`
		Delta        *ChatMessage `json:"delta"`
		Index        *int         `json:"index"`
		FinishReason *string      `json:"finish_reason"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*c = ChatChoice{Index: wire.Index}
	switch {
	case wire.Message != nil:
		c.Message = *wire.Message
	case wire.Delta != nil:
		c.Message = *wire.Delta
	}
	if wire.FinishReason != nil {
		c.FinishReason = *wire.FinishReason
	}
	return nil
}

// ChatCompletions is a non-streaming response
type ChatCompletions struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Usage   Usage        `json:"usage"`
	Choices []ChatChoice `json:"choices"`
}

// CreatedAt returns the creation timestamp
func (c *ChatCompletions) CreatedAt() time.Time {
	return time.Unix(c.Created, 0).UTC()
}

// StreamingChatCompletions is one streamed chunk
type StreamingChatCompletions struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// CreatedAt returns the creation timestamp
func (c *StreamingChatCompletions) CreatedAt() time.Time {
	return time.Unix(c.Created, 0).UTC()
}

// DecodeCompletions parses and validates a non-streaming response body
func DecodeCompletions(data []byte) (*ChatCompletions, error) {
	if err := requireFields(data, "id", "object", "created", "model", "choices",
		"usage.prompt_tokens", "usage.completion_tokens", "usage.total_tokens"); err != nil {
		return nil, err
	}
	if err := requireChoices(data, false); err != nil {
		return nil, err
	}

	var resp ChatCompletions
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("response has no choices")
	}
	if err := resp.Usage.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeChunk parses and validates one streaming chunk payload
func DecodeChunk(data []byte) (*StreamingChatCompletions, error) {
	if err := requireFields(data, "id", "object", "created", "model", "choices"); err != nil {
		return nil, err
	}
	if err := requireChoices(data, true); err != nil {
		return nil, err
	}

	var chunk StreamingChatCompletions
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

func requireFields(data []byte, paths ...string) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid JSON")
	}
	for _, path := range paths {
		if v := gjson.GetBytes(data, path); !v.Exists() || v.Type == gjson.Null {
			return fmt.Errorf("required field %q is missing", path)
		}
	}
	return nil
}

// requireChoices checks per-choice required fields. Streaming chunks carry
// "delta" and leave finish_reason null or absent until the last chunk.
func requireChoices(data []byte, streaming bool) error {
	choices := gjson.GetBytes(data, "choices")
	if !choices.IsArray() {
		return errors.New("field \"choices\" is not an array")
	}

	var err error
	choices.ForEach(func(key, choice gjson.Result) bool {
		message := choice.Get("message")
		if streaming && !message.Exists() {
			message = choice.Get("delta")
		}
		if !message.IsObject() {
			err = fmt.Errorf("choices[%d].message is missing", key.Int())
			return false
		}
		if finish := choice.Get("finish_reason"); !streaming && (!finish.Exists() || finish.Type == gjson.Null) {
			err = fmt.Errorf("choices[%d].finish_reason is missing", key.Int())
			return false
		}
		return true
	})
	return err
}
