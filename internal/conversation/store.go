package conversation

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session has no stored conversation
var ErrNotFound = errors.New("conversation not found")

// Store keeps session transcripts. Manager is backed by Redis; MemoryStore
// keeps them for the lifetime of the process.
type Store interface {
	Create(ctx context.Context, conv Conversation) error
	Get(ctx context.Context, sessionID string) (*Conversation, error)
	Delete(ctx context.Context, sessionID string) error
	AddMessage(ctx context.Context, sessionID string, msg Message) error
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)
	ClearMessages(ctx context.Context, sessionID string) error
	IncrementTokenCount(ctx context.Context, sessionID string, tokens int) error
	UpdateDeployment(ctx context.Context, sessionID, deployment string) error
}

var (
	_ Store = (*Manager)(nil)
	_ Store = (*MemoryStore)(nil)
)
