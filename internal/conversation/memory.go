package conversation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps conversations in process memory, for running without Redis
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	maxMessages   int
}

// NewMemoryStore creates an empty store that keeps at most maxMessages per session
func NewMemoryStore(maxMessages int) *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		maxMessages:   maxMessages,
	}
}

func (s *MemoryStore) Create(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	s.conversations[conv.SessionID] = &conv
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *MemoryStore) AddMessage(_ context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.messages[sessionID], msg)
	if s.maxMessages > 0 && len(msgs) > s.maxMessages {
		msgs = append([]Message(nil), msgs[len(msgs)-s.maxMessages:]...)
	}
	s.messages[sessionID] = msgs

	if conv, ok := s.conversations[sessionID]; ok {
		conv.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) GetMessages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Message(nil), s.messages[sessionID]...), nil
}

func (s *MemoryStore) ClearMessages(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, sessionID)
	return nil
}

func (s *MemoryStore) IncrementTokenCount(_ context.Context, sessionID string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[sessionID]; ok {
		conv.TokenCount += tokens
	}
	return nil
}

func (s *MemoryStore) UpdateDeployment(_ context.Context, sessionID, deployment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[sessionID]; ok {
		conv.Deployment = deployment
		conv.UpdatedAt = time.Now()
	}
	return nil
}
