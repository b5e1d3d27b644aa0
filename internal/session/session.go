package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/s33g/azure-chat/internal/config"
	"github.com/s33g/azure-chat/internal/conversation"
	"github.com/s33g/azure-chat/internal/llm"
	"github.com/s33g/azure-chat/internal/metrics"
	"github.com/s33g/azure-chat/internal/storage"
	"github.com/s33g/azure-chat/internal/usage"
)

var (
	// ErrUsageDisabled is returned by Usage when Redis is not configured
	ErrUsageDisabled = errors.New("usage tracking requires redis")
	// ErrDeleted is returned by Ask once the session has been deleted
	ErrDeleted = errors.New("session was deleted")
)

// Session is one chat conversation against the configured deployments
type Session struct {
	id            string
	config        *config.Config
	configPath    string // Path to config file for reload
	configWatcher *config.Watcher
	mu            sync.RWMutex
	deployment    string
	deleted       bool
	storage       *storage.Client // nil without redis
	registry      *llm.Registry
	ledger        *usage.Ledger // nil without redis
	store         conversation.Store
	logger        zerolog.Logger
}

// AskOptions tune a single exchange
type AskOptions struct {
	// Deployment overrides the session's deployment for this call
	Deployment string
	Stream     bool
	// OnDelta receives streamed content as it arrives
	OnDelta func(string)
}

// Reply is the assistant's answer to one prompt
type Reply struct {
	Content      string
	Deployment   string
	Model        string
	FinishReason string
	// Usage is nil for streamed replies; the service does not report it per chunk
	Usage *llm.Usage
}

// New creates a session. An empty sessionID starts a new conversation;
// a known one resumes it when Redis is enabled.
func New(ctx context.Context, cfg *config.Config, configPath, sessionID string, logger zerolog.Logger) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger = logger.With().Str("component", "session").Str("session", sessionID).Logger()

	client := llm.NewClient(&http.Client{Timeout: cfg.HTTP.Timeout()}, logger)
	registry, err := llm.NewRegistry(cfg, client)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize deployments: %w", err)
	}

	s := &Session{
		id:         sessionID,
		config:     cfg,
		configPath: configPath,
		registry:   registry,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		storageClient, err := storage.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		ledger, err := usage.NewLedger(ctx, storageClient, cfg.Redis.UsageRetention())
		if err != nil {
			storageClient.Close()
			return nil, fmt.Errorf("failed to initialize usage ledger: %w", err)
		}
		s.storage = storageClient
		s.ledger = ledger
		s.store = conversation.NewManager(storageClient, cfg.Conversation.TTL(), cfg.Conversation.MaxMessages)
	} else {
		s.store = conversation.NewMemoryStore(cfg.Conversation.MaxMessages)
	}

	if err := s.open(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, s.Reload, logger)
		if err != nil {
			// Non-fatal - just log the error
			s.logger.Warn().Err(err).Msg("Failed to create config watcher - hot reload disabled")
		} else {
			s.configWatcher = watcher
		}
	}

	return s, nil
}

// open resumes the stored conversation or creates it
func (s *Session) open(ctx context.Context) error {
	conv, err := s.store.Get(ctx, s.id)
	switch {
	case err == nil:
		if _, err := s.registry.Get(conv.Deployment); err != nil {
			s.logger.Warn().
				Str("deployment", conv.Deployment).
				Msg("Stored deployment is no longer configured, using default")
			conv.Deployment = ""
		}
		s.deployment = conv.Deployment
		s.logger.Info().
			Str("deployment", conv.Deployment).
			Int("tokens", conv.TokenCount).
			Msg("Resumed conversation")
		return nil

	case errors.Is(err, conversation.ErrNotFound):
		d, err := s.registry.Get("")
		if err != nil {
			return err
		}
		s.deployment = d.Name
		if err := s.store.Create(ctx, conversation.Conversation{
			SessionID:    s.id,
			Deployment:   d.Name,
			SystemPrompt: s.config.Conversation.SystemPrompt,
		}); err != nil {
			return err
		}
		s.logger.Info().Str("deployment", d.Name).Msg("Started conversation")
		return nil

	default:
		return err
	}
}

// Start starts watching the config file
func (s *Session) Start() {
	if s.configWatcher != nil {
		s.configWatcher.Start()
	}
}

// Stop stops the config watcher and closes storage
func (s *Session) Stop() {
	if s.configWatcher != nil {
		s.configWatcher.Stop()
	}
	s.closeStorage()
	s.logger.Info().Msg("Session stopped")
}

func (s *Session) closeStorage() {
	if s.storage == nil {
		return
	}
	if err := s.storage.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close Redis connection")
	}
}

// Reload applies a new configuration. Deployments and credentials are
// swapped; storage settings take effect on the next session.
func (s *Session) Reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.Reload(cfg); err != nil {
		return fmt.Errorf("failed to reload deployments: %w", err)
	}

	if _, err := s.registry.Get(s.deployment); err != nil {
		s.logger.Warn().
			Str("deployment", s.deployment).
			Msg("Deployment removed by reload, using default")
		s.deployment = ""
	}

	if cfg.Logging.Level != "" {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	s.config = cfg
	return nil
}

// ID returns the session ID, usable to resume the conversation later
func (s *Session) ID() string {
	return s.id
}

// Deployment returns the name of the deployment prompts are sent to
func (s *Session) Deployment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := s.registry.Get(s.deployment)
	if err != nil {
		return s.deployment
	}
	return d.Name
}

// Deployments lists the configured deployment names
func (s *Session) Deployments() []string {
	return s.registry.Names()
}

// SetDeployment switches the session to another configured deployment
func (s *Session) SetDeployment(ctx context.Context, name string) error {
	d, err := s.registry.Get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.deployment = d.Name
	s.mu.Unlock()

	if err := s.store.UpdateDeployment(ctx, s.id, d.Name); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save deployment")
	}
	return nil
}

// Reset forgets the conversation history, keeping the session
func (s *Session) Reset(ctx context.Context) error {
	return s.store.ClearMessages(ctx, s.id)
}

// Delete removes the conversation and its history from the store. The
// session cannot be asked again afterwards.
func (s *Session) Delete(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.id); err != nil {
		return err
	}

	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()

	s.logger.Info().Msg("Deleted conversation")
	return nil
}

// History returns the stored transcript, oldest first
func (s *Session) History(ctx context.Context) ([]conversation.Message, error) {
	return s.store.GetMessages(ctx, s.id)
}

// Usage returns today's recorded usage of the session's deployment
func (s *Session) Usage(ctx context.Context) (usage.Totals, error) {
	if s.ledger == nil {
		return usage.Totals{}, ErrUsageDisabled
	}
	return s.ledger.Totals(ctx, s.Deployment(), time.Now())
}

// Ask sends prompt with the conversation so far and records the exchange.
// A non-success outcome is returned as its *llm.CallError.
func (s *Session) Ask(ctx context.Context, prompt string, opts AskOptions) (*Reply, error) {
	s.mu.RLock()
	name := s.deployment
	systemPrompt := s.config.Conversation.SystemPrompt
	deleted := s.deleted
	s.mu.RUnlock()
	if deleted {
		return nil, ErrDeleted
	}
	if opts.Deployment != "" {
		name = opts.Deployment
	}

	d, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}

	if conv, err := s.store.Get(ctx, s.id); err == nil && conv.SystemPrompt != "" {
		systemPrompt = conv.SystemPrompt
	}

	history, err := s.store.GetMessages(ctx, s.id)
	if err != nil {
		return nil, err
	}
	messages := append(conversation.BuildContext(systemPrompt, history), llm.NewMessage(llm.RoleUser, prompt))

	s.logger.Info().
		Str("deployment", d.Name).
		Bool("stream", opts.Stream).
		Int("history", len(history)).
		Msg("Calling LLM")

	var reply *Reply
	if opts.Stream {
		reply, err = s.askStream(ctx, d.Name, messages, opts.OnDelta)
	} else {
		reply, err = s.ask(ctx, d.Name, messages)
	}
	if err != nil {
		return nil, err
	}

	s.record(ctx, prompt, reply)
	return reply, nil
}

func (s *Session) ask(ctx context.Context, name string, messages []llm.ChatMessage) (*Reply, error) {
	outcome := s.registry.Chat(ctx, name, messages)
	resp, ok := outcome.Value()
	if !ok {
		return nil, outcome.Err()
	}

	choice := resp.Choices[0]
	u := resp.Usage
	return &Reply{
		Content:      choice.Message.Text(),
		Deployment:   name,
		Model:        resp.Model,
		FinishReason: choice.FinishReason,
		Usage:        &u,
	}, nil
}

func (s *Session) askStream(ctx context.Context, name string, messages []llm.ChatMessage, onDelta func(string)) (*Reply, error) {
	outcome := s.registry.ChatStream(ctx, name, messages)
	stream, ok := outcome.Value()
	if !ok {
		return nil, outcome.Err()
	}

	collected, err := llm.Collect(stream, onDelta)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("stream interrupted: %w", err)
	}

	return &Reply{
		Content:      collected.Content,
		Deployment:   name,
		Model:        collected.Model,
		FinishReason: collected.FinishReason,
	}, nil
}

// record saves the exchange and its usage. Storage failures are logged, not returned.
func (s *Session) record(ctx context.Context, prompt string, reply *Reply) {
	assistant := conversation.Message{Role: string(llm.RoleAssistant), Content: reply.Content}
	if reply.Usage != nil {
		assistant.Tokens = reply.Usage.CompletionTokens
	}

	for _, msg := range []conversation.Message{{Role: string(llm.RoleUser), Content: prompt}, assistant} {
		if err := s.store.AddMessage(ctx, s.id, msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to save message")
			return
		}
	}

	if reply.Usage == nil {
		return
	}

	metrics.TokensTotal.WithLabelValues(reply.Deployment, "prompt").Add(float64(reply.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues(reply.Deployment, "completion").Add(float64(reply.Usage.CompletionTokens))

	if err := s.store.IncrementTokenCount(ctx, s.id, reply.Usage.TotalTokens); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update token count")
	}

	if s.ledger != nil {
		total, err := s.ledger.Record(ctx, reply.Deployment, *reply.Usage, time.Now())
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to record usage")
			return
		}
		s.logger.Debug().
			Str("deployment", reply.Deployment).
			Int64("tokens_today", total).
			Msg("Recorded usage")
	}
}
