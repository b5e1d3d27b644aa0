package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/s33g/azure-chat/internal/config"
	"github.com/s33g/azure-chat/internal/credential"
)

// Deployment is a configured endpoint with its credential and request defaults
type Deployment struct {
	Name       string
	Target     Target
	Credential credential.Rotatable

	authType string
	defaults config.RequestDefaults
}

// Options builds request options for messages, filled with the deployment's defaults
func (d *Deployment) Options(messages []ChatMessage) CompletionOptions {
	opts := CompletionOptions{
		Messages:              messages,
		Temperature:           d.defaults.Temperature,
		NucleusSamplingFactor: d.defaults.TopP,
		MaxTokens:             d.defaults.MaxTokens,
		PresencePenalty:       d.defaults.PresencePenalty,
		FrequencyPenalty:      d.defaults.FrequencyPenalty,
		StopSequences:         d.defaults.Stop,
	}
	if d.defaults.User != "" {
		opts.User = Ptr(d.defaults.User)
	}
	return opts
}

// Registry manages configured deployments on top of one shared Client
type Registry struct {
	client      *Client
	deployments map[string]*Deployment // key: deployment name
	mu          sync.RWMutex
	config      *config.Config
	getenv      func(string) string
}

// NewRegistry creates a registry for every deployment in cfg. Secrets are
// read from the environment variables named by each deployment's auth block.
func NewRegistry(cfg *config.Config, client *Client) (*Registry, error) {
	return newRegistry(cfg, client, os.Getenv)
}

func newRegistry(cfg *config.Config, client *Client, getenv func(string) string) (*Registry, error) {
	r := &Registry{
		client:      client,
		deployments: make(map[string]*Deployment),
		getenv:      getenv,
	}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a deployment by name; "" selects the configured default
func (r *Registry) Get(name string) (*Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, err := r.config.GetDeployment(name)
	if err != nil {
		return nil, err
	}
	return r.deployments[d.Name], nil
}

// Names returns the configured deployment names in config order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.config.Deployments))
	for _, d := range r.config.Deployments {
		names = append(names, d.Name)
	}
	return names
}

// Chat sends a non-streaming request to the named deployment
func (r *Registry) Chat(ctx context.Context, name string, messages []ChatMessage) Outcome[*ChatCompletions] {
	d, err := r.Get(name)
	if err != nil {
		return Fail[*ChatCompletions](failure("%v", err))
	}
	return r.client.CompleteChat(ctx, d.Credential, d.Target, d.Options(messages))
}

// ChatStream sends a streaming request to the named deployment
func (r *Registry) ChatStream(ctx context.Context, name string, messages []ChatMessage) Outcome[*ChunkStream] {
	d, err := r.Get(name)
	if err != nil {
		return Fail[*ChunkStream](failure("%v", err))
	}
	return r.client.CompleteChatStreaming(ctx, d.Credential, d.Target, d.Options(messages))
}

// Reload applies a new configuration. Credentials of deployments that keep
// their auth scheme are rotated in place with Update, so callers holding a
// *Deployment see the new secret. Nothing changes if any deployment fails.
func (r *Registry) Reload(cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Deployment, len(cfg.Deployments))
	rotations := make(map[credential.Rotatable]string)
	for i := range cfg.Deployments {
		dc := &cfg.Deployments[i]

		target, err := buildTarget(dc)
		if err != nil {
			return fmt.Errorf("failed to build target for deployment %s: %w", dc.Name, err)
		}

		secret := r.getenv(dc.Auth.KeyEnv)
		if secret == "" {
			return fmt.Errorf("deployment %s: environment variable %s is not set", dc.Name, dc.Auth.KeyEnv)
		}

		d := &Deployment{
			Name:     dc.Name,
			Target:   target,
			authType: dc.Auth.Type,
			defaults: dc.Defaults,
		}

		if prev, ok := r.deployments[dc.Name]; ok && prev.authType == d.authType {
			d.Credential = prev.Credential
			rotations[prev.Credential] = secret
		} else {
			cred, err := buildCredential(dc.Auth.Type, secret)
			if err != nil {
				return fmt.Errorf("failed to create credential for deployment %s: %w", dc.Name, err)
			}
			d.Credential = cred
		}

		next[dc.Name] = d
	}

	for cred, secret := range rotations {
		if err := cred.Update(secret); err != nil {
			return fmt.Errorf("failed to rotate credential: %w", err)
		}
	}

	r.deployments = next
	r.config = cfg
	return nil
}

func buildTarget(dc *config.Deployment) (Target, error) {
	if dc.Endpoint != "" {
		return ParseTarget(dc.Endpoint)
	}
	return NewTarget(dc.Resource, dc.Deployment, dc.APIVersion)
}

func buildCredential(authType, secret string) (credential.Rotatable, error) {
	switch authType {
	case config.AuthAPIKey:
		return credential.NewAPIKey(secret)
	case config.AuthBearer:
		return credential.NewBearerToken(secret)
	default:
		return nil, fmt.Errorf("unknown auth type %q", authType)
	}
}
