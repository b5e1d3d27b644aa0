package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	HTTP              HTTPConfig         `yaml:"http"`
	Deployments       []Deployment       `yaml:"deployments"`
	DefaultDeployment string             `yaml:"default_deployment"`
	Redis             RedisConfig        `yaml:"redis"`
	Conversation      ConversationConfig `yaml:"conversation"`
	Metrics           MetricsConfig      `yaml:"metrics"`
	Logging           LoggingConfig      `yaml:"logging"`
}

// HTTPConfig holds transport settings shared by all deployments
type HTTPConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the non-streaming request timeout
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Deployment describes one Azure OpenAI model deployment
type Deployment struct {
	Name       string `yaml:"name"`
	Resource   string `yaml:"resource"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`

	// Endpoint overrides the URL built from resource/deployment/api_version
	Endpoint string `yaml:"endpoint,omitempty"`

	Auth     AuthConfig      `yaml:"auth"`
	Defaults RequestDefaults `yaml:"defaults"`
}

// Auth types
const (
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
)

// AuthConfig selects the credential scheme. The secret itself comes from the environment.
type AuthConfig struct {
	Type   string `yaml:"type"`
	KeyEnv string `yaml:"key_env"`
}

// RequestDefaults are applied to every request sent to a deployment
type RequestDefaults struct {
	Temperature      *float32 `yaml:"temperature,omitempty"`
	TopP             *float32 `yaml:"top_p,omitempty"`
	MaxTokens        *int     `yaml:"max_tokens,omitempty"`
	PresencePenalty  *float32 `yaml:"presence_penalty,omitempty"`
	FrequencyPenalty *float32 `yaml:"frequency_penalty,omitempty"`
	Stop             []string `yaml:"stop,omitempty"`
	User             string   `yaml:"user,omitempty"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Address            string `yaml:"address"`
	PasswordEnv        string `yaml:"password_env"`
	DB                 int    `yaml:"db"`
	KeyPrefix          string `yaml:"key_prefix"`
	UsageRetentionDays int    `yaml:"usage_retention_days"`
}

// UsageRetention returns how long daily usage counters are kept
func (r RedisConfig) UsageRetention() time.Duration {
	return time.Duration(r.UsageRetentionDays) * 24 * time.Hour
}

// ConversationConfig holds chat session settings
type ConversationConfig struct {
	TTLHours     int    `yaml:"ttl_hours"`
	MaxMessages  int    `yaml:"max_messages"`
	SystemPrompt string `yaml:"system_prompt"`
}

// TTL returns the conversation TTL as a Duration
func (c ConversationConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// MetricsConfig holds the Prometheus endpoint settings. Empty address disables it.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GetDeployment returns a deployment by name; "" selects the default
func (c *Config) GetDeployment(name string) (*Deployment, error) {
	if name == "" {
		name = c.DefaultDeployment
	}
	if name == "" && len(c.Deployments) > 0 {
		return &c.Deployments[0], nil
	}

	for i := range c.Deployments {
		if c.Deployments[i].Name == name {
			return &c.Deployments[i], nil
		}
	}
	return nil, fmt.Errorf("deployment %s not found", name)
}
