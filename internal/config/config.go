package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=value files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.TimeoutSeconds < 0 {
		return fmt.Errorf("http.timeout_seconds must not be negative")
	}

	// Validate deployments
	if len(c.Deployments) == 0 {
		return fmt.Errorf("at least one deployment is required")
	}

	names := make(map[string]bool)
	for i, d := range c.Deployments {
		if d.Name == "" {
			return fmt.Errorf("deployments[%d].name is required", i)
		}
		if names[d.Name] {
			return fmt.Errorf("deployments[%d].name %q is duplicated", i, d.Name)
		}
		names[d.Name] = true

		if d.Endpoint == "" {
			if strings.TrimSpace(d.Resource) == "" {
				return fmt.Errorf("deployments[%d].resource is required", i)
			}
			if strings.TrimSpace(d.Deployment) == "" {
				return fmt.Errorf("deployments[%d].deployment is required", i)
			}
			if strings.TrimSpace(d.APIVersion) == "" {
				return fmt.Errorf("deployments[%d].api_version is required", i)
			}
		}

		switch d.Auth.Type {
		case AuthAPIKey, AuthBearer:
		default:
			return fmt.Errorf("deployments[%d].auth.type must be %q or %q, got %q", i, AuthAPIKey, AuthBearer, d.Auth.Type)
		}
		if d.Auth.KeyEnv == "" {
			return fmt.Errorf("deployments[%d].auth.key_env is required", i)
		}

		if d.Defaults.MaxTokens != nil && *d.Defaults.MaxTokens <= 0 {
			return fmt.Errorf("deployments[%d].defaults.max_tokens must be positive", i)
		}
	}

	if c.DefaultDeployment != "" && !names[c.DefaultDeployment] {
		return fmt.Errorf("default_deployment references unknown deployment: %s", c.DefaultDeployment)
	}

	// Validate Redis
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when redis is enabled")
	}

	if c.Conversation.MaxMessages < 0 {
		return fmt.Errorf("conversation.max_messages must not be negative")
	}

	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}

	return nil
}
