package config

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			TimeoutSeconds: 120,
		},
		Redis: RedisConfig{
			Enabled:            false,
			Address:            "localhost:6379",
			DB:                 0,
			KeyPrefix:          "azchat:",
			UsageRetentionDays: 90, // 3 months
		},
		Conversation: ConversationConfig{
			TTLHours:     168, // 7 days
			MaxMessages:  50,
			SystemPrompt: "You are a helpful assistant.",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
