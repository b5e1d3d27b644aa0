package storage

import (
	"fmt"
	"time"
)

// Keys generates Redis keys with consistent naming
type Keys struct {
	prefix string
}

// NewKeys creates a new Keys generator
func NewKeys(prefix string) *Keys {
	return &Keys{prefix: prefix}
}

// Session returns the key for session metadata
func (k *Keys) Session(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", k.prefix, sessionID)
}

// Messages returns the key for a session's message history
func (k *Keys) Messages(sessionID string) string {
	return fmt.Sprintf("%ssession:%s:messages", k.prefix, sessionID)
}

// Usage returns the key for a deployment's token usage on one UTC day
func (k *Keys) Usage(deployment string, day time.Time) string {
	return fmt.Sprintf("%susage:%s:%s", k.prefix, deployment, day.UTC().Format(time.DateOnly))
}
