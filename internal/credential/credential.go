package credential

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	// ErrInvalidArgument is returned when a credential value is empty
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotInitialized is returned by AddAuthHeader on a credential that was never given a value
	ErrNotInitialized = errors.New("credential is not initialized")
)

// Credential decorates an outgoing request with exactly one authentication
// header. Nothing is added when an error is returned.
type Credential interface {
	AddAuthHeader(headers http.Header) error
}

// Rotatable is a credential whose value can be replaced in place
type Rotatable interface {
	Credential
	Update(value string) error
}

// Header names used by the Azure OpenAI service
const (
	APIKeyHeader        = "api-key"
	AuthorizationHeader = "Authorization"
)

// APIKey authenticates with the "api-key" header
type APIKey struct {
	key atomic.Pointer[string]
}

// NewAPIKey creates an API key credential
func NewAPIKey(key string) (*APIKey, error) {
	c := &APIKey{}
	if err := c.Update(key); err != nil {
		return nil, err
	}
	return c, nil
}

// Update replaces the stored key
func (c *APIKey) Update(key string) error {
	if key == "" {
		return fmt.Errorf("%w: api key is empty", ErrInvalidArgument)
	}
	c.key.Store(&key)
	return nil
}

// AddAuthHeader adds "api-key: <key>"
func (c *APIKey) AddAuthHeader(headers http.Header) error {
	key := c.key.Load()
	if key == nil {
		return ErrNotInitialized
	}
	headers.Add(APIKeyHeader, *key)
	return nil
}

// BearerToken authenticates with "Authorization: Bearer <token>", e.g. an Entra ID access token
type BearerToken struct {
	token atomic.Pointer[string]
}

// NewBearerToken creates a bearer token credential
func NewBearerToken(token string) (*BearerToken, error) {
	c := &BearerToken{}
	if err := c.Update(token); err != nil {
		return nil, err
	}
	return c, nil
}

// Update replaces the stored token
func (c *BearerToken) Update(token string) error {
	if token == "" {
		return fmt.Errorf("%w: bearer token is empty", ErrInvalidArgument)
	}
	c.token.Store(&token)
	return nil
}

// AddAuthHeader adds "Authorization: Bearer <token>"
func (c *BearerToken) AddAuthHeader(headers http.Header) error {
	token := c.token.Load()
	if token == nil {
		return ErrNotInitialized
	}
	headers.Add(AuthorizationHeader, "Bearer "+*token)
	return nil
}
