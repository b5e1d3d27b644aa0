package llm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// ErrInvalidTarget is returned when an endpoint cannot be built
var ErrInvalidTarget = errors.New("invalid target")

// Target is the fully-qualified chat completions endpoint of one deployment
type Target struct {
	url string
}

// NewTarget builds
// https://{resource}.openai.azure.com/openai/deployments/{deployment}/chat/completions?api-version={version}
func NewTarget(resource, deployment, apiVersion string) (Target, error) {
	if err := checkSegment("resource name", resource); err != nil {
		return Target{}, err
	}
	if err := checkSegment("deployment id", deployment); err != nil {
		return Target{}, err
	}
	apiVersion = strings.TrimSpace(apiVersion)
	if apiVersion == "" {
		return Target{}, fmt.Errorf("%w: api version is empty", ErrInvalidTarget)
	}

	u := url.URL{
		Scheme:   "https",
		Host:     resource + ".openai.azure.com",
		Path:     "/openai/deployments/" + deployment + "/chat/completions",
		RawQuery: url.Values{"api-version": {apiVersion}}.Encode(),
	}
	return Target{url: u.String()}, nil
}

// checkSegment rejects values that would change the host or path they are placed in
func checkSegment(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidTarget, name)
	}
	if strings.IndexFunc(value, unicode.IsSpace) >= 0 || strings.ContainsAny(value, "/\\?#@:%") {
		return fmt.Errorf("%w: %s %q contains whitespace or url delimiters", ErrInvalidTarget, name, value)
	}
	return nil
}

// ParseTarget accepts a complete endpoint URL, e.g. a private endpoint or proxy
func ParseTarget(rawURL string) (Target, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Target{}, fmt.Errorf("%w: url is empty", ErrInvalidTarget)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return Target{}, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidTarget, rawURL)
	}
	return Target{url: u.String()}, nil
}

// URL returns the endpoint
func (t Target) URL() string {
	return t.url
}

// IsZero reports whether the target was never built
func (t Target) IsZero() bool {
	return t.url == ""
}

func (t Target) String() string {
	return t.url
}
