package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/s33g/azure-chat/internal/config"
)

func testRegistryConfig(endpoint string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Deployments = []config.Deployment{
		{
			Name:     "primary",
			Endpoint: endpoint,
			Auth:     config.AuthConfig{Type: config.AuthAPIKey, KeyEnv: "PRIMARY_KEY"},
			Defaults: config.RequestDefaults{
				Temperature: Ptr[float32](0.2),
				MaxTokens:   Ptr(100),
				User:        "tester",
			},
		},
		{
			Name:       "secondary",
			Resource:   "res",
			Deployment: "dep",
			APIVersion: "2024-02-01",
			Auth:       config.AuthConfig{Type: config.AuthBearer, KeyEnv: "SECONDARY_TOKEN"},
		},
	}
	return cfg
}

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestRegistry_Get(t *testing.T) {
	env := map[string]string{"PRIMARY_KEY": "k1", "SECONDARY_TOKEN": "t1"}
	r, err := newRegistry(testRegistryConfig("http://localhost/chat"), newTestClient(), fakeEnv(env))
	if err != nil {
		t.Fatalf("newRegistry() error = %v", err)
	}

	d, err := r.Get("")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.Name != "primary" {
		t.Errorf("Expected default deployment primary, got %s", d.Name)
	}

	d, err = r.Get("secondary")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.Target.URL() != "https://res.openai.azure.com/openai/deployments/dep/chat/completions?api-version=2024-02-01" {
		t.Errorf("Unexpected target %s", d.Target)
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("Expected error for unknown deployment")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Errorf("Unexpected names %v", names)
	}
}

func TestRegistry_MissingSecret(t *testing.T) {
	_, err := newRegistry(testRegistryConfig("http://localhost/chat"), newTestClient(), fakeEnv(map[string]string{"PRIMARY_KEY": "k1"}))
	if err == nil {
		t.Error("Expected error when a secret is not set")
	}
}

func TestDeployment_Options(t *testing.T) {
	env := map[string]string{"PRIMARY_KEY": "k1", "SECONDARY_TOKEN": "t1"}
	r, err := newRegistry(testRegistryConfig("http://localhost/chat"), newTestClient(), fakeEnv(env))
	if err != nil {
		t.Fatal(err)
	}

	d, _ := r.Get("primary")
	opts := d.Options([]ChatMessage{NewMessage(RoleUser, "hi")})

	if opts.Temperature == nil || *opts.Temperature != 0.2 {
		t.Errorf("Expected temperature 0.2, got %v", opts.Temperature)
	}
	if opts.MaxTokens == nil || *opts.MaxTokens != 100 {
		t.Errorf("Expected max_tokens 100, got %v", opts.MaxTokens)
	}
	if opts.User == nil || *opts.User != "tester" {
		t.Errorf("Expected user tester, got %v", opts.User)
	}
	if opts.NucleusSamplingFactor != nil || opts.Stream != nil {
		t.Error("Expected unset defaults to stay nil")
	}

	d, _ = r.Get("secondary")
	if opts := d.Options(nil); opts.User != nil {
		t.Errorf("Expected no user, got %v", *opts.User)
	}
}

func TestRegistry_ReloadRotatesCredential(t *testing.T) {
	var lastKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastKey = r.Header.Get("api-key")
		io.WriteString(w, completionBody)
	}))
	defer server.Close()

	env := map[string]string{"PRIMARY_KEY": "old-key", "SECONDARY_TOKEN": "t1"}
	cfg := testRegistryConfig(server.URL + "/chat")
	r, err := newRegistry(cfg, NewClient(nil, zerolog.Nop()), fakeEnv(env))
	if err != nil {
		t.Fatal(err)
	}

	held, _ := r.Get("primary")

	env["PRIMARY_KEY"] = "new-key"
	if err := r.Reload(testRegistryConfig(server.URL + "/chat")); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	outcome := r.Chat(context.Background(), "primary", []ChatMessage{NewMessage(RoleUser, "hi")})
	if outcome.Kind() != KindSuccess {
		t.Fatalf("Expected success, got %v: %v", outcome.Kind(), outcome.Err())
	}
	if lastKey != "new-key" {
		t.Errorf("Expected rotated key, got %q", lastKey)
	}

	// A deployment resolved before the reload shares the rotated credential
	headers := http.Header{}
	if err := held.Credential.AddAuthHeader(headers); err != nil {
		t.Fatal(err)
	}
	if headers.Get("api-key") != "new-key" {
		t.Errorf("Expected held credential to be rotated, got %q", headers.Get("api-key"))
	}
}

func TestRegistry_ReloadFailureKeepsState(t *testing.T) {
	env := map[string]string{"PRIMARY_KEY": "old-key", "SECONDARY_TOKEN": "t1"}
	r, err := newRegistry(testRegistryConfig("http://localhost/chat"), newTestClient(), fakeEnv(env))
	if err != nil {
		t.Fatal(err)
	}

	env["PRIMARY_KEY"] = "new-key"
	delete(env, "SECONDARY_TOKEN")
	if err := r.Reload(testRegistryConfig("http://localhost/chat")); err == nil {
		t.Fatal("Expected reload to fail without the secondary token")
	}

	d, _ := r.Get("primary")
	headers := http.Header{}
	if err := d.Credential.AddAuthHeader(headers); err != nil {
		t.Fatal(err)
	}
	if headers.Get("api-key") != "old-key" {
		t.Errorf("Expected credential unchanged after failed reload, got %q", headers.Get("api-key"))
	}
}

func TestRegistry_ChatUnknownDeployment(t *testing.T) {
	env := map[string]string{"PRIMARY_KEY": "k1", "SECONDARY_TOKEN": "t1"}
	r, err := newRegistry(testRegistryConfig("http://localhost/chat"), newTestClient(), fakeEnv(env))
	if err != nil {
		t.Fatal(err)
	}

	if got := r.Chat(context.Background(), "missing", nil); got.Kind() != KindFailure {
		t.Errorf("Expected failure, got %v", got.Kind())
	}
	if got := r.ChatStream(context.Background(), "missing", nil); got.Kind() != KindFailure {
		t.Errorf("Expected failure, got %v", got.Kind())
	}
}
