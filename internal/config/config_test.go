package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l402.json")
	writeFile(t, path, `{"paid_api":{"target_host":"https://quotes.example.com:8443"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Agent.MaxIterations != DefaultMaxIterations {
		t.Fatalf("expected default max iterations, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Router.Mode != "router" {
		t.Fatalf("unexpected router mode %q", cfg.Router.Mode)
	}
	if got := cfg.PaidAPI.AllowedHosts; len(got) != 2 || got[0] != "quotes.example.com" || got[1] != "localhost" {
		t.Fatalf("unexpected allow-list %v", got)
	}
	if cfg.Node.PaymentTimeout().Seconds() != DefaultPaymentTimeout {
		t.Fatalf("unexpected payment timeout %s", cfg.Node.PaymentTimeout())
	}
	if cfg.PaidAPI.ToolName != DefaultToolName {
		t.Fatalf("unexpected tool name %q", cfg.PaidAPI.ToolName)
	}
}

func TestLoadDotenvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l402.json")
	writeFile(t, path, `{"node":{"host":"file-host"}}`)
	writeFile(t, filepath.Join(dir, ".env.shared"), "LND_NODE_HOST=shared-host\nLND_NODE_PORT=10010\nTARGET_HOST=localhost:5000\n")
	writeFile(t, filepath.Join(dir, ".env.secret"), "LND_NODE_HOST=secret-host\nOPENAI_API_KEY=sk-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Node.Host != "secret-host" {
		t.Fatalf("expected .env.secret to override .env.shared, got %q", cfg.Node.Host)
	}
	if cfg.Node.Port != 10010 {
		t.Fatalf("unexpected port %d", cfg.Node.Port)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected api key from .env.secret")
	}
	if cfg.Node.Address() != "secret-host:10010" {
		t.Fatalf("unexpected address %q", cfg.Node.Address())
	}
}

func TestLoadProcessEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l402.json")
	writeFile(t, path, `{}`)
	t.Setenv(EnvAllowedHosts, "api.example.com, .example.org")
	t.Setenv(EnvMaxIterations, "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Agent.MaxIterations != 3 {
		t.Fatalf("unexpected max iterations %d", cfg.Agent.MaxIterations)
	}
	if got := cfg.PaidAPI.AllowedHosts; len(got) != 2 || got[1] != ".example.org" {
		t.Fatalf("unexpected allow-list %v", got)
	}
}

func TestValidateRejectsNonPositiveIterations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l402.json")
	writeFile(t, path, `{"agent":{"max_iterations":-1}}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestHostOf(t *testing.T) {
	cases := map[string]string{
		"":                           "",
		"localhost:5000":             "localhost",
		"https://Quotes.Example.com": "quotes.example.com",
	}
	for in, want := range cases {
		if got := HostOf(in); got != want {
			t.Fatalf("HostOf(%q) = %q, want %q", in, got, want)
		}
	}
}
