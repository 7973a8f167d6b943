package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfig writes yamlContent to config.yaml in a temp directory and returns its path.
func writeConfig(t *testing.T, yamlContent string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
port: "3443"
env: "test"
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
redis:
  host: "redis.example.com"
  port: 6379
`)

	os.Unsetenv("PGHOST")
	os.Unsetenv("BASE_URL")
	t.Setenv("PORT", "4443")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := LoadFrom(path, "test-version")
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	if cfg.Port != "4443" {
		t.Errorf("expected Port=4443 (from env), got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.BaseURL != "http://localhost:4443" {
		t.Errorf("expected BaseURL=http://localhost:4443 (auto-derived from PORT), got %s", cfg.BaseURL)
	}
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected Database.Host=db.example.com (from yaml), got %s", cfg.Database.Host)
	}
	if !cfg.Redis.Enabled() {
		t.Error("expected Redis to be enabled when host is set")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
env: "test"
`)

	for _, key := range []string{"PORT", "BASE_URL", "REDIS_HOST", "LLM_PROVIDER", "RAG_TOP_K", "RAG_SIMILARITY_THRESHOLD", "LLM_TIMEOUT"} {
		os.Unsetenv(key)
	}

	cfg, err := LoadFrom(path, "dev")
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	if cfg.RAG.TopK != 5 {
		t.Errorf("expected RAG.TopK=5, got %d", cfg.RAG.TopK)
	}
	if cfg.RAG.SimilarityThreshold != 0.5 {
		t.Errorf("expected RAG.SimilarityThreshold=0.5, got %v", cfg.RAG.SimilarityThreshold)
	}
	if cfg.RAG.ResultTTL() != 900*time.Second {
		t.Errorf("expected result TTL 900s, got %v", cfg.RAG.ResultTTL())
	}
	if cfg.RAG.EmbeddingTTL() != time.Hour {
		t.Errorf("expected embedding TTL 1h, got %v", cfg.RAG.EmbeddingTTL())
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected LLM.Provider=openai, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Timeout != 60*time.Second {
		t.Errorf("expected LLM.Timeout=60s, got %v", cfg.LLM.Timeout)
	}
	if cfg.Redis.Enabled() {
		t.Error("expected Redis to be disabled without a host")
	}
	if cfg.Embedding.Dimensions != 1536 {
		t.Errorf("expected Embedding.Dimensions=1536, got %d", cfg.Embedding.Dimensions)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "config.yaml"), "test-version")
	if err == nil {
		t.Error("expected error when config.yaml is missing")
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: "cohere"
`)
	os.Unsetenv("LLM_PROVIDER")

	if _, err := LoadFrom(path, "dev"); err == nil {
		t.Error("expected error for unsupported llm provider")
	}
}

func TestLoad_RejectsOverlapLargerThanChunk(t *testing.T) {
	path := writeConfig(t, `
rag:
  chunk_size: 100
  chunk_overlap: 100
`)
	os.Unsetenv("RAG_CHUNK_SIZE")
	os.Unsetenv("RAG_CHUNK_OVERLAP")

	if _, err := LoadFrom(path, "dev"); err == nil {
		t.Error("expected error when overlap is not smaller than chunk size")
	}
}

func TestLoad_TLSRequiresBothFiles(t *testing.T) {
	path := writeConfig(t, `
tls_cert_path: "/tmp/cert.pem"
`)
	os.Unsetenv("TLS_CERT_PATH")
	os.Unsetenv("TLS_KEY_PATH")

	if _, err := LoadFrom(path, "dev"); err == nil {
		t.Error("expected error when only tls_cert_path is set")
	}
}

func TestParseJWKSEndpoints(t *testing.T) {
	got := parseJWKSEndpoints("https://auth.a=https://auth.a/jwks.json, https://auth.b=https://auth.b/jwks.json,broken")

	if len(got) != 2 {
		t.Fatalf("expected 2 endpoints, got %d: %v", len(got), got)
	}
	if got["https://auth.b"] != "https://auth.b/jwks.json" {
		t.Errorf("unexpected url for auth.b: %q", got["https://auth.b"])
	}
	if len(parseJWKSEndpoints("")) != 0 {
		t.Error("expected empty map for empty input")
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	c := DatabaseConfig{
		Host:     "db",
		Port:     5433,
		User:     "recete",
		Password: "p@ss",
		Database: "recete_engine",
		SSLMode:  "require",
	}

	want := "postgres://recete:p%40ss@db:5433/recete_engine?sslmode=require"
	if got := c.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
