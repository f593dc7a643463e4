package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
port: "8080"
logLevel: info
databaseURL: postgres://localhost:5432/morphingbook
redisAddr: localhost:6379
queueName: "morphingbook:ingest"
minioEndpoint: localhost:9000
geminiAPIKey: test-key
generationModel: gemini-2.0-flash
embeddingModel: text-embedding-004
embeddingDim: 768
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.QueueName != "morphingbook:ingest" {
		t.Fatalf("queue name = %q", cfg.QueueName)
	}
	if cfg.EmbeddingDim != 768 {
		t.Fatalf("embedding dim = %d", cfg.EmbeddingDim)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db.internal:5432/prod")
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("EMBEDDING_DIM", "1536")
	t.Setenv("RETRIEVAL_TOP_K", "8")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://db.internal:5432/prod" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.GeminiAPIKey != "env-key" {
		t.Fatalf("gemini key = %q", cfg.GeminiAPIKey)
	}
	if cfg.EmbeddingDim != 1536 {
		t.Fatalf("embedding dim = %d", cfg.EmbeddingDim)
	}
	if cfg.RetrievalTopK != 8 {
		t.Fatalf("retrieval top k = %d", cfg.RetrievalTopK)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		old  string
		new  string
	}{
		{"port", `port: "8080"`, `port: ""`},
		{"databaseURL", "databaseURL: postgres://localhost:5432/morphingbook", `databaseURL: ""`},
		{"geminiAPIKey", "geminiAPIKey: test-key", `geminiAPIKey: ""`},
		{"embeddingDim", "embeddingDim: 768", "embeddingDim: 0"},
	}
	for _, tc := range cases {
		broken := strings.Replace(validYAML, tc.old, tc.new, 1)
		if broken == validYAML {
			t.Fatalf("case %s did not modify the config", tc.name)
		}
		if _, err := Load(writeConfig(t, broken)); err == nil {
			t.Fatalf("expected validation error when %s is missing", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "port: [unclosed")); err == nil {
		t.Fatalf("expected parse error")
	}
}
