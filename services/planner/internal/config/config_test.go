package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `
port: "8090"
logLevel: "info"
aiProvider: "gemini"
aiApiKey: "from-file"
aiModel: "gemini-2.5-flash"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageBackend != "memory" {
		t.Fatalf("storageBackend = %q, want memory", cfg.StorageBackend)
	}
	if cfg.AIPlanModel != "gemini-2.5-flash" {
		t.Fatalf("aiPlanModel = %q, want aiModel fallback", cfg.AIPlanModel)
	}
	if cfg.ObjectStore != "none" || cfg.MaxUploadBytes != 50<<20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("PLANNER_STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PLANNER_AI_RATE_LIMIT_PER_MINUTE", "12")
	t.Setenv("PLANNER_CORS_ALLOWED_ORIGINS", "http://localhost:5173, https://app.example.com")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AIAPIKey != "from-env" {
		t.Fatalf("aiApiKey = %q, want from-env", cfg.AIAPIKey)
	}
	if cfg.StorageBackend != "redis" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("redis override not applied: %+v", cfg)
	}
	if cfg.AIRateLimitPerMinute != 12 {
		t.Fatalf("aiRateLimitPerMinute = %d, want 12", cfg.AIRateLimitPerMinute)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://app.example.com" {
		t.Fatalf("cors origins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestValidateConfigRejectsIncompleteBackends(t *testing.T) {
	base := FileConfig{
		Port:           "8090",
		StorageBackend: "memory",
		AIProvider:     "gemini",
		AIAPIKey:       "k",
		AIModel:        "m",
		ObjectStore:    "none",
	}
	if err := validateConfig(base); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
	cases := map[string]func(*FileConfig){
		"port":      func(c *FileConfig) { c.Port = "" },
		"postgres":  func(c *FileConfig) { c.StorageBackend = "postgres" },
		"sqlite":    func(c *FileConfig) { c.StorageBackend = "sqlite" },
		"backend":   func(c *FileConfig) { c.StorageBackend = "mongo" },
		"apiKey":    func(c *FileConfig) { c.AIAPIKey = "" },
		"model":     func(c *FileConfig) { c.AIModel = " " },
		"minio":     func(c *FileConfig) { c.ObjectStore = "minio" },
		"ratelimit": func(c *FileConfig) { c.AIRateLimitPerMinute = 5 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		err := validateConfig(cfg)
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.HasPrefix(err.Error(), "config: ") {
			t.Fatalf("%s: unexpected error format %q", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
