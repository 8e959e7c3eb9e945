package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"CONFIG_FILE", "NATS_URL", "INGEST_BATCH_SIZE", "INGEST_TICK_INTERVAL", "RAG_RETRIEVAL_MODE", "RAG_FUSION_RRF_K", "CACHE_TTL", "STORAGE_DRIVER"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.IngestBatchSize != 3 || cfg.IngestTickInterval != 2*time.Second {
		t.Fatalf("unexpected ingest defaults: batch=%d tick=%s", cfg.IngestBatchSize, cfg.IngestTickInterval)
	}
	if cfg.RAGRetrievalMode != "hybrid" || cfg.RAGFusionRRFK != 60 || cfg.RAGMinCandidates != 20 {
		t.Fatalf("unexpected retrieval defaults: %+v", cfg)
	}
	if cfg.CacheTTL != time.Hour || cfg.CacheCapacity != 512 {
		t.Fatalf("unexpected cache defaults: %d/%s", cfg.CacheCapacity, cfg.CacheTTL)
	}
	if cfg.NATSURL != "" || cfg.StorageDriver != StorageDriverPostgres {
		t.Fatalf("unexpected transport defaults: nats=%q driver=%q", cfg.NATSURL, cfg.StorageDriver)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("INGEST_BATCH_SIZE", "5")
	t.Setenv("INGEST_STALE_AFTER", "90s")
	t.Setenv("RAG_RETRIEVAL_MODE", "hybrid+rerank")
	t.Setenv("RAG_FUSION_RRF_K", "75")
	t.Setenv("API_RATE_LIMIT_RPS", "2.5")
	t.Setenv("BREAKER_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageDriver != StorageDriverMemory || cfg.IngestBatchSize != 5 || cfg.IngestStaleAfter != 90*time.Second {
		t.Fatalf("unexpected ingest overrides: %+v", cfg)
	}
	if cfg.RAGRetrievalMode != "hybrid+rerank" || cfg.RAGFusionRRFK != 75 {
		t.Fatalf("unexpected retrieval overrides: %+v", cfg)
	}
	if cfg.APIRateLimitRPS != 2.5 || cfg.BreakerEnabled {
		t.Fatalf("unexpected api overrides: rps=%v breaker=%v", cfg.APIRateLimitRPS, cfg.BreakerEnabled)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("CHUNK_SIZE", "lots")
	t.Setenv("CACHE_TTL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChunkSize != 1000 || cfg.CacheTTL != time.Hour {
		t.Fatalf("expected fallbacks, got chunk=%d ttl=%s", cfg.ChunkSize, cfg.CacheTTL)
	}
}

func TestLoadOverlaysConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "engine.yaml")
	body := "storage_driver: memory\ningest_batch_size: 7\ncache_ttl: 5m\nrag_retrieval_mode: hybrid+rerank\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("CHUNK_SIZE", "")
	t.Setenv("CHUNK_OVERLAP", "")
	t.Setenv("INGEST_BATCH_SIZE", "2")
	t.Setenv("CACHE_TTL", "")
	t.Setenv("RAG_RETRIEVAL_MODE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageDriver != StorageDriverMemory || cfg.IngestBatchSize != 7 || cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("expected file values on top, got %+v", cfg)
	}
	if cfg.ChunkSize != 1000 {
		t.Fatalf("expected untouched keys to keep env defaults, got %d", cfg.ChunkSize)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), Config{}); err == nil {
		t.Fatalf("expected missing file error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("ingest_batch_size: [1, 2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path, Config{}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	base := fromEnv()
	base.StorageDriver = StorageDriverMemory

	cases := map[string]func(*Config){
		"driver":   func(c *Config) { c.StorageDriver = "sqlite" },
		"overlap":  func(c *Config) { c.ChunkOverlap = c.ChunkSize },
		"batch":    func(c *Config) { c.IngestBatchSize = 0 },
		"mode":     func(c *Config) { c.RAGRetrievalMode = "semantic" },
		"postgres": func(c *Config) { c.StorageDriver = StorageDriverPostgres; c.PostgresDSN = " " },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
