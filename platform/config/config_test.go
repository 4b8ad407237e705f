package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is empty")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sales")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, http://admin.local ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.GetContextCacheTTL() != 30*time.Minute {
		t.Fatalf("expected 30m cache ttl, got %s", cfg.GetContextCacheTTL())
	}
	if cfg.GetContextCachePrefix() != "conversation:context:" {
		t.Fatalf("unexpected cache prefix %q", cfg.GetContextCachePrefix())
	}
	if cfg.IsCacheEnabled() {
		t.Fatal("cache must be disabled without REDIS_URL")
	}
	if cfg.IsAuthEnabled() {
		t.Fatal("auth must be disabled without JWT_ACCESS_SECRET")
	}
	if got := cfg.GetCORSOrigins(); len(got) != 2 || got[1] != "http://admin.local" {
		t.Fatalf("unexpected cors origins %v", got)
	}
}

func TestLoadRejectsWildcardWithCredentials(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sales")
	t.Setenv("CORS_ORIGINS", "*")
	t.Setenv("CORS_ALLOW_CREDENTIALS", "true")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for wildcard origin with credentials")
	}
}

func TestLoadRejectsInvalidCacheTTL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sales")
	t.Setenv("CONTEXT_CACHE_TTL", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparsable cache ttl")
	}
}
