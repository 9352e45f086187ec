package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("GRIMOIRE_MAX_UPLOAD_BYTES", "1048576")
	t.Setenv("GRIMOIRE_TOP_RATED_LIMIT", "5")

	cfgPath := writeConfig(t, `
port: "4000"
logLevel: "info"
storeBackend: "memory"
storageBackend: "file"
uploadDir: "uploads"
jwtSecret: "file-secret"
ratingMin: 0
ratingMax: 5
topRatedLimit: 3
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "4000" {
		t.Fatalf("port = %q, want 4000", cfg.Port)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Fatalf("jwtSecret = %q, want env override", cfg.JWTSecret)
	}
	if cfg.MaxUploadBytes != 1048576 {
		t.Fatalf("maxUploadBytes = %d, want 1048576", cfg.MaxUploadBytes)
	}
	if cfg.TopRatedLimit != 5 {
		t.Fatalf("topRatedLimit = %d, want 5", cfg.TopRatedLimit)
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	cfgPath := writeConfig(t, `
port: "4000"
storeBackend: "memory"
`)
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected missing jwtSecret to fail validation")
	}
}

func TestLoadRejectsPostgresWithoutDatabaseURL(t *testing.T) {
	cfgPath := writeConfig(t, `
port: "4000"
jwtSecret: "secret"
storeBackend: "postgres"
`)
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected postgres backend without databaseURL to fail")
	}
}

func TestLoadRejectsInvertedRatingBounds(t *testing.T) {
	cfgPath := writeConfig(t, `
port: "4000"
jwtSecret: "secret"
storeBackend: "memory"
ratingMin: 5
ratingMax: 1
`)
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("expected inverted rating bounds to fail validation")
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration("jwtTTL", ""); err != nil || d != 0 {
		t.Fatalf("empty duration: d=%v err=%v", d, err)
	}
	if _, err := ParseDuration("jwtTTL", "not-a-duration"); err == nil {
		t.Fatal("expected invalid duration to fail")
	}
	d, err := ParseDuration("jwtTTL", "24h")
	if err != nil {
		t.Fatalf("parse 24h: %v", err)
	}
	if d.Hours() != 24 {
		t.Fatalf("expected 24h, got %v", d)
	}
}
