package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  api_tokens:
    - " token-one "
    - " "
    - "token-two"
paused_modules: [" Lending ", ""]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if !cfg.TLS.AllowInsecure || cfg.TLS.Enabled() {
		t.Fatalf("expected insecure listener")
	}
	if len(cfg.Auth.APITokens) != 2 {
		t.Fatalf("expected 2 trimmed api tokens, got %d", len(cfg.Auth.APITokens))
	}
	if cfg.Storage.Backend != "leveldb" || cfg.Storage.Path != defaultDataDir {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.ClockSkew != defaultClockSkew {
		t.Fatalf("unexpected clock skew: %s", cfg.ClockSkew)
	}
	if !cfg.Pauses()["lending"] || len(cfg.PausedModules) != 1 {
		t.Fatalf("unexpected pauses: %v", cfg.PausedModules)
	}
	spec, err := cfg.GenesisSpec()
	if err != nil || spec != nil {
		t.Fatalf("expected no genesis, got %v %v", spec, err)
	}
}

func TestLoadConfigRequiresAuthenticators(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth: {}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no authenticators are configured")
	}
}

func TestLoadConfigResolvesJWTSecretFromEnv(t *testing.T) {
	t.Setenv("LENDINGD_TEST_JWT", " s3cret ")
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  jwt:
    secret_env: LENDINGD_TEST_JWT
    issuer: kalefi
clock_skew: 90s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.JWT.Secret != "s3cret" {
		t.Fatalf("unexpected jwt secret: %q", cfg.Auth.JWT.Secret)
	}
	if cfg.ClockSkew != 90*time.Second {
		t.Fatalf("unexpected clock skew: %s", cfg.ClockSkew)
	}

	missing := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  jwt:
    secret_env: LENDINGD_TEST_JWT_MISSING
`)
	if _, err := Load(missing); err == nil {
		t.Fatal("expected error for empty secret env")
	}
}

func TestLoadConfigValidatesTLS(t *testing.T) {
	path := writeConfig(t, `
tls:
  cert: "server.crt"
auth:
  api_tokens: ["t"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when key is missing")
	}
	path = writeConfig(t, `
auth:
  api_tokens: ["t"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls is absent without allow_insecure")
	}
}

func TestLoadConfigRejectsUnknownFieldsAndBackends(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
bogus: 1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
	path = writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
storage:
  backend: rocksdb
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadConfigInlineGenesis(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
storage:
  backend: memory
genesis:
  tokens:
    - {symbol: KALE, name: Kale, decimals: 7}
    - {symbol: USDC, name: USD Coin, decimals: 7}
  moduleAlloc:
    lending:
      USDC: "1000000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Storage.Path != "" {
		t.Fatalf("memory backend should not get a default path")
	}
	spec, err := cfg.GenesisSpec()
	if err != nil {
		t.Fatalf("genesis spec: %v", err)
	}
	if len(spec.Tokens) != 2 || spec.ModuleAlloc["lending"]["USDC"] != "1000000" {
		t.Fatalf("unexpected genesis: %+v", spec)
	}

	bad := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
genesis:
  tokens: [{symbol: KALE, name: Kale, decimals: 7}]
genesis_file: other.json
`)
	if _, err := Load(bad); err == nil {
		t.Fatal("expected error when both genesis sources are set")
	}
}
