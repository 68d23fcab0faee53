package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kalefi/core/genesis"
	"kalefi/storage"
)

const (
	defaultListen    = ":8080"
	defaultDataDir   = "data/lendingd"
	defaultClockSkew = 2 * time.Minute
	maxClockSkew     = 10 * time.Minute
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	LogFile       string          `yaml:"log_file"`
	TLS           TLSConfig       `yaml:"tls"`
	Storage       StorageConfig   `yaml:"storage"`
	Audit         AuditConfig     `yaml:"audit"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	// ClockSkew bounds how far a signed call timestamp may drift from now.
	ClockSkew     time.Duration `yaml:"clock_skew"`
	PausedModules []string      `yaml:"paused_modules"`
	Genesis       *genesis.Spec `yaml:"genesis"`
	GenesisFile   string        `yaml:"genesis_file"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuditConfig points at the sqlite database holding nonces and receipts. An
// empty DSN keeps them in memory.
type AuditConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig lists the authenticators accepted by the service.
type AuthConfig struct {
	APITokens []string  `yaml:"api_tokens"`
	JWT       JWTConfig `yaml:"jwt"`
}

type JWTConfig struct {
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GenesisSpec returns the inline genesis block or loads GenesisFile. It
// returns nil when neither is configured.
func (cfg Config) GenesisSpec() (*genesis.Spec, error) {
	if cfg.Genesis != nil {
		return cfg.Genesis, nil
	}
	if cfg.GenesisFile == "" {
		return nil, nil
	}
	return genesis.LoadSpec(cfg.GenesisFile)
}

// Pauses returns the paused module set.
func (cfg Config) Pauses() map[string]bool {
	out := make(map[string]bool, len(cfg.PausedModules))
	for _, module := range cfg.PausedModules {
		out[module] = true
	}
	return out
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.LogFile = strings.TrimSpace(cfg.LogFile)
	cfg.GenesisFile = strings.TrimSpace(cfg.GenesisFile)
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = defaultClockSkew
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendLevelDB
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if cfg.Storage.Path == "" && cfg.Storage.Backend != storage.BackendMemory {
		cfg.Storage.Path = defaultDataDir
	}
	cfg.Audit.DSN = strings.TrimSpace(cfg.Audit.DSN)
	cfg.Auth.normalize()

	modules := make([]string, 0, len(cfg.PausedModules))
	for _, module := range cfg.PausedModules {
		if trimmed := strings.ToLower(strings.TrimSpace(module)); trimmed != "" {
			modules = append(modules, trimmed)
		}
	}
	cfg.PausedModules = modules
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	switch cfg.Storage.Backend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if cfg.ClockSkew > maxClockSkew {
		return fmt.Errorf("clock_skew must not exceed %s", maxClockSkew)
	}
	if cfg.Genesis != nil && cfg.GenesisFile != "" {
		return fmt.Errorf("genesis and genesis_file are mutually exclusive")
	}
	if cfg.Genesis != nil {
		if err := cfg.Genesis.Validate(); err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether TLS material is configured.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	tokens := make([]string, 0, len(cfg.APITokens))
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	cfg.APITokens = tokens

	cfg.JWT.Secret = strings.TrimSpace(cfg.JWT.Secret)
	cfg.JWT.SecretEnv = strings.TrimSpace(cfg.JWT.SecretEnv)
	if cfg.JWT.Secret == "" && cfg.JWT.SecretEnv != "" {
		cfg.JWT.Secret = strings.TrimSpace(os.Getenv(cfg.JWT.SecretEnv))
	}
	cfg.JWT.Issuer = strings.TrimSpace(cfg.JWT.Issuer)
	cfg.JWT.Audience = strings.TrimSpace(cfg.JWT.Audience)
}

func (cfg AuthConfig) validate() error {
	if len(cfg.APITokens) == 0 && cfg.JWT.Secret == "" {
		return fmt.Errorf("at least one api token or a jwt secret must be configured")
	}
	if cfg.JWT.SecretEnv != "" && cfg.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret_env %s is empty", cfg.JWT.SecretEnv)
	}
	return nil
}
