package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/baatcheet/keyrouter/pkg/models"
)

// Config holds all keyrouter configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	DBPath    string           `yaml:"db_path"`
	Log       LogConfig        `yaml:"log"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Router    RouterConfig     `yaml:"router"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Snapshot  SnapshotConfig   `yaml:"snapshot"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Identity  IdentityConfig   `yaml:"identity"`
}

// LogConfig controls the structured logger.
// Format is "text" (default) or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig defines one upstream vendor and its keys.
type ProviderConfig struct {
	Name models.Provider `yaml:"name"`
	// URL overrides the built-in base URL of the vendor.
	URL string `yaml:"url"`
	// DailyCapacity applies to every key without its own limit. Zero selects
	// the built-in default for the provider.
	DailyCapacity int `yaml:"daily_capacity"`
	// DiscoverEnv appends keys found in <PREFIX>, <PREFIX>_1, <PREFIX>_2 ...
	DiscoverEnv bool        `yaml:"discover_env"`
	Keys        []KeyConfig `yaml:"keys"`
}

// KeyConfig defines a single API key.
type KeyConfig struct {
	Secret        string `yaml:"secret"`
	DailyCapacity int    `yaml:"daily_capacity"`
}

// RoutingConfig maps each capability to its ordered provider preference.
type RoutingConfig map[models.Capability][]models.Provider

// RouterConfig tunes the dispatch state machine.
type RouterConfig struct {
	// MaxAttempts caps dispatches per request. Zero derives the cap from
	// the number of keys in the preference chain.
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	Window         time.Duration `yaml:"window"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BreakerConfig controls per-provider circuit breakers.
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// SnapshotConfig controls persistence of key counters across restarts.
type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LedgerConfig controls the attempt history database.
type LedgerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
}

// IdentityConfig configures bearer-token identities for the HTTP API.
type IdentityConfig struct {
	Required bool                     `yaml:"required"`
	Tokens   map[string]IdentityToken `yaml:"tokens"`
}

// IdentityToken is the identity a static bearer token resolves to.
type IdentityToken struct {
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
	Tier   string `yaml:"tier"`
}

// envPrefixes maps providers to the environment variable prefix of their keys.
var envPrefixes = map[models.Provider]string{
	models.ProviderGroq:        "GROQ_API_KEY",
	models.ProviderOpenRouter:  "OPENROUTER_API_KEY",
	models.ProviderDeepSeek:    "DEEPSEEK_API_KEY",
	models.ProviderHuggingFace: "HUGGINGFACE_API_KEY",
	models.ProviderGemini:      "GEMINI_API_KEY",
	models.ProviderOCRSpace:    "OCR_SPACE_API_KEY",
	models.ProviderElevenLabs:  "ELEVENLABS_API_KEY",
}

// EnvPrefix returns the environment variable prefix for provider keys.
func EnvPrefix(p models.Provider) string {
	if prefix, ok := envPrefixes[p]; ok {
		return prefix
	}
	return strings.ToUpper(string(p)) + "_API_KEY"
}

// DefaultRouting returns the built-in fallback order per capability.
func DefaultRouting() RoutingConfig {
	return RoutingConfig{
		models.CapabilityChat: {
			models.ProviderGroq, models.ProviderOpenRouter, models.ProviderDeepSeek,
			models.ProviderGemini, models.ProviderHuggingFace,
		},
		models.CapabilityVision:   {models.ProviderGemini, models.ProviderOpenRouter},
		models.CapabilityOCR:      {models.ProviderOCRSpace, models.ProviderGemini},
		models.CapabilityTTS:      {models.ProviderElevenLabs, models.ProviderHuggingFace},
		models.CapabilityImageGen: {models.ProviderHuggingFace},
	}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "keyrouter.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Routing: DefaultRouting(),
		Router: RouterConfig{
			RetryBackoff:   250 * time.Millisecond,
			Window:         24 * time.Hour,
			RequestTimeout: 60 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:      true,
			MaxRequests:  1,
			Interval:     time.Minute,
			Timeout:      30 * time.Second,
			MinRequests:  5,
			FailureRatio: 0.6,
		},
		Snapshot: SnapshotConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Ledger: LedgerConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, expands environment variables, merges keys
// discovered in the environment and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvDiscovery(os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config without a file: every known provider picks up its
// keys from the environment.
func FromEnv() (*Config, error) {
	cfg := Default()
	for _, p := range models.KnownProviders {
		cfg.Providers = append(cfg.Providers, ProviderConfig{Name: p, DiscoverEnv: true})
	}
	cfg.applyEnvDiscovery(os.Environ())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Provider returns the configuration of the named provider.
func (c *Config) Provider(name models.Provider) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	seen := make(map[models.Provider]bool, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Name.Valid() {
			return fmt.Errorf("provider %q: unknown provider", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q: configured more than once", p.Name)
		}
		seen[p.Name] = true
		if p.DailyCapacity < 0 {
			return fmt.Errorf("provider %q: daily_capacity must not be negative", p.Name)
		}
		for i, k := range p.Keys {
			if k.Secret == "" {
				return fmt.Errorf("provider %q: key %d has an empty secret", p.Name, i)
			}
			if k.DailyCapacity < 0 {
				return fmt.Errorf("provider %q: key %d daily_capacity must not be negative", p.Name, i)
			}
		}
	}

	for capability, chain := range c.Routing {
		if _, err := models.ParseCapability(string(capability)); err != nil {
			return fmt.Errorf("routing: %w", err)
		}
		for _, p := range chain {
			if !p.Valid() {
				return fmt.Errorf("routing %s: unknown provider %q", capability, p)
			}
		}
	}

	if c.Router.Window <= 0 {
		return fmt.Errorf("router.window must be positive, got %s", c.Router.Window)
	}
	if c.Router.RetryBackoff < 0 {
		return fmt.Errorf("router.retry_backoff must not be negative, got %s", c.Router.RetryBackoff)
	}
	if c.Router.MaxAttempts < 0 {
		return fmt.Errorf("router.max_attempts must not be negative, got %d", c.Router.MaxAttempts)
	}
	if c.Breaker.Enabled && (c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1) {
		return fmt.Errorf("breaker.failure_ratio must be in (0, 1], got %.2f", c.Breaker.FailureRatio)
	}
	if c.Identity.Required && len(c.Identity.Tokens) == 0 {
		return fmt.Errorf("identity.required is set but no tokens are configured")
	}
	return nil
}

// applyEnvDiscovery appends environment keys to providers with DiscoverEnv set.
// Secrets already present in the provider's key list are not added twice.
func (c *Config) applyEnvDiscovery(environ []string) {
	for i := range c.Providers {
		p := &c.Providers[i]
		if !p.DiscoverEnv {
			continue
		}
		existing := lo.Map(p.Keys, func(k KeyConfig, _ int) string { return k.Secret })
		for _, secret := range DiscoverKeys(EnvPrefix(p.Name), environ) {
			if lo.Contains(existing, secret) {
				continue
			}
			p.Keys = append(p.Keys, KeyConfig{Secret: secret})
			existing = append(existing, secret)
		}
	}
}

// DiscoverKeys returns the values of PREFIX, PREFIX_1, PREFIX2 ... found in
// environ ("NAME=value" entries), ordered by numeric suffix with the bare name
// first. Empty and placeholder ("your...") values are skipped; duplicates are
// dropped.
func DiscoverKeys(prefix string, environ []string) []string {
	type found struct {
		order int
		value string
	}
	var matches []found
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		suffix := strings.TrimPrefix(strings.TrimPrefix(name, prefix), "_")
		order := -1
		if suffix != "" {
			n, err := strconv.Atoi(suffix)
			if err != nil {
				continue
			}
			order = n
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if value == "" || strings.HasPrefix(strings.ToLower(value), "your") {
			continue
		}
		matches = append(matches, found{order: order, value: value})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].order < matches[j].order })

	return lo.Uniq(lo.Map(matches, func(f found, _ int) string { return f.value }))
}
