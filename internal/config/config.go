// Package config loads and validates the engine configuration from a
// YAML file. Scalar values of the form "env:NAME" are resolved from the
// environment before decoding, so secrets never have to live in the
// file itself. A handful of COUNCIL_* environment variables override
// their file counterparts after decoding.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/council/internal/policy"
	"github.com/szaher/council/internal/pricing"
)

// Duration wraps time.Duration so YAML scalars like "90s" or "2h"
// decode directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Store     Store     `yaml:"store"`
	LLM       LLM       `yaml:"llm"`
	Defaults  Defaults  `yaml:"defaults"`
	Policy    Policy    `yaml:"policy"`
	Archive   Archive   `yaml:"archive"`
	Retention Retention `yaml:"retention"`
	Lock      Lock      `yaml:"lock"`
	Pricing   Pricing   `yaml:"pricing"`
}

// Server configures the HTTP listener and its middleware.
type Server struct {
	Listen        string   `yaml:"listen"`
	LogLevel      string   `yaml:"log_level"`
	APIKey        string   `yaml:"api_key"`
	NoAuth        bool     `yaml:"no_auth"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	RateBurst     int      `yaml:"rate_burst"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Store selects the session store backend.
type Store struct {
	Driver      string `yaml:"driver"` // memory or postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LLM carries provider credentials and endpoints. Empty fields fall
// back to the provider's own environment variables.
type LLM struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	OllamaHost      string `yaml:"ollama_host"`
}

// Defaults are applied to sessions that omit the corresponding knobs.
type Defaults struct {
	MaxRounds        int      `yaml:"max_rounds"`
	AgentTimeout     Duration `yaml:"agent_timeout"`
	TranscriptWindow int      `yaml:"transcript_window"`
	MaxTokens        int      `yaml:"max_tokens"`
	MaxParallel      int      `yaml:"max_parallel"`
}

// Policy holds the halt guard expression evaluated between auto rounds.
type Policy struct {
	Halt string `yaml:"halt"`
}

// Archive configures the S3 bucket completed sessions are copied to.
// An empty bucket disables archiving.
type Archive struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Enabled reports whether archiving is configured.
func (a Archive) Enabled() bool { return a.Bucket != "" }

// Retention configures the sweeper that deletes old completed
// sessions. A zero max_age disables it.
type Retention struct {
	MaxAge   Duration `yaml:"max_age"`
	Schedule string   `yaml:"schedule"`
}

// Enabled reports whether the retention sweeper should run.
func (r Retention) Enabled() bool { return r.MaxAge > 0 }

// Lock selects the execution lock backend. The local driver suits a
// single replica; etcd coordinates several.
type Lock struct {
	Driver        string   `yaml:"driver"` // local or etcd
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`
	EtcdTTL       int      `yaml:"etcd_ttl_seconds"`
}

// Pricing overrides or extends the built-in model rate table. Keys are
// model name prefixes.
type Pricing struct {
	Models map[string]pricing.Rate `yaml:"models"`
}

// Default returns the configuration used when the file omits a value.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:        ":8600",
			LogLevel:      "info",
			RatePerSecond: 10,
			RateBurst:     30,
			ShutdownGrace: Duration(15 * time.Second),
		},
		Store: Store{Driver: "memory"},
		Defaults: Defaults{
			MaxRounds:        10,
			AgentTimeout:     Duration(120 * time.Second),
			TranscriptWindow: 12,
			MaxTokens:        1024,
			MaxParallel:      4,
		},
		Retention: Retention{Schedule: "@hourly"},
		Lock:      Lock{Driver: "local", EtcdPrefix: "/council/locks", EtcdTTL: 60},
	}
}

// Load reads, resolves, decodes, and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML on top of the defaults, resolves env
// references, applies COUNCIL_* overrides, and validates the result.
func Parse(data []byte) (*Config, error) {
	return ParseWith(data, nil)
}

// ParseWith is Parse with a hook applied between decoding and
// validation. The CLI uses it to fold command line flags into the
// configuration before it is checked.
func ParseWith(data []byte, adjust func(*Config)) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := resolveEnvRefs(&root); err != nil {
		return nil, err
	}
	cfg := Default()
	if len(root.Content) > 0 {
		if err := root.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if adjust != nil {
		adjust(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveEnvRefs walks the node tree and replaces scalar values of the
// form "env:NAME" with the value of that environment variable. Unset
// variables are an error so a missing secret fails at load rather than
// at first use.
func resolveEnvRefs(node *yaml.Node) error {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.ScalarNode {
		name, ok := strings.CutPrefix(node.Value, "env:")
		if !ok || name == "" {
			return nil
		}
		value, set := os.LookupEnv(name)
		if !set {
			return fmt.Errorf("environment variable %s referenced but not set", name)
		}
		node.Value = value
		node.Tag = "!!str"
		node.Style = 0
		return nil
	}
	for _, child := range node.Content {
		if err := resolveEnvRefs(child); err != nil {
			return err
		}
	}
	return nil
}

// applyEnvOverrides lets deployment environments override the file
// without rewriting it. Setting COUNCIL_POSTGRES_DSN also switches the
// store driver to postgres.
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("COUNCIL_LISTEN"); ok {
		c.Server.Listen = v
	}
	if v, ok := os.LookupEnv("COUNCIL_API_KEY"); ok {
		c.Server.APIKey = v
	}
	if v, ok := os.LookupEnv("COUNCIL_POSTGRES_DSN"); ok {
		c.Store.PostgresDSN = v
		c.Store.Driver = "postgres"
	}
}

// Validate checks cross-field constraints and compiles the halt guard
// so a broken expression fails at load time.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if !c.Server.NoAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required unless server.no_auth is set (or set COUNCIL_API_KEY)")
	}
	if c.Server.RatePerSecond < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server rate limits must not be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q (want memory or postgres)", c.Store.Driver)
	}

	switch c.Lock.Driver {
	case "", "local":
	case "etcd":
		if len(c.Lock.EtcdEndpoints) == 0 {
			return fmt.Errorf("lock.etcd_endpoints is required for the etcd driver")
		}
		if c.Lock.EtcdTTL < 1 {
			return fmt.Errorf("lock.etcd_ttl_seconds must be at least 1")
		}
	default:
		return fmt.Errorf("unknown lock driver %q (want local or etcd)", c.Lock.Driver)
	}

	if c.Defaults.MaxRounds < 1 {
		return fmt.Errorf("defaults.max_rounds must be at least 1")
	}
	if c.Defaults.AgentTimeout <= 0 {
		return fmt.Errorf("defaults.agent_timeout must be positive")
	}
	if c.Defaults.TranscriptWindow < 0 {
		return fmt.Errorf("defaults.transcript_window must not be negative")
	}
	if c.Defaults.MaxTokens < 1 {
		return fmt.Errorf("defaults.max_tokens must be at least 1")
	}
	if c.Defaults.MaxParallel < 1 {
		return fmt.Errorf("defaults.max_parallel must be at least 1")
	}

	if c.Policy.Halt != "" {
		if _, err := policy.Compile(c.Policy.Halt); err != nil {
			return err
		}
	}

	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	if c.Retention.Enabled() && c.Retention.Schedule == "" {
		return fmt.Errorf("retention.schedule must not be empty when retention is enabled")
	}

	for model, rate := range c.Pricing.Models {
		if rate.InputPerMTok < 0 || rate.OutputPerMTok < 0 {
			return fmt.Errorf("pricing for %q must not be negative", model)
		}
	}
	return nil
}
