package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Data      DataConfig      `yaml:"data" mapstructure:"data"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Render    RenderConfig    `yaml:"render" mapstructure:"render"`
	Collect   PhaseConfig     `yaml:"collect" mapstructure:"collect"`
	Classify  PhaseConfig     `yaml:"classify" mapstructure:"classify"`
	Taxonomy  TaxonomyConfig  `yaml:"taxonomy" mapstructure:"taxonomy"`
	Prompts   PromptsConfig   `yaml:"prompts" mapstructure:"prompts"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DataConfig configures on-disk data locations.
type DataConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	OpusModel   string `yaml:"opus_model" mapstructure:"opus_model"`
}

// LLMConfig configures completion behavior shared by all phases.
type LLMConfig struct {
	MaxTokens        int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	RetryAttempts    int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	BackoffStartSecs int    `yaml:"backoff_start_secs" mapstructure:"backoff_start_secs"`
	BackoffCapSecs   int    `yaml:"backoff_cap_secs" mapstructure:"backoff_cap_secs"`
	CacheTTL         string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RenderConfig configures page rendering.
type RenderConfig struct {
	Engine      string  `yaml:"engine" mapstructure:"engine"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SettleSecs  int     `yaml:"settle_secs" mapstructure:"settle_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	Headless    bool    `yaml:"headless" mapstructure:"headless"`
}

// PhaseConfig configures one processing phase.
type PhaseConfig struct {
	Model         string  `yaml:"model" mapstructure:"model"`
	Limit         int     `yaml:"limit" mapstructure:"limit"`
	Workers       int     `yaml:"workers" mapstructure:"workers"`
	MinRelevancy  float64 `yaml:"min_relevancy" mapstructure:"min_relevancy"`
	MaxHTMLTokens int     `yaml:"max_html_tokens" mapstructure:"max_html_tokens"`
}

// TaxonomyConfig points at the category taxonomy file.
type TaxonomyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PromptsConfig holds optional prompt template override paths.
type PromptsConfig struct {
	CollectPath  string `yaml:"collect_path" mapstructure:"collect_path"`
	ClassifyPath string `yaml:"classify_path" mapstructure:"classify_path"`
	DetectPath   string `yaml:"detect_path" mapstructure:"detect_path"`
}

// PricingConfig holds per-model token pricing overrides.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("data.dir", "./data")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.opus_model", "claude-opus-4-6")
	v.SetDefault("llm.max_tokens", 8000)
	v.SetDefault("llm.retry_attempts", 5)
	v.SetDefault("llm.backoff_start_secs", 4)
	v.SetDefault("llm.backoff_cap_secs", 64)
	v.SetDefault("llm.cache_ttl", "5m")
	v.SetDefault("llm.timeout_secs", 120)
	v.SetDefault("render.engine", "chrome")
	v.SetDefault("render.timeout_secs", 60)
	v.SetDefault("render.settle_secs", 2)
	v.SetDefault("render.rate_per_sec", 1.0)
	v.SetDefault("render.headless", true)
	v.SetDefault("collect.model", "haiku")
	v.SetDefault("collect.limit", 100)
	v.SetDefault("collect.workers", 4)
	v.SetDefault("collect.min_relevancy", 0.3)
	v.SetDefault("collect.max_html_tokens", 100000)
	v.SetDefault("classify.model", "haiku")
	v.SetDefault("classify.limit", 100)
	v.SetDefault("classify.workers", 4)
	v.SetDefault("classify.min_relevancy", 0)
	v.SetDefault("classify.max_html_tokens", 100000)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// ResolveModel maps a model alias (haiku, sonnet, opus) to its full
// identifier. Unrecognized names pass through unchanged so callers can
// pin an exact model version.
func (c *Config) ResolveModel(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "haiku":
		return c.Anthropic.HaikuModel
	case "sonnet":
		return c.Anthropic.SonnetModel
	case "opus":
		return c.Anthropic.OpusModel
	case "":
		return c.Anthropic.HaikuModel
	}
	return name
}

// Validate checks that the configuration required for the named scope
// is present. Scope is one of: store, llm, render, serve.
func (c *Config) Validate(scope string) error {
	var problems []string

	checkStore := func() {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	}

	switch scope {
	case "store":
		checkStore()
	case "llm":
		checkStore()
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	case "render":
		checkStore()
		switch c.Render.Engine {
		case "chrome", "http":
		default:
			problems = append(problems, "render.engine must be chrome or http")
		}
	case "serve":
		checkStore()
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
	default:
		return eris.Errorf("config: unknown validation scope %q", scope)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
