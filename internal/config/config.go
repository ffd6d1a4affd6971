package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fablepress/storyforge/internal/cost"
	"github.com/fablepress/storyforge/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	OpenAI      OpenAIConfig      `yaml:"openai" mapstructure:"openai"`
	Replicate   ReplicateConfig   `yaml:"replicate" mapstructure:"replicate"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Generation  GenerationConfig  `yaml:"generation" mapstructure:"generation"`
	Fulfillment FulfillmentConfig `yaml:"fulfillment" mapstructure:"fulfillment"`
	Pricing     cost.Rates        `yaml:"pricing" mapstructure:"pricing"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// OpenAIConfig holds OpenAI image API settings.
type OpenAIConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	Model          string  `yaml:"model" mapstructure:"model"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// ReplicateConfig holds Replicate API settings.
type ReplicateConfig struct {
	Token   string `yaml:"token" mapstructure:"token"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings for the prompt builder.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// GenerationConfig configures orchestration behavior and the per-activity
// provider routing table.
type GenerationConfig struct {
	RetryAttempts  int                             `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelaySecs int                             `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	PollAttempts   int                             `yaml:"poll_attempts" mapstructure:"poll_attempts"`
	PollIntervalMs int                             `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	Activities     map[string]model.ProviderConfig `yaml:"activities" mapstructure:"activities"`
}

// FulfillmentConfig configures order fulfillment batching.
type FulfillmentConfig struct {
	BatchSize       int `yaml:"batch_size" mapstructure:"batch_size"`
	ItemTimeoutSecs int `yaml:"item_timeout_secs" mapstructure:"item_timeout_secs"`
	BatchDelaySecs  int `yaml:"batch_delay_secs" mapstructure:"batch_delay_secs"`
}

// ServerConfig configures the HTTP API server.
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
	v.SetEnvPrefix("STORYFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-image-1")
	v.SetDefault("openai.requests_per_sec", 5.0)
	v.SetDefault("replicate.base_url", "https://api.replicate.com/v1")
	v.SetDefault("replicate.model", "black-forest-labs/flux-1.1-pro")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("generation.retry_attempts", 3)
	v.SetDefault("generation.retry_delay_secs", 2)
	v.SetDefault("generation.poll_attempts", 20)
	v.SetDefault("generation.poll_interval_ms", 1500)
	v.SetDefault("generation.activities.character_thumbnail.kind", "openai")
	v.SetDefault("generation.activities.character_thumbnail.model", "gpt-image-1-mini")
	v.SetDefault("generation.activities.character_thumbnail.size", "1024x1024")
	v.SetDefault("generation.activities.cover.kind", "openai")
	v.SetDefault("generation.activities.cover.model", "gpt-image-1")
	v.SetDefault("generation.activities.cover.size", "1024x1536")
	v.SetDefault("generation.activities.cover_variant.kind", "replicate")
	v.SetDefault("generation.activities.cover_variant.model", "black-forest-labs/flux-1.1-pro")
	v.SetDefault("generation.activities.cover_variant.size", "1024x1536")
	v.SetDefault("generation.activities.page_illustration.kind", "openai")
	v.SetDefault("generation.activities.page_illustration.model", "gpt-image-1")
	v.SetDefault("generation.activities.page_illustration.size", "1024x1536")
	v.SetDefault("generation.activities.pdf_export.kind", "openai")
	v.SetDefault("generation.activities.pdf_export.model", "gpt-image-1")
	v.SetDefault("fulfillment.batch_size", 3)
	v.SetDefault("fulfillment.item_timeout_secs", 30)
	v.SetDefault("fulfillment.batch_delay_secs", 2)

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

	// Model names contain dots, so pricing tables cannot default through
	// viper key paths. Fall back table by table.
	defaults := cost.DefaultRates()
	if len(cfg.Pricing.OpenAI) == 0 {
		cfg.Pricing.OpenAI = defaults.OpenAI
	}
	if len(cfg.Pricing.Replicate) == 0 {
		cfg.Pricing.Replicate = defaults.Replicate
	}
	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing.Anthropic = defaults.Anthropic
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given mode
// ("serve", "generate", "fulfill", or "migrate").
func (c *Config) Validate(mode string) error {
	switch mode {
	case "serve", "generate", "fulfill", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var problems []string

	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	if mode != "migrate" {
		if c.OpenAI.Key == "" {
			problems = append(problems, "openai.key is required")
		}
		if c.Generation.RetryAttempts < 1 {
			problems = append(problems, "generation.retry_attempts must be >= 1")
		}
		if c.Generation.PollAttempts < 1 {
			problems = append(problems, "generation.poll_attempts must be >= 1")
		}
		for name, p := range c.Generation.Activities {
			if !model.Activity(name).Valid() {
				problems = append(problems, "generation.activities: unknown activity "+name)
			}
			if p.Kind != model.ProviderSync && p.Kind != model.ProviderPolling {
				problems = append(problems, "generation.activities."+name+": unknown provider kind")
			}
		}
	}

	if mode == "serve" || mode == "fulfill" {
		if c.Fulfillment.BatchSize < 1 || c.Fulfillment.BatchSize > 10 {
			problems = append(problems, "fulfillment.batch_size must be between 1 and 10")
		}
		if c.Fulfillment.ItemTimeoutSecs < 1 {
			problems = append(problems, "fulfillment.item_timeout_secs must be >= 1")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
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
