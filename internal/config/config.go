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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Notion    NotionConfig    `yaml:"notion" mapstructure:"notion"`
	Policy    PolicyConfig    `yaml:"policy" mapstructure:"policy"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run-history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AnthropicConfig holds the external model analyzer settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// NotionConfig holds the manual-review queue settings. An empty token
// disables the Notion notifier.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// PolicyConfig points at the screening-rule policy file. An empty path uses
// the built-in defaults.
type PolicyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PipelineConfig configures stage execution and decision mapping.
type PipelineConfig struct {
	AnalyzerStrategy   string `yaml:"analyzer_strategy" mapstructure:"analyzer_strategy"`
	WorkerPoolSize     int    `yaml:"worker_pool_size" mapstructure:"worker_pool_size"`
	StageTimeoutMs     int    `yaml:"stage_timeout_ms" mapstructure:"stage_timeout_ms"`
	MaxRetries         int    `yaml:"max_retries" mapstructure:"max_retries"`
	RunDeadlineSecs    int    `yaml:"run_deadline_secs" mapstructure:"run_deadline_secs"`
	AutoApproveMedium  bool   `yaml:"auto_approve_medium" mapstructure:"auto_approve_medium"`
	AutoRejectHigh     bool   `yaml:"auto_reject_high" mapstructure:"auto_reject_high"`
	EnableManualReview bool   `yaml:"enable_manual_review" mapstructure:"enable_manual_review"`
}

// ServerConfig configures the HTTP API.
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
	v.SetEnvPrefix("SCREENING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "screening.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_second", 5)
	v.SetDefault("pipeline.analyzer_strategy", "rule")
	v.SetDefault("pipeline.worker_pool_size", 4)
	v.SetDefault("pipeline.stage_timeout_ms", 5000)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.run_deadline_secs", 0)
	v.SetDefault("pipeline.auto_approve_medium", false)
	v.SetDefault("pipeline.auto_reject_high", false)
	v.SetDefault("pipeline.enable_manual_review", true)

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

// Validate checks that the configuration is usable for the given mode
// ("serve" or "screen"). All problems are reported at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "screen":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "none":
	default:
		problems = append(problems, "store.driver must be sqlite, postgres, or none")
	}

	switch c.Pipeline.AnalyzerStrategy {
	case "rule":
	case "model", "both":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required for the model analyzer")
		}
	default:
		problems = append(problems, "pipeline.analyzer_strategy must be rule, model, or both")
	}

	if c.Pipeline.WorkerPoolSize < 1 || c.Pipeline.WorkerPoolSize > 64 {
		problems = append(problems, "pipeline.worker_pool_size must be between 1 and 64")
	}
	if c.Pipeline.StageTimeoutMs <= 0 {
		problems = append(problems, "pipeline.stage_timeout_ms must be > 0")
	}
	if c.Pipeline.MaxRetries < 1 || c.Pipeline.MaxRetries > 10 {
		problems = append(problems, "pipeline.max_retries must be between 1 and 10")
	}
	if c.Notion.Token != "" && c.Notion.ReviewDB == "" {
		problems = append(problems, "notion.review_db is required when notion.token is set")
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
