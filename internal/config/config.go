package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	rcron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModel           = "gpt-4o-mini"
	DefaultMaxTokens       = 300
	DefaultTemperature     = 0.1
	DefaultAnswerTimeout   = 30
	DefaultSourceURL       = "https://november7-730026606190.europe-west1.run.app"
	DefaultSourcePageSize  = 100
	DefaultSourceTimeout   = 5
	DefaultSourceRetryMax  = 2
	DefaultPopulateTimeout = 30
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8000
	DefaultLogLevel        = "info"
)

type Config struct {
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Answer   AnswerConfig   `json:"answer" yaml:"answer"`
	Source   SourceConfig   `json:"source" yaml:"source"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

type AnswerConfig struct {
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"maxTokens" yaml:"maxTokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	TimeoutSec  int     `json:"timeoutSec" yaml:"timeoutSec"`
}

type SourceConfig struct {
	BaseURL    string `json:"baseUrl" yaml:"baseUrl"`
	PageSize   int    `json:"pageSize" yaml:"pageSize"`
	TimeoutSec int    `json:"timeoutSec" yaml:"timeoutSec"`
	RetryMax   int    `json:"retryMax" yaml:"retryMax"`
	Fallback   bool   `json:"fallback" yaml:"fallback"`
}

type CacheConfig struct {
	PopulateTimeoutSec int `json:"populateTimeoutSec" yaml:"populateTimeoutSec"`
	// Cron expression with seconds field; empty disables scheduled refresh.
	RefreshSchedule string `json:"refreshSchedule,omitempty" yaml:"refreshSchedule,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// Cross-origin hosts allowed to open the websocket, e.g. "app.example.com".
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{},
		Answer: AnswerConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			TimeoutSec:  DefaultAnswerTimeout,
		},
		Source: SourceConfig{
			BaseURL:    DefaultSourceURL,
			PageSize:   DefaultSourcePageSize,
			TimeoutSec: DefaultSourceTimeout,
			RetryMax:   DefaultSourceRetryMax,
			Fallback:   true,
		},
		Cache: CacheConfig{
			PopulateTimeoutSec: DefaultPopulateTimeout,
		},
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memberqa")
}

// ConfigPath returns MEMBERQA_CONFIG when set, otherwise config.json in ConfigDir.
func ConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("MEMBERQA_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)

	if cfg.Answer.Model == "" {
		cfg.Answer.Model = DefaultModel
	}
	if cfg.Answer.MaxTokens <= 0 {
		cfg.Answer.MaxTokens = DefaultMaxTokens
	}
	if cfg.Answer.TimeoutSec <= 0 {
		cfg.Answer.TimeoutSec = DefaultAnswerTimeout
	}
	if cfg.Source.BaseURL == "" {
		cfg.Source.BaseURL = DefaultSourceURL
	}
	if cfg.Source.PageSize <= 0 {
		cfg.Source.PageSize = DefaultSourcePageSize
	}
	if cfg.Source.TimeoutSec <= 0 {
		cfg.Source.TimeoutSec = DefaultSourceTimeout
	}
	if cfg.Cache.PopulateTimeoutSec <= 0 {
		cfg.Cache.PopulateTimeoutSec = DefaultPopulateTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("MEMBERQA_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "anthropic"
		}
	}
	if url := os.Getenv("MEMBERQA_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("MEMBERQA_MODEL"); model != "" {
		cfg.Answer.Model = model
	}
	if url := os.Getenv("MEMBERQA_SOURCE_URL"); url != "" {
		cfg.Source.BaseURL = url
	}
	if fallback := os.Getenv("MEMBERQA_SOURCE_FALLBACK"); fallback != "" {
		if parsed, err := strconv.ParseBool(fallback); err == nil {
			cfg.Source.Fallback = parsed
		}
	}
	if port := os.Getenv("MEMBERQA_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if origins := os.Getenv("MEMBERQA_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = cfg.Server.AllowedOrigins[:0]
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
			}
		}
	}
	if schedule := os.Getenv("MEMBERQA_REFRESH_SCHEDULE"); schedule != "" {
		cfg.Cache.RefreshSchedule = schedule
	}
	if level := os.Getenv("MEMBERQA_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	switch c.Provider.Type {
	case "", "openai", "anthropic":
	default:
		errs = multierror.Append(errs, fmt.Errorf("provider.type %q: must be openai or anthropic", c.Provider.Type))
	}
	if c.Answer.Temperature < 0 || c.Answer.Temperature > 2 {
		errs = multierror.Append(errs, fmt.Errorf("answer.temperature %v: out of range [0, 2]", c.Answer.Temperature))
	}
	if c.Source.BaseURL == "" {
		errs = multierror.Append(errs, fmt.Errorf("source.baseUrl: required"))
	}
	if c.Source.RetryMax < 0 {
		errs = multierror.Append(errs, fmt.Errorf("source.retryMax %d: must not be negative", c.Source.RetryMax))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("server.port %d: out of range", c.Server.Port))
	}
	if s := strings.TrimSpace(c.Cache.RefreshSchedule); s != "" {
		parser := rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
		if _, err := parser.Parse(s); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cache.refreshSchedule %q: %w", s, err))
		}
	}
	return errs
}

// SaveConfig writes cfg to ConfigPath, as YAML when the path ends in .yaml
// or .yml and as JSON otherwise.
func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func encode(path string, cfg *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}
