package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the server settings. Values come from an optional YAML file
// named by CONFIG_FILE and are overridden by environment variables.
type Config struct {
	Server struct {
		Port           int           `yaml:"port"`
		PublicDir      string        `yaml:"public_dir"`
		MaxUploadBytes int64         `yaml:"max_upload_bytes"`
		TrustProxy     bool          `yaml:"trust_proxy"`
		ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	} `yaml:"server"`
	Upstream struct {
		APIKey    string        `yaml:"api_key"`
		BaseURL   string        `yaml:"base_url"`
		ChatModel string        `yaml:"chat_model"`
		MaxTokens int           `yaml:"max_tokens"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"upstream"`
	Auth struct {
		Secret string `yaml:"secret"`
	} `yaml:"auth"`
	Images struct {
		Limit         int    `yaml:"limit"`
		AttachmentDir string `yaml:"attachment_dir"`
		GeneratedDir  string `yaml:"generated_dir"`
	} `yaml:"images"`
	Schedule struct {
		Sweep      string `yaml:"sweep"`
		QuotaReset string `yaml:"quota_reset"`
	} `yaml:"schedule"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Default() *Config {
	c := &Config{}
	c.Server.Port = 3000
	c.Server.PublicDir = "web"
	c.Server.MaxUploadBytes = 10 << 20
	c.Server.ShutdownGrace = 10 * time.Second
	c.Upstream.ChatModel = "gpt-4o-mini"
	c.Upstream.MaxTokens = 2000
	c.Upstream.Timeout = 60 * time.Second
	c.Images.Limit = 5
	c.Images.AttachmentDir = "data/attachedImgs"
	c.Images.GeneratedDir = "data/generatedImgs"
	c.Schedule.Sweep = "@hourly"
	c.Schedule.QuotaReset = "@daily"
	c.RateLimit.RPS = 1
	c.RateLimit.Burst = 5
	c.Log.Level = "info"
	c.Log.Format = "json"
	return c
}

// Load reads .env if present, then the optional YAML file, then the
// environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	num("PORT", &c.Server.Port)
	str("PUBLIC_DIR", &c.Server.PublicDir)
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err))
		} else {
			c.Server.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TRUST_PROXY: %w", err))
		} else {
			c.Server.TrustProxy = b
		}
	}

	str("OPENAI_API_KEY", &c.Upstream.APIKey)
	str("OPENAI_BASE_URL", &c.Upstream.BaseURL)
	str("CHAT_MODEL", &c.Upstream.ChatModel)
	num("MAX_TOKENS", &c.Upstream.MaxTokens)
	if v := os.Getenv("UPSTREAM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT: %w", err))
		} else {
			c.Upstream.Timeout = d
		}
	}

	str("ACCESS_SECRET", &c.Auth.Secret)

	num("IMAGE_LIMIT", &c.Images.Limit)
	str("ATTACHMENT_DIR", &c.Images.AttachmentDir)
	str("GENERATED_DIR", &c.Images.GeneratedDir)

	str("SWEEP_SCHEDULE", &c.Schedule.Sweep)
	str("QUOTA_RESET_SCHEDULE", &c.Schedule.QuotaReset)

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimit.RPS = f
		}
	}
	num("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var problems []string
	if c.Upstream.APIKey == "" {
		problems = append(problems, "OPENAI_API_KEY is required")
	}
	if c.Auth.Secret == "" {
		problems = append(problems, "ACCESS_SECRET is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "PORT must be between 1 and 65535")
	}
	if c.Images.Limit < 0 {
		problems = append(problems, "IMAGE_LIMIT must not be negative")
	}
	if c.Upstream.MaxTokens < 1 {
		problems = append(problems, "MAX_TOKENS must be positive")
	}
	if c.Server.MaxUploadBytes < 1 {
		problems = append(problems, "MAX_UPLOAD_BYTES must be positive")
	}
	if c.Images.AttachmentDir == "" || c.Images.GeneratedDir == "" {
		problems = append(problems, "ATTACHMENT_DIR and GENERATED_DIR must be set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
