package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	AI       AIConfig       `yaml:"ai"`
	Outbound OutboundConfig `yaml:"outbound"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig holds the HTTP and SMTP-intake listener settings
type ServerConfig struct {
	HTTPHost string    `yaml:"http_host"`
	HTTPPort int       `yaml:"http_port"`
	SMTPHost string    `yaml:"smtp_host"`
	SMTPPort int       `yaml:"smtp_port"`
	TLS      TLSConfig `yaml:"tls"`
	// AllowedDomains restricts SMTP intake recipients; empty allows all.
	AllowedDomains []string `yaml:"allowed_domains"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AIConfig holds the default AI provider settings. Accounts can override the
// provider, model and key per mailbox.
type AIConfig struct {
	Provider    string  `yaml:"provider"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// OutboundConfig holds outbound email settings
type OutboundConfig struct {
	Provider    string `yaml:"provider"` // "resend", "smtp", or empty for none
	ResendKey   string `yaml:"resend_key"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
	// SMTP settings (if provider is "smtp")
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EngineConfig holds rule-engine and intake tunables
type EngineConfig struct {
	// EvalConcurrency bounds how many rules are evaluated at once per message.
	EvalConcurrency int `yaml:"eval_concurrency"`
	// BodyCharLimit truncates message bodies handed to the AI.
	BodyCharLimit int `yaml:"body_char_limit"`
	// ResyncLimit bounds the fallback resync when a checkpoint is unusable.
	ResyncLimit int `yaml:"resync_limit"`
	// ReplyResolves makes an executed reply close a tracked thread instead of
	// leaving it awaiting the other party.
	ReplyResolves bool `yaml:"reply_resolves"`
	// PollInterval is the cadence of the change-feed sweep across accounts.
	PollInterval time.Duration `yaml:"poll_interval"`
	// CacheTTL is the lifetime of category/group cache entries.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// GroupPatternCap bounds how many patterns a group lookup loads.
	GroupPatternCap int `yaml:"group_pattern_cap"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	cfg.setDefaults()

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "${" + key + "}"
	})
}

// setDefaults sets default values for missing configuration
func (c *Config) setDefaults() {
	if c.Server.HTTPHost == "" {
		c.Server.HTTPHost = "0.0.0.0"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.SMTPHost == "" {
		c.Server.SMTPHost = "0.0.0.0"
	}
	if c.Server.SMTPPort == 0 {
		c.Server.SMTPPort = 2525
	}
	if c.Database.Path == "" {
		c.Database.Path = "./mailpilot.db"
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "openai"
	}
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
	if c.AI.MaxTokens == 0 {
		c.AI.MaxTokens = 1024
	}
	if c.AI.Temperature == 0 {
		c.AI.Temperature = 0.2
	}
	if c.Engine.EvalConcurrency == 0 {
		c.Engine.EvalConcurrency = 3
	}
	if c.Engine.BodyCharLimit == 0 {
		c.Engine.BodyCharLimit = 2000
	}
	if c.Engine.ResyncLimit == 0 {
		c.Engine.ResyncLimit = 100
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = time.Minute
	}
	if c.Engine.CacheTTL == 0 {
		c.Engine.CacheTTL = 5 * time.Minute
	}
	if c.Engine.GroupPatternCap == 0 {
		c.Engine.GroupPatternCap = 50
	}
	if c.Engine.RetryMaxAttempts == 0 {
		c.Engine.RetryMaxAttempts = 4
	}
	if c.Engine.RetryBaseDelay == 0 {
		c.Engine.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.Engine.RetryMaxDelay == 0 {
		c.Engine.RetryMaxDelay = 15 * time.Second
	}
}
